package harness

import (
	"context"
	"fmt"
	"time"

	"missionctl/internal/events"
	"missionctl/internal/mission"
	"missionctl/internal/utils"
	"missionctl/internal/workspace"
)

// Adapter is the single entry point the scheduler uses to run harness turns.
// It resolves the workspace, selects the backend, publishes every emitted
// event on the bus, and guarantees exactly one terminal event per turn even
// when the process dies without reporting one.
type Adapter struct {
	registry *Registry
	resolver workspace.Resolver
	bus      *events.Bus
	timeout  time.Duration
	logger   *utils.Logger
}

// NewAdapter wires the harness layer together.
func NewAdapter(registry *Registry, resolver workspace.Resolver, bus *events.Bus, turnTimeout time.Duration) *Adapter {
	return &Adapter{
		registry: registry,
		resolver: resolver,
		bus:      bus,
		timeout:  turnTimeout,
		logger:   utils.NewComponentLogger("HarnessAdapter"),
	}
}

// TurnReport couples the mission outcome with the final assistant text.
type TurnReport struct {
	Outcome       mission.TurnOutcome
	AssistantText string
}

// ExecuteTurn runs one message against the mission's backend. The returned
// report tells the caller how to transition the mission. Cancellation and
// timeout both surface as an interrupted, resumable outcome.
func (a *Adapter) ExecuteTurn(ctx context.Context, m *mission.Mission, content string) TurnReport {
	terminalSeen := false
	emit := func(event events.Event) {
		event.MissionID = m.ID
		if event.EventType.IsTerminal() {
			terminalSeen = true
		}
		a.bus.Publish(event)
	}

	fail := func(reason string, resumable bool) TurnReport {
		if !terminalSeen {
			emit(events.Event{
				EventType: events.TypeError,
				Content:   reason,
			})
		}
		status := mission.StatusFailed
		if resumable {
			status = mission.StatusInterrupted
		}
		return TurnReport{Outcome: mission.TurnOutcome{
			Status:    status,
			Reason:    reason,
			Resumable: resumable,
		}}
	}

	backend, err := a.registry.Get(m.Backend)
	if err != nil {
		return fail(err.Error(), false)
	}
	ws, err := a.resolver.Resolve(m.Workspace)
	if err != nil {
		return fail(fmt.Sprintf("workspace resolution failed: %v", err), false)
	}

	turn := Turn{
		MissionID: m.ID,
		Content:   content,
		Model:     m.ModelOverride,
		SessionID: m.SessionID,
		Workspace: ws,
		Timeout:   a.timeout,
	}

	a.logger.Info("Starting %s turn for mission %s", backend.Name(), m.ID)
	result, err := backend.Run(ctx, turn, emit)

	switch {
	case err == nil && result != nil:
		// Clean turn; fall through to the outcome mapping below.
	case ctx.Err() != nil:
		// Cancelled or timed out; the process was torn down on the way here.
		return fail("turn cancelled", true)
	case err != nil:
		// Process died or its output was unusable without a terminal event.
		a.logger.Error("Harness turn failed for mission %s: %v", m.ID, err)
		return fail(fmt.Sprintf("harness failure: %v", err), true)
	default:
		return fail("harness produced no result", true)
	}

	outcome := mission.TurnOutcome{SessionID: result.SessionID}
	if result.Success {
		outcome.Status = mission.StatusCompleted
	} else {
		outcome.Status = mission.StatusFailed
		outcome.Reason = result.ErrorMsg
	}
	return TurnReport{Outcome: outcome, AssistantText: result.Content}
}

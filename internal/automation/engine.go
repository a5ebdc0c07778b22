package automation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"missionctl/internal/events"
	"missionctl/internal/mission"
	"missionctl/internal/observability"
	"missionctl/internal/utils"
	"missionctl/internal/utils/id"
)

// Submitter enqueues rendered prompts exactly like a user message. The
// mission manager satisfies this.
type Submitter interface {
	Submit(missionID, content, modelOverride, backend string, priority int) (*mission.SubmitResult, error)
}

// Engine owns automation definitions, their interval schedules, and the
// agent_finished subscription. Webhook firings arrive through HandleWebhook.
type Engine struct {
	store      *FileStore
	missions   mission.Store
	submitter  Submitter
	bus        *events.Bus
	libraryDir string
	logger     *utils.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID // automation id -> cron entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates the automation engine.
func NewEngine(store *FileStore, missions mission.Store, submitter Submitter, bus *events.Bus, libraryDir string) *Engine {
	return &Engine{
		store:      store,
		missions:   missions,
		submitter:  submitter,
		bus:        bus,
		libraryDir: libraryDir,
		logger:     utils.NewComponentLogger("AutomationEngine"),
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		entries:    make(map[string]cron.EntryID),
	}
}

// Start schedules active interval automations, begins watching for finished
// turns, and starts the cron runner.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	automations, err := e.store.ListAutomations("")
	if err != nil {
		return fmt.Errorf("load automations: %w", err)
	}
	for _, a := range automations {
		e.scheduleInterval(a)
	}

	finished := e.bus.SubscribeAll(512)
	e.wg.Add(1)
	go e.watchFinishedTurns(finished)

	e.cron.Start()
	e.logger.Info("Automation engine started (%d automations loaded)", len(automations))
	return nil
}

// Stop halts the cron runner and the turn watcher.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	stopCtx := e.cron.Stop()
	<-stopCtx.Done()
	e.wg.Wait()
	e.logger.Info("Automation engine stopped")
}

// Create validates, persists, and schedules a new automation. Webhook
// triggers get their unguessable id minted here.
func (e *Engine) Create(a *Automation) (*Automation, error) {
	a.ID = id.NewAutomationID()
	a.CreatedAt = time.Now().UTC()
	if a.Trigger.Type == TriggerWebhook {
		a.Trigger.WebhookID = id.NewWebhookID()
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.missions.GetMission(a.MissionID); err != nil {
		return nil, err
	}
	if err := e.store.CreateAutomation(a); err != nil {
		return nil, err
	}
	e.scheduleInterval(a)
	e.logger.Info("Created automation %s for mission %s (trigger=%s)", a.ID, a.MissionID, a.Trigger.Type)
	return a, nil
}

// UpdatePatch carries the mutable automation fields; nil means unchanged.
type UpdatePatch struct {
	Active        *bool              `json:"active,omitempty"`
	Variables     *map[string]string `json:"variables,omitempty"`
	CommandSource *CommandSource     `json:"command_source,omitempty"`
	FreshSession  *bool              `json:"fresh_session,omitempty"`
}

// Update applies a patch and reschedules as needed.
func (e *Engine) Update(automationID string, patch UpdatePatch) (*Automation, error) {
	a, err := e.store.GetAutomation(automationID)
	if err != nil {
		return nil, err
	}

	if patch.Active != nil {
		a.Active = *patch.Active
	}
	if patch.Variables != nil {
		a.Variables = *patch.Variables
	}
	if patch.CommandSource != nil {
		a.CommandSource = *patch.CommandSource
	}
	if patch.FreshSession != nil {
		a.FreshSession = *patch.FreshSession
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.SaveAutomation(a); err != nil {
		return nil, err
	}

	e.unschedule(a.ID)
	e.scheduleInterval(a)
	return a, nil
}

// Delete removes the automation and its schedule; execution records stay.
func (e *Engine) Delete(automationID string) error {
	e.unschedule(automationID)
	return e.store.DeleteAutomation(automationID)
}

// Get returns one automation.
func (e *Engine) Get(automationID string) (*Automation, error) {
	return e.store.GetAutomation(automationID)
}

// List returns automations, optionally filtered by mission.
func (e *Engine) List(missionID string) ([]*Automation, error) {
	return e.store.ListAutomations(missionID)
}

// Executions returns the audit log for one automation.
func (e *Engine) Executions(automationID string) ([]*Execution, error) {
	if _, err := e.store.GetAutomation(automationID); err != nil {
		return nil, err
	}
	return e.store.ListExecutions(automationID)
}

// HandleWebhook fires the automation owning the webhook id. The response is
// 404 for any unknown combination (whether the id is malformed or merely
// wrong stays indistinguishable), 200 on scheduling success or inactive
// no-op, 500 when downstream submission failed.
func (e *Engine) HandleWebhook(missionID, webhookID string, payload map[string]any, firedVars map[string]string) (int, *Execution) {
	a, err := e.store.FindByWebhook(missionID, webhookID)
	if err != nil {
		observability.WebhookRequests.WithLabelValues("not_found").Inc()
		return 404, nil
	}
	if !a.Active {
		observability.WebhookRequests.WithLabelValues("inactive").Inc()
		return 200, nil
	}

	resolved := ResolveWebhookVariables(a.Trigger.WebhookVariables, payload)
	merged := MergeVariables(resolved, firedVars)

	exec := e.Fire(a, SourceWebhook, merged, payload)
	if exec == nil || exec.Status == ExecutionFailed {
		observability.WebhookRequests.WithLabelValues("failed").Inc()
		return 500, exec
	}
	observability.WebhookRequests.WithLabelValues("ok").Inc()
	return 200, exec
}

// Fire runs one firing: merge variables, render the template, write the
// pending audit record, submit, finalize the record. Inactive automations
// only produce a record for explicit manual fires.
func (e *Engine) Fire(a *Automation, source string, firedVars map[string]string, payload map[string]any) *Execution {
	observability.AutomationFirings.WithLabelValues(source).Inc()

	if !a.Active {
		if source != SourceManual {
			return nil
		}
		exec := e.newExecution(a, source, nil, payload)
		exec.Status = ExecutionSkipped
		exec.Error = "automation is inactive"
		e.finalizeExecution(exec)
		if err := e.store.CreateExecution(exec); err != nil {
			e.logger.Error("Failed to record skipped execution for %s: %v", a.ID, err)
		}
		return exec
	}

	merged := MergeVariables(a.Variables, firedVars)
	exec := e.newExecution(a, source, merged, payload)

	template, err := e.resolveCommand(a)
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
		e.finalizeExecution(exec)
		if err := e.store.CreateExecution(exec); err != nil {
			e.logger.Error("Failed to record failed execution for %s: %v", a.ID, err)
		}
		return exec
	}

	missionName := ""
	if m, err := e.missions.GetMission(a.MissionID); err == nil {
		missionName = m.Title
	}
	content := Render(template, RenderContext{
		Variables:      merged,
		MissionID:      a.MissionID,
		MissionName:    missionName,
		WebhookPayload: payload,
	})

	// Persist the pending record before submitting so the audit trail
	// exists even if scheduling fails.
	if err := e.store.CreateExecution(exec); err != nil {
		e.logger.Error("Failed to record execution for %s: %v", a.ID, err)
	}

	if a.FreshSession {
		e.clearSession(a.MissionID)
	}

	result, err := e.submitter.Submit(a.MissionID, content, "", "", 0)
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
	} else {
		exec.Status = ExecutionSuccess
		exec.QueuedMessageID = result.MessageID
	}
	e.finalizeExecution(exec)
	if err := e.store.SaveExecution(exec); err != nil {
		e.logger.Error("Failed to finalize execution %s: %v", exec.ID, err)
	}

	now := time.Now().UTC()
	a.LastTriggeredAt = &now
	if err := e.store.SaveAutomation(a); err != nil {
		e.logger.Warn("Failed to update last_triggered_at for %s: %v", a.ID, err)
	}

	e.logger.Info("Automation %s fired (source=%s, status=%s)", a.ID, source, exec.Status)
	return exec
}

// FireByID loads and fires an automation manually.
func (e *Engine) FireByID(automationID string, firedVars map[string]string) (*Execution, error) {
	a, err := e.store.GetAutomation(automationID)
	if err != nil {
		return nil, err
	}
	return e.Fire(a, SourceManual, firedVars, nil), nil
}

func (e *Engine) newExecution(a *Automation, source string, vars map[string]string, payload map[string]any) *Execution {
	return &Execution{
		ID:             id.NewExecutionID(),
		AutomationID:   a.ID,
		MissionID:      a.MissionID,
		TriggeredAt:    time.Now().UTC(),
		TriggerSource:  source,
		Status:         ExecutionPending,
		VariablesUsed:  vars,
		WebhookPayload: payload,
	}
}

func (e *Engine) finalizeExecution(exec *Execution) {
	now := time.Now().UTC()
	exec.CompletedAt = &now
}

// resolveCommand returns the prompt template for the automation's source.
func (e *Engine) resolveCommand(a *Automation) (string, error) {
	switch a.CommandSource.Type {
	case CommandInline:
		return a.CommandSource.Content, nil
	case CommandLibrary:
		name := a.CommandSource.Name
		if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
			return "", fmt.Errorf("invalid library command name %q", name)
		}
		if e.libraryDir == "" {
			return "", fmt.Errorf("library directory is not configured")
		}
		data, err := os.ReadFile(filepath.Join(e.libraryDir, name+".md"))
		if err != nil {
			return "", fmt.Errorf("library command %q: %w", name, err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unknown command source type %q", a.CommandSource.Type)
	}
}

func (e *Engine) clearSession(missionID string) {
	m, err := e.missions.GetMission(missionID)
	if err != nil || m.SessionID == "" {
		return
	}
	m.SessionID = ""
	if err := e.missions.SaveMission(m); err != nil {
		e.logger.Warn("Failed to clear session for %s: %v", missionID, err)
	}
}

// scheduleInterval registers an active interval automation with the cron
// runner.
func (e *Engine) scheduleInterval(a *Automation) {
	if a.Trigger.Type != TriggerInterval || !a.Active {
		return
	}

	automationID := a.ID
	spec := fmt.Sprintf("@every %ds", a.Trigger.IntervalSeconds)
	entryID, err := e.cron.AddFunc(spec, func() {
		current, err := e.store.GetAutomation(automationID)
		if err != nil {
			e.logger.Warn("Interval fire skipped; automation %s gone: %v", automationID, err)
			return
		}
		e.Fire(current, SourceInterval, nil, nil)
	})
	if err != nil {
		e.logger.Error("Failed to schedule automation %s (%s): %v", a.ID, spec, err)
		return
	}

	e.mu.Lock()
	e.entries[a.ID] = entryID
	e.mu.Unlock()
	e.logger.Debug("Scheduled automation %s %s", a.ID, spec)
}

func (e *Engine) unschedule(automationID string) {
	e.mu.Lock()
	entryID, ok := e.entries[automationID]
	if ok {
		delete(e.entries, automationID)
	}
	e.mu.Unlock()
	if ok {
		e.cron.Remove(entryID)
	}
}

// watchFinishedTurns fires agent_finished automations whenever a mission's
// turn publishes its terminal event.
func (e *Engine) watchFinishedTurns(ch chan events.Event) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			e.bus.Unsubscribe("", ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !event.EventType.IsTerminal() {
				continue
			}
			automations, err := e.store.ListAutomations(event.MissionID)
			if err != nil {
				e.logger.Error("Failed to list automations for %s: %v", event.MissionID, err)
				continue
			}
			for _, a := range automations {
				if a.Trigger.Type == TriggerAgentFinished && a.Active {
					e.Fire(a, SourceAgentFinished, nil, nil)
				}
			}
		}
	}
}

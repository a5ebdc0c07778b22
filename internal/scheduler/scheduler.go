// Package scheduler bounds concurrent mission execution with a fixed pool of
// slots and a priority FIFO queue. The assignment step is the only code path
// mutating slot and queue state; it runs under one mutex and never does I/O.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"missionctl/internal/events"
	"missionctl/internal/harness"
	"missionctl/internal/mission"
	"missionctl/internal/observability"
	"missionctl/internal/utils"
)

// SlotState describes one execution slot's occupancy.
type SlotState string

const (
	SlotIdle    SlotState = "idle"
	SlotRunning SlotState = "running"
	SlotPaused  SlotState = "paused"
)

// slot is one concurrency unit. Slots are created at startup and never
// destroyed; only their binding changes.
type slot struct {
	id           int
	state        SlotState
	missionID    string
	cancel       context.CancelFunc
	cancelled    bool
	paused       bool
	inbox        []mission.QueuedMessage
	lastActivity time.Time
}

// RunningMissionInfo is the externally visible occupancy of one bound slot.
type RunningMissionInfo struct {
	SlotID               int    `json:"slot_id"`
	MissionID            string `json:"mission_id"`
	State                string `json:"state"`
	QueueLen             int    `json:"queue_len"`
	HistoryLen           int    `json:"history_len"`
	SecondsSinceActivity int64  `json:"seconds_since_activity"`
	Stalled              bool   `json:"stalled"`
}

// Config bounds the scheduler.
type Config struct {
	Slots          int
	StallThreshold time.Duration
	TurnTimeout    time.Duration
}

// Scheduler owns the slot table and the global message queue. It implements
// mission.Dispatcher.
type Scheduler struct {
	mu      sync.Mutex
	slots   []*slot
	queue   []mission.QueuedMessage
	cfg     Config
	manager *mission.Manager
	adapter *harness.Adapter
	store   mission.Store
	logger  *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler with cfg.Slots execution slots.
func New(cfg Config, manager *mission.Manager, adapter *harness.Adapter) *Scheduler {
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 60 * time.Second
	}

	slots := make([]*slot, cfg.Slots)
	for i := range slots {
		slots[i] = &slot{id: i, state: SlotIdle}
	}

	return &Scheduler{
		slots:   slots,
		cfg:     cfg,
		manager: manager,
		adapter: adapter,
		store:   manager.Store(),
		logger:  utils.NewComponentLogger("Scheduler"),
	}
}

// Start restores persisted queued messages, begins watching bus activity,
// and dispatches whatever can run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	msgs, err := s.store.ListQueuedMessages()
	if err != nil {
		return fmt.Errorf("restore queued messages: %w", err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, msgs...)
	s.tryDispatchLocked()
	s.mu.Unlock()

	activity := s.manager.Bus().SubscribeAll(512)
	s.wg.Add(1)
	go s.watchActivity(activity)

	s.logger.Info("Scheduler started with %d slots (%d messages restored)", len(s.slots), len(msgs))
	return nil
}

// Stop cancels running turns and waits for workers to publish their terminal
// events.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, sl := range s.slots {
		if sl.cancel != nil {
			sl.cancelled = true
			sl.cancel()
		}
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Dispatch implements mission.Dispatcher. It returns true when the message
// had to wait in the global queue.
func (s *Scheduler) Dispatch(msg mission.QueuedMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A message for a mission already bound to a slot joins that slot's
	// in-slot queue unless the slot is paused.
	if sl := s.slotForLocked(msg.MissionID); sl != nil && !sl.paused {
		sl.inbox = append(sl.inbox, msg)
		s.logger.Debug("Message %s joined in-slot queue of slot %d (depth %d)", msg.ID, sl.id, len(sl.inbox))
		return false
	}

	s.queue = append(s.queue, msg)
	s.tryDispatchLocked()

	for _, queued := range s.queue {
		if queued.ID == msg.ID {
			return true
		}
	}
	return false
}

// Cancel implements mission.Dispatcher. Returns true when the mission was
// bound to a slot; the slot's worker publishes the terminal event.
func (s *Scheduler) Cancel(missionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slotForLocked(missionID)
	if sl == nil {
		return false
	}

	// Cancellation discards the mission's pending in-slot work.
	for _, pending := range sl.inbox {
		_ = s.store.DeleteQueuedMessage(pending.ID)
	}
	sl.inbox = nil

	if sl.cancel == nil {
		// Paused between turns: no worker exists to publish a terminal
		// event, so free the binding and let the caller mark the mission.
		s.freeSlotLocked(sl)
		s.tryDispatchLocked()
		return false
	}

	sl.cancelled = true
	sl.cancel()
	return true
}

// RemoveQueued implements mission.Dispatcher.
func (s *Scheduler) RemoveQueued(missionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	removed := 0
	for _, msg := range s.queue {
		if msg.MissionID == missionID {
			_ = s.store.DeleteQueuedMessage(msg.ID)
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	s.queue = kept
	observability.QueueDepth.Set(float64(len(s.queue)))
	return removed
}

// IsRunning implements mission.Dispatcher.
func (s *Scheduler) IsRunning(missionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotForLocked(missionID) != nil
}

// PauseSlot stops a slot from accepting or picking up in-slot messages. The
// current turn keeps running.
func (s *Scheduler) PauseSlot(slotID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.slotByIDLocked(slotID)
	if err != nil {
		return err
	}
	sl.paused = true
	if sl.state == SlotRunning {
		sl.state = SlotPaused
	}
	return nil
}

// ResumeSlot lifts a pause and continues with any held in-slot messages.
func (s *Scheduler) ResumeSlot(slotID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.slotByIDLocked(slotID)
	if err != nil {
		return err
	}
	sl.paused = false

	switch {
	case sl.state == SlotPaused && sl.cancel != nil:
		// Worker still running the current turn; it continues normally.
		sl.state = SlotRunning
	case sl.state == SlotPaused && len(sl.inbox) > 0:
		next := sl.inbox[0]
		sl.inbox = sl.inbox[1:]
		s.startTurnLocked(sl, next)
	case sl.state == SlotPaused:
		s.freeSlotLocked(sl)
		s.tryDispatchLocked()
	}
	return nil
}

// Running reports occupancy of all bound slots.
func (s *Scheduler) Running() []RunningMissionInfo {
	s.mu.Lock()
	bound := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		if sl.state != SlotIdle {
			bound = append(bound, sl)
		}
	}
	infos := make([]RunningMissionInfo, 0, len(bound))
	for _, sl := range bound {
		idle := time.Since(sl.lastActivity)
		infos = append(infos, RunningMissionInfo{
			SlotID:               sl.id,
			MissionID:            sl.missionID,
			State:                string(sl.state),
			QueueLen:             len(sl.inbox),
			SecondsSinceActivity: int64(idle / time.Second),
			Stalled:              idle > s.cfg.StallThreshold,
		})
	}
	s.mu.Unlock()

	// History length comes from the store, outside the critical section.
	for i := range infos {
		infos[i].HistoryLen = s.manager.HistoryLen(infos[i].MissionID)
	}
	return infos
}

// QueueDepth returns the global queue length.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SlotCount returns the configured pool size.
func (s *Scheduler) SlotCount() int {
	return len(s.slots)
}

// tryDispatchLocked assigns queued messages to idle slots. A message is
// eligible when its mission is not bound to any slot; among eligible
// messages the highest priority wins, ties broken by enqueue time. Runs
// under s.mu and performs no I/O.
func (s *Scheduler) tryDispatchLocked() {
	for {
		idle := s.idleSlotLocked()
		if idle == nil {
			break
		}

		best := -1
		for i, msg := range s.queue {
			if s.slotForLocked(msg.MissionID) != nil {
				continue
			}
			if best == -1 {
				best = i
				continue
			}
			if msg.Priority > s.queue[best].Priority ||
				(msg.Priority == s.queue[best].Priority && msg.EnqueuedAt.Before(s.queue[best].EnqueuedAt)) {
				best = i
			}
		}
		if best == -1 {
			break
		}

		msg := s.queue[best]
		s.queue = append(s.queue[:best], s.queue[best+1:]...)
		s.startTurnLocked(idle, msg)
	}
	observability.QueueDepth.Set(float64(len(s.queue)))
}

// startTurnLocked binds a slot to a mission and launches its worker.
func (s *Scheduler) startTurnLocked(sl *slot, msg mission.QueuedMessage) {
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	turnCtx, cancel := context.WithCancel(s.ctx)
	sl.state = SlotRunning
	sl.missionID = msg.MissionID
	sl.cancel = cancel
	sl.cancelled = false
	sl.lastActivity = time.Now()
	observability.BusySlots.Set(float64(s.boundSlotsLocked()))

	s.wg.Add(1)
	go s.runWorker(turnCtx, sl, msg)
}

// runWorker drives one slot through a turn and any in-slot follow-ups. All
// blocking work happens here, outside the scheduler mutex.
func (s *Scheduler) runWorker(ctx context.Context, sl *slot, msg mission.QueuedMessage) {
	defer s.wg.Done()

	for {
		s.executeTurn(ctx, sl, msg)

		s.mu.Lock()
		if sl.cancelled || s.ctx.Err() != nil {
			s.freeSlotLocked(sl)
			s.tryDispatchLocked()
			s.mu.Unlock()
			return
		}
		if sl.paused {
			// Hold the binding; ResumeSlot picks the inbox back up.
			sl.state = SlotPaused
			sl.cancel = nil
			s.mu.Unlock()
			return
		}
		if len(sl.inbox) == 0 {
			s.freeSlotLocked(sl)
			s.tryDispatchLocked()
			s.mu.Unlock()
			return
		}
		msg = sl.inbox[0]
		sl.inbox = sl.inbox[1:]
		sl.lastActivity = time.Now()
		s.mu.Unlock()
	}
}

// executeTurn runs exactly one harness turn and applies its outcome. The
// cleanup path is unconditional: every turn ends with a terminal event and a
// persisted status transition.
func (s *Scheduler) executeTurn(ctx context.Context, sl *slot, msg mission.QueuedMessage) {
	defer func() {
		_ = s.store.DeleteQueuedMessage(msg.ID)
	}()

	if err := s.manager.MarkActive(msg.MissionID); err != nil {
		s.logger.Error("Failed to activate mission %s: %v", msg.MissionID, err)
		_ = s.manager.FinishTurn(msg.MissionID, mission.TurnOutcome{
			Status: mission.StatusFailed,
			Reason: fmt.Sprintf("activation failed: %v", err),
		})
		return
	}

	m, err := s.store.GetMission(msg.MissionID)
	if err != nil {
		s.logger.Error("Mission %s vanished before its turn: %v", msg.MissionID, err)
		return
	}
	if msg.ModelOverride != "" {
		m.ModelOverride = msg.ModelOverride
	}

	observability.TurnsStarted.WithLabelValues(m.Backend).Inc()
	report := s.adapter.ExecuteTurn(ctx, m, msg.Content)

	if report.AssistantText != "" {
		if err := s.manager.AppendAssistant(msg.MissionID, report.AssistantText); err != nil {
			s.logger.Error("Failed to append assistant reply for %s: %v", msg.MissionID, err)
		}
	}

	outcome := report.Outcome

	s.mu.Lock()
	hasFollowUps := len(sl.inbox) > 0 && !sl.cancelled && !sl.paused
	if outcome.Status != mission.StatusCompleted && !sl.cancelled {
		// The turn did not finish cleanly; pending in-slot work goes back to
		// the global queue so a later dispatch can retry after a resume.
		s.queue = append(s.queue, sl.inbox...)
		sl.inbox = nil
		hasFollowUps = false
	}
	s.mu.Unlock()

	if hasFollowUps && outcome.Status == mission.StatusCompleted {
		// More messages queued for this mission: record session state but
		// stay active instead of bouncing through completed.
		if outcome.SessionID != "" {
			_ = s.manager.FinishTurn(msg.MissionID, mission.TurnOutcome{
				Status:    mission.StatusActive,
				SessionID: outcome.SessionID,
			})
		}
		return
	}

	if err := s.manager.FinishTurn(msg.MissionID, outcome); err != nil {
		s.logger.Error("Failed to finish turn for %s: %v", msg.MissionID, err)
	}
	observability.TurnsFinished.WithLabelValues(string(outcome.Status)).Inc()
}

// watchActivity tracks the last event timestamp per bound mission for stall
// reporting.
func (s *Scheduler) watchActivity(ch chan events.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.manager.Bus().Unsubscribe("", ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			if sl := s.slotForLocked(event.MissionID); sl != nil {
				sl.lastActivity = time.Now()
			}
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) slotForLocked(missionID string) *slot {
	if missionID == "" {
		return nil
	}
	for _, sl := range s.slots {
		if sl.state != SlotIdle && sl.missionID == missionID {
			return sl
		}
	}
	return nil
}

func (s *Scheduler) idleSlotLocked() *slot {
	for _, sl := range s.slots {
		if sl.state == SlotIdle {
			return sl
		}
	}
	return nil
}

func (s *Scheduler) slotByIDLocked(slotID int) (*slot, error) {
	if slotID < 0 || slotID >= len(s.slots) {
		return nil, fmt.Errorf("unknown slot %d", slotID)
	}
	return s.slots[slotID], nil
}

func (s *Scheduler) freeSlotLocked(sl *slot) {
	sl.state = SlotIdle
	sl.missionID = ""
	sl.cancel = nil
	sl.cancelled = false
	sl.inbox = nil
	observability.BusySlots.Set(float64(s.boundSlotsLocked()))
}

func (s *Scheduler) boundSlotsLocked() int {
	n := 0
	for _, sl := range s.slots {
		if sl.state != SlotIdle {
			n++
		}
	}
	return n
}

package mission

import (
	"fmt"
	"sync"
	"time"

	"missionctl/internal/events"
	"missionctl/internal/utils"
	"missionctl/internal/utils/id"
)

// Dispatcher routes accepted work to execution slots. Implemented by the
// scheduler; the manager never blocks on it.
type Dispatcher interface {
	// Dispatch accepts a message and returns true when it had to wait in the
	// global queue (no free slot and the mission is not already running).
	Dispatch(msg QueuedMessage) (queued bool)
	// Cancel stops the mission's running turn if one exists; returns true
	// when the mission was bound to a slot.
	Cancel(missionID string) bool
	// RemoveQueued drops all globally queued messages for a mission and
	// returns how many were removed.
	RemoveQueued(missionID string) int
	// IsRunning reports whether the mission is bound to a slot.
	IsRunning(missionID string) bool
}

// SubmitResult is the synchronous answer to a message submission.
type SubmitResult struct {
	MessageID string `json:"id"`
	MissionID string `json:"mission_id"`
	Queued    bool   `json:"queued"`
}

// TurnOutcome summarizes one finished harness turn.
type TurnOutcome struct {
	Status    Status
	Reason    string
	Resumable bool
	SessionID string
}

// Manager owns mission records and their lifecycle transitions. All status
// changes flow through it so every transition is persisted and published.
type Manager struct {
	store      Store
	bus        *events.Bus
	dispatcher Dispatcher
	backend    string
	workspace  string
	logger     *utils.Logger
	mu         sync.Mutex
}

// NewManager creates a mission manager. The dispatcher is attached later via
// SetDispatcher because the scheduler is constructed on top of the manager.
func NewManager(store Store, bus *events.Bus, defaultBackend, defaultWorkspace string) *Manager {
	return &Manager{
		store:     store,
		bus:       bus,
		backend:   defaultBackend,
		workspace: defaultWorkspace,
		logger:    utils.NewComponentLogger("MissionManager"),
	}
}

// SetDispatcher wires the scheduler in. Must be called before Submit.
func (mgr *Manager) SetDispatcher(d Dispatcher) {
	mgr.dispatcher = d
}

// Store exposes the underlying store for read paths.
func (mgr *Manager) Store() Store {
	return mgr.store
}

// Bus exposes the event bus for subscribers.
func (mgr *Manager) Bus() *events.Bus {
	return mgr.bus
}

// CreateOptions parameterize mission creation.
type CreateOptions struct {
	Title         string
	Backend       string
	ModelOverride string
	Workspace     string
}

// Create makes an empty pending mission.
func (mgr *Manager) Create(opts CreateOptions) (*Mission, error) {
	now := time.Now().UTC()
	m := &Mission{
		ID:            id.NewMissionID(),
		Title:         opts.Title,
		Status:        StatusPending,
		Backend:       opts.Backend,
		ModelOverride: opts.ModelOverride,
		Workspace:     opts.Workspace,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if m.Backend == "" {
		m.Backend = mgr.backend
	}
	if m.Workspace == "" {
		m.Workspace = mgr.workspace
	}
	if m.Title == "" {
		m.Title = "Untitled mission"
	}

	if err := mgr.store.CreateMission(m); err != nil {
		return nil, err
	}
	mgr.logger.Info("Created mission %s (backend=%s)", m.ID, m.Backend)
	return m, nil
}

// Submit accepts a user message for a mission. It never blocks: the history
// entry is appended, a user_message event published, and the message handed
// to the dispatcher, which either starts it, routes it to the running slot's
// in-slot queue, or parks it in the global queue.
//
// An empty missionID creates a new mission for the message.
func (mgr *Manager) Submit(missionID, content, modelOverride, backend string, priority int) (*SubmitResult, error) {
	if content == "" {
		return nil, fmt.Errorf("message content must not be empty")
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	var m *Mission
	var err error
	if missionID == "" {
		m, err = mgr.Create(CreateOptions{
			Title:         TitleFromContent(content),
			Backend:       backend,
			ModelOverride: modelOverride,
		})
	} else {
		m, err = mgr.store.GetMission(missionID)
	}
	if err != nil {
		return nil, err
	}

	m.History = append(m.History, HistoryEntry{Role: RoleUser, Content: content})
	if m.Title == "" || m.Title == "Untitled mission" {
		m.Title = TitleFromContent(content)
	}
	if modelOverride != "" {
		m.ModelOverride = modelOverride
	}
	m.UpdatedAt = time.Now().UTC()
	if err := mgr.store.SaveMission(m); err != nil {
		return nil, err
	}

	mgr.bus.Publish(events.Event{
		MissionID: m.ID,
		EventType: events.TypeUserMessage,
		Content:   content,
	})

	msg := QueuedMessage{
		ID:            id.NewMessageID(),
		MissionID:     m.ID,
		Content:       content,
		ModelOverride: modelOverride,
		Backend:       m.Backend,
		Priority:      priority,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := mgr.store.SaveQueuedMessage(msg); err != nil {
		return nil, err
	}

	queued := mgr.dispatcher.Dispatch(msg)
	mgr.logger.Info("Accepted message %s for mission %s (queued=%v)", msg.ID, m.ID, queued)
	return &SubmitResult{MessageID: msg.ID, MissionID: m.ID, Queued: queued}, nil
}

// SetStatus applies an explicit user-requested status. Setting a terminal
// status records the reason; setting active reopens a terminal mission and
// clears terminal_reason.
func (mgr *Manager) SetStatus(missionID string, status Status, reason string) (*Mission, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	m, err := mgr.store.GetMission(missionID)
	if err != nil {
		return nil, err
	}

	mgr.applyStatusLocked(m, status, reason, status.AllowsResume())
	if err := mgr.store.SaveMission(m); err != nil {
		return nil, err
	}
	mgr.publishStatusChange(m)
	return m, nil
}

// Resume re-enters an interrupted or blocked mission and resubmits its last
// unresolved user message. Rejected with ErrNotResumable otherwise, so a
// second immediate resume fails instead of spawning a duplicate harness.
func (mgr *Manager) Resume(missionID string) (*SubmitResult, error) {
	mgr.mu.Lock()

	m, err := mgr.store.GetMission(missionID)
	if err != nil {
		mgr.mu.Unlock()
		return nil, err
	}
	if !m.Status.AllowsResume() || !m.Resumable {
		mgr.mu.Unlock()
		return nil, fmt.Errorf("%w: mission %s is %s", ErrNotResumable, missionID, m.Status)
	}
	if mgr.dispatcher.IsRunning(missionID) {
		mgr.mu.Unlock()
		return nil, fmt.Errorf("%w: mission %s already has a running slot", ErrNotResumable, missionID)
	}

	content := m.LastUserMessage()
	if content == "" {
		mgr.mu.Unlock()
		return nil, fmt.Errorf("%w: mission %s has no message to resume", ErrNotResumable, missionID)
	}

	mgr.applyStatusLocked(m, StatusPending, "", false)
	if err := mgr.store.SaveMission(m); err != nil {
		mgr.mu.Unlock()
		return nil, err
	}
	mgr.publishStatusChange(m)

	msg := QueuedMessage{
		ID:            id.NewMessageID(),
		MissionID:     m.ID,
		Content:       content,
		ModelOverride: m.ModelOverride,
		Backend:       m.Backend,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := mgr.store.SaveQueuedMessage(msg); err != nil {
		mgr.mu.Unlock()
		return nil, err
	}
	mgr.mu.Unlock()

	queued := mgr.dispatcher.Dispatch(msg)
	mgr.logger.Info("Resumed mission %s (queued=%v)", missionID, queued)
	return &SubmitResult{MessageID: msg.ID, MissionID: m.ID, Queued: queued}, nil
}

// Cancel stops a running mission or, when only queued, removes its pending
// work and marks it interrupted.
func (mgr *Manager) Cancel(missionID string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	m, err := mgr.store.GetMission(missionID)
	if err != nil {
		return err
	}

	if mgr.dispatcher.Cancel(missionID) {
		// The slot's cleanup path publishes the terminal event.
		mgr.logger.Info("Cancellation signalled for running mission %s", missionID)
		return nil
	}

	removed := mgr.dispatcher.RemoveQueued(missionID)
	mgr.applyStatusLocked(m, StatusInterrupted, "cancelled before execution", true)
	if err := mgr.store.SaveMission(m); err != nil {
		return err
	}
	mgr.publishStatusChange(m)
	mgr.logger.Info("Cancelled queued mission %s (%d messages removed)", missionID, removed)
	return nil
}

// Delete removes the mission, its event log, and replay state.
func (mgr *Manager) Delete(missionID string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.dispatcher != nil && mgr.dispatcher.IsRunning(missionID) {
		return fmt.Errorf("mission %s is running; cancel it first", missionID)
	}
	if err := mgr.store.DeleteMission(missionID); err != nil {
		return err
	}
	if err := mgr.store.DeleteEvents(missionID); err != nil {
		mgr.logger.Warn("Failed to delete event log for %s: %v", missionID, err)
	}
	mgr.bus.Forget(missionID)
	return nil
}

// MarkActive records that a slot picked the mission up.
func (mgr *Manager) MarkActive(missionID string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	m, err := mgr.store.GetMission(missionID)
	if err != nil {
		return err
	}
	if m.Status == StatusActive {
		return nil
	}
	mgr.applyStatusLocked(m, StatusActive, "", false)
	if err := mgr.store.SaveMission(m); err != nil {
		return err
	}
	mgr.publishStatusChange(m)
	return nil
}

// AppendAssistant appends the final assistant reply to history.
func (mgr *Manager) AppendAssistant(missionID, content string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	m, err := mgr.store.GetMission(missionID)
	if err != nil {
		return err
	}
	m.History = append(m.History, HistoryEntry{Role: RoleAssistant, Content: content})
	m.UpdatedAt = time.Now().UTC()
	return mgr.store.SaveMission(m)
}

// FinishTurn applies the outcome of a completed harness turn.
func (mgr *Manager) FinishTurn(missionID string, outcome TurnOutcome) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	m, err := mgr.store.GetMission(missionID)
	if err != nil {
		return err
	}
	if outcome.SessionID != "" {
		m.SessionID = outcome.SessionID
	}
	mgr.applyStatusLocked(m, outcome.Status, outcome.Reason, outcome.Resumable)
	if err := mgr.store.SaveMission(m); err != nil {
		return err
	}
	mgr.publishStatusChange(m)
	return nil
}

// RecoverOrphans marks missions left active by a previous crash as
// interrupted and resumable. Called once at startup before the scheduler
// accepts work.
func (mgr *Manager) RecoverOrphans() error {
	missions, err := mgr.store.ListMissions()
	if err != nil {
		return err
	}
	for _, m := range missions {
		if m.Status != StatusActive {
			continue
		}
		// Seed sequences from the persisted log so replays stay gap-free.
		if last, err := mgr.store.LastSequence(m.ID); err == nil {
			mgr.bus.SeedSequence(m.ID, last)
		}
		mgr.applyStatusLocked(m, StatusInterrupted, "server restart", true)
		if err := mgr.store.SaveMission(m); err != nil {
			return err
		}
		mgr.publishStatusChange(m)
		mgr.logger.Warn("Recovered orphaned mission %s as interrupted", m.ID)
	}
	return nil
}

// History returns the mission's conversation length; used by slot occupancy
// reporting.
func (mgr *Manager) HistoryLen(missionID string) int {
	m, err := mgr.store.GetMission(missionID)
	if err != nil {
		return 0
	}
	return len(m.History)
}

func (mgr *Manager) applyStatusLocked(m *Mission, status Status, reason string, resumable bool) {
	now := time.Now().UTC()
	m.Status = status
	m.UpdatedAt = now
	m.Resumable = resumable

	switch {
	case status == StatusInterrupted || status == StatusBlocked:
		m.InterruptedAt = &now
		m.TerminalReason = reason
	case status.IsTerminal():
		m.TerminalReason = reason
		m.InterruptedAt = nil
	default:
		// Reopening clears the terminal diagnostics.
		m.TerminalReason = ""
		m.InterruptedAt = nil
	}
}

func (mgr *Manager) publishStatusChange(m *Mission) {
	mgr.bus.Publish(events.Event{
		MissionID: m.ID,
		EventType: events.TypeStatusChange,
		Content:   string(m.Status),
		Metadata: map[string]any{
			"status":    string(m.Status),
			"resumable": m.Resumable,
			"reason":    m.TerminalReason,
		},
	})
}

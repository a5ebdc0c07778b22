package mission

import (
	"errors"

	"missionctl/internal/events"
)

// Store errors surfaced to the API layer.
var (
	ErrMissionNotFound = errors.New("mission not found")
	ErrMissionExists   = errors.New("mission already exists")
	ErrNotResumable    = errors.New("mission is not resumable")
	ErrInvalidStatus   = errors.New("invalid mission status")
)

// Store persists mission records, the sequence-numbered event log, and
// queued messages. Implementations must be safe for concurrent use.
type Store interface {
	CreateMission(m *Mission) error
	GetMission(id string) (*Mission, error)
	SaveMission(m *Mission) error
	ListMissions() ([]*Mission, error)
	DeleteMission(id string) error

	// Append persists one canonical event; it is the events.Sink for the bus.
	Append(event events.Event) error
	// ReadEvents returns persisted events with sequence > afterSequence,
	// oldest first, up to limit (0 means no limit).
	ReadEvents(missionID string, afterSequence uint64, limit int) ([]events.Event, error)
	// LastSequence returns the highest persisted sequence for a mission.
	LastSequence(missionID string) (uint64, error)
	// DeleteEvents removes a mission's event log.
	DeleteEvents(missionID string) error

	// Queued messages persist across restarts so queued work survives a crash.
	SaveQueuedMessage(msg QueuedMessage) error
	DeleteQueuedMessage(id string) error
	ListQueuedMessages() ([]QueuedMessage, error)
}

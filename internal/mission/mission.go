package mission

import (
	"time"
)

// Status is the lifecycle state of a mission.
type Status string

const (
	// StatusPending marks a mission created but not yet picked up by a slot.
	StatusPending Status = "pending"
	// StatusActive marks a mission bound to an execution slot.
	StatusActive Status = "active"
	// StatusCompleted marks a mission whose last turn finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed marks a mission whose harness reported an unrecoverable error.
	StatusFailed Status = "failed"
	// StatusInterrupted marks a mission stopped before its turn finished.
	StatusInterrupted Status = "interrupted"
	// StatusBlocked marks a mission waiting on something outside the agent's control.
	StatusBlocked Status = "blocked"
	// StatusNotFeasible marks a mission the agent determined cannot be done.
	StatusNotFeasible Status = "not_feasible"
)

var validStatuses = map[Status]bool{
	StatusPending:     true,
	StatusActive:      true,
	StatusCompleted:   true,
	StatusFailed:      true,
	StatusInterrupted: true,
	StatusBlocked:     true,
	StatusNotFeasible: true,
}

// IsValid reports whether the status is a known lifecycle state.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal reports whether the status is sticky: no automatic transition
// leaves it, only an explicit status update can reopen the mission.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusNotFeasible
}

// AllowsResume reports whether a mission in this status may be resumed
// (subject to its resumable flag).
func (s Status) AllowsResume() bool {
	return s == StatusInterrupted || s == StatusBlocked
}

// HistoryEntry is one role-tagged message in a mission's conversation.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Mission is a single agent conversation with its own history and lifecycle.
// History is append-only; it never shrinks except when the whole mission is
// deleted.
type Mission struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Status         Status         `json:"status"`
	History        []HistoryEntry `json:"history"`
	Backend        string         `json:"backend"`
	ModelOverride  string         `json:"model_override,omitempty"`
	Workspace      string         `json:"workspace,omitempty"`
	Resumable      bool           `json:"resumable"`
	SessionID      string         `json:"session_id,omitempty"`
	TerminalReason string         `json:"terminal_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	InterruptedAt  *time.Time     `json:"interrupted_at,omitempty"`
}

// LastUserMessage returns the content of the most recent user history entry,
// or "" when the mission has no user messages.
func (m *Mission) LastUserMessage() string {
	for i := len(m.History) - 1; i >= 0; i-- {
		if m.History[i].Role == RoleUser {
			return m.History[i].Content
		}
	}
	return ""
}

// HasUnresolvedMessage reports whether the newest history entry is a user
// message with no assistant reply after it.
func (m *Mission) HasUnresolvedMessage() bool {
	if len(m.History) == 0 {
		return false
	}
	return m.History[len(m.History)-1].Role == RoleUser
}

// QueuedMessage is a pending unit of work owned by the scheduler's queue.
// An empty MissionID means "create a new mission for this message".
type QueuedMessage struct {
	ID            string    `json:"id"`
	MissionID     string    `json:"mission_id"`
	Content       string    `json:"content"`
	ModelOverride string    `json:"model_override,omitempty"`
	Backend       string    `json:"backend,omitempty"`
	Priority      int       `json:"priority"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// TitleFromContent derives a mission title from its first message.
func TitleFromContent(content string) string {
	const maxTitle = 80
	title := content
	for i, r := range title {
		if r == '\n' {
			title = title[:i]
			break
		}
	}
	if len(title) > maxTitle {
		title = title[:maxTitle]
	}
	if title == "" {
		title = "Untitled mission"
	}
	return title
}

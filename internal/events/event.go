package events

import "time"

// Type discriminates canonical event variants.
type Type string

const (
	TypeTextDelta        Type = "text_delta"
	TypeThinkingDelta    Type = "thinking_delta"
	TypeToolCall         Type = "tool_call"
	TypeToolResult       Type = "tool_result"
	TypeAssistantMessage Type = "assistant_message"
	TypeUserMessage      Type = "user_message"
	TypeError            Type = "error"
	TypeStatusChange     Type = "status_change"
)

// IsTerminal reports whether the event type ends a harness turn.
func (t Type) IsTerminal() bool {
	return t == TypeAssistantMessage || t == TypeError
}

// IsCritical reports whether slow subscribers must not miss the event.
// Critical events evict the oldest buffered event instead of being dropped.
func (t Type) IsCritical() bool {
	return t == TypeAssistantMessage || t == TypeError || t == TypeStatusChange
}

// Event is the unified representation of anything a harness process emits,
// plus lifecycle notifications produced by the orchestration core itself.
// Events are immutable once published and carry a per-mission monotonically
// increasing sequence number.
type Event struct {
	MissionID  string         `json:"mission_id"`
	Sequence   uint64         `json:"sequence"`
	EventType  Type           `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Meta returns a metadata value, or nil when absent.
func (e *Event) Meta(key string) any {
	if e.Metadata == nil {
		return nil
	}
	return e.Metadata[key]
}

// MetaString returns a string metadata value, or "" when absent or not a string.
func (e *Event) MetaString(key string) string {
	s, _ := e.Meta(key).(string)
	return s
}

// MetaBool returns a bool metadata value, defaulting to false.
func (e *Event) MetaBool(key string) bool {
	b, _ := e.Meta(key).(bool)
	return b
}

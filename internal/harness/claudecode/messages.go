package claudecode

import (
	"encoding/json"
	"fmt"
)

// StreamMessage is one parsed line of the CLI's stream-json output. The raw
// payload is kept as a map because the message shapes vary by type and the
// CLI adds fields between releases.
type StreamMessage struct {
	Type string
	Raw  map[string]any
}

// ParseStreamMessage decodes a single NDJSON line.
func ParseStreamMessage(line []byte) (*StreamMessage, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("parse stream message: %w", err)
	}
	msgType, _ := raw["type"].(string)
	if msgType == "" {
		return nil, fmt.Errorf("stream message missing type")
	}
	return &StreamMessage{Type: msgType, Raw: raw}, nil
}

func pickString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func pickBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func pickFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	f, _ := m[key].(float64)
	return f
}

func pickMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}

func pickSlice(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	s, _ := m[key].([]any)
	return s
}

// SessionID extracts the session identifier carried by system and result
// messages.
func (m *StreamMessage) SessionID() string {
	return pickString(m.Raw, "session_id")
}

// Subtype returns the message subtype ("init", "success", "error_max_turns"...).
func (m *StreamMessage) Subtype() string {
	return pickString(m.Raw, "subtype")
}

// StreamEvent returns the inner Anthropic streaming event for type
// "stream_event" messages.
func (m *StreamMessage) StreamEvent() map[string]any {
	return pickMap(m.Raw, "event")
}

// Message returns the inner message object for "assistant" and "user" lines.
func (m *StreamMessage) Message() map[string]any {
	return pickMap(m.Raw, "message")
}

// ContentBlocks returns the content array of the inner message.
func (m *StreamMessage) ContentBlocks() []any {
	return pickSlice(m.Message(), "content")
}

// Model returns the model name of an assistant message.
func (m *StreamMessage) Model() string {
	return pickString(m.Message(), "model")
}

// ResultText returns the final text of a "result" message.
func (m *StreamMessage) ResultText() string {
	return pickString(m.Raw, "result")
}

// IsError reports whether a "result" message marks the turn as failed.
func (m *StreamMessage) IsError() bool {
	return pickBool(m.Raw, "is_error")
}

// CostUSD returns the total cost reported by a "result" message.
func (m *StreamMessage) CostUSD() float64 {
	return pickFloat(m.Raw, "total_cost_usd")
}

// toolResultContent flattens a tool_result content value, which the CLI
// emits either as a plain string or as a list of typed blocks.
func toolResultContent(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		out := ""
		for _, item := range v {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text := pickString(block, "text"); text != "" {
				out += text
			}
		}
		return out
	default:
		return ""
	}
}

package codex

import (
	"encoding/json"
	"testing"

	"missionctl/internal/events"
	"missionctl/internal/harness"
)

func runLines(t *testing.T, lines []string) ([]events.Event, *turnState) {
	t.Helper()
	backend := New(Config{})
	state := &turnState{itemCache: make(map[string]string)}
	var emitted []events.Event
	emit := func(event events.Event) { emitted = append(emitted, event) }

	for _, line := range lines {
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		backend.handleEvent(&ev, state, emit)
	}
	return emitted, state
}

func TestThreadStartedCapturesSessionID(t *testing.T) {
	_, state := runLines(t, []string{
		`{"type":"thread.started","thread_id":"thread-9"}`,
	})
	if state.sessionID != "thread-9" {
		t.Fatalf("sessionID = %q, want thread-9", state.sessionID)
	}
}

func TestMessageItemsEmitOnlyNewSuffix(t *testing.T) {
	emitted, _ := runLines(t, []string{
		`{"type":"item.created","item":{"id":"item-1","type":"agent_message","text":"Hello"}}`,
		`{"type":"item.updated","item":{"id":"item-1","type":"agent_message","text":"Hello, world"}}`,
		`{"type":"item.completed","item":{"id":"item-1","type":"agent_message","text":"Hello, world"}}`,
	})

	if len(emitted) != 2 {
		t.Fatalf("emitted %d events, want 2: %+v", len(emitted), emitted)
	}
	if emitted[0].Content != "Hello" || emitted[1].Content != ", world" {
		t.Fatalf("deltas = %q, %q", emitted[0].Content, emitted[1].Content)
	}
	for _, ev := range emitted {
		if ev.EventType != events.TypeTextDelta {
			t.Fatalf("event type = %s, want text_delta", ev.EventType)
		}
	}
}

func TestThinkingItemsDeduplicate(t *testing.T) {
	emitted, _ := runLines(t, []string{
		`{"type":"item.created","item":{"id":"item-2","type":"reasoning","text":"considering options"}}`,
		`{"type":"item.updated","item":{"id":"item-2","type":"reasoning","text":"considering options"}}`,
		`{"type":"item.completed","item":{"id":"item-2","type":"reasoning","text":"chose plan B"}}`,
	})

	if len(emitted) != 2 {
		t.Fatalf("emitted %d events, want 2: %+v", len(emitted), emitted)
	}
	if emitted[0].EventType != events.TypeThinkingDelta || emitted[0].Content != "considering options" {
		t.Fatalf("first = %+v", emitted[0])
	}
	if emitted[1].Content != "chose plan B" {
		t.Fatalf("second = %+v", emitted[1])
	}
}

func TestCommandItemsEmitOneToolCallAndResult(t *testing.T) {
	emitted, _ := runLines(t, []string{
		`{"type":"item.created","item":{"id":"item-3","type":"command","name":"shell","args":{"cmd":"ls"}}}`,
		`{"type":"item.updated","item":{"id":"item-3","type":"command","name":"shell","args":{"cmd":"ls"}}}`,
		`{"type":"item.completed","item":{"id":"item-3","type":"command","name":"shell","result":"file.txt"}}`,
	})

	if len(emitted) != 2 {
		t.Fatalf("emitted %d events, want call+result: %+v", len(emitted), emitted)
	}
	call, result := emitted[0], emitted[1]
	if call.EventType != events.TypeToolCall || call.ToolCallID != "item-3" || call.ToolName != "shell" {
		t.Fatalf("call = %+v", call)
	}
	if result.EventType != events.TypeToolResult || result.ToolCallID != "item-3" || result.Content != "file.txt" {
		t.Fatalf("result = %+v", result)
	}
}

func TestTurnCompletedEmitsAssistantMessage(t *testing.T) {
	emitted, state := runLines(t, []string{
		`{"type":"thread.started","thread_id":"thread-1"}`,
		`{"type":"item.created","item":{"id":"item-1","type":"agent_message","text":"All done"}}`,
		`{"type":"turn.completed","summary":"ignored when text exists"}`,
	})

	last := emitted[len(emitted)-1]
	if last.EventType != events.TypeAssistantMessage || last.Content != "All done" {
		t.Fatalf("terminal event = %+v", last)
	}
	if state.result == nil || !state.result.Success || state.result.SessionID != "thread-1" {
		t.Fatalf("result = %+v", state.result)
	}
}

func TestTurnCompletedFallsBackToSummary(t *testing.T) {
	emitted, _ := runLines(t, []string{
		`{"type":"turn.completed","summary":"summary text"}`,
	})
	if emitted[0].Content != "summary text" {
		t.Fatalf("content = %q", emitted[0].Content)
	}
}

func TestTurnFailedEmitsError(t *testing.T) {
	emitted, state := runLines(t, []string{
		`{"type":"turn.failed","error":{"message":"model overloaded"}}`,
	})

	if len(emitted) != 1 || emitted[0].EventType != events.TypeError {
		t.Fatalf("emitted = %+v", emitted)
	}
	if emitted[0].Content != "model overloaded" {
		t.Fatalf("content = %q", emitted[0].Content)
	}
	if state.result == nil || state.result.Success || state.result.ErrorMsg != "model overloaded" {
		t.Fatalf("result = %+v", state.result)
	}
}

func TestBareErrorEventUsesMessage(t *testing.T) {
	emitted, _ := runLines(t, []string{
		`{"type":"error","message":"stream disconnected"}`,
	})
	if emitted[0].Content != "stream disconnected" {
		t.Fatalf("content = %q", emitted[0].Content)
	}
}

func TestErrorWithoutDetailGetsPlaceholder(t *testing.T) {
	emitted, _ := runLines(t, []string{
		`{"type":"turn.failed"}`,
	})
	if emitted[0].Content != "codex reported an unspecified failure" {
		t.Fatalf("content = %q", emitted[0].Content)
	}
}

func TestSuffixSince(t *testing.T) {
	cache := map[string]string{}
	cases := []struct {
		text string
		want string
	}{
		{"Hel", "Hel"},
		{"Hello", "lo"},
		{"Hello", ""},
		{"rewritten", "rewritten"}, // non-prefix update re-emits whole text
	}
	for i, tc := range cases {
		if got := suffixSince(cache, "id", tc.text); got != tc.want {
			t.Fatalf("step %d: suffixSince(%q) = %q, want %q", i, tc.text, got, tc.want)
		}
	}
}

func TestItemTextKeyPreference(t *testing.T) {
	if got := itemText(map[string]any{"content": "c", "text": "t"}); got != "t" {
		t.Fatalf("itemText = %q, want text key first", got)
	}
	if got := itemText(map[string]any{"message": "m"}); got != "m" {
		t.Fatalf("itemText = %q", got)
	}
	if got := itemText(map[string]any{}); got != "" {
		t.Fatalf("itemText = %q, want empty", got)
	}
}

var _ harness.Backend = (*Backend)(nil)

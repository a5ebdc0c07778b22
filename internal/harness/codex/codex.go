// Package codex adapts the Codex CLI's --json exec output.
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"missionctl/internal/events"
	"missionctl/internal/harness"
	"missionctl/internal/utils"
)

// BackendName is the registry key for this backend.
const BackendName = "codex"

// Config parameterizes the CLI invocation.
type Config struct {
	// Binary is the codex executable; defaults to "codex" on PATH.
	Binary string
	// OAuthToken is exported as OPENAI_OAUTH_TOKEN when set.
	OAuthToken string
	// DefaultModel applies when the turn carries no model override.
	DefaultModel string
}

// Backend runs Codex turns. The CLI has no session resume; every turn is a
// fresh thread and the thread id is surfaced as the session id for display.
type Backend struct {
	cfg    Config
	logger *utils.Logger
}

// New creates the backend.
func New(cfg Config) *Backend {
	if cfg.Binary == "" {
		cfg.Binary = "codex"
	}
	return &Backend{
		cfg:    cfg,
		logger: utils.NewComponentLogger("Codex"),
	}
}

// Name implements harness.Backend.
func (b *Backend) Name() string {
	return BackendName
}

// event is one parsed line of codex --json output.
type event struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id,omitempty"`
	Summary  string          `json:"summary,omitempty"`
	Message  string          `json:"message,omitempty"`
	Error    *errorInfo      `json:"error,omitempty"`
	Item     json.RawMessage `json:"item,omitempty"`
}

type errorInfo struct {
	Message string `json:"message"`
}

type item struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"-"`
}

func parseItem(raw json.RawMessage) (*item, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	it := &item{Data: data}
	it.ID, _ = data["id"].(string)
	it.Type, _ = data["type"].(string)
	return it, nil
}

// Run spawns one CLI process for the turn and translates its stream.
func (b *Backend) Run(ctx context.Context, turn harness.Turn, emit harness.EmitFunc) (*harness.TurnResult, error) {
	args := []string{
		"exec",
		"--json",
		"--skip-git-repo-check",
	}
	model := turn.Model
	if model == "" {
		model = b.cfg.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	// Guard prompts starting with '-'.
	args = append(args, "--", turn.Content)

	env := map[string]string{}
	if b.cfg.OAuthToken != "" {
		env["OPENAI_OAUTH_TOKEN"] = b.cfg.OAuthToken
	}

	spawnCtx := ctx
	if turn.Timeout > 0 {
		var cancel context.CancelFunc
		spawnCtx, cancel = context.WithTimeout(ctx, turn.Timeout)
		defer cancel()
	}

	proc, err := turn.Workspace.Spawn(spawnCtx, b.cfg.Binary, args, env)
	if err != nil {
		return nil, err
	}
	defer func() { _ = proc.Stop() }()

	go func() {
		select {
		case <-spawnCtx.Done():
			_ = proc.Stop()
		case <-proc.Done():
		}
	}()

	state := &turnState{
		model:     model,
		itemCache: make(map[string]string),
	}
	scanner := bufio.NewScanner(proc.Stdout())
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			b.logger.Warn("Skipping malformed codex line for mission %s: %v", turn.MissionID, err)
			continue
		}
		b.handleEvent(&ev, state, emit)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read codex stream: %w", err)
	}

	waitErr := proc.Wait()
	if state.result == nil {
		if waitErr != nil {
			return nil, fmt.Errorf("codex exited without result: %w (stderr: %s)", waitErr, proc.StderrTail())
		}
		return nil, fmt.Errorf("codex exited without result (stderr: %s)", proc.StderrTail())
	}
	return state.result, nil
}

type turnState struct {
	sessionID string
	model     string
	text      strings.Builder
	// itemCache remembers each item's last full text so updated items only
	// emit the suffix they added, keeping the delta channels duplicate-free.
	itemCache map[string]string
	result    *harness.TurnResult
}

func (b *Backend) handleEvent(ev *event, state *turnState, emit harness.EmitFunc) {
	switch ev.Type {
	case "thread.started":
		state.sessionID = ev.ThreadID

	case "turn.started":
		// Nothing to surface.

	case "item.created", "item.updated", "item.completed":
		it, err := parseItem(ev.Item)
		if err != nil {
			b.logger.Warn("Unparseable codex item: %v", err)
			return
		}
		b.handleItem(ev.Type, it, state, emit)

	case "turn.completed":
		content := state.text.String()
		if content == "" {
			content = ev.Summary
		}
		emit(events.Event{
			EventType: events.TypeAssistantMessage,
			Content:   content,
			Metadata: map[string]any{
				"success":    true,
				"model":      state.model,
				"cost_cents": 0.0,
			},
		})
		state.result = &harness.TurnResult{
			Success:   true,
			Content:   content,
			Model:     state.model,
			SessionID: state.sessionID,
		}

	case "turn.failed", "error":
		reason := ev.Message
		if ev.Error != nil && ev.Error.Message != "" {
			reason = ev.Error.Message
		}
		if reason == "" {
			reason = "codex reported an unspecified failure"
		}
		emit(events.Event{EventType: events.TypeError, Content: reason})
		state.result = &harness.TurnResult{
			Success:   false,
			Model:     state.model,
			SessionID: state.sessionID,
			ErrorMsg:  reason,
		}
	}
}

func (b *Backend) handleItem(eventType string, it *item, state *turnState, emit harness.EmitFunc) {
	switch it.Type {
	case "message", "agent_message", "assistant_message":
		text := itemText(it.Data)
		if text == "" {
			return
		}
		delta := suffixSince(state.itemCache, it.ID, text)
		if delta != "" {
			emit(events.Event{EventType: events.TypeTextDelta, Content: delta})
			state.text.WriteString(delta)
		}

	case "reasoning", "thinking":
		text := itemText(it.Data)
		if text == "" || state.itemCache["thinking:"+it.ID] == text {
			return
		}
		state.itemCache["thinking:"+it.ID] = text
		emit(events.Event{EventType: events.TypeThinkingDelta, Content: text})

	case "command", "tool":
		name, _ := it.Data["name"].(string)
		if eventType == "item.completed" {
			if result, ok := it.Data["result"]; ok {
				emit(events.Event{
					EventType:  events.TypeToolResult,
					ToolCallID: it.ID,
					ToolName:   name,
					Content:    stringify(result),
				})
			}
			return
		}
		if name == "" {
			return
		}
		if _, seen := state.itemCache["tool_call:"+it.ID]; seen {
			return
		}
		state.itemCache["tool_call:"+it.ID] = "1"
		args, _ := it.Data["args"].(map[string]any)
		emit(events.Event{
			EventType:  events.TypeToolCall,
			ToolCallID: it.ID,
			ToolName:   name,
			Metadata:   map[string]any{"args": args},
		})
	}
}

// suffixSince returns the portion of text not yet emitted for an item and
// records the new full text.
func suffixSince(cache map[string]string, id, text string) string {
	last := cache[id]
	cache[id] = text
	if last != "" && strings.HasPrefix(text, last) {
		return text[len(last):]
	}
	if text == last {
		return ""
	}
	return text
}

func itemText(data map[string]any) string {
	for _, key := range []string{"text", "content", "message"} {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

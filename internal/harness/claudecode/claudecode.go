// Package claudecode adapts the Claude Code CLI's stream-json output.
package claudecode

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"missionctl/internal/events"
	"missionctl/internal/harness"
	"missionctl/internal/utils"
)

// BackendName is the registry key for this backend.
const BackendName = "claudecode"

// Config parameterizes the CLI invocation.
type Config struct {
	// Binary is the claude executable; defaults to "claude" on PATH.
	Binary string
	// Token authenticates the CLI. OAuth tokens (sk-ant-oat...) go to
	// CLAUDE_CODE_OAUTH_TOKEN, anything else to ANTHROPIC_API_KEY.
	Token string
	// ExtraEnv is merged into the child environment.
	ExtraEnv map[string]string
}

// Backend runs Claude Code turns.
type Backend struct {
	cfg    Config
	logger *utils.Logger
}

// New creates the backend.
func New(cfg Config) *Backend {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &Backend{
		cfg:    cfg,
		logger: utils.NewComponentLogger("ClaudeCode"),
	}
}

// Name implements harness.Backend.
func (b *Backend) Name() string {
	return BackendName
}

// Run spawns one CLI process for the turn and translates its stream.
func (b *Backend) Run(ctx context.Context, turn harness.Turn, emit harness.EmitFunc) (*harness.TurnResult, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if turn.Model != "" {
		args = append(args, "--model", turn.Model)
	}
	if turn.SessionID != "" {
		args = append(args, "--resume", turn.SessionID)
	}
	args = append(args, turn.Content)

	env := make(map[string]string, len(b.cfg.ExtraEnv)+1)
	for k, v := range b.cfg.ExtraEnv {
		env[k] = v
	}
	if b.cfg.Token != "" {
		if strings.HasPrefix(b.cfg.Token, "sk-ant-oat") {
			env["CLAUDE_CODE_OAUTH_TOKEN"] = b.cfg.Token
		} else {
			env["ANTHROPIC_API_KEY"] = b.cfg.Token
		}
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

	// Tear the process group down as soon as the turn is cancelled; the
	// scanner below then sees EOF at its next read.
	go func() {
		select {
		case <-spawnCtx.Done():
			_ = proc.Stop()
		case <-proc.Done():
		}
	}()

	state := &turnState{sessionID: turn.SessionID}
	scanner := bufio.NewScanner(proc.Stdout())
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := ParseStreamMessage(line)
		if err != nil {
			state.malformed++
			b.logger.Warn("Skipping malformed stream line for mission %s: %v", turn.MissionID, err)
			continue
		}
		b.handleMessage(msg, state, emit)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read harness stream: %w", err)
	}

	waitErr := proc.Wait()
	if state.result == nil {
		if waitErr != nil {
			return nil, fmt.Errorf("harness exited without result: %w (stderr: %s)", waitErr, proc.StderrTail())
		}
		return nil, fmt.Errorf("harness exited without result (stderr: %s)", proc.StderrTail())
	}
	return state.result, nil
}

// turnState accumulates per-turn parsing state.
type turnState struct {
	sessionID string
	model     string
	finalText strings.Builder
	result    *harness.TurnResult
	malformed int
}

func (b *Backend) handleMessage(msg *StreamMessage, state *turnState, emit harness.EmitFunc) {
	switch msg.Type {
	case "system":
		if msg.Subtype() == "init" {
			if sid := msg.SessionID(); sid != "" {
				state.sessionID = sid
			}
		}

	case "stream_event":
		b.handleStreamEvent(msg.StreamEvent(), emit)

	case "assistant":
		if model := msg.Model(); model != "" {
			state.model = model
		}
		for _, raw := range msg.ContentBlocks() {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch pickString(block, "type") {
			case "tool_use":
				args, _ := block["input"].(map[string]any)
				emit(events.Event{
					EventType:  events.TypeToolCall,
					ToolCallID: pickString(block, "id"),
					ToolName:   pickString(block, "name"),
					Metadata:   map[string]any{"args": args},
				})
			case "text":
				// Full text already streamed as deltas; keep it only as the
				// fallback body for the terminal message.
				state.finalText.WriteString(pickString(block, "text"))
			}
		}

	case "user":
		for _, raw := range msg.ContentBlocks() {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if pickString(block, "type") != "tool_result" {
				continue
			}
			emit(events.Event{
				EventType:  events.TypeToolResult,
				ToolCallID: pickString(block, "tool_use_id"),
				Content:    toolResultContent(block["content"]),
				Metadata:   map[string]any{"is_error": pickBool(block, "is_error")},
			})
		}

	case "result":
		if sid := msg.SessionID(); sid != "" {
			state.sessionID = sid
		}
		content := msg.ResultText()
		if content == "" {
			content = state.finalText.String()
		}
		costCents := msg.CostUSD() * 100

		if msg.IsError() {
			reason := content
			if reason == "" {
				reason = fmt.Sprintf("harness reported %s", msg.Subtype())
			}
			emit(events.Event{
				EventType: events.TypeError,
				Content:   reason,
				Metadata:  map[string]any{"subtype": msg.Subtype()},
			})
			state.result = &harness.TurnResult{
				Success:   false,
				Content:   content,
				Model:     state.model,
				CostCents: costCents,
				SessionID: state.sessionID,
				ErrorMsg:  reason,
			}
			return
		}

		emit(events.Event{
			EventType: events.TypeAssistantMessage,
			Content:   content,
			Metadata: map[string]any{
				"success":    true,
				"model":      state.model,
				"cost_cents": costCents,
			},
		})
		state.result = &harness.TurnResult{
			Success:   true,
			Content:   content,
			Model:     state.model,
			CostCents: costCents,
			SessionID: state.sessionID,
		}
	}
}

// handleStreamEvent maps partial content deltas. Thinking fragments go only
// to thinking_delta and text fragments only to text_delta; the two channels
// never duplicate each other.
func (b *Backend) handleStreamEvent(event map[string]any, emit harness.EmitFunc) {
	if pickString(event, "type") != "content_block_delta" {
		return
	}
	delta := pickMap(event, "delta")
	switch pickString(delta, "type") {
	case "text_delta":
		if text := pickString(delta, "text"); text != "" {
			emit(events.Event{EventType: events.TypeTextDelta, Content: text})
		}
	case "thinking_delta":
		if thinking := pickString(delta, "thinking"); thinking != "" {
			emit(events.Event{EventType: events.TypeThinkingDelta, Content: thinking})
		}
	}
}

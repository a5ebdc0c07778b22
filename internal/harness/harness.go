// Package harness runs external coding-agent processes and unifies their
// line-delimited JSON output into canonical events. Each supported agent CLI
// is one Backend implementation; the scheduler talks only to the Adapter.
package harness

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"missionctl/internal/events"
	"missionctl/internal/workspace"
)

// Turn is one unit of work handed to a backend: a single user message
// processed by one external process inside a workspace.
type Turn struct {
	MissionID string
	Content   string
	Model     string
	SessionID string
	Workspace workspace.Workspace
	Timeout   time.Duration
}

// TurnResult is the terminal summary of a finished turn.
type TurnResult struct {
	Success   bool
	Content   string
	Model     string
	CostCents float64
	SessionID string
	ErrorMsg  string
}

// EmitFunc receives canonical events as the backend produces them. The
// mission id is already set; sequence numbers are assigned downstream.
type EmitFunc func(event events.Event)

// Backend adapts one external agent CLI. Implementations must emit events
// according to the unification rules: thinking fragments only as
// thinking_delta, plain text only as text_delta, tool calls carrying a
// correlation id echoed by their tool result, and at most one terminal
// event per turn (the Adapter synthesizes one if the process dies first).
type Backend interface {
	Name() string
	Run(ctx context.Context, turn Turn, emit EmitFunc) (*TurnResult, error)
}

// Registry holds the available backends by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend; later registrations with the same name win.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns the named backend.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown harness backend %q", name)
	}
	return b, nil
}

// Names lists registered backends sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

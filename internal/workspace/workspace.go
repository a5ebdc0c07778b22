// Package workspace defines the execution-environment boundary the
// orchestration core depends on. Provisioning and isolation live behind
// these interfaces; the default implementation runs on a host directory.
package workspace

import (
	"context"
	"fmt"
	"os"
	"time"

	"missionctl/internal/harness/subprocess"
)

// ExecResult is the outcome of a bounded command execution.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// Workspace is an environment a mission's harness process runs inside.
type Workspace interface {
	// Ref identifies the workspace (a host path for the local implementation).
	Ref() string
	// Execute runs a command to completion with a wall clock budget.
	Execute(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	// Spawn starts a long-lived process with line-streamed stdout/stderr.
	Spawn(ctx context.Context, command string, args []string, env map[string]string) (*subprocess.Subprocess, error)
}

// Resolver maps a mission's workspace reference to a usable Workspace.
type Resolver interface {
	Resolve(ref string) (Workspace, error)
}

// LocalResolver resolves references as host directories, with a fallback
// root for missions that carry no reference.
type LocalResolver struct {
	Root string
}

// Resolve returns a Local workspace for the given directory reference.
func (r *LocalResolver) Resolve(ref string) (Workspace, error) {
	dir := ref
	if dir == "" {
		dir = r.Root
	}
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", dir)
	}
	return &Local{dir: dir}, nil
}

// Local runs commands directly in a host directory.
type Local struct {
	dir string
}

// NewLocal wraps an existing host directory as a workspace.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// Ref returns the workspace directory.
func (w *Local) Ref() string {
	return w.dir
}

// Execute runs a shell command in the workspace directory.
func (w *Local) Execute(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	proc := subprocess.New(subprocess.Config{
		Command:    "sh",
		Args:       []string{"-c", command},
		WorkingDir: w.dir,
		Timeout:    timeout,
	})
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("execute in workspace %s: %w", w.dir, err)
	}

	stdout, stderr, _ := proc.CollectOutput()
	result := &ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		TimedOut: proc.TimedOut(),
	}
	if code := proc.ExitCode(); code >= 0 {
		result.ExitCode = code
	}
	return result, nil
}

// Spawn starts a long-lived process rooted in the workspace directory.
func (w *Local) Spawn(ctx context.Context, command string, args []string, env map[string]string) (*subprocess.Subprocess, error) {
	proc := subprocess.New(subprocess.Config{
		Command:    command,
		Args:       args,
		WorkingDir: w.dir,
		Env:        env,
	})
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("spawn %s in workspace %s: %w", command, w.dir, err)
	}
	return proc, nil
}

package subprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stderrTailLimit bounds how much trailing stderr is retained for diagnostics.
const stderrTailLimit = 4096

// Config defines how to spawn and manage an external agent subprocess.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Timeout    time.Duration
}

// Subprocess manages the lifecycle of a single external agent process. The
// process runs in its own process group so termination reaches any children
// it spawns.
type Subprocess struct {
	cfg      Config
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	done     chan struct{}
	err      error
	pgid     int
	timedOut bool
	stderrMu sync.Mutex
	stderr   []byte
	mu       sync.Mutex
}

// New creates a new Subprocess from the given config.
func New(cfg Config) *Subprocess {
	return &Subprocess{cfg: cfg}
}

func (s *Subprocess) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("subprocess already started")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	if len(s.cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range s.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	// Output pipes are created here instead of via StdoutPipe/StderrPipe:
	// those are closed by cmd.Wait as soon as the child exits, which can
	// discard the final stream lines still sitting in the pipe buffer. With
	// parent-owned pipes the readers keep draining to EOF after exit.
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		_ = stdoutRead.Close()
		_ = stdoutWrite.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutWrite
	cmd.Stderr = stderrWrite

	if err := cmd.Start(); err != nil {
		_ = stdoutRead.Close()
		_ = stdoutWrite.Close()
		_ = stderrRead.Close()
		_ = stderrWrite.Close()
		return fmt.Errorf("start subprocess: %w", err)
	}
	// The child holds its own descriptors; dropping the parent's write ends
	// lets the readers see EOF when the child exits.
	_ = stdoutWrite.Close()
	_ = stderrWrite.Close()

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdoutRead
	s.done = make(chan struct{})

	// Drain stderr into a bounded tail so exit diagnostics survive without
	// an unbounded buffer or a second reader racing the caller.
	go func() {
		s.drainStderr(stderrRead)
		_ = stderrRead.Close()
	}()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.err = err
		close(s.done)
		s.mu.Unlock()
	}()

	if s.cfg.Timeout > 0 {
		go func() {
			timer := time.NewTimer(s.cfg.Timeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				s.mu.Lock()
				s.timedOut = true
				s.mu.Unlock()
				_ = s.Stop()
			case <-s.done:
			}
		}()
	}

	if cmd.Process != nil {
		s.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	return nil
}

func (s *Subprocess) drainStderr(r io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.stderrMu.Lock()
			s.stderr = append(s.stderr, buf[:n]...)
			if len(s.stderr) > stderrTailLimit {
				s.stderr = s.stderr[len(s.stderr)-stderrTailLimit:]
			}
			s.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *Subprocess) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return fmt.Errorf("stdin not available")
	}
	_, err := s.stdin.Write(data)
	return err
}

// CloseStdin signals end of input to the child.
func (s *Subprocess) CloseStdin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return nil
	}
	return s.stdin.Close()
}

func (s *Subprocess) Stdout() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout
}

// StderrTail returns the retained trailing stderr output.
func (s *Subprocess) StderrTail() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return string(s.stderr)
}

// Done returns a channel closed when the process exits. Nil before Start.
func (s *Subprocess) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Subprocess) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// CollectOutput reads all remaining stdout, waits for exit, and returns
// stdout plus the stderr tail.
func (s *Subprocess) CollectOutput() (string, string, error) {
	stdout := s.Stdout()
	var out []byte
	if stdout != nil {
		out, _ = io.ReadAll(stdout)
	}
	err := s.Wait()
	return string(out), s.StderrTail(), err
}

func (s *Subprocess) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	pgid := s.pgid
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if pgid == 0 {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return nil
	}
}

// TimedOut reports whether the configured wall clock budget expired.
func (s *Subprocess) TimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

// ExitCode returns the child's exit code, or -1 when unavailable.
func (s *Subprocess) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

func (s *Subprocess) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

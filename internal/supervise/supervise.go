// Package supervise spawns and terminates external media processes. It owns
// the exec plumbing only; restart policy belongs to the calling component.
package supervise

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/edgesight/agent/internal/logging"
)

var log = logging.L("supervise")

// MaxLineLen caps a single stdout/stderr line delivered to handlers.
// GStreamer can emit pathological caps dumps; anything longer is truncated.
const MaxLineLen = 16 * 1024

// ErrAlreadyExited is returned by Kill when the child is already gone.
var ErrAlreadyExited = errors.New("process already exited")

// LineHandler receives one newline-chunked output line.
type LineHandler func(line string)

// ExitHandler fires exactly once per spawn, with the exit code and, when the
// child died on a signal, the signal name (empty otherwise). Code is -1 when
// terminated by signal.
type ExitHandler func(code int, signal string)

// Spec describes a child process to spawn.
type Spec struct {
	Command string
	Args    []string
	Env     []string // nil = restricted default environment
	Stdout  LineHandler
	Stderr  LineHandler
	OnExit  ExitHandler

	// RawStdout hands the child's stdout to the caller as a stream instead
	// of line-chunking it (frame payloads are not line-oriented). Mutually
	// exclusive with Stdout.
	RawStdout bool
}

// Handle identifies a spawned child.
type Handle struct {
	ID  string
	Pid int

	// Stdout is the raw stdout stream when Spec.RawStdout was set.
	Stdout io.ReadCloser

	cmd      *exec.Cmd
	exited   chan struct{}
	exitOnce sync.Once
	mu       sync.Mutex
	done     bool
}

// Exited is closed once the child has exited and OnExit has fired.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Supervisor spawns children in their own process group so that grandchildren
// die with them.
type Supervisor struct{}

// New creates a supervisor.
func New() *Supervisor { return &Supervisor{} }

// restrictedEnv is the minimal environment handed to media children.
func restrictedEnv() []string {
	keep := []string{"PATH", "HOME", "GST_DEBUG", "GST_PLUGIN_PATH", "XDG_RUNTIME_DIR", "LD_LIBRARY_PATH"}
	var env []string
	for _, k := range keep {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// Spawn starts the child and wires output and exit reporting. The returned
// handle is valid until OnExit has fired.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("spawn: empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Env != nil {
		cmd.Env = spec.Env
	} else {
		cmd.Env = restrictedEnv()
	}
	setProcessGroup(cmd)

	var wg sync.WaitGroup
	var rawStdout io.ReadCloser

	switch {
	case spec.RawStdout:
		pr, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		rawStdout = pr
	case spec.Stdout != nil:
		pr, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanLines(pr, spec.Stdout)
		}()
	}
	if spec.Stderr != nil {
		pr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanLines(pr, spec.Stderr)
		}()
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	h := &Handle{
		ID:     uuid.NewString(),
		Pid:    cmd.Process.Pid,
		Stdout: rawStdout,
		cmd:    cmd,
		exited: make(chan struct{}),
	}

	log.Info("spawned", "command", spec.Command, "pid", h.Pid)

	go func() {
		wg.Wait() // output pipes drained before Wait
		waitErr := cmd.Wait()

		code, sig := exitReason(cmd, waitErr)

		h.mu.Lock()
		h.done = true
		h.mu.Unlock()

		h.exitOnce.Do(func() {
			log.Info("exited", "command", spec.Command, "pid", h.Pid, "code", code, "signal", sig)
			if spec.OnExit != nil {
				spec.OnExit(code, sig)
			}
			close(h.exited)
		})
	}()

	return h, nil
}

// Kill sends the signal to the child's process group. Idempotent once the
// child has exited: returns ErrAlreadyExited and does nothing.
func (s *Supervisor) Kill(h *Handle, sig syscall.Signal) error {
	if h == nil {
		return ErrAlreadyExited
	}
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done {
		return ErrAlreadyExited
	}
	return signalGroup(h.Pid, sig)
}

// Terminate performs graceful-then-forceful shutdown: the graceful signal,
// a wait of up to grace, then SIGKILL. Returns once the child has exited or
// the kill has been issued.
func (s *Supervisor) Terminate(h *Handle, graceful syscall.Signal, grace time.Duration) {
	if err := s.Kill(h, graceful); err != nil {
		return
	}
	select {
	case <-h.Exited():
		return
	case <-time.After(grace):
	}
	log.Warn("grace period elapsed, forcing kill", "pid", h.Pid)
	_ = s.Kill(h, syscall.SIGKILL)
	<-h.Exited()
}

func scanLines(r io.Reader, handler LineHandler) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), MaxLineLen)
	for sc.Scan() {
		handler(sc.Text())
	}
}

func exitReason(cmd *exec.Cmd, waitErr error) (int, string) {
	if waitErr == nil {
		return 0, ""
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return ee.ExitCode(), ""
	}
	return -1, ""
}

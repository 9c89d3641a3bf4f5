//go:build !windows

package supervise

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestExitCodeReportedOnce(t *testing.T) {
	s := New()

	var calls atomic.Int32
	var code atomic.Int32
	h, err := s.Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
		OnExit: func(c int, signal string) {
			calls.Add(1)
			code.Store(int32(c))
		},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("child never exited")
	}
	time.Sleep(50 * time.Millisecond)

	if calls.Load() != 1 {
		t.Fatalf("OnExit calls = %d, want 1", calls.Load())
	}
	if code.Load() != 3 {
		t.Fatalf("exit code = %d, want 3", code.Load())
	}
}

func TestStdoutLines(t *testing.T) {
	s := New()

	var mu sync.Mutex
	var lines []string
	h, err := s.Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "echo one; echo two"},
		Stdout: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("child never exited")
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("lines = %v, want [one two]", lines)
	}
}

func TestTerminateEscalates(t *testing.T) {
	s := New()

	exited := make(chan string, 1)
	h, err := s.Spawn(Spec{
		// Ignores SIGINT, so Terminate must escalate to SIGKILL.
		Command: "sh",
		Args:    []string{"-c", `trap "" INT; while true; do sleep 1; done`},
		OnExit: func(code int, signal string) {
			exited <- signal
		},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	s.Terminate(h, syscall.SIGINT, 300*time.Millisecond)

	select {
	case sig := <-exited:
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Fatalf("termination took %v", elapsed)
		}
		if sig == "" {
			t.Fatal("expected a signal exit reason")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child survived Terminate")
	}
}

func TestKillAlreadyExited(t *testing.T) {
	s := New()

	h, err := s.Spawn(Spec{Command: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-h.Exited()
	time.Sleep(50 * time.Millisecond)

	if err := s.Kill(h, syscall.SIGTERM); err != ErrAlreadyExited {
		t.Fatalf("Kill after exit = %v, want ErrAlreadyExited", err)
	}
}

func TestRawStdout(t *testing.T) {
	s := New()

	h, err := s.Spawn(Spec{
		Command:   "sh",
		Args:      []string{"-c", "printf 'abc'"},
		RawStdout: true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.Stdout == nil {
		t.Fatal("raw stdout pipe missing")
	}

	buf := make([]byte, 8)
	n, _ := h.Stdout.Read(buf)
	if string(buf[:n]) != "abc" {
		t.Fatalf("raw stdout = %q, want %q", buf[:n], "abc")
	}
}

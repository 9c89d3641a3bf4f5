package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func countingServer(t *testing.T, respond func(n int, w http.ResponseWriter)) (*httptest.Server, func() int) {
	t.Helper()
	var mu sync.Mutex
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n++
		cur := n
		mu.Unlock()
		respond(cur, w)
	}))
	t.Cleanup(srv.Close)
	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	srv, attempts := countingServer(t, func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusOK)
	})

	resp, err := Do(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", attempts())
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	srv, attempts := countingServer(t, func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusNotFound)
	})

	resp, err := Do(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if attempts() != 1 {
		t.Fatalf("attempts = %d, want 1 (404 is not retryable)", attempts())
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	srv, attempts := countingServer(t, func(n int, w http.ResponseWriter) {
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	cfg := RetryConfig{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, BackoffFactor: 2}
	resp, err := Do(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{}`), nil, cfg)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if attempts() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts())
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	srv, attempts := countingServer(t, func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	cfg := RetryConfig{MaxRetries: 2, InitialDelay: 10 * time.Millisecond}
	_, err := Do(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, cfg)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if _, ok := err.(*RetryableStatusError); !ok {
		t.Fatalf("error type = %T, want *RetryableStatusError", err)
	}
	if attempts() != 3 {
		t.Fatalf("attempts = %d, want MaxRetries+1 = 3", attempts())
	}
}

func TestDoZeroConfigIsSingleAttempt(t *testing.T) {
	srv, attempts := countingServer(t, func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if _, err := Do(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, RetryConfig{}); err == nil {
		t.Fatal("expected error")
	}
	if attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", attempts())
	}
}

func TestLinearBackoffSpacing(t *testing.T) {
	srv, _ := countingServer(t, func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	cfg := RetryConfig{MaxRetries: 2, InitialDelay: 100 * time.Millisecond, Linear: true}
	start := time.Now()
	Do(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, cfg)
	// Linear: 100ms before attempt 2, 200ms before attempt 3.
	if elapsed := time.Since(start); elapsed < 280*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= ~300ms", elapsed)
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	srv, _ := countingServer(t, func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Second}
	start := time.Now()
	_, err := Do(ctx, srv.Client(), http.MethodGet, srv.URL, nil, nil, cfg)
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancel did not interrupt the backoff sleep")
	}
}

func TestDoReplaysBodyOnRetry(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		mu.Lock()
		bodies = append(bodies, string(buf[:n]))
		count := len(bodies)
		mu.Unlock()
		if count < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := RetryConfig{MaxRetries: 2, InitialDelay: 10 * time.Millisecond}
	resp, err := Do(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte("payload"), nil, cfg)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 || bodies[0] != "payload" || bodies[1] != "payload" {
		t.Fatalf("bodies = %q, want payload replayed", bodies)
	}
}

func TestApplyJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := applyJitter(d, 0.3)
		if got < 70*time.Millisecond || got > 130*time.Millisecond {
			t.Fatalf("jittered = %v, outside ±30%% of %v", got, d)
		}
	}
	if applyJitter(d, 0) != d {
		t.Fatal("zero jitter must not alter the delay")
	}
}

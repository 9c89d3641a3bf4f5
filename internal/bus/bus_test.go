package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/edgesight/agent/internal/metrics"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestPublishOrder(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []int
	b.Subscribe("t", func(ev any) {
		mu.Lock()
		got = append(got, ev.(int))
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		b.Publish("t", i)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, "all events delivered")

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	b := NewWithInbox(4)
	defer b.Close()

	droppedBefore := testutil.ToFloat64(metrics.BusDropped)
	block := make(chan struct{})
	var mu sync.Mutex
	var got []int
	b.Subscribe("t", func(ev any) {
		<-block
		mu.Lock()
		got = append(got, ev.(int))
		mu.Unlock()
	})

	// One event is taken by the delivery goroutine and blocks; four more fill
	// the inbox; the rest displace the oldest.
	for i := 0; i < 10; i++ {
		b.Publish("t", i)
	}
	waitFor(t, func() bool { return b.Dropped() > 0 }, "drops recorded")
	if delta := testutil.ToFloat64(metrics.BusDropped) - droppedBefore; delta != float64(b.Dropped()) {
		t.Fatalf("exported drop counter moved by %v, bus recorded %d", delta, b.Dropped())
	}
	close(block)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 4
	}, "remaining events delivered")

	mu.Lock()
	defer mu.Unlock()
	// The newest event must have survived the displacement.
	if got[len(got)-1] != 9 {
		t.Fatalf("last delivered = %d, want 9", got[len(got)-1])
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("delivery out of order: %v", got)
		}
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub := b.Subscribe("t", func(ev any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish("t", 1)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, "first event")

	sub.Unsubscribe()
	sub.Unsubscribe()

	b.Publish("t", 2)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count = %d after unsubscribe, want 1", count)
	}
}

func TestHandlerPanicDoesNotAffectOthers(t *testing.T) {
	b := New()
	defer b.Close()

	b.Subscribe("t", func(ev any) {
		panic("boom")
	})

	var mu sync.Mutex
	count := 0
	b.Subscribe("t", func(ev any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish("t", 1)
	b.Publish("t", 2)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, "healthy subscriber kept receiving")
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	b.Subscribe("t", func(ev any) {})
	b.Close()

	// Must not panic or block.
	b.Publish("t", 1)
	b.Close()
}

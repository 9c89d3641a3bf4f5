// Package bus provides in-process typed publish/subscribe with per-subscriber
// bounded inboxes. Each subscriber is serviced by its own goroutine, so a
// handler observes its topic strictly in publish order and publishing never
// blocks the publisher: on a full inbox the oldest event is dropped.
package bus

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/edgesight/agent/internal/logging"
	"github.com/edgesight/agent/internal/metrics"
)

var log = logging.L("bus")

// Well-known topics.
const (
	TopicDetection     = "ai.detection"
	TopicKeepalive     = "ai.keepalive"
	TopicSessionOpened = "session.opened"
	TopicSessionClosed = "session.closed"
	TopicStreamState   = "stream.state"
	TopicAgentState    = "agent.state"
)

// DefaultInboxSize is the per-subscriber buffer. Sized for burst absorption;
// steady-state occupancy should be near zero.
const DefaultInboxSize = 64

// Handler processes one event. Panics are recovered and logged; they never
// abort the publisher or other subscribers.
type Handler func(event any)

// Subscription cancels a subscriber. Unsubscribe is idempotent.
type Subscription struct {
	bus   *Bus
	topic string
	sub   *subscriber
	once  sync.Once
}

// Unsubscribe removes the subscriber and stops its delivery goroutine.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.topic, s.sub)
	})
}

type subscriber struct {
	handler Handler
	inbox   chan any
	done    chan struct{}
	wg      sync.WaitGroup
}

// Bus dispatches events by topic.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string][]*subscriber
	inbox   int
	dropped atomic.Uint64
	closed  bool
}

// New creates a bus with the default inbox size.
func New() *Bus {
	return NewWithInbox(DefaultInboxSize)
}

// NewWithInbox creates a bus with a custom per-subscriber inbox size.
func NewWithInbox(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		topics: make(map[string][]*subscriber),
		inbox:  size,
	}
}

// Subscribe registers a handler for a topic and returns its cancellation.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	sub := &subscriber{
		handler: handler,
		inbox:   make(chan any, b.inbox),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return &Subscription{bus: b, topic: topic, sub: sub}
	}
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	sub.wg.Add(1)
	go sub.run()

	return &Subscription{bus: b, topic: topic, sub: sub}
}

// Publish enqueues the event to every subscriber of the topic. Non-blocking:
// a full subscriber inbox drops its oldest event first.
func (b *Bus) Publish(topic string, event any) {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.inbox <- event:
		default:
			// Drop-oldest: make room, then enqueue the new event. The pop and
			// push race against the delivery goroutine, so both are guarded.
			select {
			case <-sub.inbox:
				b.dropped.Add(1)
				metrics.BusDropped.Inc()
				log.Warn("subscriber inbox full, dropped oldest event", "topic", topic)
			default:
			}
			select {
			case sub.inbox <- event:
			default:
				b.dropped.Add(1)
				metrics.BusDropped.Inc()
				log.Warn("subscriber inbox full, dropped event", "topic", topic)
			}
		}
	}
}

// Dropped returns the total number of events dropped across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops all subscribers. Events already in flight are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, subs := range b.topics {
		all = append(all, subs...)
	}
	b.topics = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.done)
		sub.wg.Wait()
	}
}

func (b *Bus) remove(topic string, target *subscriber) {
	b.mu.Lock()
	subs := b.topics[topic]
	for i, sub := range subs {
		if sub == target {
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			b.mu.Unlock()
			close(target.done)
			target.wg.Wait()
			return
		}
	}
	b.mu.Unlock()
}

func (s *subscriber) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.inbox:
			s.deliver(ev)
		}
	}
}

func (s *subscriber) deliver(ev any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.handler(ev)
}

// Package fsm is the session state machine: IDLE → DWELL → ACTIVE → CLOSING.
// The dwell filter rejects flicker, the silence window tolerates brief gaps
// and the post-roll keeps the session open for trailing context, with
// re-entry back to ACTIVE permitted. One goroutine consumes one event queue;
// commands issued by a transition are dispatched synchronously before the
// next event is taken.
package fsm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgesight/agent/internal/bus"
	"github.com/edgesight/agent/internal/engine"
	"github.com/edgesight/agent/internal/logging"
)

var log = logging.L("fsm")

// State of the session machine.
type State int32

const (
	Idle State = iota
	Dwell
	Active
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dwell:
		return "dwell"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Commands is what transitions drive. Implemented by the orchestrator;
// failures are the implementor's to absorb (the machine logs and proceeds).
type Commands interface {
	OpenSession(startTs time.Time) (sessionID string, err error)
	CloseSession(sessionID string, endTs time.Time, postRoll time.Duration) error
	StartPublisher() error
	StopPublisher() error
	SetCaptureActive(active bool) error
}

// Config holds the three timer windows.
type Config struct {
	Dwell    time.Duration
	Silence  time.Duration
	PostRoll time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Dwell:    500 * time.Millisecond,
		Silence:  3 * time.Second,
		PostRoll: 5 * time.Second,
	}
}

// Machine runs the session lifecycle.
type Machine struct {
	cfg  Config
	cmds Commands
	bus  *bus.Bus

	state atomic.Int32

	events chan any
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	subs   []*bus.Subscription

	// Loop-owned. Timers exist only while the current state prescribes them.
	dwellT    *time.Timer
	silenceT  *time.Timer
	postRollT *time.Timer

	sessionMu sync.Mutex
	sessionID string
	lastID    string
}

// New creates a machine in IDLE.
func New(cfg Config, cmds Commands, b *bus.Bus) *Machine {
	if cfg.Dwell <= 0 {
		cfg = DefaultConfig()
	}
	return &Machine{
		cfg:    cfg,
		cmds:   cmds,
		bus:    b,
		events: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// Start subscribes to detection traffic and launches the loop.
func (m *Machine) Start() {
	m.subs = append(m.subs,
		m.bus.Subscribe(bus.TopicDetection, m.enqueue),
		m.bus.Subscribe(bus.TopicKeepalive, m.enqueue),
	)
	m.wg.Add(1)
	go m.loop()
}

// Stop unsubscribes and halts the loop. An open session is closed.
func (m *Machine) Stop() {
	m.once.Do(func() {
		for _, s := range m.subs {
			s.Unsubscribe()
		}
		close(m.done)
	})
	m.wg.Wait()
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Sessions returns the current and last session identifiers.
func (m *Machine) Sessions() (current, last string) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	return m.sessionID, m.lastID
}

func (m *Machine) enqueue(ev any) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Machine) loop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			// Orderly shutdown: an ACTIVE/CLOSING session is closed so the
			// store is not left with an orphan.
			if s := m.State(); s == Active || s == Closing {
				m.closeSession("shutdown")
			}
			m.cancelAllTimers()
			return
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-timerC(m.dwellT):
			m.dwellT = nil
			m.onDwellFired()
		case <-timerC(m.silenceT):
			m.silenceT = nil
			m.onSilenceFired()
		case <-timerC(m.postRollT):
			m.postRollT = nil
			m.onPostRollFired()
		}
	}
}

// timerC returns the timer channel, or a nil channel for absent timers.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (m *Machine) handleEvent(ev any) {
	switch e := ev.(type) {
	case engine.DetectionEvent:
		if e.Relevant {
			m.onRelevant()
		} else {
			m.onSilentSignal("detection")
		}
	case engine.KeepaliveEvent:
		m.onSilentSignal("keepalive")
	}
}

func (m *Machine) onRelevant() {
	switch m.State() {
	case Idle:
		m.transition(Dwell, "detection")
		m.dwellT = time.NewTimer(m.cfg.Dwell)
	case Dwell:
		// The dwell timer runs to completion from DWELL entry: an object that
		// persists through the window promotes to ACTIVE. Further detections
		// only confirm persistence; silent signals abort back to IDLE.
	case Active:
		m.stopTimer(&m.silenceT)
		m.silenceT = time.NewTimer(m.cfg.Silence)
	case Closing:
		// Re-entry: the publisher keeps running, only the timers change.
		m.stopTimer(&m.postRollT)
		m.transition(Active, "detection")
		m.silenceT = time.NewTimer(m.cfg.Silence)
	}
}

func (m *Machine) onSilentSignal(kind string) {
	if m.State() == Dwell {
		m.stopTimer(&m.dwellT)
		m.transition(Idle, kind)
	}
}

func (m *Machine) onDwellFired() {
	if m.State() != Dwell {
		return
	}
	m.transition(Active, "dwell-timer")

	startTs := time.Now()
	id, err := m.cmds.OpenSession(startTs)
	if err != nil {
		log.Error("open session failed, continuing", "error", err)
	}
	m.sessionMu.Lock()
	m.sessionID = id
	m.sessionMu.Unlock()

	if err := m.cmds.StartPublisher(); err != nil {
		log.Error("start publisher failed", "error", err)
	}
	if err := m.cmds.SetCaptureActive(true); err != nil {
		log.Error("capture mode switch failed", "error", err)
	}

	m.silenceT = time.NewTimer(m.cfg.Silence)
}

func (m *Machine) onSilenceFired() {
	if m.State() != Active {
		return
	}
	m.transition(Closing, "silence-timer")

	if err := m.cmds.SetCaptureActive(false); err != nil {
		log.Error("capture mode switch failed", "error", err)
	}
	m.postRollT = time.NewTimer(m.cfg.PostRoll)
}

func (m *Machine) onPostRollFired() {
	if m.State() != Closing {
		return
	}
	m.transition(Idle, "postroll-timer")
	m.closeSession("postroll")
}

func (m *Machine) closeSession(reason string) {
	if err := m.cmds.StopPublisher(); err != nil {
		log.Error("stop publisher failed", "error", err)
	}

	m.sessionMu.Lock()
	id := m.sessionID
	m.sessionID = ""
	if id != "" {
		m.lastID = id
	}
	m.sessionMu.Unlock()

	if id == "" {
		return
	}
	if err := m.cmds.CloseSession(id, time.Now(), m.cfg.PostRoll); err != nil {
		log.Error("close session failed, continuing", "error", err, "sessionId", id, "reason", reason)
	}
}

func (m *Machine) transition(to State, event string) {
	from := m.State()
	m.state.Store(int32(to))
	log.Info("transition", "from", from.String(), "to", to.String(), "event", event)
}

func (m *Machine) stopTimer(t **time.Timer) {
	if *t == nil {
		return
	}
	if !(*t).Stop() {
		select {
		case <-(*t).C:
		default:
		}
	}
	*t = nil
}

func (m *Machine) cancelAllTimers() {
	m.stopTimer(&m.dwellT)
	m.stopTimer(&m.silenceT)
	m.stopTimer(&m.postRollT)
}

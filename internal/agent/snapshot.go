package agent

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/edgesight/agent/internal/engine"
	"github.com/edgesight/agent/internal/publisher"
)

// Snapshot is the status document served by GET /status. Consumers get a
// value copy; nothing in it aliases live state.
type Snapshot struct {
	Manager ManagerInfo `json:"manager"`
	Agent   AgentInfo   `json:"agent"`
	System  SystemInfo  `json:"system"`
}

type ManagerInfo struct {
	State       string    `json:"state"`
	LastStartTs string    `json:"lastStartTs,omitempty"`
	LastStopTs  string    `json:"lastStopTs,omitempty"`
	Overrides   Overrides `json:"overrides"`
}

type Overrides struct {
	Classes []string `json:"classes,omitempty"`
}

type AgentInfo struct {
	StartedAt   string         `json:"startedAt"`
	UptimeMs    int64          `json:"uptimeMs"`
	HeartbeatTs string         `json:"heartbeatTs,omitempty"`
	Detections  DetectionsInfo `json:"detections"`
	Session     SessionInfo    `json:"session"`
	Streams     StreamsInfo    `json:"streams"`
	AI          AIInfo         `json:"ai"`
}

type DetectionsInfo struct {
	Total           uint64 `json:"total"`
	LastDetectionTs string `json:"lastDetectionTs,omitempty"`
}

type SessionInfo struct {
	Active           bool   `json:"active"`
	CurrentSessionID string `json:"currentSessionId,omitempty"`
	LastSessionID    string `json:"lastSessionId,omitempty"`
}

type StreamsInfo struct {
	Live   StreamInfo `json:"live"`
	Record StreamInfo `json:"record"`
}

type StreamInfo struct {
	Running       bool   `json:"running"`
	State         string `json:"state"`
	StartedAt     string `json:"startedAt,omitempty"`
	LastStoppedAt string `json:"lastStoppedAt,omitempty"`
	LastExit      int    `json:"lastExit"`
	Restarts      uint64 `json:"restarts"`
}

type AIInfo struct {
	State      string `json:"state"`
	Tx         uint64 `json:"tx"`
	Rx         uint64 `json:"rx"`
	Dropped    uint64 `json:"dropped"`
	Reconnects uint64 `json:"reconnects"`
}

type SystemInfo struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
}

// snapshotter accumulates the event-derived snapshot fields. All bus traffic
// funnels through one queue and one goroutine; readers take copies under a
// narrow lock.
type snapshotter struct {
	events chan any
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu          sync.Mutex
	detTotal    uint64
	lastDetTs   time.Time
	currentSess string
	lastSess    string
}

func newSnapshotter() *snapshotter {
	s := &snapshotter{
		events: make(chan any, 256),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *snapshotter) enqueue(ev any) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *snapshotter) stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *snapshotter) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.apply(ev)
		}
	}
}

func (s *snapshotter) apply(ev any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case engine.DetectionEvent:
		if e.Relevant {
			s.detTotal++
			s.lastDetTs = time.Now()
		}
	case SessionOpened:
		s.currentSess = e.ID
	case SessionClosed:
		s.currentSess = ""
		s.lastSess = e.ID
	}
}

// Snapshot assembles the full status document from the event-derived fields
// and the component getters.
func (a *Agent) Snapshot() Snapshot {
	now := time.Now()

	a.stateMu.Lock()
	mgr := ManagerInfo{
		State:       a.manager.String(),
		LastStartTs: isoOrEmpty(a.lastStart),
		LastStopTs:  isoOrEmpty(a.lastStop),
	}
	a.stateMu.Unlock()

	a.ovrMu.Lock()
	if a.classOverride != nil {
		mgr.Overrides.Classes = append([]string(nil), a.classOverride...)
	}
	a.ovrMu.Unlock()

	a.snap.mu.Lock()
	det := DetectionsInfo{
		Total:           a.snap.detTotal,
		LastDetectionTs: isoOrEmpty(a.snap.lastDetTs),
	}
	sess := SessionInfo{
		Active:           a.snap.currentSess != "",
		CurrentSessionID: a.snap.currentSess,
		LastSessionID:    a.snap.lastSess,
	}
	a.snap.mu.Unlock()

	var ai AIInfo
	if p := a.pipeline(); p != nil {
		ai.State = p.client.State().String()
		cnt := p.client.Counters()
		ai.Tx, ai.Rx, ai.Dropped, ai.Reconnects = cnt.Tx, cnt.Rx, cnt.Dropped, cnt.Reconnect
	} else {
		ai.State = "stopped"
	}

	return Snapshot{
		Manager: mgr,
		Agent: AgentInfo{
			StartedAt:   a.startedAt.UTC().Format(time.RFC3339),
			UptimeMs:    now.Sub(a.startedAt).Milliseconds(),
			HeartbeatTs: isoOrEmpty(a.heartbeatTs()),
			Detections:  det,
			Session:     sess,
			Streams: StreamsInfo{
				Live:   streamInfo(a.livePub.Status()),
				Record: streamInfo(a.recPub.Status()),
			},
			AI: ai,
		},
		System: systemInfo(),
	}
}

// WaitReady blocks until the named readiness predicate holds or the timeout
// elapses, polling the live state. Returns whether the predicate held.
func (a *Agent) WaitReady(predicate string, timeout time.Duration) bool {
	waitStart := time.Now()
	deadline := waitStart.Add(timeout)

	for {
		if a.predicateHolds(predicate, waitStart) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (a *Agent) predicateHolds(predicate string, waitStart time.Time) bool {
	switch predicate {
	case "child":
		p := a.pipeline()
		return p != nil && p.hub.Running()
	case "heartbeat":
		return !a.heartbeatTs().IsZero()
	case "detection":
		a.snap.mu.Lock()
		last := a.snap.lastDetTs
		a.snap.mu.Unlock()
		return last.After(waitStart)
	case "session":
		a.snap.mu.Lock()
		defer a.snap.mu.Unlock()
		return a.snap.currentSess != ""
	default:
		return true
	}
}

func (a *Agent) heartbeatTs() time.Time {
	if p := a.pipeline(); p != nil {
		return p.client.LastInbound()
	}
	return time.Time{}
}

func streamInfo(st publisher.Status) StreamInfo {
	return StreamInfo{
		Running:       st.Running,
		State:         st.State,
		StartedAt:     isoOrEmpty(st.StartedAt),
		LastStoppedAt: isoOrEmpty(st.LastStoppedAt),
		LastExit:      st.LastExitCode,
		Restarts:      st.Restarts,
	}
}

func systemInfo() SystemInfo {
	var info SystemInfo
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemPercent = vm.UsedPercent
	}
	return info
}

func isoOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

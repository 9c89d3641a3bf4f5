// Package agent is the composition root: it owns the bus, the supervisor,
// the store client and the capture/publish pipeline, and exposes the control
// operations and the status snapshot the HTTP surface serves.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgesight/agent/internal/aiclient"
	"github.com/edgesight/agent/internal/aiproto"
	"github.com/edgesight/agent/internal/bus"
	"github.com/edgesight/agent/internal/camera"
	"github.com/edgesight/agent/internal/capture"
	"github.com/edgesight/agent/internal/config"
	"github.com/edgesight/agent/internal/engine"
	"github.com/edgesight/agent/internal/fsm"
	"github.com/edgesight/agent/internal/logging"
	"github.com/edgesight/agent/internal/publisher"
	"github.com/edgesight/agent/internal/store"
	"github.com/edgesight/agent/internal/supervise"
)

var log = logging.L("agent")

// ErrNotRunning is returned by controls that need a running pipeline.
var ErrNotRunning = errors.New("agent: pipeline not running")

// SessionOpened and SessionClosed are published on the bus when the store
// transitions happen.
type SessionOpened struct {
	ID string
	Ts time.Time
}

type SessionClosed struct {
	ID string
	Ts time.Time
}

// StreamState is published on stream start/stop for the event tap.
type StreamState struct {
	Name    string
	Running bool
	Ts      time.Time
}

// pipeline bundles the components with a start-once lifecycle; a fresh set
// is built on every pipeline start.
type pipeline struct {
	hub     *camera.Hub
	cap     *capture.Capture
	client  *aiclient.Client
	eng     *engine.Engine
	machine *fsm.Machine
}

// Agent ties the components together.
type Agent struct {
	cfg     *config.Config
	bus     *bus.Bus
	sup     *supervise.Supervisor
	store   *store.Client
	batcher *store.Batcher
	recPub  *publisher.Publisher
	livePub *publisher.Publisher

	startedAt time.Time

	// ctrlMu serializes control start/stop. FSM commands never take it.
	ctrlMu sync.Mutex

	// stateMu guards the manager fields for snapshot readers; writers also
	// hold ctrlMu.
	stateMu   sync.Mutex
	manager   managerState
	lastStart time.Time
	lastStop  time.Time

	pipeMu sync.RWMutex
	pipe   *pipeline

	// overrides survive pipeline restarts; nil means config classes apply.
	ovrMu         sync.Mutex
	classOverride []string

	snap *snapshotter
	subs []*bus.Subscription
}

type managerState int32

const (
	managerIdle managerState = iota
	managerStarting
	managerRunning
	managerStopping
)

func (s managerState) String() string {
	switch s {
	case managerStarting:
		return "starting"
	case managerRunning:
		return "running"
	case managerStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// New wires the long-lived components. The pipeline itself is built by
// StartPipeline.
func New(cfg *config.Config) *Agent {
	b := bus.New()
	st := store.New(cfg.Store.BaseURL, cfg.Device.ID)

	a := &Agent{
		cfg:       cfg,
		bus:       b,
		sup:       supervise.New(),
		store:     st,
		batcher:   store.NewBatcher(st, cfg.Store.BatchSize, time.Duration(cfg.Store.BatchIntervalMs)*time.Millisecond),
		startedAt: time.Now(),
	}

	a.recPub = publisher.New(publisher.Config{
		Name:      "record",
		ShmSocket: cfg.Source.ShmSocket,
		Width:     cfg.Source.Width,
		Height:    cfg.Source.Height,
		FPS:       cfg.Source.FPS,
		RelayHost: cfg.Relay.Host,
		RelayPort: cfg.Relay.Port,
		Path:      cfg.Relay.RecordPath,
	}, a.sup)
	a.livePub = publisher.New(publisher.Config{
		Name:      "live",
		ShmSocket: cfg.Source.ShmSocket,
		Width:     cfg.Source.Width,
		Height:    cfg.Source.Height,
		FPS:       cfg.Source.FPS,
		RelayHost: cfg.Relay.Host,
		RelayPort: cfg.Relay.Port,
		Path:      cfg.Relay.LivePath,
	}, a.sup)

	a.snap = newSnapshotter()
	a.subs = append(a.subs,
		b.Subscribe(bus.TopicDetection, a.snap.enqueue),
		b.Subscribe(bus.TopicSessionOpened, a.snap.enqueue),
		b.Subscribe(bus.TopicSessionClosed, a.snap.enqueue),
		b.Subscribe(bus.TopicDetection, a.onDetectionForStore),
	)
	return a
}

// Bus exposes the event bus (the status surface taps it).
func (a *Agent) Bus() *bus.Bus { return a.bus }

// Run starts the pipeline and blocks until the context is cancelled, then
// shuts everything down in reverse construction order.
func (a *Agent) Run(ctx context.Context) error {
	log.Info("agent starting", "device", a.cfg.Device.ID)

	if err := a.StartPipeline(); err != nil {
		// The pipeline recovers on its own where it can; a spawn failure at
		// boot is worth surfacing but not fatal to the agent.
		log.Error("pipeline start incomplete", "error", err)
	}

	<-ctx.Done()
	log.Info("agent stopping")
	a.Shutdown()
	return nil
}

// StartPipeline builds and starts the capture/publish pipeline: hub, frame
// capture, AI client, engine, FSM and the live publisher. Idempotent while
// running; concurrent controls are serialized.
func (a *Agent) StartPipeline() error {
	a.ctrlMu.Lock()
	defer a.ctrlMu.Unlock()

	if a.managerState() == managerRunning {
		return nil
	}
	a.setManager(managerStarting)
	a.stateMu.Lock()
	a.lastStart = time.Now()
	a.stateMu.Unlock()

	p := &pipeline{}

	p.hub = camera.New(camera.Config{
		SourceURL:    a.cfg.Source.URL,
		SourceDevice: a.cfg.Source.Device,
		Width:        a.cfg.Source.Width,
		Height:       a.cfg.Source.Height,
		FPS:          a.cfg.Source.FPS,
		ShmSocket:    a.cfg.Source.ShmSocket,
		ShmSizeBytes: int64(a.cfg.Source.ShmSizeMiB) << 20,
	}, a.sup)

	p.client = aiclient.New(aiclient.Config{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.AI.WorkerHost, a.cfg.AI.WorkerPort),
		StreamPrefix: a.cfg.AI.StreamPrefix,
		Init: aiproto.Init{
			ModelPath:           a.cfg.AI.ModelPath,
			Width:               uint32(a.cfg.AI.InputWidth),
			Height:              uint32(a.cfg.AI.InputHeight),
			ConfidenceThreshold: float32(a.cfg.AI.Confidence),
			ClassesFilter:       a.Classes(),
		},
	}, aiclient.Handlers{
		OnResult: func(res *aiproto.Result) { p.eng.OnResult(res) },
		OnState:  func(st aiclient.State) { a.bus.Publish(bus.TopicAgentState, st.String()) },
	})

	p.eng = engine.New(p.client, a.bus, engine.NewFilter(a.cfg.AI.Confidence, a.Classes()),
		time.Duration(a.cfg.AI.KeepaliveSecs)*time.Second)

	p.cap = capture.New(capture.Config{
		ShmSocket:    a.cfg.Source.ShmSocket,
		SourceWidth:  a.cfg.Source.Width,
		SourceHeight: a.cfg.Source.Height,
		SourceFPS:    a.cfg.Source.FPS,
		OutWidth:     a.cfg.AI.InputWidth,
		OutHeight:    a.cfg.AI.InputHeight,
		IdleFPS:      a.cfg.AI.IdleFPS,
		ActiveFPS:    a.cfg.AI.ActiveFPS,
	}, a.sup, func(f capture.Frame) { p.eng.OnFrame(f) })

	p.machine = fsm.New(fsm.Config{
		Dwell:    time.Duration(a.cfg.FSM.DwellMs) * time.Millisecond,
		Silence:  time.Duration(a.cfg.FSM.SilenceMs) * time.Millisecond,
		PostRoll: time.Duration(a.cfg.FSM.PostRollMs) * time.Millisecond,
	}, a, a.bus)

	a.pipeMu.Lock()
	a.pipe = p
	a.pipeMu.Unlock()

	var firstErr error
	if err := p.hub.Start(); err != nil {
		firstErr = err
		log.Error("hub start", "error", err)
	}
	if err := p.cap.Start(); err != nil && firstErr == nil {
		firstErr = err
		log.Error("capture start", "error", err)
	}
	p.client.Start()
	p.eng.Start()
	p.machine.Start()

	if err := a.livePub.Start(); err != nil && firstErr == nil {
		firstErr = err
		log.Error("live publisher start", "error", err)
	}
	a.bus.Publish(bus.TopicStreamState, StreamState{Name: "live", Running: true, Ts: time.Now()})

	a.setManager(managerRunning)
	log.Info("pipeline running")
	return firstErr
}

// StopPipeline stops the pipeline in reverse construction order. The FSM is
// stopped first so an open session is closed while the store client and the
// publishers are still up. Idempotent.
func (a *Agent) StopPipeline() {
	a.ctrlMu.Lock()
	defer a.ctrlMu.Unlock()

	if a.managerState() == managerIdle {
		return
	}
	a.setManager(managerStopping)
	a.stateMu.Lock()
	a.lastStop = time.Now()
	a.stateMu.Unlock()

	a.pipeMu.RLock()
	p := a.pipe
	a.pipeMu.RUnlock()

	if p != nil {
		p.machine.Stop()
		a.livePub.Stop(0)
		a.bus.Publish(bus.TopicStreamState, StreamState{Name: "live", Running: false, Ts: time.Now()})
		p.eng.Stop()
		p.client.Stop()
		p.cap.Stop()
		p.hub.Stop()
	}

	a.pipeMu.Lock()
	a.pipe = nil
	a.pipeMu.Unlock()

	a.setManager(managerIdle)
	log.Info("pipeline stopped")
}

// Shutdown stops the pipeline and the long-lived components.
func (a *Agent) Shutdown() {
	a.StopPipeline()
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.snap.stop()
	a.batcher.Stop()
	a.bus.Close()
}

func (a *Agent) setManager(s managerState) {
	a.stateMu.Lock()
	a.manager = s
	a.stateMu.Unlock()
}

func (a *Agent) managerState() managerState {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.manager
}

// pipeline returns the current pipeline, nil when stopped.
func (a *Agent) pipeline() *pipeline {
	a.pipeMu.RLock()
	defer a.pipeMu.RUnlock()
	return a.pipe
}

// Classes returns the effective class filter: the runtime override when one
// is set, the configured classes otherwise.
func (a *Agent) Classes() []string {
	a.ovrMu.Lock()
	defer a.ovrMu.Unlock()
	if a.classOverride != nil {
		return append([]string(nil), a.classOverride...)
	}
	return append([]string(nil), a.cfg.AI.Classes...)
}

// Catalog enumerates the class names the model recognizes.
func (a *Agent) Catalog() []string {
	return append([]string(nil), a.cfg.AI.ClassCatalog...)
}

// SetClasses installs a runtime class-filter override, applied atomically at
// the next filter evaluation. Unknown classes are rejected when a catalog is
// configured.
func (a *Agent) SetClasses(classes []string) error {
	if len(a.cfg.AI.ClassCatalog) > 0 {
		known := make(map[string]struct{}, len(a.cfg.AI.ClassCatalog))
		for _, c := range a.cfg.AI.ClassCatalog {
			known[c] = struct{}{}
		}
		for _, c := range classes {
			if _, ok := known[c]; !ok {
				return fmt.Errorf("unknown class %q", c)
			}
		}
	}

	a.ovrMu.Lock()
	a.classOverride = append([]string(nil), classes...)
	a.ovrMu.Unlock()

	if p := a.pipeline(); p != nil {
		p.eng.SetFilter(engine.NewFilter(a.cfg.AI.Confidence, classes))
	}
	log.Info("class filter overridden", "classes", classes)
	return nil
}

// onDetectionForStore is the ingestion subscriber: relevant detections during
// an open session go through the authoritative multipart path, and every
// relevant detection also feeds the legacy batcher.
func (a *Agent) onDetectionForStore(ev any) {
	det, ok := ev.(engine.DetectionEvent)
	if !ok || !det.Relevant {
		return
	}

	for _, d := range det.Detections {
		a.batcher.Add(det.TsISO, d)
	}

	p := a.pipeline()
	if p == nil {
		return
	}
	sessionID, _ := p.machine.Sessions()
	if sessionID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.store.Ingest(ctx, sessionID, det.Seq, det.TsISO, det.Detections, det.FrameJPEG); err != nil {
		log.Warn("ingest failed", "sessionId", sessionID, "seq", det.Seq, "error", err)
	}
}

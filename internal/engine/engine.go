// Package engine sits between the frame capture and the AI client: it
// forwards frames to the client, filters inference results and publishes
// detection and keepalive events on the bus.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgesight/agent/internal/aiproto"
	"github.com/edgesight/agent/internal/bus"
	"github.com/edgesight/agent/internal/capture"
	"github.com/edgesight/agent/internal/logging"
)

var log = logging.L("engine")

const (
	defaultKeepaliveInterval = 2 * time.Second
	frameRingSize            = 8
)

// DetectionEvent is published on bus.TopicDetection for every result.
type DetectionEvent struct {
	Relevant   bool
	Detections []aiproto.Detection
	Score      float32
	Seq        uint64
	TsISO      string
	// FrameJPEG holds the representative frame, present only on relevant
	// events whose source frame was still in the ring.
	FrameJPEG []byte
}

// KeepaliveEvent is published on bus.TopicKeepalive after one keepalive
// interval without relevant detections.
type KeepaliveEvent struct {
	Ts time.Time
}

// FrameSender is the slice of the AI client the engine needs.
type FrameSender interface {
	SendFrame(*aiproto.Frame) error
}

// Engine wires capture output to the client and results to the bus.
type Engine struct {
	sender    FrameSender
	bus       *bus.Bus
	keepalive time.Duration

	filter atomic.Value // Filter

	ringMu sync.Mutex
	ring   [frameRingSize]capture.Frame

	total      atomic.Uint64
	lastDetMs  atomic.Int64 // wall-clock ms of last relevant detection
	done       chan struct{}
	stopOnce   sync.Once
	keepaliveW sync.WaitGroup
}

// New creates an engine with the initial filter. A non-positive keepalive
// falls back to the default interval.
func New(sender FrameSender, b *bus.Bus, filter Filter, keepalive time.Duration) *Engine {
	if keepalive <= 0 {
		keepalive = defaultKeepaliveInterval
	}
	e := &Engine{
		sender:    sender,
		bus:       b,
		keepalive: keepalive,
		done:      make(chan struct{}),
	}
	e.filter.Store(filter)
	return e
}

// Start launches the keepalive ticker.
func (e *Engine) Start() {
	e.keepaliveW.Add(1)
	go e.keepaliveLoop()
}

// Stop halts the keepalive ticker.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
	e.keepaliveW.Wait()
}

// Filter returns the current filter configuration.
func (e *Engine) Filter() Filter {
	return e.filter.Load().(Filter)
}

// SetFilter atomically replaces the filter. In-flight results already
// filtered are not re-filtered.
func (e *Engine) SetFilter(f Filter) {
	e.filter.Store(f)
	log.Info("filter updated", "confidence", f.Confidence, "classes", f.ClassList())
}

// Totals returns the number of relevant detections seen and the time of the
// last one (zero time if none).
func (e *Engine) Totals() (uint64, time.Time) {
	ms := e.lastDetMs.Load()
	var t time.Time
	if ms != 0 {
		t = time.UnixMilli(ms)
	}
	return e.total.Load(), t
}

// OnFrame is the capture callback: remember the frame for ingestion and
// offer it to the client (latest-wins downstream).
func (e *Engine) OnFrame(f capture.Frame) {
	e.ringMu.Lock()
	e.ring[f.Seq%frameRingSize] = f
	e.ringMu.Unlock()

	err := e.sender.SendFrame(&aiproto.Frame{
		Seq:      f.Seq,
		TsISO:    f.TsISO,
		TsMonoNs: f.TsMonoNs,
		Width:    uint32(f.Width),
		Height:   uint32(f.Height),
		PixFmt:   f.PixFmt,
		Data:     f.Data,
	})
	if err != nil {
		log.Debug("frame not offered", "error", err)
	}
}

// OnResult filters a result and publishes the detection event.
func (e *Engine) OnResult(res *aiproto.Result) {
	surviving, score := e.Filter().Apply(res.Detections)

	ev := DetectionEvent{
		Relevant:   len(surviving) > 0,
		Detections: surviving,
		Score:      score,
		Seq:        res.Seq,
		TsISO:      res.TsISO,
	}

	if ev.Relevant {
		e.total.Add(1)
		e.lastDetMs.Store(time.Now().UnixMilli())
		if jpg := e.frameJPEG(res.Seq); jpg != nil {
			ev.FrameJPEG = jpg
		}
	} else {
		ev.Detections = []aiproto.Detection{}
		ev.Score = 0
	}

	e.bus.Publish(bus.TopicDetection, ev)
}

// frameJPEG encodes the ring entry for seq, if it is still the right frame.
func (e *Engine) frameJPEG(seq uint64) []byte {
	e.ringMu.Lock()
	f := e.ring[seq%frameRingSize]
	e.ringMu.Unlock()

	if f.Seq != seq || f.Data == nil {
		return nil
	}
	jpg, err := encodeJPEG(f.Width, f.Height, f.Data)
	if err != nil {
		log.Warn("jpeg encode", "error", err)
		return nil
	}
	return jpg
}

func (e *Engine) keepaliveLoop() {
	defer e.keepaliveW.Done()
	t := time.NewTicker(e.keepalive)
	defer t.Stop()

	for {
		select {
		case <-e.done:
			return
		case now := <-t.C:
			// Suppressed only by relevant detections: a quiet scene with
			// results flowing still keeps the FSM fed with keepalives.
			last := e.lastDetMs.Load()
			if last == 0 || now.Sub(time.UnixMilli(last)) >= e.keepalive {
				e.bus.Publish(bus.TopicKeepalive, KeepaliveEvent{Ts: now})
			}
		}
	}
}

// Package capture attaches to the camera hub's shared-memory socket through
// a GStreamer child that rescales frames to the model geometry and writes
// them raw to stdout. The parent chunks stdout into exact frame payloads and
// hands them to a callback with metadata.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/edgesight/agent/internal/logging"
	"github.com/edgesight/agent/internal/supervise"
)

var log = logging.L("capture")

// Mode selects the sampling rate.
type Mode int

const (
	ModeIdle Mode = iota
	ModeActive
)

func (m Mode) String() string {
	if m == ModeActive {
		return "active"
	}
	return "idle"
}

const (
	pixFmt    = "RGB"
	channels  = 3
	stopGrace = time.Second
)

// Frame is one sampled pixel buffer with metadata. The payload is owned by
// the callback once delivered.
type Frame struct {
	Seq      uint64
	TsISO    string
	TsMonoNs uint64
	Width    int
	Height   int
	PixFmt   string
	Data     []byte
}

// Callback receives each captured frame.
type Callback func(Frame)

// Config describes the shm source and the model geometry.
type Config struct {
	ShmSocket    string
	SourceWidth  int
	SourceHeight int
	SourceFPS    int
	OutWidth     int
	OutHeight    int
	IdleFPS      int
	ActiveFPS    int
	GstLaunch    string
}

// Capture runs the reader child and emits frames. SetMode restarts the child
// pipeline at the new rate; no partial frame crosses the transition.
type Capture struct {
	cfg      Config
	sup      *supervise.Supervisor
	callback Callback

	seq     atomic.Uint64
	monoRef time.Time

	mu      sync.Mutex
	mode    Mode
	handle  *supervise.Handle
	running bool
	gen     int // invalidates read loops of stopped children
}

// New creates a capture in idle mode. Call Start to spawn the child.
func New(cfg Config, sup *supervise.Supervisor, cb Callback) *Capture {
	if cfg.GstLaunch == "" {
		cfg.GstLaunch = "gst-launch-1.0"
	}
	return &Capture{
		cfg:      cfg,
		sup:      sup,
		callback: cb,
		monoRef:  time.Now(),
	}
}

// PipelineArgs builds the reader pipeline for the given rate.
func (c *Capture) PipelineArgs(fps int) []string {
	srcCaps := fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1",
		c.cfg.SourceWidth, c.cfg.SourceHeight, c.cfg.SourceFPS)
	outCaps := fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", pixFmt, c.cfg.OutWidth, c.cfg.OutHeight)
	rateCaps := fmt.Sprintf("video/x-raw,framerate=%d/1", fps)

	return []string{
		"-q",
		"shmsrc", "socket-path=" + c.cfg.ShmSocket, "is-live=true", "do-timestamp=true",
		"!", srcCaps,
		"!", "videorate", "drop-only=true",
		"!", rateCaps,
		"!", "videoscale",
		"!", "videoconvert",
		"!", outCaps,
		"!", "fdsink", "fd=1",
	}
}

// FrameSize is the exact payload length of one output frame.
func (c *Capture) FrameSize() int {
	return c.cfg.OutWidth * c.cfg.OutHeight * channels
}

// Start spawns the reader child in the current mode.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	return c.spawnLocked()
}

// Stop terminates the reader child.
func (c *Capture) Stop() {
	c.mu.Lock()
	c.running = false
	c.gen++
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	if handle != nil {
		c.sup.Terminate(handle, syscall.SIGINT, stopGrace)
	}
}

// Mode returns the current sampling mode.
func (c *Capture) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the target rate, restarting the child pipeline. A no-op
// when the mode is unchanged and the child is alive; a dead child is
// respawned here (capture recovers at cadence changes, it does not
// self-restart).
func (c *Capture) SetMode(m Mode) error {
	c.mu.Lock()
	if c.mode == m && c.handle != nil {
		c.mu.Unlock()
		return nil
	}
	c.mode = m
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	log.Info("switching capture mode", "mode", m.String())
	if handle != nil {
		c.sup.Terminate(handle, syscall.SIGINT, stopGrace)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.mode != m {
		return nil
	}
	return c.spawnLocked()
}

func (c *Capture) fpsFor(m Mode) int {
	if m == ModeActive {
		return c.cfg.ActiveFPS
	}
	return c.cfg.IdleFPS
}

// spawnLocked starts the child and its read loop. Caller holds c.mu.
func (c *Capture) spawnLocked() error {
	fps := c.fpsFor(c.mode)
	gen := c.gen

	handle, err := c.sup.Spawn(supervise.Spec{
		Command:   c.cfg.GstLaunch,
		Args:      c.PipelineArgs(fps),
		RawStdout: true,
		Stderr: func(line string) {
			log.Debug("capture pipeline", "line", line)
		},
		OnExit: func(code int, signal string) {
			c.onExit(gen, code, signal)
		},
	})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	c.handle = handle

	go c.readFrames(handle.Stdout, gen, fps)
	log.Info("capture started", "mode", c.mode.String(), "fps", fps)
	return nil
}

// readFrames chunks the raw stdout stream into exact frame payloads. A
// partial trailing read (child stopped mid-frame) is discarded.
func (c *Capture) readFrames(r io.Reader, gen, fps int) {
	size := c.FrameSize()
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Warn("frame read", "error", err)
			}
			return
		}

		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}

		now := time.Now()
		f := Frame{
			Seq:      c.seq.Add(1),
			TsISO:    now.UTC().Format(time.RFC3339Nano),
			TsMonoNs: uint64(now.Sub(c.monoRef).Nanoseconds()),
			Width:    c.cfg.OutWidth,
			Height:   c.cfg.OutHeight,
			PixFmt:   pixFmt,
			Data:     buf,
		}
		c.callback(f)
	}
}

// onExit records an unexpected child death. No respawn here: the capture is
// brought back by the next SetMode. Exits triggered by Stop/SetMode carry a
// stale generation and are ignored.
func (c *Capture) onExit(gen, code int, signal string) {
	c.mu.Lock()
	if gen != c.gen || !c.running {
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.gen++
	c.mu.Unlock()

	log.Warn("capture child exited, waiting for next cadence change", "code", code, "signal", signal)
}

// Package camera runs the always-on capture hub: a GStreamer child that
// decodes the camera and writes raw frames into a shared-memory socket for
// the frame capture and the publisher to read. The hub is the single writer;
// readers attach independently through the fixed socket path.
package camera

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edgesight/agent/internal/logging"
	"github.com/edgesight/agent/internal/metrics"
	"github.com/edgesight/agent/internal/supervise"
)

var log = logging.L("camera")

const (
	// Readiness fallback: if neither the PLAYING log line nor the socket
	// shows up in time, proceed anyway and let downstream readers retry.
	readyTimeout   = 2500 * time.Millisecond
	socketPollStep = 100 * time.Millisecond

	restartDelay = 2 * time.Second
	stopGrace    = 2 * time.Second
)

// Config describes the camera source and the shared-memory sink.
type Config struct {
	SourceURL    string // network camera; exclusive with SourceDevice
	SourceDevice string // local V4L2 device
	Width        int
	Height       int
	FPS          int
	ShmSocket    string
	ShmSizeBytes int64
	GstLaunch    string // defaults to gst-launch-1.0
}

// Hub supervises the capture child and restarts it on unexpected exit.
type Hub struct {
	cfg Config
	sup *supervise.Supervisor

	mu      sync.Mutex
	handle  *supervise.Handle
	desired bool

	playing chan struct{} // closed when the PLAYING heuristic fires
	plOnce  sync.Once
}

// New creates a hub. Call Start to spawn the child.
func New(cfg Config, sup *supervise.Supervisor) *Hub {
	if cfg.GstLaunch == "" {
		cfg.GstLaunch = "gst-launch-1.0"
	}
	return &Hub{cfg: cfg, sup: sup}
}

// PipelineArgs builds the gst-launch argument vector. Kept minimal on
// purpose: decode, convert, scale, rate-control, shared-memory sink.
func (h *Hub) PipelineArgs() []string {
	var src []string
	if h.cfg.SourceURL != "" {
		src = []string{"rtspsrc", "location=" + h.cfg.SourceURL, "protocols=tcp", "!", "decodebin"}
	} else {
		src = []string{"v4l2src", "device=" + h.cfg.SourceDevice}
	}

	caps := fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1",
		h.cfg.Width, h.cfg.Height, h.cfg.FPS)

	args := append([]string{"-e"}, src...)
	args = append(args,
		"!", "videoconvert",
		"!", "videoscale",
		"!", "videorate",
		"!", caps,
		"!", "shmsink",
		"socket-path="+h.cfg.ShmSocket,
		fmt.Sprintf("shm-size=%d", h.cfg.ShmSizeBytes),
		"wait-for-connection=false",
		"sync=true",
	)
	return args
}

// Start spawns the hub child and blocks until it is ready: the child reports
// PLAYING, the socket file exists, or the fallback timeout elapses.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.desired {
		h.mu.Unlock()
		return nil
	}
	h.desired = true
	h.mu.Unlock()

	if err := h.spawn(); err != nil {
		h.mu.Lock()
		h.desired = false
		h.mu.Unlock()
		return err
	}
	h.awaitReady()
	return nil
}

// Stop terminates the hub child gracefully, escalating to SIGKILL.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.desired = false
	handle := h.handle
	h.mu.Unlock()

	if handle != nil {
		h.sup.Terminate(handle, syscall.SIGINT, stopGrace)
	}
}

// Running reports whether a hub child is currently alive.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handle != nil
}

func (h *Hub) spawn() error {
	h.plOnce = sync.Once{}
	h.playing = make(chan struct{})

	handle, err := h.sup.Spawn(supervise.Spec{
		Command: h.cfg.GstLaunch,
		Args:    h.PipelineArgs(),
		Stdout:  h.watchLine,
		Stderr:  h.watchLine,
		OnExit:  h.onExit,
	})
	if err != nil {
		return fmt.Errorf("camera hub: %w", err)
	}

	h.mu.Lock()
	h.handle = handle
	h.mu.Unlock()
	return nil
}

// watchLine applies the readiness log heuristic to child output.
func (h *Hub) watchLine(line string) {
	if strings.Contains(line, "PLAYING") {
		h.plOnce.Do(func() { close(h.playing) })
	}
	if strings.Contains(line, "ERROR") {
		log.Warn("hub pipeline", "line", line)
	}
}

// awaitReady waits for PLAYING or the socket file, polling at 100ms, with a
// hard fallback.
func (h *Hub) awaitReady() {
	deadline := time.After(readyTimeout)
	poll := time.NewTicker(socketPollStep)
	defer poll.Stop()

	for {
		select {
		case <-h.playing:
			log.Info("hub ready (pipeline playing)")
			return
		case <-poll.C:
			if _, err := os.Stat(h.cfg.ShmSocket); err == nil {
				log.Info("hub ready (socket exists)", "socket", h.cfg.ShmSocket)
				return
			}
		case <-deadline:
			log.Warn("hub readiness timeout, proceeding anyway", "timeout", readyTimeout)
			return
		}
	}
}

func (h *Hub) onExit(code int, signal string) {
	h.mu.Lock()
	h.handle = nil
	desired := h.desired
	h.mu.Unlock()

	if !desired {
		return
	}

	log.Warn("hub exited unexpectedly, restarting", "code", code, "signal", signal, "delay", restartDelay)
	metrics.HubRestarts.Inc()

	time.AfterFunc(restartDelay, func() {
		h.mu.Lock()
		stillDesired := h.desired
		h.mu.Unlock()
		if !stillDesired {
			return
		}
		if err := h.spawn(); err != nil {
			log.Error("hub restart failed", "error", err)
			// Try again on the same cadence.
			h.onExit(-1, "")
			return
		}
		h.awaitReady()
	})
}

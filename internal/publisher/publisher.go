// Package publisher runs the on-demand RTSP push child: shared memory in,
// H.264 out to the media relay. While desired-running is set it is respawned
// on unexpected exit with capped exponential backoff; an explicit stop clears
// the flag before the first kill signal so the exit handler never restarts a
// deliberately stopped publisher.
package publisher

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/edgesight/agent/internal/logging"
	"github.com/edgesight/agent/internal/metrics"
	"github.com/edgesight/agent/internal/supervise"
)

var log = logging.L("publisher")

// PubState mirrors the child lifecycle for the status surface.
type PubState int32

const (
	PubIdle PubState = iota
	PubStarting
	PubRunning
	PubStopping
)

func (s PubState) String() string {
	switch s {
	case PubStarting:
		return "starting"
	case PubRunning:
		return "running"
	case PubStopping:
		return "stopping"
	default:
		return "idle"
	}
}

const (
	// restart backoff: min(500ms * 2^attempt, 5s)
	restartBase = 500 * time.Millisecond
	restartCap  = 5 * time.Second

	// DefaultStopGrace separates SIGINT from SIGKILL on stop.
	DefaultStopGrace = 2 * time.Second

	rtspLatencyMs = 50
)

// Config describes the shm source and the relay target.
type Config struct {
	Name       string // "record" or "live", used in logs and status
	ShmSocket  string
	Width      int
	Height     int
	FPS        int
	RelayHost  string
	RelayPort  int
	Path       string
	GstLaunch  string
	GstInspect string
}

// Status is a snapshot for the status surface.
type Status struct {
	Running       bool
	State         string
	StartedAt     time.Time
	LastStoppedAt time.Time
	LastExitCode  int
	Restarts      uint64
}

// Publisher supervises one RTSP push child.
type Publisher struct {
	cfg Config
	sup *supervise.Supervisor

	mu       sync.Mutex
	desired  bool
	state    PubState
	handle   *supervise.Handle
	attempt  int
	restarts uint64
	started  time.Time
	stopped  time.Time
	lastExit int
}

// New creates a publisher. Nothing is spawned until Start.
func New(cfg Config, sup *supervise.Supervisor) *Publisher {
	if cfg.GstLaunch == "" {
		cfg.GstLaunch = "gst-launch-1.0"
	}
	if cfg.GstInspect == "" {
		cfg.GstInspect = "gst-inspect-1.0"
	}
	return &Publisher{cfg: cfg, sup: sup}
}

// URL is the RTSP target.
func (p *Publisher) URL() string {
	return fmt.Sprintf("rtsp://%s:%d/%s", p.cfg.RelayHost, p.cfg.RelayPort, p.cfg.Path)
}

// PipelineArgs builds the push pipeline with the probed encoder.
func (p *Publisher) PipelineArgs() []string {
	enc := probeEncoder(p.cfg.GstInspect)

	caps := fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1",
		p.cfg.Width, p.cfg.Height, p.cfg.FPS)

	args := []string{
		"-e",
		"shmsrc", "socket-path=" + p.cfg.ShmSocket, "is-live=true", "do-timestamp=true",
		"!", caps,
		"!", "videoconvert",
		"!", enc.element,
	}
	args = append(args, enc.props...)
	args = append(args,
		"!", "h264parse",
		"!", "rtspclientsink",
		"location="+p.URL(),
		"protocols=tcp",
		fmt.Sprintf("latency=%d", rtspLatencyMs),
	)
	return args
}

// Start sets desired-running, resets the restart counter and spawns.
// Idempotent while already desired.
func (p *Publisher) Start() error {
	p.mu.Lock()
	if p.desired {
		p.mu.Unlock()
		return nil
	}
	p.desired = true
	p.attempt = 0
	p.state = PubStarting
	p.mu.Unlock()

	log.Info("starting", "name", p.cfg.Name, "url", p.URL())
	return p.spawn()
}

// Stop clears desired-running (no restart can follow), then terminates the
// child: graceful signal, grace wait, forced kill.
func (p *Publisher) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	p.mu.Lock()
	wasDesired := p.desired
	p.desired = false // observed by onExit before any signal lands
	handle := p.handle
	if handle != nil {
		p.state = PubStopping
	}
	p.mu.Unlock()

	if !wasDesired && handle == nil {
		return
	}
	log.Info("stopping", "name", p.cfg.Name, "grace", grace)

	if handle != nil {
		p.sup.Terminate(handle, syscall.SIGINT, grace)
	}

	p.mu.Lock()
	p.state = PubIdle
	p.stopped = time.Now()
	p.mu.Unlock()
}

// Status returns a snapshot.
func (p *Publisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:       p.state == PubRunning || p.state == PubStarting,
		State:         p.state.String(),
		StartedAt:     p.started,
		LastStoppedAt: p.stopped,
		LastExitCode:  p.lastExit,
		Restarts:      p.restarts,
	}
}

func (p *Publisher) spawn() error {
	handle, err := p.sup.Spawn(supervise.Spec{
		Command: p.cfg.GstLaunch,
		Args:    p.PipelineArgs(),
		Stderr: func(line string) {
			log.Debug("publisher pipeline", "name", p.cfg.Name, "line", line)
		},
		OnExit: p.onExit,
	})
	if err != nil {
		p.mu.Lock()
		p.state = PubIdle
		p.mu.Unlock()
		return fmt.Errorf("publisher %s: %w", p.cfg.Name, err)
	}

	p.mu.Lock()
	p.handle = handle
	p.state = PubRunning
	p.started = time.Now()
	p.mu.Unlock()
	return nil
}

// onExit implements the auto-restart policy. desired-running=false means an
// explicit stop already happened: no respawn, ever, until the next Start.
func (p *Publisher) onExit(code int, signal string) {
	p.mu.Lock()
	p.handle = nil
	p.lastExit = code
	desired := p.desired
	if !desired {
		p.state = PubIdle
		p.stopped = time.Now()
	} else {
		p.state = PubStarting
	}
	attempt := p.attempt
	p.attempt++
	p.mu.Unlock()

	if !desired {
		return
	}

	delay := restartCap
	if attempt < 4 {
		delay = restartBase << attempt
	}
	log.Warn("publisher exited unexpectedly, restarting",
		"name", p.cfg.Name, "code", code, "signal", signal, "attempt", attempt, "delay", delay)
	metrics.PublisherRestarts.Inc()

	p.mu.Lock()
	p.restarts++
	p.mu.Unlock()

	time.AfterFunc(delay, func() {
		p.mu.Lock()
		stillDesired := p.desired && p.handle == nil
		p.mu.Unlock()
		if !stillDesired {
			return
		}
		if err := p.spawn(); err != nil {
			log.Error("publisher respawn failed", "error", err)
			// Keep retrying on the capped schedule.
			p.onExit(-1, "")
		}
	})
}

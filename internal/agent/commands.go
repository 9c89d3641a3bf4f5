package agent

import (
	"context"
	"time"

	"github.com/edgesight/agent/internal/bus"
	"github.com/edgesight/agent/internal/capture"
	"github.com/edgesight/agent/internal/metrics"
)

// The agent is the FSM's command sink. Commands run on the FSM goroutine and
// must not take ctrlMu: StopPipeline holds it while waiting for the FSM to
// drain, including the session close a shutdown triggers.

const storeCallTimeout = 10 * time.Second

// OpenSession registers a new session with the store. The identifier is
// always returned; a store failure leaves an upstream orphan and is logged.
func (a *Agent) OpenSession(startTs time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	id, err := a.store.Open(ctx, a.cfg.Relay.RecordPath, startTs, "detection")
	metrics.SessionsOpened.Inc()
	a.bus.Publish(bus.TopicSessionOpened, SessionOpened{ID: id, Ts: startTs})
	return id, err
}

// CloseSession finalizes a session with the store.
func (a *Agent) CloseSession(sessionID string, endTs time.Time, postRoll time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	err := a.store.Close(ctx, sessionID, endTs, postRoll)
	metrics.SessionsClosed.Inc()
	a.bus.Publish(bus.TopicSessionClosed, SessionClosed{ID: sessionID, Ts: endTs})
	return err
}

// StartPublisher starts the record publisher.
func (a *Agent) StartPublisher() error {
	err := a.recPub.Start()
	a.bus.Publish(bus.TopicStreamState, StreamState{Name: "record", Running: err == nil, Ts: time.Now()})
	return err
}

// StopPublisher stops the record publisher.
func (a *Agent) StopPublisher() error {
	a.recPub.Stop(0)
	a.bus.Publish(bus.TopicStreamState, StreamState{Name: "record", Running: false, Ts: time.Now()})
	return nil
}

// SetCaptureActive switches the frame capture cadence.
func (a *Agent) SetCaptureActive(active bool) error {
	p := a.pipeline()
	if p == nil {
		return ErrNotRunning
	}
	mode := capture.ModeIdle
	if active {
		mode = capture.ModeActive
	}
	return p.cap.SetMode(mode)
}

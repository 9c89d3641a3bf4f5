// Package aiclient is the TCP client for the inference worker. It owns the
// socket, the flow-control window (size 1) and the latest-wins pending slot.
// One sender goroutine serializes the outbound stream; one reader goroutine
// drives the connection state machine.
package aiclient

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edgesight/agent/internal/aiproto"
	"github.com/edgesight/agent/internal/logging"
	"github.com/edgesight/agent/internal/metrics"
)

var log = logging.L("aiclient")

// ErrShutdown is returned by SendFrame after Stop.
var ErrShutdown = errors.New("aiclient: shut down")

// State of the connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

const (
	dialTimeout       = 5 * time.Second
	initOkTimeout     = 5 * time.Second
	heartbeatInterval = 2 * time.Second
	silenceTimeout    = 10 * time.Second
	keepAlivePeriod   = 30 * time.Second
	resultQueueSize   = 8
)

// backoffSteps is the reconnect schedule; the last step repeats.
var backoffSteps = []time.Duration{
	500 * time.Millisecond,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Config holds the worker endpoint and the handshake arguments. Init is
// re-sent verbatim on every reconnect.
type Config struct {
	Addr         string
	StreamPrefix string
	Init         aiproto.Init
}

// Handlers receive connection output. OnResult is called from a dedicated
// dispatcher goroutine, in order, from a bounded queue (drop-oldest).
type Handlers struct {
	OnResult func(*aiproto.Result)
	OnState  func(State)
}

// Counters is a snapshot of the client's traffic counters.
type Counters struct {
	Tx        uint64
	Rx        uint64
	Dropped   uint64 // pending frames replaced before send
	LastSeq   uint64 // last frame sequence sent on the current connection
	Reconnect uint64
}

// Client implements the inference protocol state machine.
type Client struct {
	cfg      Config
	handlers Handlers

	state atomic.Int32

	// flowMu guards the window: in READY steady state exactly one of
	// credit / inflight!=0 holds.
	flowMu   sync.Mutex
	credit   bool
	inflight uint64
	pending  *aiproto.Frame
	lastSent uint64 // per-connection high-water mark

	tx        atomic.Uint64
	rx        atomic.Uint64
	dropped   atomic.Uint64
	reconnect atomic.Uint64
	lastInMs  atomic.Int64 // wall-clock ms of last inbound message

	kick    chan struct{}
	results chan *aiproto.Result
	done    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
}

// New creates a client. Call Start to connect.
func New(cfg Config, handlers Handlers) *Client {
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		kick:     make(chan struct{}, 1),
		results:  make(chan *aiproto.Result, resultQueueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the connection loop and the result dispatcher.
func (c *Client) Start() {
	c.stopped.Add(2)
	go c.dispatchLoop()
	go c.run()
}

// Stop transitions to SHUTDOWN, closes the connection and waits for the
// client's goroutines to exit.
func (c *Client) Stop() {
	c.once.Do(func() {
		c.setState(StateShutdown)
		close(c.done)
	})
	c.stopped.Wait()
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Counters returns a snapshot of the traffic counters.
func (c *Client) Counters() Counters {
	c.flowMu.Lock()
	lastSeq := c.lastSent
	c.flowMu.Unlock()
	return Counters{
		Tx:        c.tx.Load(),
		Rx:        c.rx.Load(),
		Dropped:   c.dropped.Load(),
		LastSeq:   lastSeq,
		Reconnect: c.reconnect.Load(),
	}
}

// LastInbound returns the wall-clock time of the last inbound message, or a
// zero time if nothing has been received yet.
func (c *Client) LastInbound() time.Time {
	ms := c.lastInMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SendFrame offers a frame for transmission. If the window is closed or a
// frame is already pending, the previous pending frame is replaced (latest
// wins) and counted as dropped. Never blocks.
func (c *Client) SendFrame(f *aiproto.Frame) error {
	if c.State() == StateShutdown {
		return ErrShutdown
	}

	c.flowMu.Lock()
	if c.pending != nil {
		if f.Seq <= c.pending.Seq {
			// A stale frame never replaces a newer pending one.
			c.flowMu.Unlock()
			c.dropped.Add(1)
			metrics.FramesDropped.Inc()
			return nil
		}
		c.dropped.Add(1)
		metrics.FramesDropped.Inc()
	}
	c.pending = f
	c.flowMu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *Client) setState(s State) {
	if c.State() == StateShutdown && s != StateShutdown {
		return
	}
	old := State(c.state.Swap(int32(s)))
	if old != s {
		log.Info("state change", "from", old.String(), "to", s.String())
		if c.handlers.OnState != nil {
			c.handlers.OnState(s)
		}
	}
}

// run is the reconnect loop. Backoff steps through backoffSteps and resets
// after every successful handshake.
func (c *Client) run() {
	defer c.stopped.Done()

	attempt := 0
	for {
		select {
		case <-c.done:
			c.setState(StateShutdown)
			return
		default:
		}

		ready, err := c.runConnection()
		if c.State() == StateShutdown {
			return
		}
		if ready {
			attempt = 0
		}
		c.setState(StateDisconnected)
		c.reconnect.Add(1)
		metrics.Reconnects.Inc()

		step := attempt
		if step >= len(backoffSteps) {
			step = len(backoffSteps) - 1
		}
		delay := backoffSteps[step]
		attempt++

		log.Warn("connection lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-c.done:
			c.setState(StateShutdown)
			return
		case <-time.After(delay):
		}
	}
}

// runConnection dials, performs the handshake and services the connection
// until an error. Returns whether READY was reached.
func (c *Client) runConnection() (bool, error) {
	c.setState(StateConnecting)

	conn, err := net.DialTimeout("tcp", c.cfg.Addr, dialTimeout)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}

	c.setState(StateConnected)

	streamID := newStreamID(c.cfg.StreamPrefix)
	log.Info("connected, sending init", "addr", c.cfg.Addr, "streamId", streamID)

	init := c.cfg.Init
	initEnv := &aiproto.Envelope{
		StreamID: streamID,
		MsgType:  aiproto.MTInit,
		Req:      &aiproto.Request{Init: &init},
	}
	if err := aiproto.WriteMsg(conn, aiproto.MarshalEnvelope(initEnv)); err != nil {
		return false, fmt.Errorf("send init: %w", err)
	}

	// InitOk must arrive within the handshake timeout or the connection is
	// forced down and retried.
	conn.SetReadDeadline(time.Now().Add(initOkTimeout))
	payload, err := aiproto.ReadMsg(conn)
	if err != nil {
		return false, fmt.Errorf("await init_ok: %w", err)
	}
	env, err := aiproto.UnmarshalEnvelope(payload)
	if err != nil {
		return false, fmt.Errorf("decode init_ok: %w", err)
	}
	if env.MsgType != aiproto.MTInitOk {
		return false, fmt.Errorf("handshake: expected init_ok, got %s", env.MsgType)
	}
	c.noteInbound()
	ok := env.Res.InitOk
	log.Info("handshake complete",
		"runtime", ok.Runtime,
		"modelId", ok.ModelID,
		"providers", ok.Providers,
		"maxFrameBytes", ok.MaxFrameBytes,
	)

	// Fresh window for the new connection. Any pending frame survives the
	// reconnect and is sent as soon as the sender wakes.
	c.flowMu.Lock()
	c.credit = true
	c.inflight = 0
	c.lastSent = 0
	c.flowMu.Unlock()

	c.setState(StateReady)

	connDone := make(chan struct{})
	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		c.writeLoop(conn, streamID, connDone)
	}()

	// Wake the sender in case a frame was queued while disconnected.
	select {
	case c.kick <- struct{}{}:
	default:
	}

	err = c.readLoop(conn)

	close(connDone)
	conn.Close()
	writerWg.Wait()
	return true, err
}

// readLoop consumes inbound messages until an error. Enforces the inbound
// silence timeout via read deadlines.
func (c *Client) readLoop(conn net.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(silenceTimeout))
		payload, err := aiproto.ReadMsg(conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		env, err := aiproto.UnmarshalEnvelope(payload)
		if err != nil {
			// Framing and protocol errors are fatal to the connection.
			return fmt.Errorf("protocol: %w", err)
		}
		c.noteInbound()

		switch env.MsgType {
		case aiproto.MTResult:
			c.handleResult(env.Res.Result)
		case aiproto.MTWindowUpdate:
			c.returnCredit(0)
		case aiproto.MTHeartbeat:
			// liveness only
		case aiproto.MTError:
			e := env.Res.Error
			log.Warn("worker error", "code", e.Code, "message", e.Message)
		default:
			return fmt.Errorf("protocol: unexpected %s from worker", env.MsgType)
		}
	}
}

// handleResult returns the window credit and queues the result for the
// dispatcher. Queue overflow drops the oldest result.
func (c *Client) handleResult(res *aiproto.Result) {
	c.rx.Add(1)
	metrics.ResultsReceived.Inc()
	c.returnCredit(res.Seq)

	select {
	case c.results <- res:
	default:
		select {
		case <-c.results:
			metrics.ResultsDropped.Inc()
			log.Warn("result queue full, dropped oldest")
		default:
		}
		select {
		case c.results <- res:
		default:
		}
	}
}

// returnCredit re-opens the window. seq is the acknowledged in-flight
// sequence (0 for a bare window update).
func (c *Client) returnCredit(seq uint64) {
	c.flowMu.Lock()
	if c.inflight != 0 && seq != 0 && seq != c.inflight {
		log.Warn("result for unexpected sequence", "got", seq, "inflight", c.inflight)
	}
	c.credit = true
	c.inflight = 0
	c.flowMu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// writeLoop is the single sender: it owns all post-handshake writes, both
// frames and heartbeats.
func (c *Client) writeLoop(conn net.Conn, streamID string, connDone chan struct{}) {
	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-c.done:
			// Orderly shutdown: tell the worker the stream is over.
			end := &aiproto.Envelope{
				StreamID: streamID,
				MsgType:  aiproto.MTEnd,
				Req:      &aiproto.Request{End: &aiproto.End{}},
			}
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := aiproto.WriteMsg(conn, aiproto.MarshalEnvelope(end)); err != nil {
				log.Debug("send end", "error", err)
			}
			conn.Close() // unblocks the read loop
			return
		case <-connDone:
			return
		case <-c.kick:
			if err := c.trySendPending(conn, streamID); err != nil {
				log.Warn("send frame", "error", err)
				conn.Close()
				return
			}
		case <-hb.C:
			if err := c.sendHeartbeat(conn, streamID); err != nil {
				log.Warn("send heartbeat", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// trySendPending sends the pending frame if the window is open. Holding the
// credit with no pending frame, or a closed window, are both no-ops.
func (c *Client) trySendPending(conn net.Conn, streamID string) error {
	c.flowMu.Lock()
	if !c.credit || c.pending == nil {
		c.flowMu.Unlock()
		return nil
	}
	f := c.pending
	c.pending = nil
	if f.Seq <= c.lastSent {
		// Sequence regression: log, drop, never crash.
		c.flowMu.Unlock()
		log.Warn("sequence regression, dropping frame", "seq", f.Seq, "lastSent", c.lastSent)
		return nil
	}
	c.credit = false
	c.inflight = f.Seq
	c.lastSent = f.Seq
	c.flowMu.Unlock()

	env := &aiproto.Envelope{
		StreamID: streamID,
		MsgType:  aiproto.MTFrame,
		Req:      &aiproto.Request{Frame: f},
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := aiproto.WriteMsg(conn, aiproto.MarshalEnvelope(env)); err != nil {
		return err
	}
	c.tx.Add(1)
	metrics.FramesSent.Inc()
	return nil
}

func (c *Client) sendHeartbeat(conn net.Conn, streamID string) error {
	c.flowMu.Lock()
	lastSeq := c.lastSent
	c.flowMu.Unlock()

	env := &aiproto.Envelope{
		StreamID: streamID,
		MsgType:  aiproto.MTHeartbeat,
		Hb: &aiproto.Heartbeat{
			LastFrameID: lastSeq,
			Tx:          c.tx.Load(),
			Rx:          c.rx.Load(),
		},
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	return aiproto.WriteMsg(conn, aiproto.MarshalEnvelope(env))
}

// dispatchLoop hands queued results to the handler, in order.
func (c *Client) dispatchLoop() {
	defer c.stopped.Done()
	for {
		select {
		case <-c.done:
			return
		case res := <-c.results:
			if c.handlers.OnResult != nil {
				c.handlers.OnResult(res)
			}
		}
	}
}

func (c *Client) noteInbound() {
	c.lastInMs.Store(time.Now().UnixMilli())
}

// newStreamID builds a fresh stream identifier: {prefix}-{ms}-{random}.
func newStreamID(prefix string) string {
	if prefix == "" {
		prefix = "edge"
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}

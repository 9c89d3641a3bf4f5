// Package status serves the local HTTP surface: the status snapshot, the
// pipeline controls, the runtime class-filter override, Prometheus metrics
// and a websocket tap of the event bus.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgesight/agent/internal/agent"
	"github.com/edgesight/agent/internal/bus"
	"github.com/edgesight/agent/internal/logging"
)

var log = logging.L("status")

const defaultWaitTimeout = 7 * time.Second

// Controller is the slice of the agent the surface drives.
type Controller interface {
	StartPipeline() error
	StopPipeline()
	WaitReady(predicate string, timeout time.Duration) bool
	Snapshot() agent.Snapshot
	Classes() []string
	SetClasses(classes []string) error
	Catalog() []string
}

// Server is the HTTP listener.
type Server struct {
	ctrl Controller
	bus  *bus.Bus
	srv  *http.Server

	upgrader websocket.Upgrader
}

// New builds the server for the given port.
func New(port int, ctrl Controller, b *bus.Bus) *Server {
	s := &Server{
		ctrl: ctrl,
		bus:  b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /control/start", s.handleStart)
	mux.HandleFunc("POST /control/stop", s.handleStop)
	mux.HandleFunc("GET /config/classes", s.handleGetClasses)
	mux.HandleFunc("PUT /config/classes", s.handlePutClasses)
	mux.HandleFunc("GET /config/classes/catalog", s.handleCatalog)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Info("status surface listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status surface failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warn("status surface shutdown", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// startResponse is the snapshot plus the wait outcome when a readiness
// predicate was requested.
type startResponse struct {
	agent.Snapshot
	WaitSatisfied *bool `json:"wait_satisfied,omitempty"`
}

var validWaits = map[string]bool{
	"child":     true,
	"heartbeat": true,
	"detection": true,
	"session":   true,
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	wait := r.URL.Query().Get("wait")
	if wait != "" && !validWaits[wait] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown wait predicate %q", wait))
		return
	}
	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeoutMs"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "timeoutMs must be a positive integer")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	if err := s.ctrl.StartPipeline(); err != nil {
		log.Warn("control start", "error", err)
	}

	resp := startResponse{}
	if wait != "" {
		// The wait never cancels the start; on timeout the caller gets the
		// current snapshot and wait_satisfied=false.
		ok := s.ctrl.WaitReady(wait, timeout)
		resp.WaitSatisfied = &ok
	}
	resp.Snapshot = s.ctrl.Snapshot()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.StopPipeline()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type classesBody struct {
	Classes []string `json:"classes"`
}

func (s *Server) handleGetClasses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, classesBody{Classes: s.ctrl.Classes()})
}

func (s *Server) handlePutClasses(w http.ResponseWriter, r *http.Request) {
	var body classesBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Classes == nil {
		writeError(w, http.StatusBadRequest, "classes is required")
		return
	}
	if err := s.ctrl.SetClasses(body.Classes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, classesBody{Classes: s.ctrl.Classes()})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, classesBody{Classes: s.ctrl.Catalog()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response encode", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

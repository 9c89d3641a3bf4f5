package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/edgesight/agent/internal/agent"
	"github.com/edgesight/agent/internal/bus"
)

// fakeCtrl records control calls and serves canned snapshots.
type fakeCtrl struct {
	mu         sync.Mutex
	starts     int
	stops      int
	waitCalls  []string
	waitResult bool
	classes    []string
	catalog    []string
	setErr     error
}

func (f *fakeCtrl) StartPipeline() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeCtrl) StopPipeline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeCtrl) WaitReady(predicate string, timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls = append(f.waitCalls, predicate)
	return f.waitResult
}

func (f *fakeCtrl) Snapshot() agent.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "idle"
	if f.starts > f.stops {
		state = "running"
	}
	return agent.Snapshot{Manager: agent.ManagerInfo{State: state}}
}

func (f *fakeCtrl) Classes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.classes...)
}

func (f *fakeCtrl) SetClasses(classes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.classes = append([]string(nil), classes...)
	return nil
}

func (f *fakeCtrl) Catalog() []string { return f.catalog }

func (f *fakeCtrl) counts() (starts, stops int, waits []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, append([]string(nil), f.waitCalls...)
}

func newTestSurface(t *testing.T) (*fakeCtrl, *httptest.Server) {
	t.Helper()
	ctrl := &fakeCtrl{
		classes: []string{"person"},
		catalog: []string{"person", "car", "truck"},
	}
	b := bus.New()
	t.Cleanup(b.Close)
	s := New(0, ctrl, b)
	srv := httptest.NewServer(s.srv.Handler)
	t.Cleanup(srv.Close)
	return ctrl, srv
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, srv := newTestSurface(t)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var snap agent.Snapshot
	decodeBody(t, resp, &snap)
	if snap.Manager.State != "idle" {
		t.Fatalf("manager state = %q", snap.Manager.State)
	}
}

func TestStartRejectsUnknownWait(t *testing.T) {
	ctrl, srv := newTestSurface(t)

	resp, err := http.Post(srv.URL+"/control/start?wait=banana", "", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if starts, _, _ := ctrl.counts(); starts != 0 {
		t.Fatal("pipeline started despite invalid wait")
	}
}

func TestStartRejectsBadTimeout(t *testing.T) {
	_, srv := newTestSurface(t)

	for _, raw := range []string{"abc", "-5", "0"} {
		resp, err := http.Post(fmt.Sprintf("%s/control/start?timeoutMs=%s", srv.URL, raw), "", nil)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("timeoutMs=%s: status = %d, want 400", raw, resp.StatusCode)
		}
	}
}

func TestStartReportsWaitOutcome(t *testing.T) {
	ctrl, srv := newTestSurface(t)
	ctrl.waitResult = true

	resp, err := http.Post(srv.URL+"/control/start?wait=heartbeat", "", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var body struct {
		Manager       agent.ManagerInfo `json:"manager"`
		WaitSatisfied *bool             `json:"wait_satisfied"`
	}
	decodeBody(t, resp, &body)

	if body.WaitSatisfied == nil || !*body.WaitSatisfied {
		t.Fatalf("wait_satisfied = %v, want true", body.WaitSatisfied)
	}
	if body.Manager.State != "running" {
		t.Fatalf("manager state = %q", body.Manager.State)
	}
	if _, _, waits := ctrl.counts(); len(waits) != 1 || waits[0] != "heartbeat" {
		t.Fatalf("wait calls = %v", waits)
	}
}

func TestStartWithoutWaitOmitsField(t *testing.T) {
	ctrl, srv := newTestSurface(t)

	resp, err := http.Post(srv.URL+"/control/start", "", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var body map[string]json.RawMessage
	decodeBody(t, resp, &body)
	if _, ok := body["wait_satisfied"]; ok {
		t.Fatal("wait_satisfied present without a wait predicate")
	}
	if _, _, waits := ctrl.counts(); len(waits) != 0 {
		t.Fatalf("wait calls = %v, want none", waits)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ctrl, srv := newTestSurface(t)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/control/stop", "", nil)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	}
	if _, stops, _ := ctrl.counts(); stops != 2 {
		t.Fatalf("stops = %d", stops)
	}
}

func TestClassesRoundTrip(t *testing.T) {
	_, srv := newTestSurface(t)

	body, _ := json.Marshal(map[string][]string{"classes": {"car", "truck"}})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/config/classes", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	var got classesBody
	decodeBody(t, resp, &got)
	if len(got.Classes) != 2 || got.Classes[0] != "car" {
		t.Fatalf("classes = %v", got.Classes)
	}

	resp, err = http.Get(srv.URL + "/config/classes")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	decodeBody(t, resp, &got)
	if len(got.Classes) != 2 {
		t.Fatalf("classes after PUT = %v", got.Classes)
	}
}

func TestPutClassesRejectsBadBodies(t *testing.T) {
	ctrl, srv := newTestSurface(t)
	ctrl.setErr = fmt.Errorf("unknown class \"banana\"")

	cases := []string{
		`{not json`,
		`{}`,
		`{"classes":["banana"]}`,
	}
	for _, body := range cases {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/config/classes", bytes.NewReader([]byte(body)))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestCatalogEndpoint(t *testing.T) {
	_, srv := newTestSurface(t)

	resp, err := http.Get(srv.URL + "/config/classes/catalog")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var got classesBody
	decodeBody(t, resp, &got)
	if len(got.Classes) != 3 {
		t.Fatalf("catalog = %v", got.Classes)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := newTestSurface(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, srv := newTestSurface(t)

	resp, err := http.Post(srv.URL+"/status", "", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

package store

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/edgesight/agent/internal/aiproto"
	"github.com/edgesight/agent/internal/httputil"
)

const (
	// DefaultBatchSize and DefaultBatchInterval bound the legacy
	// detection-only flush path.
	DefaultBatchSize     = 50
	DefaultBatchInterval = 1 * time.Second
)

// Observation is one legacy detection record, flushed in batches.
type Observation struct {
	TsISO   string   `json:"ts"`
	Cls     string   `json:"cls"`
	Conf    float32  `json:"conf"`
	BBox    bboxJSON `json:"bbox"`
	TrackID string   `json:"trackId,omitempty"`
}

type batchReq struct {
	DevID      string        `json:"devId"`
	Detections []Observation `json:"detections"`
}

// Batcher accumulates legacy observations and flushes when the batch fills
// or the interval elapses, whichever comes first. A failed flush drops the
// batch: this path is best-effort, ingestion is the authoritative one.
type Batcher struct {
	client   *Client
	size     int
	interval time.Duration

	mu  sync.Mutex
	buf []Observation

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewBatcher creates a batcher. Zero size or interval select the defaults.
func NewBatcher(client *Client, size int, interval time.Duration) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	b := &Batcher{
		client:   client,
		size:     size,
		interval: interval,
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Add queues one observation. A full batch flushes on the caller's
// goroutine.
func (b *Batcher) Add(tsISO string, d aiproto.Detection) {
	b.mu.Lock()
	b.buf = append(b.buf, Observation{
		TsISO:   tsISO,
		Cls:     d.Cls,
		Conf:    d.Conf,
		BBox:    bboxJSON{X: d.Bbox.X, Y: d.Bbox.Y, W: d.Bbox.W, H: d.Bbox.H},
		TrackID: d.TrackID,
	})
	full := len(b.buf) >= b.size
	b.mu.Unlock()

	if full {
		b.flush()
	}
}

// Stop halts the interval flusher after a final best-effort flush.
func (b *Batcher) Stop() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
	b.flush()
}

func (b *Batcher) loop() {
	defer b.wg.Done()
	t := time.NewTicker(b.interval)
	defer t.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			b.flush()
		}
	}
}

// flush posts the current batch. On failure the batch is dropped.
func (b *Batcher) flush() {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	body, err := json.Marshal(batchReq{DevID: b.client.devID, Detections: batch})
	if err != nil {
		log.Error("batch marshal", "error", err)
		return
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := httputil.Do(ctx, b.client.httpc, http.MethodPost,
		b.client.baseURL+"/detections", body, headers, httputil.RetryConfig{})
	if err != nil {
		log.Warn("batch flush failed, dropping", "count", len(batch), "error", err)
		return
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("batch flush rejected, dropping", "count", len(batch), "status", resp.Status)
	}
}

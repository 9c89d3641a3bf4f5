// Package store is the REST client for the session store: session open and
// close, and the authoritative multipart ingestion path for detections with
// an optional representative JPEG.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync/atomic"
	"time"

	"github.com/edgesight/agent/internal/aiproto"
	"github.com/edgesight/agent/internal/httputil"
	"github.com/edgesight/agent/internal/logging"
	"github.com/edgesight/agent/internal/metrics"
)

var log = logging.L("store")

const requestTimeout = 5 * time.Second

// tsLayout is the ISO-8601 form used in store payloads.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

// Client talks to the session store.
type Client struct {
	baseURL string
	devID   string
	httpc   *http.Client
	counter atomic.Uint64
}

// New creates a store client. baseURL is the store root without a trailing
// slash (e.g. http://store:9000).
func New(baseURL, devID string) *Client {
	return &Client{
		baseURL: baseURL,
		devID:   devID,
		httpc:   &http.Client{Timeout: requestTimeout},
	}
}

// openReq is the body of POST /sessions/open.
type openReq struct {
	SessionID  string `json:"sessionId"`
	DevID      string `json:"devId"`
	StreamPath string `json:"streamPath"`
	StartTs    string `json:"startTs"`
	Reason     string `json:"reason,omitempty"`
}

// closeReq is the body of POST /sessions/close.
type closeReq struct {
	SessionID   string  `json:"sessionId"`
	EndTs       string  `json:"endTs"`
	PostRollSec float64 `json:"postRollSec,omitempty"`
}

// ingestMeta is the JSON part of POST /ingest.
type ingestMeta struct {
	SessionID  string          `json:"sessionId"`
	SeqNo      uint64          `json:"seqNo"`
	CaptureTs  string          `json:"captureTs"`
	Detections []detectionJSON `json:"detections"`
}

type detectionJSON struct {
	TrackID string   `json:"trackId,omitempty"`
	Cls     string   `json:"cls"`
	Conf    float32  `json:"conf"`
	BBox    bboxJSON `json:"bbox"`
}

// bboxJSON is the persisted normalized box: (x,y) center, (w,h) full size.
type bboxJSON struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	W float32 `json:"w"`
	H float32 `json:"h"`
}

// Open mints a new session identifier and registers the session. The
// identifier is returned even when the POST fails, so the caller can keep a
// consistent local session; the upstream orphan is the store's to reconcile.
func (c *Client) Open(ctx context.Context, streamPath string, startTs time.Time, reason string) (string, error) {
	id := fmt.Sprintf("sess_%s_%d_%d", c.devID, startTs.UnixMilli(), c.counter.Add(1))

	body, err := json.Marshal(openReq{
		SessionID:  id,
		DevID:      c.devID,
		StreamPath: streamPath,
		StartTs:    startTs.UTC().Format(tsLayout),
		Reason:     reason,
	})
	if err != nil {
		return id, err
	}
	lg := logging.WithSession(log, id)
	if err := c.postJSON(logging.NewContext(ctx, lg), "/sessions/open", body); err != nil {
		return id, fmt.Errorf("open session: %w", err)
	}
	lg.Info("session opened")
	return id, nil
}

// Close finalizes a session.
func (c *Client) Close(ctx context.Context, sessionID string, endTs time.Time, postRoll time.Duration) error {
	body, err := json.Marshal(closeReq{
		SessionID:   sessionID,
		EndTs:       endTs.UTC().Format(tsLayout),
		PostRollSec: postRoll.Seconds(),
	})
	if err != nil {
		return err
	}
	lg := logging.WithSession(log, sessionID)
	if err := c.postJSON(logging.NewContext(ctx, lg), "/sessions/close", body); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	lg.Info("session closed")
	return nil
}

// Ingest persists one detection set for a session, with the representative
// frame when one is available. Up to three attempts with linear backoff.
func (c *Client) Ingest(ctx context.Context, sessionID string, seqNo uint64, captureTs string, dets []aiproto.Detection, frameJPEG []byte) error {
	meta := ingestMeta{
		SessionID:  sessionID,
		SeqNo:      seqNo,
		CaptureTs:  captureTs,
		Detections: toJSON(dets),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaHdr := textproto.MIMEHeader{}
	metaHdr.Set("Content-Disposition", `form-data; name="meta"`)
	metaHdr.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(metaHdr)
	if err != nil {
		return err
	}
	if _, err := part.Write(metaBytes); err != nil {
		return err
	}

	if frameJPEG != nil {
		frameHdr := textproto.MIMEHeader{}
		frameHdr.Set("Content-Disposition", `form-data; name="frame"; filename="frame.jpg"`)
		frameHdr.Set("Content-Type", "image/jpeg")
		part, err := mw.CreatePart(frameHdr)
		if err != nil {
			return err
		}
		if _, err := part.Write(frameJPEG); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Content-Type", mw.FormDataContentType())

	// Retry logs carry the session correlation.
	ctx = logging.NewContext(ctx, logging.WithSession(log, sessionID))
	resp, err := httputil.Do(ctx, c.httpc, http.MethodPost, c.baseURL+"/ingest",
		buf.Bytes(), headers, httputil.IngestRetryConfig())
	if err != nil {
		metrics.IngestFailures.Inc()
		return fmt.Errorf("ingest: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.IngestFailures.Inc()
		return fmt.Errorf("ingest: store returned %s", resp.Status)
	}
	return nil
}

// postJSON issues a single-attempt JSON POST. Session open/close are not
// retried: a failure is logged by the caller and the agent continues.
func (c *Client) postJSON(ctx context.Context, path string, body []byte) error {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	resp, err := httputil.Do(ctx, c.httpc, http.MethodPost, c.baseURL+path,
		body, headers, httputil.RetryConfig{})
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("store returned %s", resp.Status)
	}
	return nil
}

func toJSON(dets []aiproto.Detection) []detectionJSON {
	out := make([]detectionJSON, 0, len(dets))
	for _, d := range dets {
		out = append(out, detectionJSON{
			TrackID: d.TrackID,
			Cls:     d.Cls,
			Conf:    d.Conf,
			BBox:    bboxJSON{X: d.Bbox.X, Y: d.Bbox.Y, W: d.Bbox.W, H: d.Bbox.H},
		})
	}
	return out
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

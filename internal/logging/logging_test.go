package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestWithSessionTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(slog.NewJSONHandler(&buf, nil))

	WithSession(lg, "sess_cam-07_1_1").Info("session opened")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if rec[KeySessionID] != "sess_cam-07_1_1" {
		t.Fatalf("sessionId = %v, want sess_cam-07_1_1", rec[KeySessionID])
	}
	if rec["msg"] != "session opened" {
		t.Fatalf("msg = %v", rec["msg"])
	}
}

func TestFromContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := NewContext(context.Background(), lg)
	if got := FromContext(ctx); got != lg {
		t.Fatal("context did not return the stored logger")
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if got := FromContext(context.Background()); got != defaultLogger {
		t.Fatal("bare context must yield the default logger")
	}
}

package camera

import (
	"strings"
	"testing"
)

func TestPipelineArgsRTSPSource(t *testing.T) {
	h := New(Config{
		SourceURL:    "rtsp://camera.local/stream1",
		Width:        1280,
		Height:       720,
		FPS:          12,
		ShmSocket:    "/tmp/edge-shm.sock",
		ShmSizeBytes: 64 << 20,
	}, nil)
	args := strings.Join(h.PipelineArgs(), " ")

	for _, want := range []string{
		"rtspsrc location=rtsp://camera.local/stream1 protocols=tcp",
		"decodebin",
		"format=I420,width=1280,height=720,framerate=12/1",
		"shmsink socket-path=/tmp/edge-shm.sock",
		"shm-size=67108864",
		"wait-for-connection=false",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("pipeline missing %q:\n%s", want, args)
		}
	}
	if strings.Contains(args, "v4l2src") {
		t.Error("rtsp config must not use v4l2src")
	}
}

func TestPipelineArgsDeviceSource(t *testing.T) {
	h := New(Config{
		SourceDevice: "/dev/video0",
		Width:        640,
		Height:       480,
		FPS:          15,
		ShmSocket:    "/tmp/edge-shm.sock",
		ShmSizeBytes: 32 << 20,
	}, nil)
	args := strings.Join(h.PipelineArgs(), " ")

	if !strings.Contains(args, "v4l2src device=/dev/video0") {
		t.Fatalf("pipeline missing v4l2 source:\n%s", args)
	}
	if strings.Contains(args, "rtspsrc") {
		t.Error("device config must not use rtspsrc")
	}
}

func TestGstLaunchDefault(t *testing.T) {
	h := New(Config{}, nil)
	if h.cfg.GstLaunch != "gst-launch-1.0" {
		t.Fatalf("gst launch = %q", h.cfg.GstLaunch)
	}
}

package capture

import (
	"bytes"
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		ShmSocket:    "/tmp/edge-shm.sock",
		SourceWidth:  1280,
		SourceHeight: 720,
		SourceFPS:    12,
		OutWidth:     640,
		OutHeight:    640,
		IdleFPS:      2,
		ActiveFPS:    12,
	}
}

func TestFrameSize(t *testing.T) {
	c := New(testConfig(), nil, nil)
	if got := c.FrameSize(); got != 640*640*3 {
		t.Fatalf("FrameSize = %d, want %d", got, 640*640*3)
	}
}

func TestPipelineArgs(t *testing.T) {
	c := New(testConfig(), nil, nil)
	args := strings.Join(c.PipelineArgs(2), " ")

	for _, want := range []string{
		"shmsrc socket-path=/tmp/edge-shm.sock",
		"format=I420,width=1280,height=720,framerate=12/1",
		"videorate drop-only=true",
		"framerate=2/1",
		"format=RGB,width=640,height=640",
		"fdsink fd=1",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("pipeline missing %q:\n%s", want, args)
		}
	}
}

func TestReadFramesChunksExactPayloads(t *testing.T) {
	cfg := testConfig()
	cfg.OutWidth, cfg.OutHeight = 4, 2 // 24-byte frames

	var frames []Frame
	c := New(cfg, nil, func(f Frame) { frames = append(frames, f) })

	size := c.FrameSize()
	data := make([]byte, size*3)
	for i := range data {
		data[i] = byte(i)
	}
	c.readFrames(bytes.NewReader(data), 0, 2)

	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if len(f.Data) != size {
			t.Fatalf("frame %d size = %d, want %d", i, len(f.Data), size)
		}
		if f.Width != 4 || f.Height != 2 || f.PixFmt != "RGB" {
			t.Fatalf("frame meta = %+v", f)
		}
	}
	if frames[0].Data[0] != 0 || frames[1].Data[0] != byte(size) {
		t.Fatal("frame payloads misaligned")
	}
	if frames[0].Seq >= frames[1].Seq || frames[1].Seq >= frames[2].Seq {
		t.Fatalf("sequence not increasing: %d %d %d", frames[0].Seq, frames[1].Seq, frames[2].Seq)
	}
}

func TestReadFramesDiscardsPartialTail(t *testing.T) {
	cfg := testConfig()
	cfg.OutWidth, cfg.OutHeight = 4, 2

	var frames []Frame
	c := New(cfg, nil, func(f Frame) { frames = append(frames, f) })

	data := make([]byte, c.FrameSize()+5)
	c.readFrames(bytes.NewReader(data), 0, 2)

	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1 (partial tail dropped)", len(frames))
	}
}

func TestReadFramesStopsOnStaleGeneration(t *testing.T) {
	cfg := testConfig()
	cfg.OutWidth, cfg.OutHeight = 4, 2

	var frames []Frame
	c := New(cfg, nil, func(f Frame) { frames = append(frames, f) })
	c.gen = 7

	data := make([]byte, c.FrameSize()*2)
	c.readFrames(bytes.NewReader(data), 6, 2)

	if len(frames) != 0 {
		t.Fatalf("frames = %d, want 0 from a stale reader", len(frames))
	}
}

func TestModeStrings(t *testing.T) {
	if ModeIdle.String() != "idle" || ModeActive.String() != "active" {
		t.Fatalf("mode strings = %q/%q", ModeIdle, ModeActive)
	}
}

package publisher

import (
	"os/exec"
	"sync"
)

// Encoder preference: hardware first, software last. x264enc is assumed
// present (gstreamer1.0-plugins-ugly is part of the base image).
var encoderCandidates = []encoder{
	{"nvh264enc", []string{"preset=low-latency-hq", "bitrate=4000"}},
	{"vaapih264enc", []string{"rate-control=cbr", "bitrate=4000"}},
	{"v4l2h264enc", nil},
	{"x264enc", []string{"tune=zerolatency", "speed-preset=ultrafast", "bitrate=4000"}},
}

type encoder struct {
	element string
	props   []string
}

var (
	probeOnce sync.Once
	probed    encoder
)

// probeEncoder finds the first available encoder element. Probed once per
// process; every later start reuses the cached result.
func probeEncoder(gstInspect string) encoder {
	probeOnce.Do(func() {
		probed = encoderCandidates[len(encoderCandidates)-1]
		for _, cand := range encoderCandidates {
			if err := exec.Command(gstInspect, "--exists", cand.element).Run(); err == nil {
				probed = cand
				break
			}
		}
		log.Info("encoder selected", "element", probed.element)
	})
	return probed
}

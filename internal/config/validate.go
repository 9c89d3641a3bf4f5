package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ShmBufferSeconds is the minimum number of seconds of raw video the
// shared-memory segment must hold (absorbs bursty consumer backpressure).
const ShmBufferSeconds = 3

// MinShmBytes returns the minimum shared-memory size in bytes for a stream
// of the given geometry and rate. 1.5 bytes per pixel for 4:2:0 planar.
func MinShmBytes(fps, width, height int) int64 {
	return int64(ShmBufferSeconds) * int64(fps) * int64(width) * int64(height) * 3 / 2
}

// Validate checks the configuration and returns all errors found. A non-empty
// result means the agent must not start (exit code 1); values are never
// clamped or corrected.
func (c *Config) Validate() []error {
	var errs []error

	if c.Device.ID == "" {
		errs = append(errs, fmt.Errorf("device.id is required"))
	}

	if c.Source.URL == "" && c.Source.Device == "" {
		errs = append(errs, fmt.Errorf("source: one of url or device is required"))
	}
	if c.Source.URL != "" && c.Source.Device != "" {
		errs = append(errs, fmt.Errorf("source: url and device are mutually exclusive"))
	}
	if c.Source.URL != "" {
		u, err := url.Parse(c.Source.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("source.url %q is not a valid URL: %w", c.Source.URL, err))
		} else if u.Scheme != "rtsp" && u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("source.url scheme must be rtsp, http or https, got %q", u.Scheme))
		}
	}
	if c.Source.Width <= 0 || c.Source.Height <= 0 {
		errs = append(errs, fmt.Errorf("source geometry %dx%d is invalid", c.Source.Width, c.Source.Height))
	}
	if c.Source.FPS <= 0 {
		errs = append(errs, fmt.Errorf("source.fps %d is invalid", c.Source.FPS))
	}
	if c.Source.ShmSocket == "" {
		errs = append(errs, fmt.Errorf("source.shm_socket is required"))
	}

	// The segment must hold at least ShmBufferSeconds of raw frames so slow
	// readers never starve the writer.
	if c.Source.FPS > 0 && c.Source.Width > 0 && c.Source.Height > 0 {
		min := MinShmBytes(c.Source.FPS, c.Source.Width, c.Source.Height)
		have := int64(c.Source.ShmSizeMiB) * 1024 * 1024
		if have < min {
			errs = append(errs, fmt.Errorf("source.shm_size_mib %d too small: %d bytes < %d required for %ds at %d fps %dx%d",
				c.Source.ShmSizeMiB, have, min, ShmBufferSeconds, c.Source.FPS, c.Source.Width, c.Source.Height))
		}
	}

	if c.AI.ModelPath == "" {
		errs = append(errs, fmt.Errorf("ai.model_path is required"))
	}
	if c.AI.Confidence < 0 || c.AI.Confidence > 1 {
		errs = append(errs, fmt.Errorf("ai.confidence %v must be in [0,1]", c.AI.Confidence))
	}
	if c.AI.WorkerHost == "" {
		errs = append(errs, fmt.Errorf("ai.worker_host is required"))
	}
	if c.AI.WorkerPort <= 0 || c.AI.WorkerPort > 65535 {
		errs = append(errs, fmt.Errorf("ai.worker_port %d is invalid", c.AI.WorkerPort))
	}
	if c.AI.InputWidth <= 0 || c.AI.InputHeight <= 0 {
		errs = append(errs, fmt.Errorf("ai input geometry %dx%d is invalid", c.AI.InputWidth, c.AI.InputHeight))
	}
	if c.AI.IdleFPS <= 0 || c.AI.ActiveFPS <= 0 {
		errs = append(errs, fmt.Errorf("ai idle_fps/active_fps must be positive, got %d/%d", c.AI.IdleFPS, c.AI.ActiveFPS))
	}
	for _, cls := range c.AI.Classes {
		if strings.TrimSpace(cls) == "" {
			errs = append(errs, fmt.Errorf("ai.classes contains an empty class name"))
			break
		}
	}

	if c.Relay.Host == "" {
		errs = append(errs, fmt.Errorf("relay.host is required"))
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port %d is invalid", c.Relay.Port))
	}
	if c.Relay.RecordPath == "" || c.Relay.LivePath == "" {
		errs = append(errs, fmt.Errorf("relay record_path and live_path are required"))
	}
	if c.Relay.RecordPath == c.Relay.LivePath {
		errs = append(errs, fmt.Errorf("relay record_path and live_path must differ"))
	}

	if c.FSM.DwellMs <= 0 || c.FSM.SilenceMs <= 0 || c.FSM.PostRollMs <= 0 {
		errs = append(errs, fmt.Errorf("fsm timers must be positive, got dwell=%d silence=%d postroll=%d",
			c.FSM.DwellMs, c.FSM.SilenceMs, c.FSM.PostRollMs))
	}

	if c.Store.BaseURL == "" {
		errs = append(errs, fmt.Errorf("store.base_url is required"))
	} else if u, err := url.Parse(c.Store.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("store.base_url %q must be an http(s) URL", c.Store.BaseURL))
	}
	if c.Store.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("store.batch_size %d is invalid", c.Store.BatchSize))
	}
	if c.Store.BatchIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("store.batch_interval_ms %d is invalid", c.Store.BatchIntervalMs))
	}

	if c.Status.Port <= 0 || c.Status.Port > 65535 {
		errs = append(errs, fmt.Errorf("status.port %d is invalid", c.Status.Port))
	}

	if c.Logging.Level != "" && !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("logging.level %q is not valid (use debug, info, warn, error)", c.Logging.Level))
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q is not valid (use text or json)", c.Logging.Format))
	}

	return errs
}

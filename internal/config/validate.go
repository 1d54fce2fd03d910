package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Kernel object names may not contain backslashes; keep panel names to a
// conservative identifier set.
var panelNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

const (
	minBitstreamSize = 4096
	maxBitstreamSize = 64 * 1024 * 1024
)

// ValidationResult separates problems that must stop startup from values
// that were auto-corrected.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup must be aborted.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config. A panel name that cannot name kernel
// objects or an unknown log format is fatal; out-of-range numbers are
// clamped and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if !panelNameRegex.MatchString(c.PanelName) {
		result.Fatals = append(result.Fatals, fmt.Errorf("panel_name %q must be 1-128 characters of [A-Za-z0-9_.-]", c.PanelName))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Fatals = append(result.Fatals, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	result.Warnings = c.clamp()
	return result
}

// Validate returns every problem found and logs each one as a warning.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	errs := append(result.Fatals, result.Warnings...)
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

func (c *Config) clamp() []error {
	var errs []error

	if c.BitstreamInitialSize < minBitstreamSize {
		errs = append(errs, fmt.Errorf("bitstream_initial_size %d is below minimum %d, clamping", c.BitstreamInitialSize, minBitstreamSize))
		c.BitstreamInitialSize = minBitstreamSize
	} else if c.BitstreamInitialSize > maxBitstreamSize {
		errs = append(errs, fmt.Errorf("bitstream_initial_size %d exceeds maximum %d, clamping", c.BitstreamInitialSize, maxBitstreamSize))
		c.BitstreamInitialSize = maxBitstreamSize
	}

	// A zero await timeout would reintroduce the unbounded wait on platform
	// completions.
	errs = clampDuration(errs, "await_timeout", &c.AwaitTimeout, 100*time.Millisecond, 2*time.Minute)
	errs = clampDuration(errs, "lock_timeout", &c.LockTimeout, 10*time.Millisecond, time.Minute)
	errs = clampDuration(errs, "tick_interval", &c.TickInterval, time.Millisecond, time.Second)
	errs = clampDuration(errs, "idr_interval", &c.IDRInterval, time.Second, 10*time.Minute)

	if c.RTPPayloadType < 96 || c.RTPPayloadType > 127 {
		errs = append(errs, fmt.Errorf("rtp_payload_type %d is outside the dynamic range 96-127, using 102", c.RTPPayloadType))
		c.RTPPayloadType = 102
	}

	if c.RTPMTU < 200 {
		errs = append(errs, fmt.Errorf("rtp_mtu %d is below minimum 200, clamping", c.RTPMTU))
		c.RTPMTU = 200
	} else if c.RTPMTU > 65000 {
		errs = append(errs, fmt.Errorf("rtp_mtu %d exceeds maximum 65000, clamping", c.RTPMTU))
		c.RTPMTU = 65000
	}

	if c.SampleQueueSize < 1 {
		errs = append(errs, fmt.Errorf("sample_queue_size %d is below minimum 1, clamping", c.SampleQueueSize))
		c.SampleQueueSize = 1
	} else if c.SampleQueueSize > 64 {
		errs = append(errs, fmt.Errorf("sample_queue_size %d exceeds maximum 64, clamping", c.SampleQueueSize))
		c.SampleQueueSize = 64
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if l := strings.ToLower(c.ForwardLogLevel); l != "" && l != "off" && !validLogLevels[l] {
		errs = append(errs, fmt.Errorf("forward_log_level %q is not valid (use off, debug, info, warn, error), forwarding warnings", c.ForwardLogLevel))
		c.ForwardLogLevel = "warn"
	}

	return errs
}

func clampDuration(errs []error, name string, d *time.Duration, lo, hi time.Duration) []error {
	switch {
	case *d < lo:
		errs = append(errs, fmt.Errorf("%s %s is below minimum %s, clamping", name, *d, lo))
		*d = lo
	case *d > hi:
		errs = append(errs, fmt.Errorf("%s %s exceeds maximum %s, clamping", name, *d, hi))
		*d = hi
	}
	return errs
}

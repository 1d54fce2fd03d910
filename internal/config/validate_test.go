package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config should validate cleanly, got %v", errs)
	}
}

func TestValidateTieredBadPanelNameIsFatal(t *testing.T) {
	for _, name := range []string{"", `Local\Panel`, "panel name", strings.Repeat("p", 129)} {
		cfg := Default()
		cfg.PanelName = name
		if !cfg.ValidateTiered().HasFatals() {
			t.Errorf("panel name %q should be fatal", name)
		}
	}
}

func TestValidateTieredBadLogFormatIsFatal(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("unknown log format should be fatal")
	}
}

func TestValidateTieredZeroAwaitTimeoutIsClamped(t *testing.T) {
	cfg := Default()
	cfg.AwaitTimeout = 0
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped timeout should be a warning, got fatals %v", result.Fatals)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
	if cfg.AwaitTimeout != 100*time.Millisecond {
		t.Fatalf("AwaitTimeout = %s, want 100ms", cfg.AwaitTimeout)
	}
}

func TestValidateTieredClampsNumbers(t *testing.T) {
	cfg := Default()
	cfg.BitstreamInitialSize = 10
	cfg.RTPPayloadType = 8
	cfg.RTPMTU = 100000
	cfg.SampleQueueSize = 0
	cfg.LockTimeout = time.Hour

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("unexpected fatals %v", result.Fatals)
	}
	if len(result.Warnings) != 5 {
		t.Fatalf("expected 5 warnings, got %d: %v", len(result.Warnings), result.Warnings)
	}
	if cfg.BitstreamInitialSize != minBitstreamSize {
		t.Errorf("BitstreamInitialSize = %d", cfg.BitstreamInitialSize)
	}
	if cfg.RTPPayloadType != 102 {
		t.Errorf("RTPPayloadType = %d", cfg.RTPPayloadType)
	}
	if cfg.RTPMTU != 65000 {
		t.Errorf("RTPMTU = %d", cfg.RTPMTU)
	}
	if cfg.SampleQueueSize != 1 {
		t.Errorf("SampleQueueSize = %d", cfg.SampleQueueSize)
	}
	if cfg.LockTimeout != time.Minute {
		t.Errorf("LockTimeout = %s", cfg.LockTimeout)
	}
}

func TestValidateUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 1 {
		t.Fatalf("expected a single warning, got %+v", result)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mswinrtvid.yaml")
	content := "panel_name: RemotePanel\nbitstream_initial_size: 131072\nawait_timeout: 3s\nlog_format: json\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MSWINRTVID_RTP_MTU", "1200")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PanelName != "RemotePanel" {
		t.Errorf("PanelName = %q", cfg.PanelName)
	}
	if cfg.BitstreamInitialSize != 131072 {
		t.Errorf("BitstreamInitialSize = %d", cfg.BitstreamInitialSize)
	}
	if cfg.AwaitTimeout != 3*time.Second {
		t.Errorf("AwaitTimeout = %s", cfg.AwaitTimeout)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
	if cfg.RTPMTU != 1200 {
		t.Errorf("RTPMTU = %d, want env override 1200", cfg.RTPMTU)
	}
	if cfg.TickInterval != Default().TickInterval {
		t.Errorf("TickInterval should keep its default, got %s", cfg.TickInterval)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidateForwardLogLevel(t *testing.T) {
	cfg := Default()
	cfg.ForwardLogLevel = "off"
	if result := cfg.ValidateTiered(); len(result.Warnings) != 0 {
		t.Fatalf("off rejected: %+v", result)
	}

	cfg.ForwardLogLevel = "loud"
	result := cfg.ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 1 {
		t.Fatalf("expected a single warning, got %+v", result)
	}
	if cfg.ForwardLogLevel != "warn" {
		t.Fatalf("ForwardLogLevel = %q, want warn", cfg.ForwardLogLevel)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Tick.Interval.Duration != 2*time.Second {
		t.Errorf("tick interval = %v, want 2s", cfg.Tick.Interval.Duration)
	}
	if cfg.Alerting.Cooldown.Duration != 60*time.Second {
		t.Errorf("cooldown = %v, want 60s", cfg.Alerting.Cooldown.Duration)
	}
	if got := cfg.Alerting.Thresholds["cpu"].Critical; got != 85 {
		t.Errorf("cpu critical threshold = %f, want 85", got)
	}
	if cfg.Models.HistoryCapacity != 100 {
		t.Errorf("history capacity = %d, want 100", cfg.Models.HistoryCapacity)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen: ":9000"
tick:
  interval: 5s
  top_processes: 10
alerting:
  cooldown: 2m
  thresholds:
    cpu:
      warning: 60
      critical: 80
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Listen != ":9000" {
		t.Errorf("listen = %q, want :9000", cfg.Listen)
	}
	if cfg.Tick.Interval.Duration != 5*time.Second {
		t.Errorf("interval = %v, want 5s", cfg.Tick.Interval.Duration)
	}
	if cfg.Alerting.Cooldown.Duration != 2*time.Minute {
		t.Errorf("cooldown = %v, want 2m", cfg.Alerting.Cooldown.Duration)
	}
	if got := cfg.Alerting.Thresholds["cpu"].Warning; got != 60 {
		t.Errorf("cpu warning = %f, want 60", got)
	}
	// File values override only what they set.
	if cfg.Models.WarmupSamples != 200 {
		t.Errorf("warmup samples = %d, want default 200", cfg.Models.WarmupSamples)
	}
}

func TestInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("tick:\n  interval: nonsense\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid duration should fail to parse")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROCPULSE_LISTEN", ":7777")
	t.Setenv("PROCPULSE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Listen != ":7777" {
		t.Errorf("listen = %q, want :7777", cfg.Listen)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Logging.Level)
	}
}

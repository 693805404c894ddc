// Package config loads configuration from a YAML file with environment
// variable overrides. Precedence: environment variables > config file > defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"procpulse/pkg/alerts"
)

// Duration wraps time.Duration for YAML unmarshaling from strings like
// "2s" or "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all service configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Tick      TickConfig      `yaml:"tick"`
	Models    ModelConfig     `yaml:"models"`
	Alerting  AlertConfig     `yaml:"alerting"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TickConfig controls the evaluation loop.
type TickConfig struct {
	Interval     Duration `yaml:"interval"`
	TopProcesses int      `yaml:"top_processes"`
	Parallelism  int      `yaml:"parallelism"`
}

// ModelConfig holds model hyperparameters.
type ModelConfig struct {
	HistoryCapacity int     `yaml:"history_capacity"`
	WarmupSamples   int     `yaml:"warmup_samples"`
	NumTrees        int     `yaml:"num_trees"`
	SampleSize      int     `yaml:"sample_size"`
	Contamination   float64 `yaml:"contamination"`
	Lookback        int     `yaml:"lookback"`
	Hidden          int     `yaml:"hidden"`
	ForecastSteps   int     `yaml:"forecast_steps"`
}

// AlertConfig holds alerting rule settings.
type AlertConfig struct {
	Cooldown          Duration                    `yaml:"cooldown"`
	Thresholds        map[string]alerts.Threshold `yaml:"thresholds"`
	ProcessCPUWarning float64                     `yaml:"process_cpu_warning"`
	PredictionCutoff  float64                     `yaml:"prediction_cutoff"`
}

// StorageConfig holds collaborator connection settings.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
}

// RetentionConfig controls periodic pruning of stored data.
type RetentionConfig struct {
	MetricsDays        int      `yaml:"metrics_days"`
	ResolvedAlertsDays int      `yaml:"resolved_alerts_days"`
	SweepInterval      Duration `yaml:"sweep_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Listen: ":8087",
		Tick: TickConfig{
			Interval:     Duration{2 * time.Second},
			TopProcesses: 20,
			Parallelism:  8,
		},
		Models: ModelConfig{
			HistoryCapacity: 100,
			WarmupSamples:   200,
			NumTrees:        100,
			SampleSize:      256,
			Contamination:   0.1,
			Lookback:        10,
			Hidden:          50,
			ForecastSteps:   5,
		},
		Alerting: AlertConfig{
			Cooldown:          Duration{60 * time.Second},
			Thresholds:        alerts.DefaultConfig().Thresholds,
			ProcessCPUWarning: 90,
			PredictionCutoff:  85,
		},
		Retention: RetentionConfig{
			MetricsDays:        7,
			ResolvedAlertsDays: 30,
			SweepInterval:      Duration{1 * time.Hour},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PROCPULSE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PROCPULSE_DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("PROCPULSE_REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("PROCPULSE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// AlertsConfig converts the YAML alerting section to the engine config.
func (c *Config) AlertsConfig() alerts.Config {
	return alerts.Config{
		Cooldown:          c.Alerting.Cooldown.Duration,
		Thresholds:        c.Alerting.Thresholds,
		ProcessCPUWarning: c.Alerting.ProcessCPUWarning,
		PredictionCutoff:  c.Alerting.PredictionCutoff,
	}
}

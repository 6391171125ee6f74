// Package config provides configuration loading and validation for the
// orchestrator. It handles the JSON config file and applies defaults for
// anything the file omits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Default policy values. The gate threshold and rework cap are policy
// constants, not per-call-site knobs.
const (
	DefaultPollIntervalSec       = 30
	DefaultBlockedMaxAgeMin      = 60
	DefaultGateEscalateThreshold = 2
	DefaultMaxReworkAttempts     = 3
	DefaultMaxInFlightItems      = 4
	DefaultSignalBatchSize       = 50
	DefaultEventLogRotationHours = 24
	DefaultMetricsAddr           = "127.0.0.1:9732"
)

// ConfigFilename is the expected name of the project config file.
const ConfigFilename = "pressroom.json"

// Config holds the orchestrator's runtime settings.
//
//nolint:govet // struct alignment optimization not critical for this type
type Config struct {
	// Paths. Relative paths are resolved against the project directory.
	DBPath      string `json:"db_path"`
	IntakeDir   string `json:"intake_dir"`
	LogDir      string `json:"log_dir"`
	EventLogDir string `json:"event_log_dir"`

	// Loop policy.
	PollIntervalSec       int `json:"poll_interval_sec"`
	BlockedMaxAgeMin      int `json:"blocked_max_age_min"`
	GateEscalateThreshold int `json:"gate_escalate_threshold"`
	MaxReworkAttempts     int `json:"max_rework_attempts"`
	MaxInFlightItems      int `json:"max_in_flight_items"`
	SignalBatchSize       int `json:"signal_batch_size"`

	// Observability.
	EventLogRotationHours int    `json:"event_log_rotation_hours"`
	MetricsAddr           string `json:"metrics_addr"`
}

// Default returns a config populated with default values, rooted at projectDir.
func Default(projectDir string) Config {
	stateDir := filepath.Join(projectDir, ".pressroom")
	return Config{
		DBPath:                filepath.Join(stateDir, "pressroom.db"),
		IntakeDir:             filepath.Join(stateDir, "intake"),
		LogDir:                filepath.Join(stateDir, "logs"),
		EventLogDir:           filepath.Join(stateDir, "events"),
		PollIntervalSec:       DefaultPollIntervalSec,
		BlockedMaxAgeMin:      DefaultBlockedMaxAgeMin,
		GateEscalateThreshold: DefaultGateEscalateThreshold,
		MaxReworkAttempts:     DefaultMaxReworkAttempts,
		MaxInFlightItems:      DefaultMaxInFlightItems,
		SignalBatchSize:       DefaultSignalBatchSize,
		EventLogRotationHours: DefaultEventLogRotationHours,
		MetricsAddr:           DefaultMetricsAddr,
	}
}

// Load reads the config file under projectDir, falling back to defaults for
// missing fields. A missing file is not an error; defaults apply.
func Load(projectDir string) (Config, error) {
	cfg := Default(projectDir)

	path := filepath.Join(projectDir, ConfigFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Resolve relative paths against the project directory.
	for _, p := range []*string{&cfg.DBPath, &cfg.IntakeDir, &cfg.LogDir, &cfg.EventLogDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(projectDir, *p)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config invariants that would otherwise surface as odd
// runtime behavior.
func (c *Config) Validate() error {
	if c.PollIntervalSec <= 0 {
		return fmt.Errorf("poll_interval_sec must be positive, got %d", c.PollIntervalSec)
	}
	if c.BlockedMaxAgeMin <= 0 {
		return fmt.Errorf("blocked_max_age_min must be positive, got %d", c.BlockedMaxAgeMin)
	}
	if c.GateEscalateThreshold < 1 {
		return fmt.Errorf("gate_escalate_threshold must be at least 1, got %d", c.GateEscalateThreshold)
	}
	if c.MaxReworkAttempts < 1 {
		return fmt.Errorf("max_rework_attempts must be at least 1, got %d", c.MaxReworkAttempts)
	}
	if c.MaxInFlightItems < 1 {
		return fmt.Errorf("max_in_flight_items must be at least 1, got %d", c.MaxInFlightItems)
	}
	if c.SignalBatchSize < 1 {
		return fmt.Errorf("signal_batch_size must be at least 1, got %d", c.SignalBatchSize)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.IntakeDir == "" {
		return fmt.Errorf("intake_dir must not be empty")
	}
	return nil
}

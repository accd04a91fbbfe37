package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// cronParser mirrors the sweep service's parser, so a schedule accepted here
// is exactly a schedule the service can run.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the event store backend. Omitted means in-memory.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Dispatch tunes trigger registration and user-action handling.
	Dispatch DispatchConfig `json:"dispatch,omitempty"`

	// Generate controls how far ahead recurring sources are expanded.
	Generate GenerateConfig `json:"generate,omitempty"`

	// Sweep controls the background missed-marker and trigger reconciler.
	Sweep SweepConfig `json:"sweep,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./carebell.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DispatchConfig tunes the reminder dispatcher.
//
// All durations are Go duration strings (e.g. "5s", "10m", "24h").
// Zero/omitted fields fall back to the dispatcher's built-in defaults.
type DispatchConfig struct {
	// LateTolerance is how far past its scheduled time an event may still
	// be armed instead of being left for the sweep.
	LateTolerance string `json:"late_tolerance,omitempty"`
	// ArmDelay is the bump applied to slightly past-due events so the
	// trigger fires almost immediately rather than being rejected.
	ArmDelay       string `json:"arm_delay,omitempty"`
	SnoozeInterval string `json:"snooze_interval,omitempty"`
	RearmWindow    string `json:"rearm_window,omitempty"`

	RegistrationsPerSec int `json:"registrations_per_sec,omitempty"`
	LowStockThreshold   int `json:"low_stock_threshold,omitempty"`
}

// GenerateConfig controls recurrence expansion.
type GenerateConfig struct {
	// WindowDays is how many days ahead occurrences are materialized.
	// Default 30.
	WindowDays int `json:"window_days,omitempty"`
}

// SweepConfig controls the background maintenance jobs.
//
// Enabled is a pointer so an omitted section defaults to on.
type SweepConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// SweepSpec and ReconcileSpec are cron expressions or descriptors
	// ("@every 30m").
	SweepSpec     string `json:"sweep_spec,omitempty"`
	ReconcileSpec string `json:"reconcile_spec,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	JobTimeout    string `json:"job_timeout,omitempty"`
}

// SweepEnabled resolves the tri-state flag; omitted means enabled.
func (s SweepConfig) SweepEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// Validate checks field values that would otherwise fail deep inside a
// component at apply time. Duration strings are parsed here so a reload with
// a typo is rejected before anything is committed.
func (c *Config) Validate() error {
	switch lvl := strings.ToLower(strings.TrimSpace(c.Logging.Level)); lvl {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path: required when file logging is enabled")
	}

	if c.Storage != nil {
		switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
		case "", "memory", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if strings.EqualFold(strings.TrimSpace(c.Storage.Driver), "sqlite") && strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required for the sqlite driver")
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"dispatch.late_tolerance", c.Dispatch.LateTolerance},
		{"dispatch.arm_delay", c.Dispatch.ArmDelay},
		{"dispatch.snooze_interval", c.Dispatch.SnoozeInterval},
		{"dispatch.rearm_window", c.Dispatch.RearmWindow},
		{"sweep.job_timeout", c.Sweep.JobTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"sweep.sweep_spec", c.Sweep.SweepSpec},
		{"sweep.reconcile_spec", c.Sweep.ReconcileSpec},
	} {
		spec := strings.TrimSpace(f.raw)
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %v", f.path, f.raw, err)
		}
	}

	if c.Generate.WindowDays < 0 {
		return fmt.Errorf("generate.window_days: must be >= 0")
	}
	if c.Dispatch.RegistrationsPerSec < 0 {
		return fmt.Errorf("dispatch.registrations_per_sec: must be >= 0")
	}
	if c.Dispatch.LowStockThreshold < 0 {
		return fmt.Errorf("dispatch.low_stock_threshold: must be >= 0")
	}
	return nil
}

// Package config holds the kernel configuration: JSON5 file, env overlay,
// and hot reload of the runtime tunables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration for the termclaw kernel.
type Config struct {
	// LogDir is the persistence directory. Default: ~/.iterm_mcp_logs
	LogDir string `json:"log_dir,omitempty"`

	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Bus       BusConfig       `json:"bus,omitempty"`
	Notify    NotifyConfig    `json:"notifications,omitempty"`
	Plan      PlanConfig      `json:"plans,omitempty"`
	Monitor   MonitorConfig   `json:"monitor,omitempty"`
	Sessions  SessionsConfig  `json:"sessions,omitempty"`
	Teams     TeamsConfig     `json:"teams,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// DispatchConfig tunes the message dispatcher.
type DispatchConfig struct {
	MaxParallel int `json:"max_parallel"` // bounded write concurrency
}

// DedupConfig tunes the duplicate-suppression window.
type DedupConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
	MaxEntries int `json:"max_entries"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	QueueSize   int `json:"queue_size"`   // per-subscription bounded queue
	HistorySize int `json:"history_size"` // per-topic history ring
	Workers     int `json:"workers"`      // shared delivery pool
}

// NotifyConfig caps the notification ring buffers.
type NotifyConfig struct {
	MaxPerAgent int `json:"max_per_agent"`
	MaxTotal    int `json:"max_total"`
}

// PlanConfig tunes the plan executor.
type PlanConfig struct {
	MaxParallel    int `json:"max_parallel"`
	StepTimeoutSec int `json:"step_timeout_sec"` // default per-step timeout
}

// MonitorConfig tunes the output monitor.
type MonitorConfig struct {
	PollIntervalMS int `json:"poll_interval_ms"`
}

// SessionsConfig holds session defaults.
type SessionsConfig struct {
	DefaultMaxLines int `json:"default_max_lines"` // screen-read cap
}

// TeamsConfig controls team auto-creation on agent registration.
type TeamsConfig struct {
	AutoCreate bool `json:"auto_create"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with the kernel defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:   filepath.Join(home, ".iterm_mcp_logs"),
		Dispatch: DispatchConfig{MaxParallel: 32},
		Dedup:    DedupConfig{TTLSeconds: 300, MaxEntries: 1024},
		Bus:      BusConfig{QueueSize: 256, HistorySize: 256, Workers: 8},
		Notify:   NotifyConfig{MaxPerAgent: 50, MaxTotal: 500},
		Plan:     PlanConfig{MaxParallel: 8, StepTimeoutSec: 120},
		Monitor:  MonitorConfig{PollIntervalMS: 250},
		Sessions: SessionsConfig{DefaultMaxLines: 100},
		Teams:    TeamsConfig{AutoCreate: true},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "termclaw",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values. The ITERM_MCP_* names are the published kernel knobs.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ITERM_MCP_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envInt("ITERM_MCP_DEFAULT_MAX_LINES", &c.Sessions.DefaultMaxLines)
	envInt("ITERM_MCP_POLL_INTERVAL_MS", &c.Monitor.PollIntervalMS)
	envInt("ITERM_MCP_DEDUP_TTL_S", &c.Dedup.TTLSeconds)
	envInt("ITERM_MCP_DEDUP_MAX", &c.Dedup.MaxEntries)

	if v := os.Getenv("TERMCLAW_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("TERMCLAW_TELEMETRY_PROTOCOL"); v != "" {
		c.Telemetry.Protocol = v
	}
	if v := os.Getenv("TERMCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TERMCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// PollInterval returns the monitor poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Monitor.PollIntervalMS) * time.Millisecond
}

// DedupTTL returns the dedup window TTL as a duration.
func (c *Config) DedupTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Dedup.TTLSeconds) * time.Second
}

// Tunables is the subset of config that can change at runtime via hot reload.
type Tunables struct {
	DedupTTL        time.Duration
	DedupMaxEntries int
	PollInterval    time.Duration
	DefaultMaxLines int
}

// CurrentTunables snapshots the hot-reloadable values.
func (c *Config) CurrentTunables() Tunables {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Tunables{
		DedupTTL:        time.Duration(c.Dedup.TTLSeconds) * time.Second,
		DedupMaxEntries: c.Dedup.MaxEntries,
		PollInterval:    time.Duration(c.Monitor.PollIntervalMS) * time.Millisecond,
		DefaultMaxLines: c.Sessions.DefaultMaxLines,
	}
}

// applyTunables copies the reloadable fields from a freshly loaded config.
func (c *Config) applyTunables(fresh *Config) {
	c.mu.Lock()
	c.Dedup = fresh.Dedup
	c.Monitor = fresh.Monitor
	c.Sessions = fresh.Sessions
	c.mu.Unlock()
}

// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/poolwatch/internal/pool"
)

// Config is the full runtime configuration. Durations are expressed in whole
// seconds (milliseconds where noted) so the yaml file and the environment
// overrides stay plain integers.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pools      PoolsConfig      `yaml:"pools"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Health     HealthConfig     `yaml:"health"`
	Failover   FailoverConfig   `yaml:"failover"`
	Switchover SwitchoverConfig `yaml:"switchover"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type PoolsConfig struct {
	Blue          PoolConfig `yaml:"blue"`
	Green         PoolConfig `yaml:"green"`
	DefaultActive string     `yaml:"default_active"`
}

type PoolConfig struct {
	Addr    string `yaml:"addr"`
	Release string `yaml:"release"`
}

type IngestConfig struct {
	// Source selects the event source: "tail" follows the access log,
	// "stdin" reads a finite stream (replay and piping).
	Source        string `yaml:"source"`
	AccessLog     string `yaml:"access_log"`
	StallGraceSec int    `yaml:"stall_grace_sec"`
}

func (c IngestConfig) StallGrace() time.Duration {
	return time.Duration(c.StallGraceSec) * time.Second
}

type HealthConfig struct {
	WindowSec     int     `yaml:"window_sec"`
	TickSec       int     `yaml:"tick_sec"`
	HighThreshold float64 `yaml:"high_threshold"`
	LowThreshold  float64 `yaml:"low_threshold"`
	MinSamples    int     `yaml:"min_samples"`
	DwellSec      int     `yaml:"dwell_sec"`
}

func (c HealthConfig) Window() time.Duration { return time.Duration(c.WindowSec) * time.Second }
func (c HealthConfig) Tick() time.Duration   { return time.Duration(c.TickSec) * time.Second }
func (c HealthConfig) Dwell() time.Duration  { return time.Duration(c.DwellSec) * time.Second }

type FailoverConfig struct {
	RecoveryConfirmationSec int    `yaml:"recovery_confirmation_sec"`
	Failback                string `yaml:"failback"`
	SwitchAttempts          int    `yaml:"switch_attempts"`
	SwitchBackoffMS         int    `yaml:"switch_backoff_ms"`
}

func (c FailoverConfig) RecoveryConfirmation() time.Duration {
	return time.Duration(c.RecoveryConfirmationSec) * time.Second
}

func (c FailoverConfig) SwitchBackoff() time.Duration {
	return time.Duration(c.SwitchBackoffMS) * time.Millisecond
}

type SwitchoverConfig struct {
	// Store selects the ActiveConfig backend: "file" or "postgres".
	Store            string         `yaml:"store"`
	StateFile        string         `yaml:"state_file"`
	Postgres         PostgresConfig `yaml:"postgres"`
	ReloadHook       string         `yaml:"reload_hook"`
	ReloadURL        string         `yaml:"reload_url"`
	ReloadCommand    string         `yaml:"reload_command"`
	ReloadTimeoutSec int            `yaml:"reload_timeout_sec"`
}

func (c SwitchoverConfig) ReloadTimeout() time.Duration {
	return time.Duration(c.ReloadTimeoutSec) * time.Second
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

type AlertsConfig struct {
	SuppressionWindowSec int     `yaml:"suppression_window_sec"`
	RatePerSecond        float64 `yaml:"rate_per_second"`
	RateBurst            int     `yaml:"rate_burst"`
	QueueSize            int     `yaml:"queue_size"`
	WebhookURL           string  `yaml:"webhook_url"`
	NATSURL              string  `yaml:"nats_url"`
	Maintenance          bool    `yaml:"maintenance"`
}

func (c AlertsConfig) SuppressionWindow() time.Duration {
	return time.Duration(c.SuppressionWindowSec) * time.Second
}

// Default returns the configuration used when the yaml file and environment
// provide nothing.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Pools: PoolsConfig{
			Blue:          PoolConfig{Addr: "127.0.0.1:8001"},
			Green:         PoolConfig{Addr: "127.0.0.1:8002"},
			DefaultActive: "blue",
		},
		Ingest: IngestConfig{
			Source:        "tail",
			AccessLog:     "/var/log/nginx/access.log",
			StallGraceSec: 60,
		},
		Health: HealthConfig{
			WindowSec:     30,
			TickSec:       1,
			HighThreshold: 0.02,
			LowThreshold:  0.01,
			MinSamples:    20,
			DwellSec:      5,
		},
		Failover: FailoverConfig{
			RecoveryConfirmationSec: 30,
			Failback:                "manual",
			SwitchAttempts:          3,
			SwitchBackoffMS:         500,
		},
		Switchover: SwitchoverConfig{
			Store:            "file",
			StateFile:        "poolwatch-state.json",
			ReloadHook:       "none",
			ReloadTimeoutSec: 10,
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Alerts: AlertsConfig{
			SuppressionWindowSec: 300,
			RatePerSecond:        5,
			RateBurst:            10,
			QueueSize:            64,
		},
	}
}

// Load builds the configuration: defaults, then the yaml file if path is
// non-empty, then environment overrides. Validate separately.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	LoadFromEnv(&cfg)
	return cfg, nil
}

// Validate rejects configurations the controller cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}

	if _, err := pool.ParseID(c.Pools.DefaultActive); err != nil {
		return fmt.Errorf("config: invalid default active pool %q", c.Pools.DefaultActive)
	}

	switch c.Ingest.Source {
	case "tail":
		if c.Ingest.AccessLog == "" {
			return fmt.Errorf("config: ingest source %q requires access_log", c.Ingest.Source)
		}
	case "stdin":
	default:
		return fmt.Errorf("config: unknown ingest source %q", c.Ingest.Source)
	}
	if c.Ingest.StallGraceSec <= 0 {
		return fmt.Errorf("config: stall grace must be positive, got %d", c.Ingest.StallGraceSec)
	}

	if c.Health.WindowSec <= 0 {
		return fmt.Errorf("config: health window must be positive, got %d", c.Health.WindowSec)
	}
	if c.Health.TickSec <= 0 {
		return fmt.Errorf("config: health tick must be positive, got %d", c.Health.TickSec)
	}
	if c.Health.DwellSec < 0 {
		return fmt.Errorf("config: health dwell must not be negative, got %d", c.Health.DwellSec)
	}
	if c.Health.HighThreshold <= 0 || c.Health.HighThreshold > 1 {
		return fmt.Errorf("config: high threshold must be in (0, 1], got %g", c.Health.HighThreshold)
	}
	if c.Health.LowThreshold <= 0 || c.Health.LowThreshold >= c.Health.HighThreshold {
		return fmt.Errorf("config: low threshold must be in (0, high), got %g", c.Health.LowThreshold)
	}
	if c.Health.MinSamples < 1 {
		return fmt.Errorf("config: min samples must be at least 1, got %d", c.Health.MinSamples)
	}

	switch c.Failover.Failback {
	case "manual", "automatic":
	default:
		return fmt.Errorf("config: unknown failback policy %q", c.Failover.Failback)
	}
	if c.Failover.RecoveryConfirmationSec <= 0 {
		return fmt.Errorf("config: recovery confirmation must be positive, got %d",
			c.Failover.RecoveryConfirmationSec)
	}
	if c.Failover.SwitchAttempts < 1 {
		return fmt.Errorf("config: switch attempts must be at least 1, got %d", c.Failover.SwitchAttempts)
	}

	switch c.Switchover.Store {
	case "file":
		if c.Switchover.StateFile == "" {
			return fmt.Errorf("config: file store requires state_file")
		}
	case "postgres":
		if c.Switchover.Postgres.Host == "" || c.Switchover.Postgres.Database == "" {
			return fmt.Errorf("config: postgres store requires host and database")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Switchover.Store)
	}

	switch c.Switchover.ReloadHook {
	case "none":
	case "http":
		if c.Switchover.ReloadURL == "" {
			return fmt.Errorf("config: http reload hook requires reload_url")
		}
	case "command":
		if c.Switchover.ReloadCommand == "" {
			return fmt.Errorf("config: command reload hook requires reload_command")
		}
	default:
		return fmt.Errorf("config: unknown reload hook %q", c.Switchover.ReloadHook)
	}
	if c.Switchover.ReloadTimeoutSec <= 0 {
		return fmt.Errorf("config: reload timeout must be positive, got %d", c.Switchover.ReloadTimeoutSec)
	}

	if c.Alerts.SuppressionWindowSec <= 0 {
		return fmt.Errorf("config: suppression window must be positive, got %d",
			c.Alerts.SuppressionWindowSec)
	}
	if c.Alerts.QueueSize <= 0 {
		return fmt.Errorf("config: alert queue size must be positive, got %d", c.Alerts.QueueSize)
	}

	return nil
}

// internal/config/env.go
package config

import (
	"os"
	"strconv"
)

// LoadFromEnv applies environment overrides on top of cfg. Unparseable values
// are ignored; Validate catches anything that matters. Legacy names load
// first so POOLWATCH_* wins when both are set.
func LoadFromEnv(cfg *Config) {
	loadLegacyEnv(cfg)

	envInt("POOLWATCH_PORT", &cfg.Server.Port)
	envString("POOLWATCH_LOG_LEVEL", &cfg.Server.LogLevel)

	envString("POOLWATCH_BLUE_ADDR", &cfg.Pools.Blue.Addr)
	envString("POOLWATCH_GREEN_ADDR", &cfg.Pools.Green.Addr)
	envString("POOLWATCH_DEFAULT_ACTIVE", &cfg.Pools.DefaultActive)

	envString("POOLWATCH_SOURCE", &cfg.Ingest.Source)
	envString("POOLWATCH_ACCESS_LOG", &cfg.Ingest.AccessLog)
	envInt("POOLWATCH_STALL_GRACE_SEC", &cfg.Ingest.StallGraceSec)

	envInt("POOLWATCH_WINDOW_SEC", &cfg.Health.WindowSec)
	envInt("POOLWATCH_DWELL_SEC", &cfg.Health.DwellSec)
	envFloat("POOLWATCH_HIGH_THRESHOLD", &cfg.Health.HighThreshold)
	envFloat("POOLWATCH_LOW_THRESHOLD", &cfg.Health.LowThreshold)
	envInt("POOLWATCH_MIN_SAMPLES", &cfg.Health.MinSamples)

	envString("POOLWATCH_FAILBACK", &cfg.Failover.Failback)
	envInt("POOLWATCH_RECOVERY_CONFIRMATION_SEC", &cfg.Failover.RecoveryConfirmationSec)

	envString("POOLWATCH_STORE", &cfg.Switchover.Store)
	envString("POOLWATCH_STATE_FILE", &cfg.Switchover.StateFile)
	envString("POOLWATCH_DB_HOST", &cfg.Switchover.Postgres.Host)
	envInt("POOLWATCH_DB_PORT", &cfg.Switchover.Postgres.Port)
	envString("POOLWATCH_DB_NAME", &cfg.Switchover.Postgres.Database)
	envString("POOLWATCH_DB_USER", &cfg.Switchover.Postgres.User)
	envString("POOLWATCH_DB_PASSWORD", &cfg.Switchover.Postgres.Password)
	envString("POOLWATCH_DB_SSLMODE", &cfg.Switchover.Postgres.SSLMode)
	envString("POOLWATCH_RELOAD_HOOK", &cfg.Switchover.ReloadHook)
	envString("POOLWATCH_RELOAD_URL", &cfg.Switchover.ReloadURL)
	envString("POOLWATCH_RELOAD_COMMAND", &cfg.Switchover.ReloadCommand)

	envString("POOLWATCH_WEBHOOK_URL", &cfg.Alerts.WebhookURL)
	envString("POOLWATCH_NATS_URL", &cfg.Alerts.NATSURL)
	envBool("POOLWATCH_MAINTENANCE", &cfg.Alerts.Maintenance)
}

// loadLegacyEnv honors the variable names the previous deployment used, so an
// existing unit file keeps working.
func loadLegacyEnv(cfg *Config) {
	envString("SLACK_WEBHOOK_URL", &cfg.Alerts.WebhookURL)
	envInt("ALERT_COOLDOWN_SEC", &cfg.Alerts.SuppressionWindowSec)
	envBool("MAINTENANCE_MODE", &cfg.Alerts.Maintenance)
	envInt("MIN_SAMPLES", &cfg.Health.MinSamples)

	// The old threshold was a percentage with a single band. Derive the
	// recovery threshold when the override would otherwise invert the pair.
	if v := os.Getenv("ERROR_RATE_THRESHOLD"); v != "" {
		if pct, err := strconv.ParseFloat(v, 64); err == nil && pct > 0 {
			cfg.Health.HighThreshold = pct / 100
			if cfg.Health.LowThreshold >= cfg.Health.HighThreshold {
				cfg.Health.LowThreshold = cfg.Health.HighThreshold / 2
			}
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

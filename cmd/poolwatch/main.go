// cmd/poolwatch/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/FairForge/poolwatch/internal/alerting"
	"github.com/FairForge/poolwatch/internal/api"
	"github.com/FairForge/poolwatch/internal/config"
	"github.com/FairForge/poolwatch/internal/controller"
	"github.com/FairForge/poolwatch/internal/failover"
	"github.com/FairForge/poolwatch/internal/health"
	"github.com/FairForge/poolwatch/internal/ingest"
	"github.com/FairForge/poolwatch/internal/pool"
	"github.com/FairForge/poolwatch/internal/state"
	"github.com/FairForge/poolwatch/internal/switchover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Create logger
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	// Create config
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	logger = rebuildLogger(logger, cfg.Server.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the active-pool store based on configuration
	var store state.Store
	switch cfg.Switchover.Store {
	case "postgres":
		pgCtx, pgCancel := context.WithTimeout(ctx, 10*time.Second)
		store, err = state.NewPostgresStore(pgCtx, state.PostgresConfig{
			Host:     cfg.Switchover.Postgres.Host,
			Port:     cfg.Switchover.Postgres.Port,
			Database: cfg.Switchover.Postgres.Database,
			User:     cfg.Switchover.Postgres.User,
			Password: cfg.Switchover.Postgres.Password,
			SSLMode:  cfg.Switchover.Postgres.SSLMode,
		})
		pgCancel()
		logger.Info("using postgres state store",
			zap.String("host", cfg.Switchover.Postgres.Host),
			zap.String("database", cfg.Switchover.Postgres.Database))

	case "file":
		store, err = state.NewFileStore(cfg.Switchover.StateFile)
		logger.Info("using file state store", zap.String("path", cfg.Switchover.StateFile))

	default:
		logger.Fatal("invalid state store", zap.String("store", cfg.Switchover.Store))
	}
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}

	seedDefaultActive(ctx, store, cfg, logger)

	// Reload hook fired after each committed switch
	var reloader switchover.Reloader
	switch cfg.Switchover.ReloadHook {
	case "http":
		reloader = switchover.NewHTTPReloader(cfg.Switchover.ReloadURL, cfg.Switchover.ReloadTimeout())
		logger.Info("using http reload hook", zap.String("url", cfg.Switchover.ReloadURL))
	case "command":
		parts := strings.Fields(cfg.Switchover.ReloadCommand)
		reloader = switchover.NewCommandReloader(parts[0], parts[1:]...)
		logger.Info("using command reload hook", zap.String("command", cfg.Switchover.ReloadCommand))
	case "none":
		logger.Info("no reload hook configured, switches update the record only")
	}

	coordinator, err := switchover.NewCoordinator(ctx, store, reloader, cfg.Switchover.ReloadTimeout(), logger)
	if err != nil {
		logger.Fatal("state store unreachable", zap.Error(err))
	}

	// Alert sinks: log always, webhook and NATS when configured
	sinks := []alerting.Sink{alerting.NewLogSink(logger)}
	if cfg.Alerts.WebhookURL != "" {
		sinks = append(sinks, alerting.NewWebhookSink(alerting.DefaultWebhookSinkConfig(cfg.Alerts.WebhookURL)))
		logger.Info("webhook alerts enabled")
	}
	if cfg.Alerts.NATSURL != "" {
		natsSink, err := alerting.NewNATSSink(cfg.Alerts.NATSURL, logger)
		if err != nil {
			logger.Warn("nats sink unavailable, continuing without it", zap.Error(err))
		} else {
			sinks = append(sinks, natsSink)
			defer func() { _ = natsSink.Close() }()
			logger.Info("nats alerts enabled", zap.String("url", cfg.Alerts.NATSURL))
		}
	}

	dispatcher := alerting.NewDispatcher(alerting.DispatcherConfig{
		SuppressionWindow: cfg.Alerts.SuppressionWindow(),
		QueueSize:         cfg.Alerts.QueueSize,
		RatePerSecond:     cfg.Alerts.RatePerSecond,
		RateBurst:         cfg.Alerts.RateBurst,
		Maintenance:       cfg.Alerts.Maintenance,
	}, sinks, logger)

	aggregator := health.NewAggregator(health.Config{
		Window:        cfg.Health.Window(),
		Dwell:         cfg.Health.Dwell(),
		HighThreshold: cfg.Health.HighThreshold,
		LowThreshold:  cfg.Health.LowThreshold,
		MinSamples:    cfg.Health.MinSamples,
	})

	engine := failover.NewEngine(failover.Config{
		RecoveryConfirmation: cfg.Failover.RecoveryConfirmation(),
		Failback:             failover.FailbackPolicy(cfg.Failover.Failback),
		SwitchAttempts:       cfg.Failover.SwitchAttempts,
		SwitchBackoff:        cfg.Failover.SwitchBackoff(),
	}, aggregator, coordinator, dispatcher, logger)

	// Event source based on configuration
	var source ingest.Source
	switch cfg.Ingest.Source {
	case "stdin":
		source = ingest.NewReaderSource(os.Stdin)
		logger.Info("reading proxy events from stdin")
	case "tail":
		source = ingest.NewTailer(cfg.Ingest.AccessLog, logger)
		logger.Info("using access log source", zap.String("path", cfg.Ingest.AccessLog))
	default:
		logger.Fatal("invalid event source", zap.String("source", cfg.Ingest.Source))
	}

	ctrl := controller.New(controller.Config{
		Tick:       cfg.Health.Tick(),
		StallGrace: cfg.Ingest.StallGrace(),
	}, controller.Deps{
		Source:      source,
		Parser:      ingest.NewParser(),
		Health:      aggregator,
		Engine:      engine,
		Coordinator: coordinator,
		Dispatcher:  dispatcher,
	}, logger)

	server := api.NewServer(&cfg, logger, ctrl)

	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		if err := ctrl.Run(ctx); err != nil {
			logger.Error("controller stopped", zap.Error(err))
		}
	}()

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down...")
		cancel()

		shCtx, shCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shCancel()
		if err := server.Shutdown(shCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	active := coordinator.LastKnown()
	sourceDesc := cfg.Ingest.Source
	if cfg.Ingest.Source == "tail" {
		sourceDesc = cfg.Ingest.AccessLog
	}

	fmt.Printf("\n")
	fmt.Printf("╔══════════════════════════════════════╗\n")
	fmt.Printf("║      Poolwatch Monitor Started       ║\n")
	fmt.Printf("╠══════════════════════════════════════╣\n")
	fmt.Printf("║  API: http://localhost:%-13d ║\n", cfg.Server.Port)
	fmt.Printf("║  Source: %-27s ║\n", sourceDesc)
	fmt.Printf("║  Store: %-28s ║\n", cfg.Switchover.Store)
	fmt.Printf("║  Active: %-27s ║\n", active.ActivePool)
	fmt.Printf("╚══════════════════════════════════════╝\n")
	fmt.Printf("\n")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}

	// Let the controller drain queued alerts before the store closes.
	<-ctrlDone
	if err := coordinator.Close(); err != nil {
		logger.Error("failed to close state store", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// rebuildLogger swaps the bootstrap logger for one at the configured level.
// An unparseable level keeps the production default rather than failing.
func rebuildLogger(logger *zap.Logger, level string) *zap.Logger {
	if level == "" || level == "info" {
		return logger
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		logger.Warn("invalid log level, keeping info", zap.String("level", level))
		return logger
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	rebuilt, err := zcfg.Build()
	if err != nil {
		return logger
	}
	return rebuilt
}

// seedDefaultActive applies the configured default pool to a fresh store. A
// store that has already committed a switch is left alone, whatever the
// config says.
func seedDefaultActive(ctx context.Context, store state.Store, cfg config.Config, logger *zap.Logger) {
	defaultActive, err := pool.ParseID(cfg.Pools.DefaultActive)
	if err != nil {
		return
	}

	cur, err := store.Load(ctx)
	if err != nil {
		logger.Fatal("state store unreachable", zap.Error(err))
	}
	if cur.Generation != 0 || cur.ActivePool == defaultActive {
		return
	}

	seed := pool.ActiveConfig{
		ActivePool: defaultActive,
		Generation: 1,
		UpdatedAt:  time.Now().UTC(),
		UpdatedBy:  "startup",
	}
	if err := store.Swap(ctx, 0, seed); err != nil {
		logger.Fatal("failed to seed active pool", zap.Error(err))
	}
	logger.Info("seeded active pool from config", zap.String("pool", defaultActive.String()))
}

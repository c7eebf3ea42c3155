package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"argus/alert"
	"argus/anomaly"
	"argus/breach"
	"argus/config"
	"argus/core"
	"argus/health"
	"argus/metric"
	"argus/notify"
	"argus/storage"

	"go.uber.org/zap"
)

// App wires every engine component together with explicit dependency
// injection. Construction builds the object graph; Start launches the
// schedulers and the ops endpoint.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	SQLite *storage.SQLite
	Bus    *core.EventBus

	Metrics   *metric.Store
	Notifier  *notify.Notifier
	Alerts    *alert.Engine
	Anomalies *anomaly.Runner
	Health    *health.Scheduler
	Cases     *breach.CaseStore
	Breaches  *breach.Engine

	opsServer *opsServer
	cancel    context.CancelFunc
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Argus security monitoring engine starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	if err := EnsureDataDirectories(cfg, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	db, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.SQLite = db

	app.Bus = core.NewEventBus(sugar)

	metricStorage := storage.NewSQLiteMetricStorage(db, sugar)
	alertStorage := storage.NewSQLiteAlertStorage(db, sugar)
	anomalyStorage := storage.NewSQLiteAnomalyStorage(db, sugar)
	healthStorage := storage.NewSQLiteHealthStorage(db, sugar)
	breachStorage := storage.NewSQLiteBreachStorage(db, sugar)
	eventStorage := storage.NewSQLiteEventStorage(db, sugar)

	app.Metrics = metric.NewStore(metricStorage, sugar)
	app.Notifier = notify.NewNotifier(cfg.Notify, app.Bus, sugar)

	app.Alerts = alert.NewEngine(alertStorage, app.Metrics, app.Notifier, app.Bus, sugar)
	app.Alerts.SetSweepInterval(cfg.Alerting.SweepInterval)
	// duration-0 definitions evaluate inline on every recorded point
	app.Metrics.SetInstantEvaluator(app.Alerts)

	app.Anomalies = anomaly.NewRunner(anomalyStorage, app.Metrics, app.Bus, sugar)
	app.Anomalies.SetSweepInterval(cfg.Anomaly.SweepInterval)
	app.Health = health.NewScheduler(healthStorage, health.NewProber(), app.Metrics, app.Bus, sugar)
	app.Cases = breach.NewCaseStore(breachStorage, app.Bus, sugar)
	app.Breaches = breach.NewEngine(breachStorage, eventStorage, anomalyStorage, app.Metrics, app.Cases, sugar)

	// pushed external events become metric points and, where warranted,
	// breach cases
	metric.RegisterEventListeners(app.Bus, app.Metrics, sugar)
	breach.RegisterEventListeners(app.Bus, eventStorage, app.Cases, sugar)

	if cfg.Seeds.Enabled {
		if err := app.loadSeeds(ctx); err != nil {
			sugar.Errorf("Failed to load seed definitions: %v", err)
		}
	}

	return app, nil
}

// Start starts all schedulers and the ops endpoint.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.Alerts.Start(ctx)
	a.Anomalies.Start(ctx)
	if err := a.Health.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health scheduler: %w", err)
	}
	if err := a.Breaches.Start(ctx); err != nil {
		return fmt.Errorf("failed to start breach engine: %w", err)
	}

	a.opsServer = newOpsServer(a.Config, a.Health, a.Sugar)
	a.opsServer.Start()

	a.Sugar.Info("All services started")
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}
	if a.opsServer != nil {
		a.opsServer.Stop()
	}
	if a.Breaches != nil {
		a.Breaches.Stop()
	}
	if a.Health != nil {
		a.Health.Stop()
	}
	if a.Anomalies != nil {
		a.Anomalies.Stop()
	}
	if a.Alerts != nil {
		a.Alerts.Stop()
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Errorf("Failed to close storage: %v", err)
		}
	}
	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"venue-connector/internal/alert"
	"venue-connector/internal/app"
	"venue-connector/internal/config"
	"venue-connector/internal/connector"
	"venue-connector/internal/logger"
	"venue-connector/internal/metrics"
	"venue-connector/internal/safety"
	"venue-connector/internal/store"
	"venue-connector/internal/timesync"
)

func main() {
	var configPath, envFile string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file with CONNECTOR_* overrides")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fatal(fmt.Sprintf("load %s: %v", envFile, err))
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	log := logger.New(logger.Config{
		Level:      cfg.Observability.Log.Level,
		Format:     cfg.Observability.Log.Format,
		Output:     cfg.Observability.Log.Output,
		MaxSizeMB:  cfg.Observability.Log.MaxSizeMB,
		MaxBackups: cfg.Observability.Log.MaxBackups,
		MaxAgeDays: cfg.Observability.Log.MaxAgeDays,
		Compress:   cfg.Observability.Log.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.WithField("event", "connector_exit").WithError(err).Error("connector stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	alerts := buildAlertManager(cfg, log)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.WithField("event", "alert_close_failed").WithError(err).Warn("close alert manager failed")
			}
		}()
	}

	stateDir := instanceStateDir(cfg)
	status, err := store.New(stateDir, log)
	if err != nil {
		return err
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	instanceLock, err := store.AcquireInstanceLock(stateDir, store.LockOptions{
		InstanceID:      cfg.InstanceID,
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			log.WithField("event", "instance_lock_release_failed").WithError(relErr).Warn("release instance lock failed")
		}
	}()

	orders, err := openOrderStore(cfg, status, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := orders.Close(); err != nil {
			log.WithField("event", "store_close_failed").WithError(err).Warn("close order store failed")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	if cfg.Observability.Metrics.Enabled {
		srv := serveMetrics(cfg.Observability.Metrics, registry, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	clock := timesync.NewSynchronizer()
	venue, err := app.NewVenue(cfg, clock, log, m)
	if err != nil {
		return err
	}

	var alerter alert.Alerter
	if alerts != nil {
		alerter = alerts
	}
	breaker := safety.NewBreaker(safety.Options{
		Enabled:              cfg.CircuitBreaker.Enabled,
		MaxPlaceFailures:     cfg.CircuitBreaker.MaxPlaceFailures,
		MaxCancelFailures:    cfg.CircuitBreaker.MaxCancelFailures,
		MaxReconnectFailures: cfg.CircuitBreaker.MaxReconnectFailures,
		Cooldown:             time.Duration(cfg.CircuitBreaker.ReconnectCooldownSec) * time.Second,
		HalfOpenSuccesses:    cfg.CircuitBreaker.ReconnectProbePasses,
		Alerter:              alerter,
		Log:                  log,
	})

	conn, err := connector.New(connector.Options{
		Venue:       venue,
		InstanceID:  cfg.InstanceID,
		Tier:        cfg.Venue.Tier,
		HistorySize: cfg.Tracker.HistorySize,
		Reconcile: connector.ReconcileOptions{
			QueryBatch:       cfg.Reconcile.QueryBatch,
			UnmatchedSize:    cfg.Reconcile.UnmatchedBuffer,
			PendingGrace:     time.Duration(cfg.Reconcile.PendingGraceSec) * time.Second,
			MaxPendingMisses: cfg.Reconcile.MaxPendingMisses,
		},
		Intervals: connector.Intervals{
			Poll:      time.Duration(cfg.Reconcile.PollIntervalSec) * time.Second,
			Balance:   time.Duration(cfg.Ledger.RefreshIntervalSec) * time.Second,
			TimeSync:  time.Duration(cfg.TimeSync.IntervalSec) * time.Second,
			Persist:   time.Duration(cfg.State.PersistIntervalSec) * time.Second,
			Heartbeat: time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
		},
		Store:         orders,
		Status:        status,
		Clock:         clock,
		Breaker:       breaker,
		Alerter:       alerter,
		RuleOverrides: cfg.ApplyRuleOverrides,
		Log:           log,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	if _, err := conn.LoadState(); err != nil {
		return fmt.Errorf("load persisted orders: %w", err)
	}
	return conn.Run(ctx)
}

func instanceStateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, cfg.Venue.Name, cfg.InstanceID)
}

// openOrderStore picks the order table backend. Runtime status and the lock
// always live in the file store directory.
func openOrderStore(cfg config.Config, files *store.FileStore, log logrus.FieldLogger) (store.OrderStore, error) {
	if cfg.State.Backend == config.BackendPebble {
		return store.OpenPebble(filepath.Join(files.Root(), "pebble"), log)
	}
	return files, nil
}

func serveMetrics(cfg config.MetricsConfig, registry *prometheus.Registry, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("event", "metrics_server_failed").WithError(err).Error("metrics server stopped")
		}
	}()
	log.WithFields(logrus.Fields{"event": "metrics_listening", "addr": cfg.ListenAddr, "path": cfg.Path}).Info("metrics endpoint up")
	return srv
}

func buildAlertManager(cfg config.Config, log logrus.FieldLogger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBaseURL, time.Duration(tg.TimeoutSec)*time.Second)
	return alert.NewManager(notifier, alert.ManagerOptions{
		Venue:              cfg.Venue.Name,
		InstanceID:         cfg.InstanceID,
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Log:                log,
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

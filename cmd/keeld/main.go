package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ambientloop/keel/internal/attribution"
	"github.com/ambientloop/keel/internal/authority"
	"github.com/ambientloop/keel/internal/config"
	"github.com/ambientloop/keel/internal/derive"
	"github.com/ambientloop/keel/internal/engine"
	"github.com/ambientloop/keel/internal/event"
	"github.com/ambientloop/keel/internal/health"
	"github.com/ambientloop/keel/internal/healthmon"
	"github.com/ambientloop/keel/internal/metrics"
	"github.com/ambientloop/keel/internal/receipt"
	"github.com/ambientloop/keel/internal/server"
	"github.com/ambientloop/keel/internal/store"
	"github.com/ambientloop/keel/internal/syncer"
	"github.com/ambientloop/keel/internal/trust"
)

// failureAdapter routes background computation failures to the health
// monitor's counters.
type failureAdapter struct{ monitor *healthmon.Monitor }

func (f failureAdapter) BackgroundFailure() { f.monitor.RecordFailure(healthmon.FailureBackground) }
func (f failureAdapter) MissedWindow()      { f.monitor.RecordFailure(healthmon.FailureMissedWindow) }

func trustMachine(attrib *attribution.Engine, mgr *config.Manager, notifier *engine.LogNotifier,
	ledger *event.Ledger, monitor *healthmon.Monitor, logger zerolog.Logger) *trust.Machine {
	return trust.NewMachine(attrib, mgr.Gates(), mgr.Transitions(), logger).
		WithNotifier(notifier).
		WithRecorder(ledger).
		WithHealthGate(monitor)
}

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("KEEL_ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, lvlErr := zerolog.ParseLevel(cfg.LogLevel); lvlErr == nil {
		zerolog.SetGlobalLevel(level)
	}

	device, err := cfg.Device()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid device class")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_addr", cfg.HTTPAddr).
		Str("device_class", string(device)).
		Msg("starting keel engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Persistence
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = ":memory:"
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// Threshold document
	mgr, err := config.NewManager(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init threshold manager")
	}
	if cfg.ThresholdsPath != "" {
		if err := mgr.LoadFile(cfg.ThresholdsPath); err != nil {
			logger.Fatal().Err(err).Str("path", cfg.ThresholdsPath).
				Msg("invalid threshold document")
		}
	}

	// Components
	m := metrics.New()
	notifier := engine.NewLogNotifier(logger)

	monitor := healthmon.New(mgr.HealthThresholds(), logger).WithNotifier(notifier)
	ledger := event.NewLedger(cfg.EventWindowCap, logger).WithSink(st)
	attrib := attribution.New(mgr.BaseImpacts(), logger)
	machine := trustMachine(attrib, mgr, notifier, ledger, monitor, logger)
	resolver := authority.NewResolver(logger)
	registry := derive.NewRegistry(st, logger).WithSink(st)
	registry.SetBatchWindow(mgr.BatchWindow())
	for _, def := range derive.BuiltinDefinitions() {
		if err := registry.Register(def); err != nil {
			logger.Fatal().Err(err).Str("kind", def.Kind).Msg("failed to register metric")
		}
	}
	receipts := receipt.NewStore(mgr.ReceiptTTLs(), cfg.ReceiptCap, logger).WithSink(st)

	// Drop rows whose TTL lapsed while the daemon was down, then rehydrate
	// the in-memory receipts so explain(id) survives a restart.
	if ids, err := st.ExpiredReceiptIDs(ctx, time.Now().UTC()); err != nil {
		logger.Error().Err(err).Msg("expired receipt scan failed")
	} else if len(ids) > 0 {
		if err := st.DeleteReceipts(ctx, ids); err != nil {
			logger.Error().Err(err).Msg("expired receipt purge failed")
		}
	}
	if err := receipts.Restore(ctx, st); err != nil {
		logger.Error().Err(err).Msg("failed to restore receipts")
	}

	eng := engine.New(ledger, attrib, machine, resolver, registry, receipts, monitor, logger).
		WithStorage(st).
		WithMetrics(m)
	if err := eng.Restore(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to restore trust state")
	}

	// Readiness checks
	checker := health.NewChecker(logger)
	checker.Register("store", func(ctx context.Context) health.Status {
		if _, err := st.DBSizeBytes(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	var wg sync.WaitGroup

	// Tier runner
	runner := derive.NewRunner(registry, failureAdapter{monitor: monitor}, logger).WithObserver(m)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()

	// Retention: prune expired receipts and sweep the durable horizons.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				receipts.Prune(ctx, now.UTC())
				if err := st.RunRetention(ctx); err != nil {
					logger.Error().Err(err).Msg("retention sweep failed")
				}
			}
		}
	}()

	// Threshold document reload on SIGHUP
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				if cfg.ThresholdsPath == "" {
					logger.Warn().Msg("reload requested but no threshold document configured")
					continue
				}
				if err := mgr.LoadFile(cfg.ThresholdsPath); err != nil {
					// Last-good document stays active.
					logger.Error().Err(err).Msg("threshold reload rejected")
					continue
				}
				eng.ApplyThresholds(mgr)
			}
		}
	}()

	// Trust sync pusher (optional)
	if cfg.SyncPeerURL != "" {
		pusher := syncer.New(cfg.SyncPeerURL, cfg.APIKey, machine, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Run(ctx, 0)
		}()
	} else {
		logger.Info().Msg("no sync peer configured, running standalone")
	}

	// HTTP surface
	srv := server.New(server.Config{
		ListenAddr: cfg.HTTPAddr,
		APIKey:     cfg.APIKey,
	}, eng, checker, m, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	<-sigCh
	logger.Info().Msg("shutdown signal received")
	cancel()
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	wg.Wait()
	logger.Info().Msg("keel engine stopped")
}

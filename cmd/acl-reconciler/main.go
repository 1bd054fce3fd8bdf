package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/aclprop/pkg/acl"
	"github.com/platinummonkey/aclprop/pkg/config"
	"github.com/platinummonkey/aclprop/pkg/httputil"
	"github.com/platinummonkey/aclprop/pkg/observability"
	"github.com/platinummonkey/aclprop/pkg/rules"
)

var (
	runOnce   = flag.Bool("run-once", false, "Reconcile once and exit")
	rulesFile = flag.String("rules", "", "Rule set file (overrides ACL_RULES_FILE)")
	schedule  = flag.String("schedule", "", "Cron schedule for reconciliation (overrides ACL_RECONCILE_SCHEDULE)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *rulesFile != "" {
		cfg.Propagation.RulesFile = *rulesFile
	}
	if *schedule != "" {
		cfg.Propagation.ReconcileSchedule = *schedule
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Fatal("acl-reconciler failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
		MetricInterval: cfg.Observability.OTelMetricInterval,
	}, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return err
		}
		metrics.WithOTel(otelMetrics)
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}

	cache, redisClient, err := newCache(cfg.Cache)
	if err != nil {
		db.Close()
		return err
	}

	manager := acl.NewManager(db, acl.Config{
		Dialect: cfg.Database.Dialect,
		Workers: cfg.Propagation.Workers,
		Cache:   cache,
		Logger:  logger,
		Metrics: metrics,
	})
	if err := manager.Initialize(ctx); err != nil {
		closeClients(db, redisClient, logger)
		return fmt.Errorf("failed to initialize acl schema: %w", err)
	}

	checker := observability.NewHealthChecker(db, redisClient, cfg.Observability.OTelServiceVersion)

	var watcher *rules.Watcher
	if cfg.Propagation.RulesFile != "" {
		watcher = rules.NewWatcher(cfg.Propagation.RulesFile, manager.SetRuleSet, logger, rules.WithMetrics(metrics))
		checker.AddCheck("rules", watcher.Healthy)
		if err := watcher.Load(); err != nil && *runOnce {
			closeClients(db, redisClient, logger)
			return err
		}
	}

	rec := newReconciler(manager, logger, metrics, cfg.Propagation.ReconcileTimeout)

	if *runOnce {
		defer closeClients(db, redisClient, logger)
		result, _, err := rec.run(ctx)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"run_id":  result.RunID,
			"created": result.Created,
			"skipped": result.Skipped,
		}).Info("reconciliation completed")
		return observability.ShutdownOTel(ctx, providers, logger)
	}

	if watcher != nil && cfg.Propagation.WatchRules {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.WithError(err).Error("rule set watcher stopped")
			}
		}()
	}

	scheduler := cron.New()
	if cfg.Propagation.ReconcileSchedule != "" {
		_, err := scheduler.AddFunc(cfg.Propagation.ReconcileSchedule, func() {
			defer observability.RecoverPanic(logger, "scheduled reconciliation")
			rec.run(ctx)
		})
		if err != nil {
			closeClients(db, redisClient, logger)
			return fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
		scheduler.Start()
		logger.WithField("schedule", cfg.Propagation.ReconcileSchedule).Info("reconciliation scheduled")
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", checker.Readiness).Methods(http.MethodGet)
	observability.RegisterHealthRoutes(router, checker)
	registerOpsRoutes(router, manager, rec)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(router, registry)
	}

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
	)(router)
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(handler, "acl-reconciler"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.WithField("addr", server.Addr).Info("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("ops server failed")
			cancel()
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("scheduler", func(shutdownCtx context.Context) error {
		cancel()
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-shutdownCtx.Done():
			return shutdownCtx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("clients", func(context.Context) error {
		closeClients(db, redisClient, logger)
		return nil
	})
	shutdown.RegisterShutdownFunc("telemetry", func(shutdownCtx context.Context) error {
		return observability.ShutdownOTel(shutdownCtx, providers, logger)
	})

	return shutdown.WaitForShutdown(ctx)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Dialect.DriverName(), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func closeClients(db *sql.DB, redisClient *redis.Client, logger *logrus.Logger) {
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if err := db.Close(); err != nil {
		logger.WithError(err).Warn("failed to close database")
	}
}

// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry wiring for the ACL engine.
//
// # Structured Logging
//
// Loggers are logrus loggers with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, nil)
//	logger.WithField("node_id", 42).Info("role granted")
//
// FromContext attaches the request id, actor id and trace ids found in a
// context:
//
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx, logger).Info("acl set")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ObservePropagation("Control", created, skipped, elapsed, err)
//
// A nil *Metrics records nothing, so components accept it as optional.
// WithOTel mirrors the core counters onto OpenTelemetry instruments.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("rules", watcher.Healthy)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "acl-reconciler",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Graceful Shutdown
//
// Steps run in registration order once the ops server has stopped:
//
//	shutdown := observability.NewShutdownManager(logger, server, 30*time.Second)
//	shutdown.RegisterShutdownFunc("database", func(ctx context.Context) error { return db.Close() })
//	return shutdown.WaitForShutdown(ctx)
package observability

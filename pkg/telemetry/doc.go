// Package telemetry instruments configuration loading, validation and hot
// reload.
//
// A Telemetry value bundles a zerolog Logger, an OpenTelemetry Tracer,
// Prometheus Metrics and an EventPublisher built from one Config. Stored in
// a context with WithContext it is picked up by the config loader, the
// watcher and the policy engine.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	server, err := tel.StartMetricsServer()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Close()
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("config-loader")
//	logger = logger.WithPath("conf/train.yaml").WithNode("model/optimizer")
//	logger.Info("Loaded configuration")
//	logger.WithError(err).Error("Failed to load configuration")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Loads are traced with one span per root document; every resolved include is
// recorded as a span event:
//
//	ctx, span := tel.Tracer.StartLoadSpan(ctx, path)
//	defer span.End()
//	telemetry.AddIncludeEvent(span, "model.yaml", "/conf/model.yaml")
//
// Supported exporters: "otlp" (gRPC), "stdout" and "none".
//
// # Metrics
//
// Key metrics exposed:
//
//   - xpipe_config_loads_total{status}
//   - xpipe_config_load_duration_seconds{status}
//   - xpipe_config_includes_total
//   - xpipe_config_reloads_total{status}
//   - xpipe_config_watched_files
//   - xpipe_config_validation_failures_total{validator}
//   - xpipe_errors_by_class_total{class}
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics). All
// recording methods are safe to call on a nil *Metrics.
//
// # Event Publishing
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByPath
//
// With EventsConfig.EnableAsync events are queued and delivered in batches
// of MaxBatchSize or every FlushInterval. Shutdown delivers what is queued.
//
// # Operations
//
// StartOperation opens a span and a logger tagged with the operation name.
// End logs the duration at debug level and records the outcome on the span:
//
//	op := telemetry.StartOperation(ctx, "xpipe.get", telemetry.AttrNodePath.String(path))
//	defer func() { op.End(err) }()
//
// # Validation
//
// RecordValidation wraps a validation step in a span and records failures as
// metrics and validation.failed events:
//
//	problems, err := telemetry.RecordValidation(ctx, "cue", path, func(ctx context.Context) (int, error) {
//	    errs, err := validator.ValidateFile(ctx, schema, root)
//	    return len(errs), err
//	})
package telemetry

// Package telemetry provides observability instrumentation for the state
// controller daemon.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring reconciliation.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "bmcd"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	logger = logger.WithResourceID("host-42").WithState("provisioning")
//	logger.Info("state transition")
//	logger.WithError(err).Error("reconcile failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into reconciliation flow and latency:
//
//	ctx, span := tel.Tracer.StartTickSpan(ctx)
//	defer span.End()
//
//	span.SetAttributes(
//	    attribute.String("resource.id", resourceID),
//	    attribute.String("controller.decision", "transition"),
//	)
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track controller behavior:
//
//	tel.Metrics.RecordTick("completed", duration)
//	tel.Metrics.RecordTransition("managed_host", "validating", "ready")
//	tel.Metrics.RecordSLAOverdue("managed_host", "provisioning")
//	tel.Metrics.RecordError("transient")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishStateChanged(resourceID, "validating", "ready", "V8-T1700000000000000")
//	tel.Events.PublishResourceQuarantined(resourceID, "corrupt state version")
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByResourceID
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - bmc_controller_ticks_total{result}
//   - bmc_controller_tick_duration_seconds
//   - bmc_reconcile_outcomes_total{kind,decision}
//   - bmc_state_transitions_total{kind,from,to}
//   - bmc_sla_overdue_total{kind,state}
//   - bmc_resources_by_state{kind,state}
//   - bmc_intents_enqueued_total{type}
//   - bmc_agent_reports_total{verdict}
//   - bmc_errors_by_class_total{class}
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
package telemetry

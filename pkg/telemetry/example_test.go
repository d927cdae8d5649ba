package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	// Create configuration
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "bmcd"
	cfg.ServiceVersion = "1.0.0"

	// Initialize telemetry
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Start metrics server (non-blocking)
	if err := tel.StartMetricsServer(); err != nil {
		panic(err)
	}

	// Add telemetry to context
	ctx := tel.WithContext(context.Background())

	// Use telemetry
	logger := telemetry.FromContext(ctx)
	logger.Info("controller started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific logger
	logger := tel.Logger.NewComponentLogger("scheduler")

	// Add context fields
	logger = logger.WithResourceID("host-42").WithState("provisioning")

	// Log at different levels
	logger.Debug("building snapshot")
	logger.Info("state transition")
	logger.Warn("resource exceeded state residency threshold")

	// Log with error
	err := fmt.Errorf("network timeout")
	logger.WithError(err).Error("reconcile failed")

	// Output varies, no output specified
}

// Example_distributedTracing demonstrates distributed tracing usage.
func Example_distributedTracing() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Exporter = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start a span for one reconciliation pass
	ctx, span := tel.Tracer.StartTickSpan(ctx)
	defer span.End()

	// Nested per-resource span
	_, childSpan := tel.Tracer.StartResourceSpan(ctx, "host-42")
	childSpan.SetAttributes(
		attribute.String("controller.decision", "transition"),
		attribute.String("controller.next_state", "ready"),
	)
	telemetry.RecordSuccess(childSpan)
	childSpan.End()

	// Output varies, no output specified
}

// Example_metrics demonstrates recording controller metrics.
func Example_metrics() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordTick("completed", 120*time.Millisecond)
	tel.Metrics.RecordOutcome("managed_host", "transition")
	tel.Metrics.RecordTransition("managed_host", "validating", "ready")
	tel.Metrics.RecordIntentEnqueued("create_instance")
	tel.Metrics.RecordError("transient")

	// Output varies, no output specified
}

// Example_events demonstrates event publishing and subscription.
func Example_events() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe to warning-and-above events
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("event: %s resource=%s\n", event.Type, event.ResourceID)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = tel.Events.PublishStateChanged("host-42", "validating", "ready", "V8-T1700000000000000")
	_ = tel.Events.PublishResourceQuarantined("host-7", "corrupt state version")

	// Output varies, no output specified
}

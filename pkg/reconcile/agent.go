package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

// Applier applies configuration snapshots on the host and reports local
// health. Implementations own the actual datapath programming.
type Applier interface {
	// Apply installs one axis's configuration snapshot.
	Apply(ctx context.Context, axis version.Axis, v version.ConfigVersion, config json.RawMessage) error

	// Isolate replaces the running configuration with the isolation
	// configuration, cutting tenant traffic.
	Isolate(ctx context.Context) error

	// Health returns the agent's verdict on the running configuration and
	// its current alert set.
	Health(ctx context.Context) (bool, []health.Alert)
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	// ResourceID is the resource this agent manages.
	ResourceID string

	// PollInterval is the pause between reconcile rounds.
	PollInterval time.Duration
}

func (c *AgentConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
}

// Agent runs on the DPU: it polls the control plane for desired
// configuration, applies what is new, and pushes applied-status reports.
// On any transport failure it keeps running the last applied configuration;
// it self-isolates only when the control plane positively confirms the
// resource does not exist.
type Agent struct {
	client  *Client
	applier Applier
	config  AgentConfig
	logger  *telemetry.Logger

	mu       sync.Mutex
	applied  version.Pair
	isolated bool
}

// NewAgent creates the agent loop.
func NewAgent(client *Client, applier Applier, cfg AgentConfig, logger *telemetry.Logger) *Agent {
	cfg.applyDefaults()
	return &Agent{
		client:  client,
		applier: applier,
		config:  cfg,
		logger:  logger.NewComponentLogger("agent").WithResourceID(cfg.ResourceID),
		applied: version.Pair{Tenant: version.Invalid(), Lifecycle: version.Invalid()},
	}
}

// Applied returns the currently applied versions.
func (a *Agent) Applied() version.Pair {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}

// Isolated reports whether the agent is running the isolation configuration.
func (a *Agent) Isolated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isolated
}

// Run drives the poll loop until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.WithField("interval", a.config.PollInterval.String()).Info("agent started")
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	// First round immediately, then on the ticker.
	a.Round(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return ctx.Err()
		case <-ticker.C:
			a.Round(ctx)
		}
	}
}

// Round runs one fetch-apply-report round. Exported for tests and for
// one-shot invocations.
func (a *Agent) Round(ctx context.Context) {
	desired, err := a.client.FetchDesiredConfig(ctx, a.config.ResourceID)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			a.isolate(ctx)
			return
		}
		// Transient. Keep running the current configuration and report
		// what is applied so the controller's view stays fresh.
		a.logger.WithError(err).Warn("config fetch failed, retaining applied configuration")
		a.report(ctx)
		return
	}

	a.mu.Lock()
	wasIsolated := a.isolated
	a.isolated = false
	a.mu.Unlock()
	if wasIsolated {
		a.logger.Info("resource known to control plane again, leaving isolation")
	}

	a.applyAxis(ctx, version.AxisLifecycle, desired.Lifecycle)
	a.applyAxis(ctx, version.AxisTenant, desired.Tenant)
	a.report(ctx)
}

func (a *Agent) applyAxis(ctx context.Context, axis version.Axis, envelope *ConfigEnvelope) {
	if envelope == nil {
		return
	}

	a.mu.Lock()
	current := a.applied.Get(axis)
	a.mu.Unlock()
	if current.IsValid() && current.Number() >= envelope.Version.Number() {
		return
	}

	log := a.logger.WithFields(map[string]interface{}{
		"axis":    string(axis),
		"version": envelope.Version.String(),
	})
	if err := a.applier.Apply(ctx, axis, envelope.Version, envelope.Config); err != nil {
		// The previous configuration keeps running; the applied version
		// reported below stays at what is actually active.
		log.WithError(err).Error("failed to apply configuration")
		return
	}
	log.Info("configuration applied")

	a.mu.Lock()
	a.applied = a.applied.With(axis, envelope.Version)
	a.mu.Unlock()
}

func (a *Agent) isolate(ctx context.Context) {
	a.mu.Lock()
	already := a.isolated
	a.mu.Unlock()
	if !already {
		a.logger.Warn("control plane confirmed resource unknown, isolating")
		if err := a.applier.Isolate(ctx); err != nil {
			a.logger.WithError(err).Error("failed to apply isolation configuration")
			return
		}
		a.mu.Lock()
		a.isolated = true
		a.mu.Unlock()
	}
	// Keep reporting while isolated; the controller mirrors the flag and
	// the report path also confirms whether the resource reappeared.
	a.report(ctx)
}

func (a *Agent) report(ctx context.Context) {
	healthy, alerts := a.applier.Health(ctx)

	a.mu.Lock()
	applied := a.applied
	isolated := a.isolated
	a.mu.Unlock()

	report := StatusReport{
		Healthy:  healthy,
		Isolated: isolated,
		Alerts:   alerts,
	}
	if applied.Tenant.IsValid() {
		report.AppliedTenant = applied.Tenant.String()
	}
	if applied.Lifecycle.IsValid() {
		report.AppliedLifecycle = applied.Lifecycle.String()
	}

	ack, err := a.client.ReportStatus(ctx, a.config.ResourceID, report)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) && !isolated {
			a.isolateWithoutReport(ctx)
			return
		}
		a.logger.WithError(err).Warn("status report failed")
		return
	}
	if !ack.Accepted {
		a.logger.Debug("status report superseded by a newer one")
	}
}

// isolateWithoutReport applies isolation when the report path confirmed the
// resource is gone, without recursing into another report.
func (a *Agent) isolateWithoutReport(ctx context.Context) {
	a.logger.Warn("control plane confirmed resource unknown, isolating")
	if err := a.applier.Isolate(ctx); err != nil {
		a.logger.WithError(err).Error("failed to apply isolation configuration")
		return
	}
	a.mu.Lock()
	a.isolated = true
	a.mu.Unlock()
}

package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/intent"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

// workLockKey is the advisory lock serializing controller ticks across
// replicas. Only the holder runs reconciliation; the others keep polling.
const workLockKey = "state-controller"

// Store is the persistence surface the scheduler drives. *stores.SQLiteStore
// satisfies it.
type Store interface {
	ListActiveResourceIDs(ctx context.Context) ([]string, error)
	StatePopulation(ctx context.Context) ([]stores.StateCount, int, error)
	GetResource(ctx context.Context, id string) (*stores.ResourceRecord, error)
	PendingIntents(ctx context.Context, resourceID string) ([]intent.Intent, error)
	DesiredPair(ctx context.Context, resourceID string) (version.Pair, error)
	GetObservedStatus(ctx context.Context, resourceID string) (*stores.ObservedStatusRecord, error)
	SaveResourceState(ctx context.Context, id string, expected version.ConfigVersion,
		next lifecycle.State, consumedIntentIDs []string,
		issue []stores.ConfigIssue) (version.ConfigVersion, error)
	MarkQuarantined(ctx context.Context, id, reason string) error
	PersistOutcome(ctx context.Context, resourceID, outcome, detail string) error
	TryAcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holder string) error
}

// PowerCycler executes power cycle requests against the out-of-band
// management plane.
type PowerCycler interface {
	PowerCycle(ctx context.Context, resourceID string) error
}

// StateChange describes one realized transition, delivered to subscribers
// after the new state is durably persisted.
type StateChange struct {
	ResourceID string
	Kind       stores.ResourceKind
	From       lifecycle.State
	To         lifecycle.State
	Version    version.ConfigVersion
	At         time.Time
}

// StateChangeFunc receives realized transitions. Callbacks run on the
// reconciling goroutine and must not block.
type StateChangeFunc func(StateChange)

// SchedulerConfig tunes the reconciliation loop.
type SchedulerConfig struct {
	// TickInterval is the pause between reconciliation passes.
	TickInterval time.Duration

	// SettleWindow is forwarded into every snapshot.
	SettleWindow time.Duration

	// MaxParallel bounds concurrent per-resource reconciliations.
	MaxParallel int

	// LockTTL is the advisory work lock lease. It must exceed the worst
	// expected tick duration.
	LockTTL time.Duration

	// HolderID identifies this replica in the lock table.
	HolderID string
}

func (c *SchedulerConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.SettleWindow <= 0 {
		c.SettleWindow = 30 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 10
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * c.TickInterval
	}
}

// Scheduler runs the reconciliation loop: acquire the work lock, snapshot
// every active resource, ask its handler for a decision, persist the
// decision, execute side effects. Decisions are pure; all I/O lives here.
type Scheduler struct {
	store    Store
	handlers map[stores.ResourceKind]Handler
	alerts   *health.Aggregator
	power    PowerCycler
	sla      *SLA
	config   SchedulerConfig

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu          sync.RWMutex
	subscribers []StateChangeFunc

	// clock is replaceable in tests.
	clock func() time.Time
}

// NewScheduler builds a scheduler. Handlers are registered per resource
// kind; a resource whose kind has no handler is skipped with a warning.
func NewScheduler(
	store Store,
	alerts *health.Aggregator,
	power PowerCycler,
	sla *SLA,
	cfg SchedulerConfig,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Scheduler {
	cfg.applyDefaults()
	if sla == nil {
		sla = DefaultSLA()
	}
	return &Scheduler{
		store:    store,
		handlers: make(map[stores.ResourceKind]Handler),
		alerts:   alerts,
		power:    power,
		sla:      sla,
		config:   cfg,
		logger:   logger.NewComponentLogger("scheduler"),
		metrics:  metrics,
		tracer:   tracer,
		clock:    time.Now,
	}
}

// Register installs the handler for its resource kind.
func (s *Scheduler) Register(h Handler) {
	s.handlers[h.Kind()] = h
}

// Subscribe adds a state change subscriber.
func (s *Scheduler) Subscribe(fn StateChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// SetSLA replaces the residency thresholds. Safe to call while the loop
// is running; the next outcome uses the new thresholds.
func (s *Scheduler) SetSLA(sla *SLA) {
	if sla == nil {
		sla = DefaultSLA()
	}
	s.mu.Lock()
	s.sla = sla
	s.mu.Unlock()
}

// Run drives the loop until the context is cancelled. The work lock is
// released on the way out so a standby replica can take over immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithField("interval", s.config.TickInterval.String()).Info("state controller started")
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.ReleaseLock(releaseCtx, workLockKey, s.config.HolderID); err != nil {
			s.logger.WithError(err).Warn("failed to release work lock on shutdown")
		}
		s.logger.Info("state controller stopped")
	}()

	for {
		acquired, err := s.store.TryAcquireLock(ctx, workLockKey, s.config.HolderID, s.config.LockTTL)
		if err != nil {
			s.logger.WithError(err).Error("failed to acquire work lock")
			s.metrics.RecordTick("error", 0)
		} else if !acquired {
			s.logger.Debug("work lock held by another replica")
			s.metrics.RecordTick("lock_missed", 0)
		} else {
			start := s.clock()
			s.Tick(ctx)
			s.metrics.RecordTick("completed", s.clock().Sub(start))
		}

		// The pause is jittered so replicas do not thunder at the lock in
		// phase. A replica that lost the lock retries on a shorter window
		// to pick up leadership quickly after a failover.
		delay := s.config.TickInterval + jitter(s.config.TickInterval/3)
		if err == nil && !acquired {
			delay = s.config.TickInterval + jitter(s.config.TickInterval/5)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Tick runs one reconciliation pass over every active resource. Exported
// so the daemon can run a single pass on demand.
func (s *Scheduler) Tick(ctx context.Context) {
	ctx, span := s.tracer.StartTickSpan(ctx)
	defer span.End()

	ids, err := s.store.ListActiveResourceIDs(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to list active resources")
		telemetry.RecordError(span, err)
		return
	}
	span.SetAttributes(attribute.Int("controller.resources", len(ids)))

	sem := make(chan struct{}, s.config.MaxParallel)
	var wg sync.WaitGroup
	for _, id := range ids {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.reconcile(ctx, id)
		}(id)
	}
	wg.Wait()

	s.publishPopulation(ctx)
}

// publishPopulation refreshes the fleet gauges after all reconciles of the
// tick have settled.
func (s *Scheduler) publishPopulation(ctx context.Context) {
	counts, quarantined, err := s.store.StatePopulation(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to count fleet population")
		return
	}
	for _, sc := range counts {
		s.metrics.SetResourcesByState(string(sc.Kind), string(sc.State), float64(sc.Count))
	}
	s.metrics.SetQuarantinedCount(float64(quarantined))
}

// reconcile drives one resource through one decision.
func (s *Scheduler) reconcile(ctx context.Context, id string) {
	ctx, span := s.tracer.StartResourceSpan(ctx, id)
	defer span.End()

	log := s.logger.WithResourceID(id)

	snap, err := s.snapshot(ctx, id)
	if err != nil {
		s.handleReconcileError(ctx, log, id, err)
		telemetry.RecordError(span, err)
		return
	}

	handler, ok := s.handlers[snap.Resource.Kind]
	if !ok {
		log.WithField("kind", string(snap.Resource.Kind)).Warn("no handler registered for resource kind")
		return
	}

	out, err := handler.Transition(*snap)
	if err != nil {
		s.handleReconcileError(ctx, log, id, err)
		telemetry.RecordError(span, err)
		return
	}
	span.SetAttributes(
		attribute.String("controller.decision", string(out.Decision)),
		attribute.String("controller.state", string(snap.Resource.State)),
	)

	if err := s.apply(ctx, log, snap, out); err != nil {
		s.handleReconcileError(ctx, log, id, err)
		telemetry.RecordError(span, err)
		return
	}
	telemetry.RecordSuccess(span)
}

// snapshot assembles the handler input from the store and the in-memory
// alert aggregator.
func (s *Scheduler) snapshot(ctx context.Context, id string) (*Snapshot, error) {
	rec, err := s.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}

	intents, err := s.store.PendingIntents(ctx, id)
	if err != nil {
		return nil, err
	}

	desired, err := s.store.DesiredPair(ctx, id)
	if err != nil {
		return nil, err
	}

	observed, err := s.store.GetObservedStatus(ctx, id)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}

	return &Snapshot{
		Resource:     *rec,
		Intents:      intents,
		Alerts:       s.alerts.Current(id),
		Desired:      desired,
		Observed:     observed,
		Now:          s.clock(),
		SettleWindow: s.config.SettleWindow,
	}, nil
}

// apply persists the outcome and executes its side effects. The state save,
// the intent consumption, and any desired configuration issues commit in one
// transaction first; the remaining effects run only after the decision is
// durable, so a crash can at worst skip an alert or power request, never
// replay a transition or strand a consumed intent without its configuration.
func (s *Scheduler) apply(ctx context.Context, log *telemetry.Logger, snap *Snapshot, out Outcome) error {
	sameState := out.NextState == snap.Resource.State
	if out.Decision == DecisionTransition && sameState {
		// A handler asking to transition into the current state is a rule
		// bug worth surfacing, though harmless to persist.
		log.WithField("state", string(snap.Resource.State)).Warn("transition to current state requested")
	}

	var (
		issue   []stores.ConfigIssue
		effects []Effect
	)
	for _, effect := range out.Effects {
		if effect.Kind == EffectIssueDesiredConfig {
			issue = append(issue, stores.ConfigIssue{Axis: effect.Axis, Config: effect.Config})
			continue
		}
		effects = append(effects, effect)
	}

	mustSave := out.Decision == DecisionTransition || len(out.ConsumedIntentIDs) > 0 || len(issue) > 0
	if mustSave {
		newVersion, err := s.store.SaveResourceState(
			ctx, snap.Resource.ID, snap.Resource.StateVersion, out.NextState,
			out.ConsumedIntentIDs, issue)
		if err != nil {
			return err
		}
		for _, ci := range issue {
			log.WithField("axis", string(ci.Axis)).Info("desired configuration issued")
		}
		if len(out.ConsumedIntentIDs) > 0 {
			s.metrics.RecordIntentsConsumed(len(out.ConsumedIntentIDs))
		}
		if !sameState {
			s.metrics.RecordTransition(string(snap.Resource.Kind),
				string(snap.Resource.State), string(out.NextState))
			log.WithFields(map[string]interface{}{
				"from":    string(snap.Resource.State),
				"to":      string(out.NextState),
				"version": newVersion.String(),
			}).Info("state transition")
			s.notify(StateChange{
				ResourceID: snap.Resource.ID,
				Kind:       snap.Resource.Kind,
				From:       snap.Resource.State,
				To:         out.NextState,
				Version:    newVersion,
				At:         s.clock(),
			})
		}
	}

	for _, effect := range effects {
		if err := s.runEffect(ctx, log, snap.Resource.ID, effect); err != nil {
			// Alert effects are recomputed every tick; a failed power
			// request surfaces through the host staying unhealthy.
			log.WithError(err).WithField("effect", string(effect.Kind)).Warn("side effect failed")
		}
	}

	s.metrics.RecordOutcome(string(snap.Resource.Kind), string(out.Decision))
	s.recordOutcome(ctx, log, snap, out)
	return nil
}

// recordOutcome persists the decision for operator inspection. A wait that
// has exceeded the state's residency bound is recorded as overdue and
// counted, but the lifecycle is never forced.
func (s *Scheduler) recordOutcome(ctx context.Context, log *telemetry.Logger, snap *Snapshot, out Outcome) {
	outcome := string(out.Decision)
	detail := out.Reason

	if out.Decision != DecisionTransition {
		s.mu.RLock()
		sla := s.sla
		s.mu.RUnlock()
		if excess, over := sla.Overdue(snap.Resource, s.clock()); over {
			outcome = "overdue"
			detail = fmt.Sprintf("in state %s for %s beyond threshold (%s over): %s",
				snap.Resource.State, TimeInState(snap.Resource, s.clock()).Round(time.Second),
				excess.Round(time.Second), out.Reason)
			s.metrics.RecordSLAOverdue(string(snap.Resource.Kind), string(snap.Resource.State))
			log.WithFields(map[string]interface{}{
				"state":  string(snap.Resource.State),
				"excess": excess.Round(time.Second).String(),
			}).Warn("resource exceeded state residency threshold")
		}
	}

	if err := s.store.PersistOutcome(ctx, snap.Resource.ID, outcome, detail); err != nil {
		log.WithError(err).Warn("failed to persist handler outcome")
	}
}

// runEffect executes one non-durable side effect. Configuration issues never
// reach here; they are folded into the state save transaction.
func (s *Scheduler) runEffect(ctx context.Context, log *telemetry.Logger, resourceID string, effect Effect) error {
	switch effect.Kind {
	case EffectRaiseAlert:
		s.alerts.Raise(resourceID, effect.Alert)
		return nil
	case EffectClearAlert:
		s.alerts.Clear(resourceID, effect.AlertID)
		return nil
	case EffectReplaceSourceAlerts:
		s.alerts.ReplaceSource(resourceID, effect.Source, effect.Alerts)
		return nil
	case EffectRequestPowerCycle:
		if s.power == nil {
			return fmt.Errorf("no power cycler configured")
		}
		log.Info("power cycle requested")
		return s.power.PowerCycle(ctx, resourceID)
	default:
		return fmt.Errorf("unknown effect kind %q", effect.Kind)
	}
}

// handleReconcileError classifies a per-resource failure. Fatal errors and
// corrupt records quarantine the resource so the rest of the fleet keeps
// reconciling; everything else is logged and retried next tick.
func (s *Scheduler) handleReconcileError(ctx context.Context, log *telemetry.Logger, id string, err error) {
	class := ClassOf(err)
	switch {
	case errors.Is(err, stores.ErrCorrupt):
		class = ErrorClassFatal
	case errors.Is(err, stores.ErrVersionConflict):
		class = ErrorClassConflict
	}
	s.metrics.RecordError(string(class))

	switch class {
	case ErrorClassFatal:
		log.WithError(err).Error("fatal reconcile error, quarantining resource")
		if qerr := s.store.MarkQuarantined(ctx, id, err.Error()); qerr != nil {
			log.WithError(qerr).Error("failed to quarantine resource")
		}
	case ErrorClassConflict:
		// Someone else advanced the resource between snapshot and save.
		// The next tick sees the fresh state.
		log.WithError(err).Debug("version conflict, deferring to next tick")
	default:
		log.WithError(err).Warn("reconcile failed, will retry next tick")
	}
}

func (s *Scheduler) notify(change StateChange) {
	s.mu.RLock()
	subscribers := s.subscribers
	s.mu.RUnlock()
	for _, fn := range subscribers {
		fn(change)
	}
}

package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/intent"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

type issuedConfig struct {
	resourceID string
	axis       version.Axis
	config     json.RawMessage
}

// fakeStore is an in-memory Store for scheduler tests.
type fakeStore struct {
	mu          sync.Mutex
	resources   map[string]*stores.ResourceRecord
	intents     map[string][]intent.Intent
	desired     map[string]version.Pair
	observed    map[string]*stores.ObservedStatusRecord
	outcomes    map[string]string
	quarantined map[string]string
	lockHolder  string
	issued      []issuedConfig
	saveErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		resources:   make(map[string]*stores.ResourceRecord),
		intents:     make(map[string][]intent.Intent),
		desired:     make(map[string]version.Pair),
		observed:    make(map[string]*stores.ObservedStatusRecord),
		outcomes:    make(map[string]string),
		quarantined: make(map[string]string),
	}
}

func (f *fakeStore) addResource(id string, state lifecycle.State) *stores.ResourceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := &stores.ResourceRecord{
		ID:           id,
		Kind:         stores.KindManagedHost,
		State:        state,
		StateVersion: version.Initial(),
		CreatedAt:    time.Now().UTC(),
	}
	f.resources[id] = rec
	f.desired[id] = version.Pair{Tenant: version.Invalid(), Lifecycle: version.New(1)}
	return rec
}

func (f *fakeStore) ListActiveResourceIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, rec := range f.resources {
		if _, q := f.quarantined[id]; q || rec.State.IsTerminal() {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) StatePopulation(_ context.Context) ([]stores.StateCount, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byState := make(map[stores.ResourceKind]map[lifecycle.State]int)
	for _, rec := range f.resources {
		if byState[rec.Kind] == nil {
			byState[rec.Kind] = make(map[lifecycle.State]int)
		}
		byState[rec.Kind][rec.State]++
	}
	var counts []stores.StateCount
	for kind, states := range byState {
		for state, n := range states {
			counts = append(counts, stores.StateCount{Kind: kind, State: state, Count: n})
		}
	}
	return counts, len(f.quarantined), nil
}

func (f *fakeStore) GetResource(_ context.Context, id string) (*stores.ResourceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, stores.ErrNotFound)
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeStore) PendingIntents(_ context.Context, id string) ([]intent.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]intent.Intent(nil), f.intents[id]...), nil
}

func (f *fakeStore) DesiredPair(_ context.Context, id string) (version.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.desired[id], nil
}

func (f *fakeStore) GetObservedStatus(_ context.Context, id string) (*stores.ObservedStatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.observed[id]
	if !ok {
		return nil, fmt.Errorf("observed status for %s: %w", id, stores.ErrNotFound)
	}
	return rec, nil
}

func (f *fakeStore) SaveResourceState(
	_ context.Context, id string, expected version.ConfigVersion,
	next lifecycle.State, consumed []string, issue []stores.ConfigIssue,
) (version.ConfigVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return version.ConfigVersion{}, f.saveErr
	}
	rec, ok := f.resources[id]
	if !ok {
		return version.ConfigVersion{}, fmt.Errorf("resource %s: %w", id, stores.ErrNotFound)
	}
	if !rec.StateVersion.Equal(expected) {
		return version.ConfigVersion{}, fmt.Errorf("resource %s: %w", id, stores.ErrVersionConflict)
	}
	rec.State = next
	rec.StateVersion = expected.Increment()
	remaining := f.intents[id][:0]
	for _, in := range f.intents[id] {
		keep := true
		for _, cid := range consumed {
			if in.ID == cid {
				keep = false
			}
		}
		if keep {
			remaining = append(remaining, in)
		}
	}
	f.intents[id] = remaining
	for _, ci := range issue {
		v := f.desired[id].Get(ci.Axis)
		if v.IsValid() {
			v = v.Increment()
		} else {
			v = version.Initial()
		}
		f.desired[id] = f.desired[id].With(ci.Axis, v)
		f.issued = append(f.issued, issuedConfig{resourceID: id, axis: ci.Axis, config: ci.Config})
	}
	return rec.StateVersion, nil
}

func (f *fakeStore) MarkQuarantined(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantined[id] = reason
	return nil
}

func (f *fakeStore) PersistOutcome(_ context.Context, id, outcome, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = outcome
	return nil
}

func (f *fakeStore) TryAcquireLock(_ context.Context, _, holder string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockHolder == "" || f.lockHolder == holder {
		f.lockHolder = holder
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) ReleaseLock(_ context.Context, _, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockHolder == holder {
		f.lockHolder = ""
	}
	return nil
}

type fakePowerCycler struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePowerCycler) PowerCycle(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, id)
	return nil
}

func newTestScheduler(t *testing.T, store Store, sla *SLA) *Scheduler {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level: "error", Format: "json", Output: "stderr",
	})
	if err != nil {
		t.Fatalf("building logger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("building metrics: %v", err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "test", "dev", "test")
	if err != nil {
		t.Fatalf("building tracer: %v", err)
	}

	s := NewScheduler(store, health.NewAggregator(), &fakePowerCycler{}, sla, SchedulerConfig{
		TickInterval: 10 * time.Millisecond,
		SettleWindow: 30 * time.Second,
		MaxParallel:  4,
		HolderID:     "test-replica",
	}, logger, metrics, tracer)
	s.Register(NewHostHandler())
	return s
}

func TestTickMovesNewHostIntoDiscovery(t *testing.T) {
	store := newFakeStore()
	store.addResource("host-1", lifecycle.StateNew)
	store.mu.Lock()
	store.desired["host-1"] = version.Pair{Tenant: version.Invalid(), Lifecycle: version.Invalid()}
	store.mu.Unlock()

	s := newTestScheduler(t, store, nil)
	s.Tick(context.Background())

	rec, err := store.GetResource(context.Background(), "host-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != lifecycle.StateDiscovering {
		t.Fatalf("expected discovering, got %s", rec.State)
	}
	if len(store.issued) != 1 || store.issued[0].axis != version.AxisLifecycle {
		t.Fatalf("expected lifecycle bootstrap config issued, got %+v", store.issued)
	}
	if store.outcomes["host-1"] != string(DecisionTransition) {
		t.Fatalf("expected transition outcome persisted, got %q", store.outcomes["host-1"])
	}
}

func TestTickNotifiesSubscribers(t *testing.T) {
	store := newFakeStore()
	store.addResource("host-1", lifecycle.StateDiscovering)
	store.mu.Lock()
	store.observed["host-1"] = &stores.ObservedStatusRecord{
		ResourceID:     "host-1",
		AppliedVersion: version.Pair{Tenant: version.Invalid(), Lifecycle: version.New(1)},
		Healthy:        true,
	}
	store.mu.Unlock()

	s := newTestScheduler(t, store, nil)
	var (
		mu      sync.Mutex
		changes []StateChange
	)
	s.Subscribe(func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	s.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("expected one state change, got %d", len(changes))
	}
	if changes[0].From != lifecycle.StateDiscovering || changes[0].To != lifecycle.StateValidating {
		t.Fatalf("unexpected change %+v", changes[0])
	}
}

func TestTickQuarantinesOnFatalError(t *testing.T) {
	store := newFakeStore()
	rec := store.addResource("host-1", lifecycle.StateNew)
	store.mu.Lock()
	rec.State = lifecycle.State("bogus")
	store.mu.Unlock()

	s := newTestScheduler(t, store, nil)
	s.Tick(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.quarantined["host-1"]; !ok {
		t.Fatal("resource with unknown state must be quarantined")
	}
}

func TestTickSkipsResourceWithoutHandler(t *testing.T) {
	store := newFakeStore()
	store.addResource("host-1", lifecycle.StateNew)
	store.mu.Lock()
	store.resources["host-1"].Kind = stores.ResourceKind("leaf_switch")
	store.mu.Unlock()

	s := newTestScheduler(t, store, nil)
	s.Tick(context.Background())

	rec, err := store.GetResource(context.Background(), "host-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != lifecycle.StateNew {
		t.Fatalf("unhandled kind must not move, got %s", rec.State)
	}
}

func TestTickRecordsOverdueOutcome(t *testing.T) {
	store := newFakeStore()
	rec := store.addResource("host-1", lifecycle.StateDiscovering)

	sla := NewSLA(map[lifecycle.State]time.Duration{
		lifecycle.StateDiscovering: time.Minute,
	})
	s := newTestScheduler(t, store, sla)
	entered := rec.StateVersion.Timestamp()
	s.clock = func() time.Time { return entered.Add(time.Hour) }

	s.Tick(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.outcomes["host-1"] != "overdue" {
		t.Fatalf("expected overdue outcome, got %q", store.outcomes["host-1"])
	}
	if store.resources["host-1"].State != lifecycle.StateDiscovering {
		t.Fatal("overdue must never force a transition")
	}
}

func TestTickExecutesPowerCycleEffect(t *testing.T) {
	store := newFakeStore()
	store.addResource("host-1", lifecycle.StateReady)
	pc, err := intent.New(intent.TypePowerCycle, "host-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	store.intents["host-1"] = []intent.Intent{pc}
	store.mu.Unlock()

	s := newTestScheduler(t, store, nil)
	power := s.power.(*fakePowerCycler)
	s.Tick(context.Background())

	power.mu.Lock()
	defer power.mu.Unlock()
	if len(power.calls) != 1 || power.calls[0] != "host-1" {
		t.Fatalf("expected one power cycle for host-1, got %v", power.calls)
	}

	intents, _ := store.PendingIntents(context.Background(), "host-1")
	if len(intents) != 0 {
		t.Fatalf("power cycle intent must be consumed, %d left", len(intents))
	}
}

func TestTickReconcilesWholeFleet(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("host-%d", i)
		store.addResource(id, lifecycle.StateNew)
	}

	s := newTestScheduler(t, store, nil)
	s.Tick(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	for id, rec := range store.resources {
		if rec.State != lifecycle.StateDiscovering {
			t.Errorf("resource %s not reconciled, state %s", id, rec.State)
		}
	}
}

func TestRunReleasesLockOnShutdown(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the loop one tick to grab the lock.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.lockHolder != "" {
		t.Fatalf("work lock still held by %q after shutdown", store.lockHolder)
	}
}

func TestConfigIssueCommitsWithIntentConsumption(t *testing.T) {
	store := newFakeStore()
	store.addResource("host-1", lifecycle.StateReady)
	create, err := intent.New(intent.TypeCreateInstance, "host-1", intent.CreateInstancePayload{
		InstanceID:   "inst-1",
		TenantConfig: json.RawMessage(`{"image":"ubuntu-24.04"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	store.intents["host-1"] = []intent.Intent{create}
	store.saveErr = fmt.Errorf("disk full")
	store.mu.Unlock()

	s := newTestScheduler(t, store, nil)
	s.Tick(context.Background())

	// A failed save must leave the intent pending and the ledger untouched
	// so the next tick can retry the whole decision.
	store.mu.Lock()
	if store.resources["host-1"].State != lifecycle.StateReady {
		t.Fatalf("failed save must not move the resource, got %s", store.resources["host-1"].State)
	}
	if len(store.intents["host-1"]) != 1 {
		t.Fatalf("failed save must keep the intent pending, %d left", len(store.intents["host-1"]))
	}
	if len(store.issued) != 0 {
		t.Fatalf("failed save must not issue config, got %+v", store.issued)
	}
	store.saveErr = nil
	store.mu.Unlock()

	s.Tick(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.resources["host-1"].State != lifecycle.StateProvisioning {
		t.Fatalf("expected provisioning after retry, got %s", store.resources["host-1"].State)
	}
	if len(store.intents["host-1"]) != 0 {
		t.Fatalf("create intent must be consumed, %d left", len(store.intents["host-1"]))
	}
	if len(store.issued) != 1 || store.issued[0].axis != version.AxisTenant {
		t.Fatalf("expected tenant config issued with the transition, got %+v", store.issued)
	}
	if !store.desired["host-1"].Tenant.IsValid() {
		t.Fatal("tenant axis must be valid after the committed issue")
	}
}

func TestVersionConflictIsNotFatal(t *testing.T) {
	store := newFakeStore()
	store.addResource("host-1", lifecycle.StateNew)
	store.mu.Lock()
	store.desired["host-1"] = version.Pair{Tenant: version.Invalid(), Lifecycle: version.Invalid()}
	store.saveErr = fmt.Errorf("stale save: %w", stores.ErrVersionConflict)
	store.mu.Unlock()

	s := newTestScheduler(t, store, nil)
	s.Tick(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, q := store.quarantined["host-1"]; q {
		t.Fatal("a version conflict must not quarantine the resource")
	}
}

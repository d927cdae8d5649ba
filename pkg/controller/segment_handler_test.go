package controller

import (
	"testing"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/intent"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

func segmentSnapshot(state lifecycle.State) Snapshot {
	lv := version.New(2)
	return Snapshot{
		Resource: stores.ResourceRecord{
			ID:           "seg-1",
			Kind:         stores.KindNetworkSegment,
			State:        state,
			StateVersion: version.New(4),
		},
		Desired:      version.Pair{Tenant: version.Invalid(), Lifecycle: lv},
		Now:          lv.Timestamp().Add(settle + time.Second),
		SettleWindow: settle,
	}
}

func mustSegmentIntent(t *testing.T, typ intent.Type, payload any) intent.Intent {
	t.Helper()
	in, err := intent.New(typ, "seg-1", payload)
	if err != nil {
		t.Fatalf("building intent: %v", err)
	}
	return in
}

func TestSegmentOnboardingReachesReady(t *testing.T) {
	handler := NewSegmentHandler()

	snap := segmentSnapshot(lifecycle.StateNew)
	snap.Desired = version.Pair{Tenant: version.Invalid(), Lifecycle: version.Invalid()}
	out, err := handler.Transition(snap)
	if err != nil {
		t.Fatal(err)
	}
	if out.NextState != lifecycle.StateDiscovering {
		t.Fatalf("expected discovering, got %s", out.NextState)
	}
	if len(out.Effects) != 1 || out.Effects[0].Kind != EffectIssueDesiredConfig ||
		out.Effects[0].Axis != version.AxisLifecycle {
		t.Fatalf("expected lifecycle bootstrap config, got %+v", out.Effects)
	}

	snap = segmentSnapshot(lifecycle.StateDiscovering)
	out, err = handler.Transition(snap)
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != DecisionWait {
		t.Fatalf("expected wait without agent report, got %s", out.Decision)
	}

	snap.Observed = &stores.ObservedStatusRecord{
		ResourceID:     "seg-1",
		AppliedVersion: snap.Desired,
		Healthy:        true,
	}
	out, err = handler.Transition(snap)
	if err != nil {
		t.Fatal(err)
	}
	if out.NextState != lifecycle.StateValidating {
		t.Fatalf("expected validating after first report, got %s", out.NextState)
	}

	snap = segmentSnapshot(lifecycle.StateValidating)
	snap.Observed = &stores.ObservedStatusRecord{
		ResourceID:     "seg-1",
		AppliedVersion: snap.Desired,
		Healthy:        true,
	}
	out, err = handler.Transition(snap)
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != DecisionTransition || out.NextState != lifecycle.StateReady {
		t.Fatalf("expected ready, got %s -> %s", out.Decision, out.NextState)
	}
}

func TestSegmentDecommissions(t *testing.T) {
	handler := NewSegmentHandler()
	snap := segmentSnapshot(lifecycle.StateReady)
	decom := mustSegmentIntent(t, intent.TypeDecommission, nil)
	snap.Intents = []intent.Intent{decom}

	out, err := handler.Transition(snap)
	if err != nil {
		t.Fatal(err)
	}
	if out.NextState != lifecycle.StateDeleted {
		t.Fatalf("expected deleted, got %s", out.NextState)
	}
	if len(out.ConsumedIntentIDs) != 1 || out.ConsumedIntentIDs[0] != decom.ID {
		t.Fatalf("decommission intent not consumed: %v", out.ConsumedIntentIDs)
	}
}

func TestSegmentRejectsInstanceIntents(t *testing.T) {
	handler := NewSegmentHandler()
	snap := segmentSnapshot(lifecycle.StateReady)
	create := mustSegmentIntent(t, intent.TypeCreateInstance, intent.CreateInstancePayload{
		InstanceID:   "inst-1",
		TenantConfig: []byte(`{}`),
	})
	snap.Intents = []intent.Intent{create}

	out, err := handler.Transition(snap)
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision == DecisionTransition || out.NextState != lifecycle.StateReady {
		t.Fatalf("segment must stay ready, got %s -> %s", out.Decision, out.NextState)
	}
	if len(out.ConsumedIntentIDs) != 1 || out.ConsumedIntentIDs[0] != create.ID {
		t.Fatalf("rejected intent must still be consumed: %v", out.ConsumedIntentIDs)
	}
	if len(out.Effects) != 0 {
		t.Fatalf("rejected intent must not issue config, got %+v", out.Effects)
	}
}

func TestSegmentInAllocationStateIsFatal(t *testing.T) {
	handler := NewSegmentHandler()
	for _, state := range []lifecycle.State{
		lifecycle.StateProvisioning, lifecycle.StateAllocated,
		lifecycle.StateReleasing, lifecycle.StateCleaningUp,
	} {
		snap := segmentSnapshot(state)
		_, err := handler.Transition(snap)
		if err == nil {
			t.Errorf("state %s: expected error for segment in host-only state", state)
			continue
		}
		if ClassOf(err) != ErrorClassFatal {
			t.Errorf("state %s: expected fatal classification, got %s", state, ClassOf(err))
		}
	}
}

func TestSegmentMirrorsIsolation(t *testing.T) {
	handler := NewSegmentHandler()
	snap := segmentSnapshot(lifecycle.StateReady)
	snap.Observed = &stores.ObservedStatusRecord{
		ResourceID:     "seg-1",
		AppliedVersion: snap.Desired,
		Healthy:        true,
		Isolated:       true,
	}

	out, err := handler.Transition(snap)
	if err != nil {
		t.Fatal(err)
	}
	if out.NextState != lifecycle.StateIsolated {
		t.Fatalf("expected isolated, got %s", out.NextState)
	}
}

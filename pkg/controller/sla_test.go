package controller

import (
	"testing"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

func TestSLAOverdue(t *testing.T) {
	sla := DefaultSLA()
	entered := version.New(3)

	rec := stores.ResourceRecord{
		ID:           "host-1",
		State:        lifecycle.StateProvisioning,
		StateVersion: entered,
	}

	if _, over := sla.Overdue(rec, entered.Timestamp().Add(10*time.Minute)); over {
		t.Fatal("provisioning for 10m must not be overdue")
	}

	excess, over := sla.Overdue(rec, entered.Timestamp().Add(40*time.Minute))
	if !over {
		t.Fatal("provisioning for 40m must be overdue")
	}
	if excess < 9*time.Minute || excess > 11*time.Minute {
		t.Fatalf("excess should be roughly 10m, got %s", excess)
	}
}

func TestSLARestingStatesUnbounded(t *testing.T) {
	sla := DefaultSLA()
	entered := version.New(1)
	for _, state := range []lifecycle.State{
		lifecycle.StateReady,
		lifecycle.StateAllocated,
		lifecycle.StateIsolated,
		lifecycle.StateFailed,
		lifecycle.StateDeleted,
	} {
		rec := stores.ResourceRecord{ID: "host-1", State: state, StateVersion: entered}
		if _, over := sla.Overdue(rec, entered.Timestamp().Add(100*24*time.Hour)); over {
			t.Errorf("state %s must have no residency bound", state)
		}
	}
}

func TestSLACustomThresholds(t *testing.T) {
	sla := NewSLA(map[lifecycle.State]time.Duration{
		lifecycle.StateAllocated: time.Hour,
	})
	entered := version.New(1)
	rec := stores.ResourceRecord{ID: "host-1", State: lifecycle.StateAllocated, StateVersion: entered}

	if _, over := sla.Overdue(rec, entered.Timestamp().Add(30*time.Minute)); over {
		t.Fatal("30m under a 1h bound must not be overdue")
	}
	if _, over := sla.Overdue(rec, entered.Timestamp().Add(2*time.Hour)); !over {
		t.Fatal("2h over a 1h bound must be overdue")
	}
}

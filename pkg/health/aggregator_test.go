package health

import (
	"fmt"
	"sync"
	"testing"
)

func TestRaiseAndClear(t *testing.T) {
	g := NewAggregator()

	g.Raise("host-1", Alert{ID: "thermal", Classifications: []Classification{PreventAllocations}})
	g.Raise("host-1", Alert{ID: "link-down", Classifications: []Classification{PreventHostStateChanges}})

	alerts := g.Current("host-1")
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	// Sorted by ID.
	if alerts[0].ID != "link-down" || alerts[1].ID != "thermal" {
		t.Errorf("unexpected order: %q, %q", alerts[0].ID, alerts[1].ID)
	}
	if !alerts.BlocksStateChange() || !alerts.BlocksAllocation() {
		t.Error("gating predicates should report both classifications")
	}

	g.Clear("host-1", "link-down")
	alerts = g.Current("host-1")
	if len(alerts) != 1 || alerts[0].ID != "thermal" {
		t.Fatalf("expected only thermal to remain, got %v", alerts)
	}
	if alerts.BlocksStateChange() {
		t.Error("state change gate should clear with the alert")
	}

	// Clearing an absent alert is a no-op.
	g.Clear("host-1", "link-down")
	if len(g.Current("host-1")) != 1 {
		t.Error("clearing an absent alert changed the set")
	}
}

func TestReplaceSource(t *testing.T) {
	g := NewAggregator()
	g.Raise("host-1", Alert{ID: "manual-hold", Source: "operator"})
	g.ReplaceSource("host-1", "dpu-agent", []Alert{
		{ID: "hbn-degraded"},
		{ID: "uplink-flap"},
	})

	if len(g.Current("host-1")) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(g.Current("host-1")))
	}

	// A fresh agent report replaces only the agent's alerts.
	g.ReplaceSource("host-1", "dpu-agent", []Alert{{ID: "uplink-flap"}})
	alerts := g.Current("host-1")
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts after replace, got %d", len(alerts))
	}
	for _, a := range alerts {
		if a.ID == "hbn-degraded" {
			t.Error("replaced alert still present")
		}
	}

	// An empty report clears the source entirely.
	g.ReplaceSource("host-1", "dpu-agent", nil)
	alerts = g.Current("host-1")
	if len(alerts) != 1 || alerts[0].ID != "manual-hold" {
		t.Errorf("operator alert should survive agent clear, got %v", alerts)
	}
}

func TestHealthyAndForget(t *testing.T) {
	g := NewAggregator()
	if !g.Current("host-1").Healthy() {
		t.Error("resource with no alerts must be healthy")
	}

	g.Raise("host-1", Alert{ID: "thermal"})
	g.Forget("host-1")
	if !g.Current("host-1").Healthy() {
		t.Error("forgotten resource must be healthy")
	}
}

func TestConcurrentRaises(t *testing.T) {
	g := NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			g.Raise("host-1", Alert{ID: fmt.Sprintf("alert-%d", n)})
		}(i)
	}
	wg.Wait()

	if len(g.Current("host-1")) != 32 {
		t.Errorf("expected 32 alerts, got %d", len(g.Current("host-1")))
	}
}

func TestClassificationPredicates(t *testing.T) {
	a := Alert{ID: "x", Classifications: []Classification{SuppressExternalAlerting}}
	if !a.HasClassification(SuppressExternalAlerting) {
		t.Error("HasClassification missed a present flag")
	}
	if a.HasClassification(PreventAllocations) {
		t.Error("HasClassification reported an absent flag")
	}

	as := Alerts{a}
	if !as.SuppressesExternalAlerting() {
		t.Error("SuppressesExternalAlerting should be true")
	}
	if as.BlocksAllocation() || as.BlocksStateChange() {
		t.Error("unrelated gates should stay open")
	}
}

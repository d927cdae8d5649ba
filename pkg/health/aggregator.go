package health

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Aggregator keeps the current alert set per resource. Probes and remote
// agents raise alerts, the originating probe clears them, and the state
// controller only reads them.
type Aggregator struct {
	// alerts maps resource id -> alert id -> alert. Inner maps are treated
	// as immutable; every mutation installs a fresh copy via Upsert.
	alerts cmap.ConcurrentMap[string, map[string]Alert]
}

// NewAggregator returns an empty alert aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		alerts: cmap.New[map[string]Alert](),
	}
}

// Raise records an alert on a resource, replacing a previous alert with the
// same ID.
func (g *Aggregator) Raise(resourceID string, alert Alert) {
	if alert.ReportedAt.IsZero() {
		alert.ReportedAt = time.Now().UTC()
	}
	g.alerts.Upsert(resourceID, nil, func(exists bool, current, _ map[string]Alert) map[string]Alert {
		next := make(map[string]Alert, len(current)+1)
		for id, a := range current {
			next[id] = a
		}
		next[alert.ID] = alert
		return next
	})
}

// Clear removes an alert by ID. Clearing an absent alert is a no-op so
// probes can clear unconditionally.
func (g *Aggregator) Clear(resourceID, alertID string) {
	g.alerts.Upsert(resourceID, nil, func(exists bool, current, _ map[string]Alert) map[string]Alert {
		if _, ok := current[alertID]; !ok {
			return current
		}
		next := make(map[string]Alert, len(current))
		for id, a := range current {
			if id != alertID {
				next[id] = a
			}
		}
		return next
	})
}

// ClearSource removes every alert a given source raised on a resource. Used
// when an agent reports a fresh alert set that replaces its previous one.
func (g *Aggregator) ClearSource(resourceID, source string) {
	g.alerts.Upsert(resourceID, nil, func(exists bool, current, _ map[string]Alert) map[string]Alert {
		next := make(map[string]Alert, len(current))
		for id, a := range current {
			if a.Source != source {
				next[id] = a
			}
		}
		return next
	})
}

// ReplaceSource atomically swaps the alerts of one source on a resource.
func (g *Aggregator) ReplaceSource(resourceID, source string, alerts []Alert) {
	now := time.Now().UTC()
	g.alerts.Upsert(resourceID, nil, func(exists bool, current, _ map[string]Alert) map[string]Alert {
		next := make(map[string]Alert, len(current)+len(alerts))
		for id, a := range current {
			if a.Source != source {
				next[id] = a
			}
		}
		for _, a := range alerts {
			a.Source = source
			if a.ReportedAt.IsZero() {
				a.ReportedAt = now
			}
			next[a.ID] = a
		}
		return next
	})
}

// Current returns the active alerts of a resource, ordered by alert ID.
func (g *Aggregator) Current(resourceID string) Alerts {
	current, ok := g.alerts.Get(resourceID)
	if !ok || len(current) == 0 {
		return nil
	}
	out := make(Alerts, 0, len(current))
	for _, a := range current {
		out = append(out, a)
	}
	return out.sorted()
}

// Forget drops all alerts of a resource. Called when a resource reaches a
// terminal state and leaves the fleet.
func (g *Aggregator) Forget(resourceID string) {
	g.alerts.Remove(resourceID)
}

// ResourceIDs returns the ids of all resources with at least one alert.
func (g *Aggregator) ResourceIDs() []string {
	ids := make([]string, 0)
	for tuple := range g.alerts.IterBuffered() {
		if len(tuple.Val) > 0 {
			ids = append(ids, tuple.Key)
		}
	}
	return ids
}

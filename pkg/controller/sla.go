package controller

import (
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
)

// SLA holds the per-state residency thresholds. A resource sitting in a
// state beyond its threshold is overdue. Overdue is observational: it is
// logged, counted, and stamped onto the persisted outcome, but it never
// drives a transition.
type SLA struct {
	thresholds map[lifecycle.State]time.Duration
}

// DefaultSLA returns thresholds sized for bare-metal operations, where
// discovery and cleanup involve firmware work measured in minutes.
func DefaultSLA() *SLA {
	return &SLA{thresholds: map[lifecycle.State]time.Duration{
		lifecycle.StateNew:          5 * time.Minute,
		lifecycle.StateDiscovering:  30 * time.Minute,
		lifecycle.StateValidating:   30 * time.Minute,
		lifecycle.StateProvisioning: 30 * time.Minute,
		lifecycle.StateReleasing:    15 * time.Minute,
		lifecycle.StateCleaningUp:   45 * time.Minute,
	}}
}

// NewSLA builds an SLA from explicit thresholds. States absent from the
// map have no residency bound.
func NewSLA(thresholds map[lifecycle.State]time.Duration) *SLA {
	copied := make(map[lifecycle.State]time.Duration, len(thresholds))
	for state, d := range thresholds {
		copied[state] = d
	}
	return &SLA{thresholds: copied}
}

// Threshold returns the residency bound for a state, or false if the
// state is unbounded. Ready, Allocated, Isolated and the terminal states
// are resting states and carry no bound in the default set.
func (s *SLA) Threshold(state lifecycle.State) (time.Duration, bool) {
	d, ok := s.thresholds[state]
	return d, ok
}

// TimeInState measures how long the resource has held its current state,
// using the state version's timestamp. Every transition mints a fresh
// version, so the timestamp is exactly the moment the state was entered.
func TimeInState(rec stores.ResourceRecord, now time.Time) time.Duration {
	return now.Sub(rec.StateVersion.Timestamp())
}

// Overdue reports whether the resource has exceeded its state's residency
// threshold, and by how much.
func (s *SLA) Overdue(rec stores.ResourceRecord, now time.Time) (time.Duration, bool) {
	threshold, ok := s.thresholds[rec.State]
	if !ok {
		return 0, false
	}
	excess := TimeInState(rec, now) - threshold
	if excess <= 0 {
		return 0, false
	}
	return excess, true
}

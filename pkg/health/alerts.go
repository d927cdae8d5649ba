// Package health collects probe results into named health alerts and the
// classification flags that gate controller decisions.
package health

import (
	"sort"
	"time"
)

// Classification is a named flag attached to an alert that gates a specific
// controller behavior. Gating logic consults the named predicates on Alerts
// rather than matching classification strings in transition code.
type Classification string

const (
	// PreventAllocations blocks new instance allocations on the resource.
	PreventAllocations Classification = "prevent_allocations"

	// PreventHostStateChanges freezes the resource's lifecycle entirely
	// until the alert clears.
	PreventHostStateChanges Classification = "prevent_host_state_changes"

	// SuppressExternalAlerting keeps the alert out of external paging.
	SuppressExternalAlerting Classification = "suppress_external_alerting"

	// StopRebootForAutomaticRecoveryFromStateMachine disables probe-driven
	// recovery reboots while the alert is active.
	StopRebootForAutomaticRecoveryFromStateMachine Classification = "stop_reboot_for_automatic_recovery_from_state_machine"
)

// AlertSettling is the transient alert raised while a newly desired
// configuration version is inside its settle window. It prevents dependent
// automation from treating the resource as ready prematurely.
const AlertSettling = "config-settling"

// Alert is one active health finding on a resource. Alerts are raised and
// cleared by their originating probe, never by the state controller.
type Alert struct {
	// ID names the alert and deduplicates repeated reports.
	ID string `json:"id"`

	// Source identifies the probe or subsystem that raised the alert.
	Source string `json:"source,omitempty"`

	// Message is the human-readable finding.
	Message string `json:"message,omitempty"`

	// Classifications are the gating flags this alert carries.
	Classifications []Classification `json:"classifications,omitempty"`

	// ReportedAt is when the alert was last reported.
	ReportedAt time.Time `json:"reported_at"`
}

// HasClassification reports whether the alert carries the given flag.
func (a Alert) HasClassification(c Classification) bool {
	for _, flag := range a.Classifications {
		if flag == c {
			return true
		}
	}
	return false
}

// Alerts is the active alert set of a single resource.
type Alerts []Alert

// BlocksStateChange reports whether any active alert freezes the lifecycle.
func (as Alerts) BlocksStateChange() bool {
	return as.hasAny(PreventHostStateChanges)
}

// BlocksAllocation reports whether any active alert blocks new allocations.
func (as Alerts) BlocksAllocation() bool {
	return as.hasAny(PreventAllocations)
}

// SuppressesExternalAlerting reports whether external paging is suppressed.
func (as Alerts) SuppressesExternalAlerting() bool {
	return as.hasAny(SuppressExternalAlerting)
}

// Healthy reports whether no alert is active.
func (as Alerts) Healthy() bool {
	return len(as) == 0
}

func (as Alerts) hasAny(c Classification) bool {
	for _, a := range as {
		if a.HasClassification(c) {
			return true
		}
	}
	return false
}

// sorted returns the alerts ordered by ID for stable iteration.
func (as Alerts) sorted() Alerts {
	out := make(Alerts, len(as))
	copy(out, as)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Package lifecycle defines the closed set of states a managed host moves
// through and the legal transitions between them. The state set is closed:
// transition tables in this package enumerate every state, and the package
// tests fail when a state is added without extending the tables.
package lifecycle

import (
	"encoding/json"
	"fmt"
)

// State is one variant of the managed-host lifecycle.
type State string

const (
	// StateNew is the initial state of a freshly registered host.
	StateNew State = "new"

	// StateDiscovering indicates hardware inventory is being collected.
	StateDiscovering State = "discovering"

	// StateValidating indicates machine validation is running.
	StateValidating State = "validating"

	// StateReady indicates the host is healthy and available for allocation.
	StateReady State = "ready"

	// StateProvisioning indicates an instance is being provisioned on the host.
	StateProvisioning State = "provisioning"

	// StateAllocated indicates an instance is running on the host.
	StateAllocated State = "allocated"

	// StateReleasing indicates the instance is being torn down.
	StateReleasing State = "releasing"

	// StateCleaningUp indicates the host is being scrubbed after release.
	StateCleaningUp State = "cleaning_up"

	// StateIsolated indicates the host was moved into the quarantine
	// configuration and is withheld from allocation.
	StateIsolated State = "isolated"

	// StateFailed indicates the host needs operator intervention.
	StateFailed State = "failed"

	// StateDeleted is the terminal state of an administratively removed host.
	StateDeleted State = "deleted"
)

// AllStates lists every lifecycle variant. Transition tables and tests
// iterate this slice, so a new state must be added here to exist at all.
var AllStates = []State{
	StateNew,
	StateDiscovering,
	StateValidating,
	StateReady,
	StateProvisioning,
	StateAllocated,
	StateReleasing,
	StateCleaningUp,
	StateIsolated,
	StateFailed,
	StateDeleted,
}

// ordinal orders states along the forward lifecycle path. The allocation
// loop (ready -> provisioning -> allocated -> releasing -> cleaning_up ->
// ready) repeats, so ordinals only order states within a single pass.
var ordinal = map[State]int{
	StateNew:          0,
	StateDiscovering:  1,
	StateValidating:   2,
	StateReady:        3,
	StateProvisioning: 4,
	StateAllocated:    5,
	StateReleasing:    6,
	StateCleaningUp:   7,
	StateIsolated:     8,
	StateFailed:       9,
	StateDeleted:      10,
}

// successors enumerates the legal next states for every state. Every
// lifecycle variant must appear as a key, including terminal states with an
// empty successor set.
var successors = map[State][]State{
	StateNew:          {StateDiscovering, StateIsolated, StateFailed},
	StateDiscovering:  {StateValidating, StateIsolated, StateFailed},
	StateValidating:   {StateReady, StateIsolated, StateFailed},
	StateReady:        {StateProvisioning, StateDeleted, StateIsolated, StateFailed},
	StateProvisioning: {StateAllocated, StateIsolated, StateFailed},
	StateAllocated:    {StateReleasing, StateIsolated, StateFailed},
	StateReleasing:    {StateCleaningUp, StateIsolated, StateFailed},
	StateCleaningUp:   {StateReady, StateIsolated, StateFailed},
	StateIsolated:     {StateValidating, StateFailed},
	StateFailed:       {},
	StateDeleted:      {},
}

// IsValid reports whether s is a known lifecycle variant.
func (s State) IsValid() bool {
	_, ok := ordinal[s]
	return ok
}

// IsTerminal reports whether the state has no successors.
func (s State) IsTerminal() bool {
	return len(successors[s]) == 0 && s.IsValid()
}

// CanTransition reports whether a direct transition from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, candidate := range successors[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Successors returns the legal next states of s.
func (s State) Successors() []State {
	out := make([]State, len(successors[s]))
	copy(out, successors[s])
	return out
}

// InAllocationLoop reports whether the state belongs to the instance
// allocation cycle rather than the onboarding path.
func (s State) InAllocationLoop() bool {
	switch s {
	case StateProvisioning, StateAllocated, StateReleasing, StateCleaningUp:
		return true
	default:
		return false
	}
}

// Ordinal returns the position of s along the forward lifecycle path.
func (s State) Ordinal() int {
	return ordinal[s]
}

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// MarshalJSON implements json.Marshaler, rejecting unknown variants so a
// bad state never reaches persistence.
func (s State) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("unknown lifecycle state %q", string(s))
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler, rejecting unknown variants so
// corrupt persisted state surfaces as an error instead of a silent no-op.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	candidate := State(raw)
	if !candidate.IsValid() {
		return fmt.Errorf("unknown lifecycle state %q", raw)
	}
	*s = candidate
	return nil
}

// ParseState converts a persisted string into a State, failing on unknown
// variants.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown lifecycle state %q", raw)
	}
	return s, nil
}

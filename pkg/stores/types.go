// Package stores provides the durable persistence layer: resource lifecycle
// state with optimistic concurrency, the append-only intent queue, the
// per-axis desired configuration ledger, observed agent status, and the
// transition history.
package stores

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

// Sentinel errors returned by the store. The controller maps them onto its
// classified error taxonomy.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict indicates a compare-and-swap save lost the race:
	// another writer advanced the version first.
	ErrVersionConflict = errors.New("version conflict")

	// ErrCorrupt indicates a persisted record could not be decoded. The
	// affected resource must be quarantined, never silently repaired.
	ErrCorrupt = errors.New("corrupt persisted state")
)

// ResourceKind names the lifecycle family a resource belongs to.
type ResourceKind string

const (
	// KindManagedHost is a physical host with its attached DPUs.
	KindManagedHost ResourceKind = "managed_host"

	// KindNetworkSegment is a provisioned network segment.
	KindNetworkSegment ResourceKind = "network_segment"
)

// ResourceRecord is the persisted lifecycle state of one resource.
type ResourceRecord struct {
	// ID is the stable resource identifier.
	ID string `json:"id"`

	// Kind is the resource's lifecycle family.
	Kind ResourceKind `json:"kind"`

	// State is the current lifecycle state. Exactly one exists per
	// resource; only the state controller writes it.
	State lifecycle.State `json:"state"`

	// StateVersion is the optimistic-concurrency token. Its timestamp is
	// also when the current state was entered, which is what time-in-state
	// and SLA checks measure from.
	StateVersion version.ConfigVersion `json:"state_version"`

	// Quarantined marks a resource whose persisted state was found corrupt.
	// Quarantined resources are excluded from ticking until an operator
	// intervenes.
	Quarantined bool `json:"quarantined"`

	// QuarantineReason records why the resource was quarantined.
	QuarantineReason string `json:"quarantine_reason,omitempty"`

	// CreatedAt is when the resource was registered.
	CreatedAt time.Time `json:"created_at"`
}

// DesiredConfigRecord is one immutable snapshot in the per-axis desired
// configuration ledger.
type DesiredConfigRecord struct {
	ResourceID string                `json:"resource_id"`
	Axis       version.Axis          `json:"axis"`
	Version    version.ConfigVersion `json:"version"`
	Config     json.RawMessage       `json:"config"`
	CreatedAt  time.Time             `json:"created_at"`
}

// ObservedStatusRecord is the last status a remote agent reported for a
// resource. Reports of an older applied version never overwrite a newer one.
type ObservedStatusRecord struct {
	ResourceID     string       `json:"resource_id"`
	AppliedVersion version.Pair `json:"applied_version"`
	Healthy        bool         `json:"healthy"`

	// Isolated reports that the agent is running the quarantine
	// configuration rather than the desired one.
	Isolated bool `json:"isolated"`

	Alerts     []health.Alert `json:"alerts,omitempty"`
	ReportedAt time.Time      `json:"reported_at"`
}

// ConfigIssue is one desired configuration snapshot to append as part of a
// state save. Issuing through the save keeps the snapshot, the transition,
// and the intent consumption in a single transaction.
type ConfigIssue struct {
	Axis   version.Axis    `json:"axis"`
	Config json.RawMessage `json:"config"`
}

// StateCount is one row of the fleet population breakdown.
type StateCount struct {
	Kind  ResourceKind    `json:"kind"`
	State lifecycle.State `json:"state"`
	Count int             `json:"count"`
}

// TransitionRecord is one realized lifecycle transition, appended for audit
// and history display.
type TransitionRecord struct {
	ID         int64                 `json:"id"`
	ResourceID string                `json:"resource_id"`
	PrevState  lifecycle.State       `json:"prev_state"`
	NextState  lifecycle.State       `json:"next_state"`
	Version    version.ConfigVersion `json:"version"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// OutcomeRecord is the last handler outcome persisted for a resource, kept
// for operator inspection of resources that are not progressing.
type OutcomeRecord struct {
	ResourceID string    `json:"resource_id"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Package reconcile implements the version-exchange protocol between the
// state controller and the remote DPU agents: agents pull their desired
// configuration snapshots and push applied-status reports, both as JSON
// over HTTP. The controller never connects to an agent.
package reconcile

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/intent"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

// AgentSource is the alert source name for alerts carried in agent reports.
const AgentSource = "dpu-agent"

// ErrResourceNotFound is returned by the client only when the control plane
// positively confirmed the resource does not exist. Transport failures and
// server errors never map to it.
var ErrResourceNotFound = errors.New("resource not known to control plane")

// ConfigEnvelope is one axis of desired configuration as served to agents.
type ConfigEnvelope struct {
	// Version identifies the snapshot. Agents echo it back in status
	// reports as the applied version.
	Version version.ConfigVersion `json:"version"`

	// Config is the opaque configuration document.
	Config json.RawMessage `json:"config"`
}

// DesiredConfigResponse is the reply to a desired-config fetch. An axis
// with no issued snapshot yet is null.
type DesiredConfigResponse struct {
	ResourceID string          `json:"resource_id"`
	Tenant     *ConfigEnvelope `json:"tenant,omitempty"`
	Lifecycle  *ConfigEnvelope `json:"lifecycle,omitempty"`
}

// StatusReport is an agent's applied-status push.
type StatusReport struct {
	// AppliedTenant and AppliedLifecycle are the versions the agent is
	// currently running, in serialized form. An axis the agent has never
	// applied is empty.
	AppliedTenant    string `json:"applied_tenant,omitempty"`
	AppliedLifecycle string `json:"applied_lifecycle,omitempty"`

	// Healthy is the agent's own verdict on the applied configuration.
	Healthy bool `json:"healthy"`

	// Isolated reports that the agent is running the isolation
	// configuration instead of the desired one.
	Isolated bool `json:"isolated"`

	// Alerts carries the agent's full current alert set. It replaces the
	// previous agent-sourced set on every report.
	Alerts []health.Alert `json:"alerts,omitempty"`
}

// StatusAck is the reply to a status report.
type StatusAck struct {
	// Accepted is false when the report was dropped for regressing an
	// already observed applied version.
	Accepted bool `json:"accepted"`

	// Settling tells the agent its newest desired version is still inside
	// the settle window.
	Settling bool `json:"settling"`
}

// RegisterRequest registers a new resource with the control plane.
type RegisterRequest struct {
	ID   string              `json:"id"`
	Kind stores.ResourceKind `json:"kind"`
}

// SubmitIntentRequest enqueues an external request against a resource.
type SubmitIntentRequest struct {
	Type intent.Type `json:"type"`

	// IdempotencyKey deduplicates retried submissions. Optional; one is
	// assigned when empty.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubmitIntentResponse acknowledges an accepted intent.
type SubmitIntentResponse struct {
	ID string `json:"id"`
}

// ResourceResponse is the operator view of one resource.
type ResourceResponse struct {
	stores.ResourceRecord
	Alerts      health.Alerts                `json:"alerts,omitempty"`
	Desired     version.Pair                 `json:"desired"`
	Observed    *stores.ObservedStatusRecord `json:"observed,omitempty"`
	LastOutcome *stores.OutcomeRecord        `json:"last_outcome,omitempty"`
	TimeInState time.Duration                `json:"time_in_state_seconds"`
}

// TransitionsResponse is the recent transition history of one resource.
type TransitionsResponse struct {
	ResourceID  string                    `json:"resource_id"`
	Transitions []stores.TransitionRecord `json:"transitions"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Error codes used in ErrorResponse.Error.
const (
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeValidation = "validation_error"
	CodeInternal   = "internal"
)

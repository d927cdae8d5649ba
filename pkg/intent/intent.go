// Package intent defines the durable external requests that feed the state
// controller, and their submission-time validation. An intent is immutable
// once enqueued and is consumed only after the transition acting on it has
// been persisted.
package intent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
)

// Type discriminates the intent variants.
type Type string

const (
	// TypeCreateInstance requests an instance allocation on a ready host.
	TypeCreateInstance Type = "create_instance"

	// TypeDeleteInstance requests teardown of the host's instance.
	TypeDeleteInstance Type = "delete_instance"

	// TypeReportHealth attaches a probe's health report to the resource.
	TypeReportHealth Type = "report_health"

	// TypeReportNetworkStatus reports the network segment status observed
	// for the resource.
	TypeReportNetworkStatus Type = "report_network_status"

	// TypePowerCycle requests an operator-initiated power cycle.
	TypePowerCycle Type = "power_cycle"

	// TypeDecommission requests removal of the host from the fleet.
	// Deletion is a state, not an interrupt: the request waits in the
	// queue until the host reaches a state it may leave the fleet from.
	TypeDecommission Type = "decommission"
)

// AllTypes lists every intent variant for validation and tests.
var AllTypes = []Type{
	TypeCreateInstance,
	TypeDeleteInstance,
	TypeReportHealth,
	TypeReportNetworkStatus,
	TypePowerCycle,
	TypeDecommission,
}

// Intent is one durable external request targeting a single resource.
type Intent struct {
	// ID uniquely identifies this enqueued record.
	ID string `json:"id" validate:"required"`

	// Type selects the payload variant.
	Type Type `json:"type" validate:"required"`

	// ResourceID names the resource the intent applies to.
	ResourceID string `json:"resource_id" validate:"required"`

	// IdempotencyKey deduplicates retried submissions: two submissions with
	// the same key are the same request.
	IdempotencyKey string `json:"idempotency_key" validate:"required"`

	// Payload is the type-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// EnqueuedAt is when the intent was durably recorded.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CreateInstancePayload is the body of a create_instance intent.
type CreateInstancePayload struct {
	// InstanceID names the instance to create.
	InstanceID string `json:"instance_id" validate:"required"`

	// TenantConfig is the tenant-origin configuration for the instance,
	// versioned on the tenant axis once accepted.
	TenantConfig json.RawMessage `json:"tenant_config" validate:"required"`
}

// DeleteInstancePayload is the body of a delete_instance intent.
type DeleteInstancePayload struct {
	// InstanceID names the instance to tear down.
	InstanceID string `json:"instance_id" validate:"required"`
}

// ReportHealthPayload is the body of a report_health intent.
type ReportHealthPayload struct {
	// Source identifies the reporting probe.
	Source string `json:"source" validate:"required"`

	// Alerts is the probe's full current alert set; it replaces the
	// probe's previous alerts on the resource.
	Alerts []health.Alert `json:"alerts"`
}

// ReportNetworkStatusPayload is the body of a report_network_status intent.
type ReportNetworkStatusPayload struct {
	// Segment names the network segment the report covers.
	Segment string `json:"segment" validate:"required"`

	// Operational reports whether the segment is passing traffic.
	Operational bool `json:"operational"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New builds an intent with a fresh ID, filling a missing idempotency key
// with a generated one.
func New(t Type, resourceID string, payload any) (Intent, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Intent{}, fmt.Errorf("failed to marshal intent payload: %w", err)
		}
		raw = data
	}
	return Intent{
		ID:             uuid.New().String(),
		Type:           t,
		ResourceID:     resourceID,
		IdempotencyKey: uuid.New().String(),
		Payload:        raw,
	}, nil
}

// Validate checks an intent at submission time. A failed validation means
// the intent is rejected synchronously and never enqueued.
func (in Intent) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("invalid intent: %w", err)
	}

	switch in.Type {
	case TypeCreateInstance:
		return in.validatePayload(&CreateInstancePayload{})
	case TypeDeleteInstance:
		return in.validatePayload(&DeleteInstancePayload{})
	case TypeReportHealth:
		return in.validatePayload(&ReportHealthPayload{})
	case TypeReportNetworkStatus:
		return in.validatePayload(&ReportNetworkStatusPayload{})
	case TypePowerCycle, TypeDecommission:
		// No payload.
		return nil
	default:
		return fmt.Errorf("unknown intent type %q", in.Type)
	}
}

func (in Intent) validatePayload(target any) error {
	if len(in.Payload) == 0 {
		return fmt.Errorf("intent type %q requires a payload", in.Type)
	}
	if err := json.Unmarshal(in.Payload, target); err != nil {
		return fmt.Errorf("malformed %q payload: %w", in.Type, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("invalid %q payload: %w", in.Type, err)
	}
	return nil
}

// DecodePayload unmarshals the payload into target.
func (in Intent) DecodePayload(target any) error {
	if len(in.Payload) == 0 {
		return fmt.Errorf("intent %s has no payload", in.ID)
	}
	return json.Unmarshal(in.Payload, target)
}

package intent

import (
	"encoding/json"
	"testing"
)

func TestNewFillsIdentity(t *testing.T) {
	in, err := New(TypeCreateInstance, "host-1", CreateInstancePayload{
		InstanceID:   "inst-1",
		TenantConfig: json.RawMessage(`{"image":"ubuntu-24.04"}`),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if in.ID == "" || in.IdempotencyKey == "" {
		t.Error("New must assign an ID and idempotency key")
	}
	if err := in.Validate(); err != nil {
		t.Errorf("well-formed intent failed validation: %v", err)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	in, err := New(TypeDeleteInstance, "host-1", DeleteInstancePayload{InstanceID: "inst-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"missing resource id", func(i *Intent) { i.ResourceID = "" }},
		{"missing idempotency key", func(i *Intent) { i.IdempotencyKey = "" }},
		{"missing type", func(i *Intent) { i.Type = "" }},
		{"unknown type", func(i *Intent) { i.Type = "reboot_everything" }},
		{"missing payload", func(i *Intent) { i.Payload = nil }},
		{"malformed payload", func(i *Intent) { i.Payload = json.RawMessage(`{`) }},
		{"empty payload fields", func(i *Intent) { i.Payload = json.RawMessage(`{}`) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := in
			tc.mutate(&bad)
			if err := bad.Validate(); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestPowerCycleNeedsNoPayload(t *testing.T) {
	in, err := New(TypePowerCycle, "host-1", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := in.Validate(); err != nil {
		t.Errorf("power_cycle without payload should validate: %v", err)
	}
}

func TestReportHealthPayloadRoundTrip(t *testing.T) {
	in, err := New(TypeReportHealth, "host-1", ReportHealthPayload{
		Source: "bmc-probe",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := in.Validate(); err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	var payload ReportHealthPayload
	if err := in.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.Source != "bmc-probe" {
		t.Errorf("payload source = %q, want bmc-probe", payload.Source)
	}
}

package version

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStringRoundTrip(t *testing.T) {
	v := Initial()

	parsed, err := Parse(v.String())
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", v.String(), err)
	}
	if !parsed.Equal(v) {
		t.Errorf("round trip mismatch: got %v, want %v", parsed, v)
	}

	next := v.Increment()
	if next.Number() != 2 {
		t.Errorf("expected incremented number 2, got %d", next.Number())
	}
	parsed, err = Parse(next.String())
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", next.String(), err)
	}
	if !parsed.Equal(next) {
		t.Errorf("round trip mismatch after increment: got %v, want %v", parsed, next)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	v := Initial().Increment()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var parsed ConfigVersion
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !parsed.Equal(v) {
		t.Errorf("JSON round trip mismatch: got %v, want %v", parsed, v)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"V1",
		"T123",
		"V1-T2-X3",
		"Vx-T123",
		"V1-Tx",
		"1-123",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) should have failed", c)
		}
	}
}

func TestInvalidNeverMatchesIssued(t *testing.T) {
	if Invalid().IsValid() {
		t.Error("Invalid() must not be valid")
	}
	if Initial().Number() == Invalid().Number() {
		t.Error("issued version collides with invalid sentinel")
	}

	// Wraparound must skip number 0.
	v := ConfigVersion{number: ^uint64(0), timestamp: time.Now()}
	if v.Increment().Number() != 1 {
		t.Errorf("wraparound produced %d, want 1", v.Increment().Number())
	}
}

func TestIncrementalChange(t *testing.T) {
	v := Initial()
	change := v.IncrementalChange()

	if !change.Current.Equal(v) {
		t.Errorf("change.Current = %v, want %v", change.Current, v)
	}
	if change.New.Number() != v.Number()+1 {
		t.Errorf("change.New.Number() = %d, want %d", change.New.Number(), v.Number()+1)
	}
	if change.New.Timestamp().Before(v.Timestamp()) {
		t.Error("incremented version carries an older timestamp")
	}
}

func TestPairAxesAreIndependent(t *testing.T) {
	p := Pair{Tenant: Initial(), Lifecycle: Initial()}

	p2 := p.With(AxisTenant, p.Tenant.Increment())
	if p2.Tenant.Number() != 2 {
		t.Errorf("tenant axis not advanced: %d", p2.Tenant.Number())
	}
	if p2.Lifecycle.Number() != 1 {
		t.Errorf("lifecycle axis moved with tenant axis: %d", p2.Lifecycle.Number())
	}

	if p2.Matches(p) {
		t.Error("pairs with different tenant numbers must not match")
	}
	if !p2.Matches(p.With(AxisTenant, New(2))) {
		t.Error("pairs with equal numbers must match regardless of timestamp")
	}
}

func TestGetByAxis(t *testing.T) {
	p := Pair{Tenant: New(3), Lifecycle: New(7)}
	if p.Get(AxisTenant).Number() != 3 {
		t.Errorf("Get(AxisTenant) = %d, want 3", p.Get(AxisTenant).Number())
	}
	if p.Get(AxisLifecycle).Number() != 7 {
		t.Errorf("Get(AxisLifecycle) = %d, want 7", p.Get(AxisLifecycle).Number())
	}
}

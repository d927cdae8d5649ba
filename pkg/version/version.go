// Package version provides the versioning primitives used to track desired
// configuration across the control plane: a monotonically increasing
// ConfigVersion per axis, a VersionPair combining the tenant and lifecycle
// axes, and a Versioned wrapper for passing a value with its version.
package version

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConfigVersion identifies one immutable revision of a desired configuration.
//
// The version number alone uniquely identifies the revision; number 0 is
// reserved as invalid and never issued. The timestamp records when the
// number was issued and exists for observability: when a subsystem is found
// acting on an outdated configuration, the timestamp tells how far behind it
// is.
type ConfigVersion struct {
	number    uint64
	timestamp time.Time
}

// Initial returns the first version issued for any resource.
func Initial() ConfigVersion {
	return ConfigVersion{number: 1, timestamp: now()}
}

// New returns a version with the given number and the current timestamp.
func New(number uint64) ConfigVersion {
	return ConfigVersion{number: number, timestamp: now()}
}

// Invalid returns the reserved version that matches no issued version.
func Invalid() ConfigVersion {
	return ConfigVersion{number: 0, timestamp: time.Unix(0, 0).UTC()}
}

// Number returns the monotonically increasing version number.
func (v ConfigVersion) Number() uint64 {
	return v.number
}

// Timestamp returns when this version number was issued.
func (v ConfigVersion) Timestamp() time.Time {
	return v.timestamp
}

// IsValid reports whether the version was actually issued.
func (v ConfigVersion) IsValid() bool {
	return v.number != 0
}

// Increment returns the next version with a fresh timestamp. Number 0 is
// skipped on wraparound so an incremented version never compares equal to
// Invalid.
func (v ConfigVersion) Increment() ConfigVersion {
	n := v.number + 1
	if n == 0 {
		n = 1
	}
	return ConfigVersion{number: n, timestamp: now()}
}

// Since returns how long ago this version was issued. The result is
// negative if the version timestamp lies in the future.
func (v ConfigVersion) Since() time.Duration {
	return time.Since(v.timestamp)
}

// Equal reports whether both number and timestamp match.
func (v ConfigVersion) Equal(o ConfigVersion) bool {
	return v.number == o.number && v.timestamp.Equal(o.timestamp)
}

// String returns the serialized form "V<number>-T<unix-micros>".
//
// This is the persisted database format. Do not modify.
func (v ConfigVersion) String() string {
	return fmt.Sprintf("V%d-T%d", v.number, v.timestamp.UnixMicro())
}

// Parse parses the serialized "V<number>-T<unix-micros>" form.
func Parse(s string) (ConfigVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 || len(parts[0]) < 2 || len(parts[1]) < 2 ||
		parts[0][0] != 'V' || parts[1][0] != 'T' {
		return ConfigVersion{}, fmt.Errorf("invalid version format: %q", s)
	}

	number, err := strconv.ParseUint(parts[0][1:], 10, 64)
	if err != nil {
		return ConfigVersion{}, fmt.Errorf("invalid version number in %q: %w", s, err)
	}
	micros, err := strconv.ParseInt(parts[1][1:], 10, 64)
	if err != nil {
		return ConfigVersion{}, fmt.Errorf("invalid version timestamp in %q: %w", s, err)
	}

	return ConfigVersion{
		number:    number,
		timestamp: time.UnixMicro(micros).UTC(),
	}, nil
}

// MarshalText implements encoding.TextMarshaler using the serialized form.
func (v ConfigVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *ConfigVersion) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// now returns the current time truncated to microsecond precision, so a
// version survives a serialization round trip unchanged.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Change describes a compare-and-swap style version transition: advance to
// New only if the stored version still matches Current.
type Change struct {
	Current ConfigVersion
	New     ConfigVersion
}

// IncrementalChange returns a Change that advances this version by one.
func (v ConfigVersion) IncrementalChange() Change {
	return Change{Current: v, New: v.Increment()}
}

// Axis names one of the two independently versioned configuration origins
// of a host-like resource.
type Axis string

const (
	// AxisTenant versions configuration derived from tenant requests.
	AxisTenant Axis = "tenant"

	// AxisLifecycle versions configuration derived from control-plane
	// lifecycle decisions.
	AxisLifecycle Axis = "lifecycle"
)

// Pair carries the versions of both configuration axes of a resource. The
// two counters advance independently, so "tenant request not yet applied"
// and "lifecycle reconfiguration not yet applied" stay distinguishable.
type Pair struct {
	Tenant    ConfigVersion `json:"tenant"`
	Lifecycle ConfigVersion `json:"lifecycle"`
}

// Get returns the version for the given axis.
func (p Pair) Get(axis Axis) ConfigVersion {
	if axis == AxisTenant {
		return p.Tenant
	}
	return p.Lifecycle
}

// With returns a copy of the pair with the given axis replaced.
func (p Pair) With(axis Axis, v ConfigVersion) Pair {
	if axis == AxisTenant {
		p.Tenant = v
	} else {
		p.Lifecycle = v
	}
	return p
}

// Matches reports whether both axes carry the same version numbers as o.
// Timestamps are ignored: an agent echoes back numbers it observed, and the
// issuing timestamp is not part of the comparison.
func (p Pair) Matches(o Pair) bool {
	return p.Tenant.Number() == o.Tenant.Number() &&
		p.Lifecycle.Number() == o.Lifecycle.Number()
}

// Versioned pairs a value with the version it was read or written at.
type Versioned[T any] struct {
	Value   T
	Version ConfigVersion
}

// NewVersioned wraps a value with its version.
func NewVersioned[T any](value T, version ConfigVersion) Versioned[T] {
	return Versioned[T]{Value: value, Version: version}
}

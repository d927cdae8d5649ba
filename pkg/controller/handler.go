package controller

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/intent"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

// Snapshot is the complete input to one transition decision. Everything the
// handler may consult is captured here, including the clock, so that the
// decision is a pure function of the snapshot: identical snapshots always
// produce identical outcomes.
type Snapshot struct {
	// Resource is the current persisted state and version.
	Resource stores.ResourceRecord

	// Intents are the pending external requests, in enqueue order.
	Intents []intent.Intent

	// Alerts is the resource's active health alert set.
	Alerts health.Alerts

	// Desired is the latest issued version of both configuration axes.
	Desired version.Pair

	// Observed is the last agent report, or nil if the agent has never
	// reported. Read-only; the handler never talks to the agent.
	Observed *stores.ObservedStatusRecord

	// Now is the decision clock.
	Now time.Time

	// SettleWindow is the delay after a version becomes desired during
	// which the resource is not yet considered converged.
	SettleWindow time.Duration
}

// Decision classifies a handler outcome.
type Decision string

const (
	// DecisionTransition means the resource moves to Outcome.NextState.
	DecisionTransition Decision = "transition"

	// DecisionWait means the resource stays put while an expected external
	// event is outstanding. Waits count against the state's SLA.
	DecisionWait Decision = "wait"

	// DecisionNothing means there is nothing to do in this state.
	DecisionNothing Decision = "do_nothing"
)

// EffectKind discriminates side-effect descriptors.
type EffectKind string

const (
	// EffectIssueDesiredConfig appends a new desired configuration
	// snapshot on one axis, advancing that axis's version.
	EffectIssueDesiredConfig EffectKind = "issue_desired_config"

	// EffectRaiseAlert raises a health alert on the resource.
	EffectRaiseAlert EffectKind = "raise_alert"

	// EffectClearAlert clears a health alert by ID.
	EffectClearAlert EffectKind = "clear_alert"

	// EffectReplaceSourceAlerts swaps all alerts of one source.
	EffectReplaceSourceAlerts EffectKind = "replace_source_alerts"

	// EffectRequestPowerCycle asks the power subsystem to cycle the host.
	EffectRequestPowerCycle EffectKind = "request_power_cycle"
)

// Effect is a side-effect descriptor. The handler only describes effects;
// the scheduler executes them after the transition is durably persisted.
type Effect struct {
	Kind EffectKind

	// Axis and Config apply to EffectIssueDesiredConfig.
	Axis   version.Axis
	Config json.RawMessage

	// Alert applies to EffectRaiseAlert.
	Alert health.Alert

	// AlertID applies to EffectClearAlert.
	AlertID string

	// Source and Alerts apply to EffectReplaceSourceAlerts.
	Source string
	Alerts []health.Alert
}

// Outcome is the handler's decision for one tick of one resource.
type Outcome struct {
	Decision  Decision
	NextState lifecycle.State

	// ConsumedIntentIDs are removed from the queue in the same transaction
	// as the state save.
	ConsumedIntentIDs []string

	Effects []Effect

	// Reason explains waits and rejections for the persisted outcome
	// record.
	Reason string
}

// Handler decides the next state for one resource kind. Implementations
// must be pure: no I/O, no clock reads, no randomness beyond the snapshot.
type Handler interface {
	Kind() stores.ResourceKind
	Transition(snap Snapshot) (Outcome, error)
}

// bootstrapLifecycleConfig is the first lifecycle-axis configuration issued
// to a freshly registered resource, directing the agent into discovery.
var bootstrapLifecycleConfig = json.RawMessage(`{"phase":"discovery"}`)

// releaseTenantConfig is the tenant-axis configuration that removes the
// instance from the host.
var releaseTenantConfig = json.RawMessage(`{}`)

// HostHandler implements the managed-host lifecycle.
type HostHandler struct{}

// NewHostHandler returns the managed-host state handler.
func NewHostHandler() *HostHandler {
	return &HostHandler{}
}

// Kind implements Handler.
func (h *HostHandler) Kind() stores.ResourceKind {
	return stores.KindManagedHost
}

// Transition implements Handler. The dispatch enumerates every lifecycle
// variant; an unknown variant is an error, never a silent no-op.
func (h *HostHandler) Transition(snap Snapshot) (Outcome, error) {
	current := snap.Resource.State

	// Report-style intents only attach observations; they are consumed in
	// any state and never cause a transition themselves.
	consumed, effects := consumeReportIntents(snap)

	// A PreventHostStateChanges alert freezes the lifecycle outright. The
	// current state is returned unchanged no matter what is queued; the
	// gate reopens when the originating probe clears the alert.
	if snap.Alerts.BlocksStateChange() {
		return Outcome{
			Decision:          DecisionWait,
			NextState:         current,
			ConsumedIntentIDs: consumed,
			Effects:           effects,
			Reason:            "state changes blocked by health alert",
		}, nil
	}

	// An agent running the quarantine configuration pulls the resource
	// into the isolation branch from any non-terminal state.
	if snap.Observed != nil && snap.Observed.Isolated &&
		current != lifecycle.StateIsolated && !current.IsTerminal() {
		return validateOutcome(snap, Outcome{
			Decision:          DecisionTransition,
			NextState:         lifecycle.StateIsolated,
			ConsumedIntentIDs: consumed,
			Effects:           effects,
			Reason:            "agent reports isolated configuration",
		})
	}

	var (
		out Outcome
		err error
	)
	switch current {
	case lifecycle.StateNew:
		out = h.handleNew(snap)
	case lifecycle.StateDiscovering:
		out = h.handleDiscovering(snap)
	case lifecycle.StateValidating:
		out = h.handleValidating(snap)
	case lifecycle.StateReady:
		out = h.handleReady(snap)
	case lifecycle.StateProvisioning:
		out = h.handleProvisioning(snap)
	case lifecycle.StateAllocated:
		out = h.handleAllocated(snap)
	case lifecycle.StateReleasing:
		out = h.handleReleasing(snap)
	case lifecycle.StateCleaningUp:
		out = h.handleCleaningUp(snap)
	case lifecycle.StateIsolated:
		out = h.handleIsolated(snap)
	case lifecycle.StateFailed, lifecycle.StateDeleted:
		out = Outcome{Decision: DecisionNothing, NextState: current, Reason: "terminal state"}
	default:
		err = NewFatalError(
			fmt.Sprintf("no transition rule for lifecycle state %q", current), nil,
		).WithResource(snap.Resource.ID)
	}
	if err != nil {
		return Outcome{}, err
	}

	out.ConsumedIntentIDs = append(consumed, out.ConsumedIntentIDs...)
	out.Effects = append(effects, out.Effects...)
	return validateOutcome(snap, out)
}

// validateOutcome checks a decided transition against the lifecycle table
// before returning it. A rule that produces an illegal edge is a bug,
// surfaced as a fatal error rather than persisted.
func validateOutcome(snap Snapshot, out Outcome) (Outcome, error) {
	if out.Decision == DecisionTransition &&
		out.NextState != snap.Resource.State &&
		!snap.Resource.State.CanTransition(out.NextState) {
		return Outcome{}, NewFatalError(
			fmt.Sprintf("illegal transition %s -> %s", snap.Resource.State, out.NextState), nil,
		).WithResource(snap.Resource.ID)
	}
	return out, nil
}

// consumeReportIntents consumes report-style intents into alert side effects.
func consumeReportIntents(snap Snapshot) ([]string, []Effect) {
	var (
		consumed []string
		effects  []Effect
	)
	for _, in := range snap.Intents {
		switch in.Type {
		case intent.TypeReportHealth:
			var payload intent.ReportHealthPayload
			if err := in.DecodePayload(&payload); err == nil {
				effects = append(effects, Effect{
					Kind:   EffectReplaceSourceAlerts,
					Source: payload.Source,
					Alerts: payload.Alerts,
				})
			}
			consumed = append(consumed, in.ID)
		case intent.TypeReportNetworkStatus:
			var payload intent.ReportNetworkStatusPayload
			if err := in.DecodePayload(&payload); err == nil {
				alertID := "network-segment-" + payload.Segment
				if payload.Operational {
					effects = append(effects, Effect{Kind: EffectClearAlert, AlertID: alertID})
				} else {
					effects = append(effects, Effect{
						Kind: EffectRaiseAlert,
						Alert: health.Alert{
							ID:              alertID,
							Source:          "network-monitor",
							Message:         fmt.Sprintf("network segment %s not operational", payload.Segment),
							Classifications: []health.Classification{health.PreventAllocations},
						},
					})
				}
			}
			consumed = append(consumed, in.ID)
		}
	}
	return consumed, effects
}

// firstPending returns the oldest pending intent of one of the given types.
func firstPending(snap Snapshot, types ...intent.Type) (intent.Intent, bool) {
	for _, in := range snap.Intents {
		for _, t := range types {
			if in.Type == t {
				return in, true
			}
		}
	}
	return intent.Intent{}, false
}

// converged reports whether the agent has applied the currently desired
// versions, reports healthy, and the settle window has elapsed since the
// newest desired version was issued.
func converged(snap Snapshot) bool {
	if snap.Observed == nil || !snap.Observed.Healthy || snap.Observed.Isolated {
		return false
	}
	if !snap.Observed.AppliedVersion.Matches(snap.Desired) {
		return false
	}
	return !settling(snap)
}

// settling reports whether the newest desired version is still inside its
// settle window.
func settling(snap Snapshot) bool {
	newest := snap.Desired.Lifecycle.Timestamp()
	if snap.Desired.Tenant.IsValid() && snap.Desired.Tenant.Timestamp().After(newest) {
		newest = snap.Desired.Tenant.Timestamp()
	}
	return snap.Now.Sub(newest) < snap.SettleWindow
}

// settleEffects raises the transient settling alert while the settle window
// is open and clears it afterwards, so fleet-health aggregation and
// allocation eligibility do not treat the resource as ready prematurely.
func settleEffects(snap Snapshot) []Effect {
	if settling(snap) {
		return []Effect{{
			Kind: EffectRaiseAlert,
			Alert: health.Alert{
				ID:              health.AlertSettling,
				Source:          "state-controller",
				Message:         "desired configuration inside settle window",
				Classifications: []health.Classification{health.PreventAllocations, health.SuppressExternalAlerting},
			},
		}}
	}
	return []Effect{{Kind: EffectClearAlert, AlertID: health.AlertSettling}}
}

func (h *HostHandler) handleNew(snap Snapshot) Outcome {
	out := Outcome{Decision: DecisionTransition, NextState: lifecycle.StateDiscovering}
	if !snap.Desired.Lifecycle.IsValid() {
		out.Effects = append(out.Effects, Effect{
			Kind:   EffectIssueDesiredConfig,
			Axis:   version.AxisLifecycle,
			Config: bootstrapLifecycleConfig,
		})
	}
	return out
}

func (h *HostHandler) handleDiscovering(snap Snapshot) Outcome {
	if snap.Observed == nil {
		return Outcome{
			Decision:  DecisionWait,
			NextState: lifecycle.StateDiscovering,
			Reason:    "waiting for first agent report",
		}
	}
	return Outcome{Decision: DecisionTransition, NextState: lifecycle.StateValidating}
}

func (h *HostHandler) handleValidating(snap Snapshot) Outcome {
	if converged(snap) {
		return Outcome{
			Decision:  DecisionTransition,
			NextState: lifecycle.StateReady,
			Effects:   settleEffects(snap),
		}
	}

	// A confirmed unhealthy verdict after the settle window has passed is
	// a validation failure, not a transient condition.
	if snap.Observed != nil && !snap.Observed.Healthy &&
		snap.Observed.AppliedVersion.Matches(snap.Desired) && !settling(snap) {
		return Outcome{
			Decision:  DecisionTransition,
			NextState: lifecycle.StateFailed,
			Reason:    "agent reports unhealthy after applying desired configuration",
		}
	}

	return Outcome{
		Decision:  DecisionWait,
		NextState: lifecycle.StateValidating,
		Effects:   settleEffects(snap),
		Reason:    waitReason(snap),
	}
}

func (h *HostHandler) handleReady(snap Snapshot) Outcome {
	// Lifecycle intents are answered strictly in enqueue order: the oldest
	// pending request is resolved before any later one is looked at, even
	// when the later one would be a more drastic action. Report-style
	// intents were already consumed and are skipped here.
	for _, in := range snap.Intents {
		switch in.Type {
		case intent.TypeDecommission:
			return Outcome{
				Decision:          DecisionTransition,
				NextState:         lifecycle.StateDeleted,
				ConsumedIntentIDs: []string{in.ID},
			}
		case intent.TypePowerCycle:
			return Outcome{
				Decision:          DecisionNothing,
				NextState:         lifecycle.StateReady,
				ConsumedIntentIDs: []string{in.ID},
				Effects:           []Effect{{Kind: EffectRequestPowerCycle}},
			}
		case intent.TypeCreateInstance:
			return h.startProvisioning(snap, in)
		case intent.TypeDeleteInstance:
			// A delete for an instance that no longer exists is
			// satisfied as-is.
			return Outcome{
				Decision:          DecisionNothing,
				NextState:         lifecycle.StateReady,
				ConsumedIntentIDs: []string{in.ID},
				Reason:            "no instance to delete",
			}
		}
	}
	return Outcome{Decision: DecisionNothing, NextState: lifecycle.StateReady}
}

// startProvisioning resolves a create_instance intent from Ready.
func (h *HostHandler) startProvisioning(snap Snapshot, in intent.Intent) Outcome {
	// PreventAllocations gates the allocation path specifically: the
	// request is rejected and consumed without touching the lifecycle.
	if snap.Alerts.BlocksAllocation() {
		return Outcome{
			Decision:          DecisionNothing,
			NextState:         lifecycle.StateReady,
			ConsumedIntentIDs: []string{in.ID},
			Reason:            "allocation blocked by health alert",
		}
	}
	var payload intent.CreateInstancePayload
	if err := in.DecodePayload(&payload); err != nil {
		return Outcome{
			Decision:          DecisionNothing,
			NextState:         lifecycle.StateReady,
			ConsumedIntentIDs: []string{in.ID},
			Reason:            "malformed create_instance payload",
		}
	}
	return Outcome{
		Decision:          DecisionTransition,
		NextState:         lifecycle.StateProvisioning,
		ConsumedIntentIDs: []string{in.ID},
		Effects: []Effect{{
			Kind:   EffectIssueDesiredConfig,
			Axis:   version.AxisTenant,
			Config: payload.TenantConfig,
		}},
	}
}

func (h *HostHandler) handleProvisioning(snap Snapshot) Outcome {
	if converged(snap) {
		return Outcome{
			Decision:  DecisionTransition,
			NextState: lifecycle.StateAllocated,
			Effects:   settleEffects(snap),
		}
	}
	return Outcome{
		Decision:  DecisionWait,
		NextState: lifecycle.StateProvisioning,
		Effects:   settleEffects(snap),
		Reason:    waitReason(snap),
	}
}

func (h *HostHandler) handleAllocated(snap Snapshot) Outcome {
	if in, ok := firstPending(snap, intent.TypeDeleteInstance); ok {
		return Outcome{
			Decision:          DecisionTransition,
			NextState:         lifecycle.StateReleasing,
			ConsumedIntentIDs: []string{in.ID},
			Effects: []Effect{{
				Kind:   EffectIssueDesiredConfig,
				Axis:   version.AxisTenant,
				Config: releaseTenantConfig,
			}},
		}
	}
	return Outcome{Decision: DecisionNothing, NextState: lifecycle.StateAllocated}
}

func (h *HostHandler) handleReleasing(snap Snapshot) Outcome {
	if snap.Observed != nil &&
		snap.Observed.AppliedVersion.Tenant.Number() == snap.Desired.Tenant.Number() {
		return Outcome{Decision: DecisionTransition, NextState: lifecycle.StateCleaningUp}
	}
	return Outcome{
		Decision:  DecisionWait,
		NextState: lifecycle.StateReleasing,
		Reason:    "waiting for agent to apply release configuration",
	}
}

func (h *HostHandler) handleCleaningUp(snap Snapshot) Outcome {
	if converged(snap) {
		return Outcome{
			Decision:  DecisionTransition,
			NextState: lifecycle.StateReady,
			Effects:   settleEffects(snap),
		}
	}
	return Outcome{
		Decision:  DecisionWait,
		NextState: lifecycle.StateCleaningUp,
		Effects:   settleEffects(snap),
		Reason:    waitReason(snap),
	}
}

func (h *HostHandler) handleIsolated(snap Snapshot) Outcome {
	if snap.Observed != nil && !snap.Observed.Isolated && snap.Observed.Healthy {
		return Outcome{Decision: DecisionTransition, NextState: lifecycle.StateValidating}
	}
	return Outcome{
		Decision:  DecisionWait,
		NextState: lifecycle.StateIsolated,
		Reason:    "agent still running isolated configuration",
	}
}

// waitReason explains why a convergence-gated state is not advancing.
func waitReason(snap Snapshot) string {
	switch {
	case snap.Observed == nil:
		return "no agent report yet"
	case snap.Observed.Isolated:
		return "agent reports isolated configuration"
	case !snap.Observed.AppliedVersion.Matches(snap.Desired):
		return fmt.Sprintf("agent at tenant=%d/lifecycle=%d, desired tenant=%d/lifecycle=%d",
			snap.Observed.AppliedVersion.Tenant.Number(),
			snap.Observed.AppliedVersion.Lifecycle.Number(),
			snap.Desired.Tenant.Number(),
			snap.Desired.Lifecycle.Number())
	case !snap.Observed.Healthy:
		return "agent reports unhealthy"
	case settling(snap):
		return "desired configuration inside settle window"
	default:
		return "waiting for convergence"
	}
}

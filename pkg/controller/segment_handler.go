package controller

import (
	"fmt"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/intent"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

// SegmentHandler implements the network-segment lifecycle. Segments share the
// host's onboarding and isolation rules but carry no tenant axis: they are
// never allocated, so the provisioning branch of the state graph does not
// apply to them.
type SegmentHandler struct{}

// NewSegmentHandler returns the network-segment state handler.
func NewSegmentHandler() *SegmentHandler {
	return &SegmentHandler{}
}

// Kind implements Handler.
func (h *SegmentHandler) Kind() stores.ResourceKind {
	return stores.KindNetworkSegment
}

// Transition implements Handler.
func (h *SegmentHandler) Transition(snap Snapshot) (Outcome, error) {
	current := snap.Resource.State

	consumed, effects := consumeReportIntents(snap)

	if snap.Alerts.BlocksStateChange() {
		return Outcome{
			Decision:          DecisionWait,
			NextState:         current,
			ConsumedIntentIDs: consumed,
			Effects:           effects,
			Reason:            "state changes blocked by health alert",
		}, nil
	}

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
	case lifecycle.StateIsolated:
		out = h.handleIsolated(snap)
	case lifecycle.StateFailed, lifecycle.StateDeleted:
		out = Outcome{Decision: DecisionNothing, NextState: current, Reason: "terminal state"}
	case lifecycle.StateProvisioning, lifecycle.StateAllocated,
		lifecycle.StateReleasing, lifecycle.StateCleaningUp:
		// Segments have no tenant axis; a segment persisted in an
		// allocation state points at a corrupted record.
		err = NewFatalError(
			fmt.Sprintf("network segment in host-only state %q", current), nil,
		).WithResource(snap.Resource.ID)
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

func (h *SegmentHandler) handleNew(snap Snapshot) Outcome {
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

func (h *SegmentHandler) handleDiscovering(snap Snapshot) Outcome {
	if snap.Observed == nil {
		return Outcome{
			Decision:  DecisionWait,
			NextState: lifecycle.StateDiscovering,
			Reason:    "waiting for first agent report",
		}
	}
	return Outcome{Decision: DecisionTransition, NextState: lifecycle.StateValidating}
}

func (h *SegmentHandler) handleValidating(snap Snapshot) Outcome {
	if converged(snap) {
		return Outcome{
			Decision:  DecisionTransition,
			NextState: lifecycle.StateReady,
			Effects:   settleEffects(snap),
		}
	}

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

func (h *SegmentHandler) handleReady(snap Snapshot) Outcome {
	// Same enqueue-order discipline as hosts. Instance intents have no
	// meaning for a segment; they are consumed as rejected so a stray
	// submission cannot clog the queue.
	for _, in := range snap.Intents {
		switch in.Type {
		case intent.TypeDecommission:
			return Outcome{
				Decision:          DecisionTransition,
				NextState:         lifecycle.StateDeleted,
				ConsumedIntentIDs: []string{in.ID},
			}
		case intent.TypeCreateInstance, intent.TypeDeleteInstance, intent.TypePowerCycle:
			return Outcome{
				Decision:          DecisionNothing,
				NextState:         lifecycle.StateReady,
				ConsumedIntentIDs: []string{in.ID},
				Reason:            fmt.Sprintf("intent %s not applicable to network segments", in.Type),
			}
		}
	}
	return Outcome{Decision: DecisionNothing, NextState: lifecycle.StateReady}
}

func (h *SegmentHandler) handleIsolated(snap Snapshot) Outcome {
	if snap.Observed != nil && !snap.Observed.Isolated && snap.Observed.Healthy {
		return Outcome{Decision: DecisionTransition, NextState: lifecycle.StateValidating}
	}
	return Outcome{
		Decision:  DecisionWait,
		NextState: lifecycle.StateIsolated,
		Reason:    "agent still running isolated configuration",
	}
}

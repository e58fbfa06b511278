package autoplay

import (
	"fmt"
	"time"

	"fleetpilot.ai/internal/sim/fleet"
	"fleetpilot.ai/internal/sim/timers"
)

type OpKind string

const (
	OpIdle         OpKind = "IDLE"
	OpAwaiting     OpKind = "AWAITING_REMOTE_CALL"
	OpExtracting   OpKind = "EXTRACTING"
	OpDockSequence OpKind = "DOCK_SEQUENCE"
	OpTransit      OpKind = "TRANSIT"
)

// DockStep is a stage of the docked pipeline. Steps only move forward, except
// that a failed call steps back by one.
type DockStep int

const (
	StepWithdraw DockStep = iota
	StepResupplyPrimary
	StepResupplySecondary
	StepResupplyTertiary
	StepUndock
)

var dockStepNames = [...]string{"WITHDRAW", "RESUPPLY_PRIMARY", "RESUPPLY_SECONDARY", "RESUPPLY_TERTIARY", "UNDOCK"}

func (s DockStep) String() string {
	if s < StepWithdraw || s > StepUndock {
		return fmt.Sprintf("DockStep(%d)", int(s))
	}
	return dockStepNames[s]
}

func (s DockStep) next() DockStep {
	if s >= StepUndock {
		return StepUndock
	}
	return s + 1
}

func (s DockStep) prev() DockStep {
	if s <= StepWithdraw {
		return StepWithdraw
	}
	return s - 1
}

// Operation is what an agent is doing locally. Fields outside the kind's
// variant are zero:
//
//	AWAITING_REMOTE_CALL  StartedAt, Action, Prev
//	EXTRACTING            Countdown
//	DOCK_SEQUENCE         DockID, Step, Stopwatch
//	TRANSIT               Travel, Cooldown
type Operation struct {
	Kind OpKind

	StartedAt time.Time
	Action    fleet.Action
	// Prev is the operation that was current when Action was issued.
	Prev *Operation

	Countdown timers.Countdown

	DockID    string
	Step      DockStep
	Stopwatch timers.Stopwatch

	Travel   timers.Countdown
	Cooldown timers.Countdown
}

func idleOp() Operation { return Operation{Kind: OpIdle} }

func awaitingOp(now time.Time, a fleet.Action, prev Operation) Operation {
	return Operation{Kind: OpAwaiting, StartedAt: now, Action: a, Prev: &prev}
}

func extractingOp(cd timers.Countdown) Operation {
	return Operation{Kind: OpExtracting, Countdown: cd}
}

func dockOp(dockID string, step DockStep, sw timers.Stopwatch) Operation {
	return Operation{Kind: OpDockSequence, DockID: dockID, Step: step, Stopwatch: sw}
}

func transitOp(travel, cooldown timers.Countdown) Operation {
	return Operation{Kind: OpTransit, Travel: travel, Cooldown: cooldown}
}

// advance feeds dt to every timer the operation owns.
func (o *Operation) advance(dt time.Duration) {
	switch o.Kind {
	case OpExtracting:
		o.Countdown.Tick(dt)
	case OpDockSequence:
		o.Stopwatch.Tick(dt)
	case OpTransit:
		o.Travel.Tick(dt)
		o.Cooldown.Tick(dt)
	case OpAwaiting:
		if o.Prev != nil {
			o.Prev.advance(dt)
		}
	}
}

func (o Operation) String() string {
	switch o.Kind {
	case OpAwaiting:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Action)
	case OpExtracting:
		if o.Countdown.Infinite {
			return fmt.Sprintf("%s(unbounded)", o.Kind)
		}
		return fmt.Sprintf("%s(%s left)", o.Kind, o.Countdown.Remaining().Round(time.Second))
	case OpDockSequence:
		return fmt.Sprintf("%s(%s,%s)", o.Kind, o.DockID, o.Step)
	case OpTransit:
		return fmt.Sprintf("%s(travel %s, cooldown %s)", o.Kind,
			o.Travel.Remaining().Round(time.Second), o.Cooldown.Remaining().Round(time.Second))
	default:
		return string(o.Kind)
	}
}

// OperationView is the flat, serialisable form of an Operation.
type OperationView struct {
	Kind      OpKind        `json:"kind"`
	Detail    string        `json:"detail,omitempty"`
	Action    string        `json:"action,omitempty"`
	Step      string        `json:"step,omitempty"`
	DockID    string        `json:"dock_id,omitempty"`
	Remaining time.Duration `json:"remaining_ns,omitempty"`
	InFlight  time.Duration `json:"in_flight_ns,omitempty"`
}

func (o Operation) View(now time.Time) OperationView {
	v := OperationView{Kind: o.Kind, Detail: o.String()}
	switch o.Kind {
	case OpAwaiting:
		v.Action = o.Action.String()
		v.InFlight = now.Sub(o.StartedAt)
	case OpExtracting:
		if !o.Countdown.Infinite {
			v.Remaining = o.Countdown.Remaining()
		}
	case OpDockSequence:
		v.Step = o.Step.String()
		v.DockID = o.DockID
	case OpTransit:
		v.Remaining = max(o.Travel.Remaining(), o.Cooldown.Remaining())
	}
	return v
}

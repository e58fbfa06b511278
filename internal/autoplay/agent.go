package autoplay

import (
	"log/slog"
	"time"

	"fleetpilot.ai/internal/ledger"
	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/sim/fleet"
	"fleetpilot.ai/internal/sim/rates"
	"fleetpilot.ai/internal/sim/timers"
)

// UndefinedRateRefetch is how long an agent extracting at an undefined rate
// waits before fetching again to pick up a changed source or state.
const UndefinedRateRefetch = time.Minute

// Result is the outcome of one remote call.
type Result struct {
	Action  fleet.Action
	Receipt ledger.Receipt
	Err     error
}

// Counters are for observability only; nothing decides on them.
type Counters struct {
	CallsIssued uint64 `json:"calls_issued"`
	CallErrors  uint64 `json:"call_errors"`
	LastResult  string `json:"last_result,omitempty"`
}

// Agent drives one fleet. It is not safe for concurrent use; the dispatcher
// owns it and calls it from the tick loop only.
type Agent struct {
	id   fleet.EntityID
	role Role
	log  *slog.Logger

	snap fleet.Snapshot
	op   Operation

	needsRefetch bool
	failure      error
	warnedRate   bool

	counters  Counters
	lastTxRef string
}

func NewAgent(snap fleet.Snapshot, role Role, logger *slog.Logger) *Agent {
	return &Agent{
		id:   snap.ID,
		role: role,
		log:  logging.OrDiscard(logger).With("entity", string(snap.ID), "role", role.Name()),
		snap: snap,
		op:   idleOp(),
	}
}

func (a *Agent) ID() fleet.EntityID       { return a.id }
func (a *Agent) Role() Role               { return a.role }
func (a *Agent) Snapshot() fleet.Snapshot { return a.snap }
func (a *Agent) Operation() Operation     { return a.op }
func (a *Agent) Counters() Counters       { return a.counters }

// Failure is the fatal error that stopped the agent, or nil.
func (a *Agent) Failure() error { return a.failure }

func (a *Agent) lastTx() string { return a.lastTxRef }

// AdvanceTimers feeds a tick delta to the current operation's timers.
func (a *Agent) AdvanceTimers(dt time.Duration) {
	a.op.advance(dt)
}

// Evaluate inspects (snapshot, operation) and returns the next remote call,
// if any. While a call is outstanding it always returns false.
func (a *Agent) Evaluate(now time.Time) (fleet.Action, bool) {
	if a.failure != nil || a.op.Kind == OpAwaiting {
		return fleet.Action{}, false
	}
	if a.needsRefetch {
		return a.issue(now, fleet.Action{Kind: fleet.ActionFetch, EntityID: a.id})
	}

	st := a.snap.State
	switch st.Kind {
	case fleet.StateIdle:
		if a.op.Kind != OpIdle {
			a.op = idleOp()
		}
		act, ok := a.role.Idle(a.snap)
		if !ok {
			return fleet.Action{}, false
		}
		return a.issue(now, act)

	case fleet.StateExtracting:
		if a.op.Kind != OpExtracting {
			a.op = extractingOp(a.extractionCountdown(now))
			return fleet.Action{}, false
		}
		if a.op.Countdown.Finished {
			return a.issue(now, fleet.Action{Kind: fleet.ActionStopExtraction, EntityID: a.id})
		}
		if a.op.Countdown.Infinite && a.op.Countdown.Elapsed >= UndefinedRateRefetch {
			// Dropping the operation makes the next evaluation re-plan from
			// the fetched snapshot.
			a.op = idleOp()
			return a.issue(now, fleet.Action{Kind: fleet.ActionFetch, EntityID: a.id})
		}

	case fleet.StateAtDock:
		if a.op.Kind != OpDockSequence || a.op.DockID != st.DockID {
			a.op = dockOp(st.DockID, StepWithdraw, timers.Stopwatch{})
			return fleet.Action{}, false
		}
		return a.dockStep(now)

	case fleet.StateTransit:
		if a.op.Kind != OpTransit {
			elapsed := max(now.Sub(st.DepartsAt), 0)
			a.op = transitOp(
				timers.NewCountdownElapsed(st.ArrivesAt.Sub(st.DepartsAt), elapsed),
				timers.NewCountdownElapsed(a.snap.Stats.TransitCooldown, elapsed),
			)
			return fleet.Action{}, false
		}
		if a.op.Travel.Finished && a.op.Cooldown.Finished {
			return a.issue(now, fleet.Action{Kind: fleet.ActionExitTransit, EntityID: a.id})
		}

	default:
		a.log.Warn("unknown game state", "state", string(st.Kind))
	}
	return fleet.Action{}, false
}

// dockStep runs the docked pipeline from the current step, skipping steps
// with nothing to move, until one of them needs a call.
func (a *Agent) dockStep(now time.Time) (fleet.Action, bool) {
	plan := a.role.Dock(a.snap)
	for {
		switch step := a.op.Step; step {
		case StepWithdraw:
			if r := plan.Withdraw; r != nil {
				pod, _ := a.snap.Pods.Get(r.Pod)
				mint := r.Mint
				if mint == "" {
					mint = pod.Mint
				}
				if mint != "" && pod.Mint == mint && pod.Amount > 1 {
					return a.issue(now, fleet.Action{
						Kind:     fleet.ActionWithdrawAll,
						EntityID: a.id,
						Pod:      r.Pod,
						Mint:     mint,
						Amount:   pod.Amount - 1,
					})
				}
			}
		case StepResupplyPrimary, StepResupplySecondary, StepResupplyTertiary:
			if r := plan.Resupply[step-StepResupplyPrimary]; r != nil {
				pod, _ := a.snap.Pods.Get(r.Pod)
				mint := r.Mint
				if mint == "" {
					mint = pod.Mint
				}
				if pod.Fraction() < r.Threshold && pod.Free() > 0 {
					if mint == "" {
						a.log.Warn("no mint to resupply with", "pod", string(r.Pod), "step", step.String())
					} else {
						return a.issue(now, fleet.Action{
							Kind:     fleet.ActionDeposit,
							EntityID: a.id,
							Pod:      r.Pod,
							Mint:     mint,
							Amount:   pod.Capacity - pod.Amount,
						})
					}
				}
			}
		case StepUndock:
			return a.issue(now, fleet.Action{Kind: fleet.ActionUndock, EntityID: a.id, DockID: a.op.DockID})
		}
		a.op.Step = a.op.Step.next()
	}
}

func (a *Agent) issue(now time.Time, act fleet.Action) (fleet.Action, bool) {
	a.op = awaitingOp(now, act, a.op)
	a.log.Debug("issue", "action", act.String())
	return act, true
}

func (a *Agent) extractionCountdown(now time.Time) timers.Countdown {
	plan, err := rates.PlanExtraction(a.snap, now)
	if err != nil {
		if !a.warnedRate {
			src := a.snap.State.Source
			a.log.Warn("extraction rate undefined, countdown will not finish",
				"source", src.ID, "hardness", src.Hardness, "richness", src.Richness, "err", err)
			a.warnedRate = true
		}
		return timers.InfiniteCountdown()
	}
	return timers.NewCountdownElapsed(plan.Duration, plan.Elapsed)
}

// Apply folds the result of the outstanding call into the agent.
func (a *Agent) Apply(now time.Time, res Result) {
	if a.op.Kind != OpAwaiting {
		a.log.Warn("result without an outstanding call", "action", res.Action.String())
		return
	}
	act := a.op.Action
	prev := idleOp()
	if a.op.Prev != nil {
		prev = *a.op.Prev
	}

	if res.Err != nil {
		a.counters.CallErrors++
		a.counters.LastResult = string(act.Kind) + ": " + res.Err.Error()
		if ledger.IsFatal(res.Err) {
			a.failure = res.Err
			a.op = idleOp()
			a.log.Error("call failed fatally", "action", act.String(), "err", res.Err)
			return
		}
		a.log.Warn("call failed", "action", act.String(), "err", res.Err)
		a.needsRefetch = true
		switch {
		case act.Kind == fleet.ActionFetch:
			a.op = prev
		case prev.Kind == OpDockSequence:
			a.op = dockOp(prev.DockID, prev.Step.prev(), prev.Stopwatch)
		default:
			a.op = idleOp()
		}
		return
	}

	a.counters.CallsIssued++
	a.counters.LastResult = string(act.Kind) + ": ok"
	a.lastTxRef = res.Receipt.Signature
	if rec := res.Receipt.Snapshot; rec != nil {
		a.snap = *rec
		a.needsRefetch = false
	} else {
		a.needsRefetch = true
	}

	switch act.Kind {
	case fleet.ActionFetch:
		a.op = prev
	case fleet.ActionStartExtraction:
		if a.snap.State.Kind == fleet.StateExtracting {
			a.op = extractingOp(a.extractionCountdown(now))
		} else {
			a.op = idleOp()
		}
	case fleet.ActionDock:
		a.op = dockOp(a.snap.State.DockID, StepWithdraw, timers.Stopwatch{})
	case fleet.ActionWithdrawAll, fleet.ActionDeposit:
		a.op = dockOp(prev.DockID, prev.Step.next(), prev.Stopwatch)
	default:
		a.op = idleOp()
	}
	a.log.Debug("applied", "action", act.String(), "tx", res.Receipt.Signature, "op", a.op.String())
}

// AgentStatus is an immutable view of one agent for status surfaces.
type AgentStatus struct {
	EntityID  fleet.EntityID `json:"entity_id"`
	Role      string         `json:"role"`
	State     string         `json:"state"`
	Operation OperationView  `json:"operation"`
	Counters  Counters       `json:"counters"`
	Failed    bool           `json:"failed"`
	FetchedAt time.Time      `json:"fetched_at"`
}

func (a *Agent) Status(now time.Time) AgentStatus {
	return AgentStatus{
		EntityID:  a.id,
		Role:      a.role.Name(),
		State:     a.snap.State.String(),
		Operation: a.op.View(now),
		Counters:  a.counters,
		Failed:    a.failure != nil,
		FetchedAt: a.snap.FetchedAt,
	}
}

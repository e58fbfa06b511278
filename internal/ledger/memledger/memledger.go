// Package memledger is an in-process ledger that enforces the game rules the
// autoplay agents depend on. It backs the tests and cmd/ledgersim.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fleetpilot.ai/internal/ledger"
	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/sim/fleet"
	"fleetpilot.ai/internal/sim/rates"
)

// Stats are cumulative counters since the ledger was created or restored.
type Stats struct {
	Fetches   uint64
	Simulated uint64
	Rejected  uint64
	Broadcast uint64
	Faults    uint64
}

type Options struct {
	// Now is the ledger clock. Defaults to time.Now.
	Now func() time.Time
	// OmitReceiptSnapshot makes Submit return receipts without the
	// post-action account, forcing callers to re-fetch.
	OmitReceiptSnapshot bool
	Logger              *slog.Logger
}

type Ledger struct {
	mu sync.Mutex

	now         func() time.Time
	omitReceipt bool
	log         *slog.Logger

	fleets  map[fleet.EntityID]*fleet.Snapshot
	sources map[string]fleet.Source
	docks   map[string]fleet.Coord
	dockAt  map[fleet.Coord]string

	// withdrawn totals units moved out of cargo pods, by mint.
	withdrawn map[string]int64
	faults    map[fleet.EntityID][]error
	txSeq     uint64
	stats     Stats
}

var _ ledger.Client = (*Ledger)(nil)

func New(opts Options) *Ledger {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		now:         now,
		omitReceipt: opts.OmitReceiptSnapshot,
		log:         logging.OrDiscard(opts.Logger).With("component", "memledger"),
		fleets:      map[fleet.EntityID]*fleet.Snapshot{},
		sources:     map[string]fleet.Source{},
		docks:       map[string]fleet.Coord{},
		dockAt:      map[fleet.Coord]string{},
		withdrawn:   map[string]int64{},
		faults:      map[fleet.EntityID][]error{},
	}
}

func (l *Ledger) AddSource(src fleet.Source) error {
	if src.ID == "" {
		return errors.New("source id must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[src.ID] = src
	return nil
}

func (l *Ledger) AddDock(id string, at fleet.Coord) error {
	if id == "" {
		return errors.New("dock id must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if other, ok := l.dockAt[at]; ok && other != id {
		return fmt.Errorf("dock %s: location %s already has dock %s", id, at, other)
	}
	l.docks[id] = at
	l.dockAt[at] = id
	return nil
}

// PutFleet inserts or replaces an account.
func (l *Ledger) PutFleet(s fleet.Snapshot) error {
	if s.ID == "" {
		return errors.New("fleet id must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := s
	l.fleets[s.ID] = &cp
	return nil
}

// FailNext queues err to be returned by the next call for id, fetch or
// submit, instead of running it.
func (l *Ledger) FailNext(id fleet.EntityID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[id] = append(l.faults[id], err)
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Ledger) Withdrawn(mint string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.withdrawn[mint]
}

// Mints lists every mint something has been withdrawn of, sorted.
func (l *Ledger) Mints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.withdrawn))
	for m := range l.withdrawn {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) FleetIDs() []fleet.EntityID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]fleet.EntityID, 0, len(l.fleets))
	for id := range l.fleets {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *Ledger) FetchSnapshot(ctx context.Context, id fleet.EntityID) (fleet.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return fleet.Snapshot{}, ledger.Transient("fetch", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Fetches++
	if err := l.popFault(id); err != nil {
		return fleet.Snapshot{}, err
	}
	s, ok := l.fleets[id]
	if !ok {
		return fleet.Snapshot{}, ledger.NotFound("fetch", string(id))
	}
	out := *s
	out.FetchedAt = l.now()
	return out, nil
}

func (l *Ledger) Submit(ctx context.Context, a fleet.Action) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, ledger.Transient("submit", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.popFault(a.EntityID); err != nil {
		return ledger.Receipt{}, err
	}
	next, err := l.simulateLocked(a)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return l.commitLocked(a, next), nil
}

// Simulate runs a's rules without committing.
func (l *Ledger) Simulate(ctx context.Context, a fleet.Action) error {
	if err := ctx.Err(); err != nil {
		return ledger.Transient("simulate", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.popFault(a.EntityID); err != nil {
		return err
	}
	_, err := l.simulateLocked(a)
	return err
}

func (l *Ledger) popFault(id fleet.EntityID) error {
	q := l.faults[id]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	if len(q) == 1 {
		delete(l.faults, id)
	} else {
		l.faults[id] = q[1:]
	}
	l.stats.Faults++
	return err
}

func (l *Ledger) simulateLocked(a fleet.Action) (fleet.Snapshot, error) {
	l.stats.Simulated++
	next, err := l.transition(a)
	if err != nil {
		l.stats.Rejected++
		l.log.Debug("rejected", "entity", a.EntityID, "action", a.String(), "err", err)
	}
	return next, err
}

func (l *Ledger) commitLocked(a fleet.Action, next fleet.Snapshot) ledger.Receipt {
	cur := l.fleets[a.EntityID]
	if a.Kind == fleet.ActionWithdrawAll && a.Pod == fleet.PodCargo {
		l.withdrawn[a.Mint] += cur.Pods.Cargo.Amount - next.Pods.Cargo.Amount
	}
	*cur = next
	l.txSeq++
	l.stats.Broadcast++
	rec := ledger.Receipt{Signature: fmt.Sprintf("tx-%08d", l.txSeq)}
	if !l.omitReceipt {
		out := next
		out.FetchedAt = l.now()
		rec.Snapshot = &out
	}
	l.log.Debug("broadcast", "entity", a.EntityID, "action", a.String(), "tx", rec.Signature)
	return rec
}

// transition returns the post-action account for a, or the rule it breaks.
// Actions issued against the wrong state kind are stale; everything else
// that fails is a simulation rejection.
func (l *Ledger) transition(a fleet.Action) (fleet.Snapshot, error) {
	const op = "simulate"
	if err := a.Validate(); err != nil {
		return fleet.Snapshot{}, ledger.SimulationRejected(op, err)
	}
	cur, ok := l.fleets[a.EntityID]
	if !ok {
		return fleet.Snapshot{}, ledger.NotFound(op, string(a.EntityID))
	}
	s := *cur
	now := l.now()
	want := func(k fleet.StateKind) error {
		if s.State.Kind != k {
			return ledger.StaleState(op, fmt.Errorf("%s needs %s, fleet is %s", a.Kind, k, s.State.Kind))
		}
		return nil
	}
	reject := func(format string, args ...any) error {
		return ledger.SimulationRejected(op, fmt.Errorf(format, args...))
	}

	switch a.Kind {
	case fleet.ActionFetch:
		return s, nil

	case fleet.ActionStartExtraction:
		if err := want(fleet.StateIdle); err != nil {
			return s, err
		}
		src, ok := l.sources[a.SourceID]
		if !ok {
			return s, reject("unknown source %s", a.SourceID)
		}
		if src.Location != s.State.Location {
			return s, reject("source %s is at %s, fleet at %s", src.ID, src.Location, s.State.Location)
		}
		if s.Pods.Cargo.Amount > 0 && s.Pods.Cargo.Mint != src.Mint {
			return s, reject("cargo holds %s, source yields %s", s.Pods.Cargo.Mint, src.Mint)
		}
		if s.Pods.Cargo.Free() == 0 {
			return s, reject("cargo full")
		}
		if s.Pods.Ammo.Amount < s.Stats.AmmoPerExtraction {
			return s, reject("ammo %d below %d", s.Pods.Ammo.Amount, s.Stats.AmmoPerExtraction)
		}
		if s.Pods.Supply.Amount < s.Stats.SupplyPerExtraction {
			return s, reject("supply %d below %d", s.Pods.Supply.Amount, s.Stats.SupplyPerExtraction)
		}
		s.Pods.Ammo.Amount -= s.Stats.AmmoPerExtraction
		s.Pods.Supply.Amount -= s.Stats.SupplyPerExtraction
		s.Pods.Cargo.Mint = src.Mint
		s.State = fleet.Extracting(src, now)

	case fleet.ActionStopExtraction:
		if err := want(fleet.StateExtracting); err != nil {
			return s, err
		}
		src := s.State.Source
		if r, err := rates.EmissionRate(s.Stats.ExtractionRate, src.Richness, src.Hardness); err == nil {
			s.Pods.Cargo.Amount += rates.Mined(s.Pods.Cargo, now.Sub(s.State.StartedAt), r)
		}
		s.State = fleet.Idle(src.Location)

	case fleet.ActionDock:
		if err := want(fleet.StateIdle); err != nil {
			return s, err
		}
		if a.Location != s.State.Location {
			return s, reject("fleet is at %s, not %s", s.State.Location, a.Location)
		}
		dockID, ok := l.dockAt[a.Location]
		if !ok {
			return s, reject("no dock at %s", a.Location)
		}
		s.State = fleet.AtDock(dockID)

	case fleet.ActionUndock:
		if err := want(fleet.StateAtDock); err != nil {
			return s, err
		}
		if a.DockID != s.State.DockID {
			return s, ledger.StaleState(op, fmt.Errorf("fleet is at dock %s, not %s", s.State.DockID, a.DockID))
		}
		s.State = fleet.Idle(l.docks[a.DockID])

	case fleet.ActionDeposit:
		if err := want(fleet.StateAtDock); err != nil {
			return s, err
		}
		p := s.Pods.Ref(a.Pod)
		if p.Amount > 0 && p.Mint != "" && p.Mint != a.Mint {
			return s, reject("%s pod holds %s, not %s", a.Pod, p.Mint, a.Mint)
		}
		if a.Amount > p.Free() {
			return s, reject("%s pod has room for %d, asked %d", a.Pod, p.Free(), a.Amount)
		}
		p.Mint = a.Mint
		p.Amount += a.Amount

	case fleet.ActionWithdrawAll:
		if err := want(fleet.StateAtDock); err != nil {
			return s, err
		}
		p := s.Pods.Ref(a.Pod)
		if p.Mint != a.Mint {
			return s, reject("%s pod holds %q, not %s", a.Pod, p.Mint, a.Mint)
		}
		if a.Amount > p.Amount {
			return s, reject("%s pod holds %d, asked %d", a.Pod, p.Amount, a.Amount)
		}
		p.Amount -= a.Amount
		if p.Amount == 0 {
			p.Mint = ""
		}

	case fleet.ActionStartTransit:
		if err := want(fleet.StateIdle); err != nil {
			return s, err
		}
		if a.To == s.State.Location {
			return s, reject("already at %s", a.To)
		}
		if s.Stats.Speed <= 0 {
			return s, reject("fleet cannot move")
		}
		if s.Pods.Fuel.Amount < s.Stats.FuelPerTransit {
			return s, reject("fuel %d below %d", s.Pods.Fuel.Amount, s.Stats.FuelPerTransit)
		}
		s.Pods.Fuel.Amount -= s.Stats.FuelPerTransit
		travel := time.Duration(s.State.Location.Distance(a.To) / s.Stats.Speed * float64(time.Second))
		s.State = fleet.Transit(s.State.Location, a.To, now, now.Add(travel))

	case fleet.ActionExitTransit:
		if err := want(fleet.StateTransit); err != nil {
			return s, err
		}
		if now.Before(s.State.ArrivesAt) {
			return s, reject("arrives in %s", s.State.ArrivesAt.Sub(now))
		}
		if ready := s.State.DepartsAt.Add(s.Stats.TransitCooldown); now.Before(ready) {
			return s, reject("cooldown ends in %s", ready.Sub(now))
		}
		s.State = fleet.Idle(s.State.To)

	default:
		return s, reject("unsupported action %s", a.Kind)
	}
	return s, nil
}

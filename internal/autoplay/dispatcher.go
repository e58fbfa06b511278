package autoplay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleetpilot.ai/internal/ledger"
	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/sim/fleet"
)

type Options struct {
	Client ledger.Client
	Sink   Sink
	Logger *slog.Logger
	// Now is the wall clock used for evaluation. Defaults to time.Now.
	Now func() time.Time
	// QueueSize is the completion channel capacity. Defaults to 256.
	QueueSize int
}

// Stats are cumulative dispatcher counters, safe to read from any goroutine.
type Stats struct {
	Ticks     uint64 `json:"ticks"`
	Issued    uint64 `json:"issued"`
	Completed uint64 `json:"completed"`
	Errors    uint64 `json:"errors"`
	Dropped   uint64 `json:"dropped"`
	Removed   uint64 `json:"removed"`
	Active    int    `json:"active"`
	InFlight  int    `json:"in_flight"`
}

type pendingCall struct {
	reqID    string
	action   fleet.Action
	issuedAt time.Time
}

type completion struct {
	entityID fleet.EntityID
	reqID    string
	result   Result
}

// Dispatcher ticks a set of agents, runs their remote calls concurrently and
// routes the results back. Agents are only touched from the goroutine that
// calls Tick.
type Dispatcher struct {
	client ledger.Client
	sink   Sink
	log    *slog.Logger
	now    func() time.Time

	agents  []*Agent
	byID    map[fleet.EntityID]*Agent
	pending map[fleet.EntityID]pendingCall
	removed []AgentStatus

	completions chan completion
	wg          sync.WaitGroup

	status   atomic.Pointer[[]AgentStatus]
	inFlight atomic.Int64
	active   atomic.Int64

	ticks, issued, completed, errs, dropped, removedN atomic.Uint64
}

func NewDispatcher(opts Options) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := opts.QueueSize
	if q <= 0 {
		q = 256
	}
	d := &Dispatcher{
		client:      opts.Client,
		sink:        opts.Sink,
		log:         logging.OrDiscard(opts.Logger).With("component", "dispatcher"),
		now:         now,
		byID:        map[fleet.EntityID]*Agent{},
		pending:     map[fleet.EntityID]pendingCall{},
		completions: make(chan completion, q),
	}
	empty := []AgentStatus{}
	d.status.Store(&empty)
	return d
}

// Register adds an agent. Agents are evaluated in registration order.
func (d *Dispatcher) Register(a *Agent) error {
	if _, ok := d.byID[a.ID()]; ok {
		return fmt.Errorf("agent %s already registered", a.ID())
	}
	d.agents = append(d.agents, a)
	d.byID[a.ID()] = a
	d.active.Store(int64(len(d.agents)))
	now := d.now()
	d.record(now, a, EventRegistered, "", "", nil)
	d.publish(now)
	return nil
}

// Tick drains finished calls, then advances and evaluates every agent,
// issuing at most one call per agent.
func (d *Dispatcher) Tick(ctx context.Context, dt time.Duration) {
	now := d.now()
	d.ticks.Add(1)
	d.drain(now)

	for _, a := range d.agents {
		a.AdvanceTimers(dt)
		act, ok := a.Evaluate(now)
		if !ok {
			continue
		}
		d.issue(ctx, now, a, act)
	}
	d.publish(now)
}

// Run ticks at the given interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("tick interval must be > 0")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := d.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := d.now()
			d.Tick(ctx, now.Sub(last))
			last = now
		}
	}
}

// Wait blocks until every issued call has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) issue(ctx context.Context, now time.Time, a *Agent, act fleet.Action) {
	id := a.ID()
	if p, busy := d.pending[id]; busy {
		// Unreachable while agents honour single flight.
		d.log.Error("agent issued while a call is pending", "entity", id, "pending", p.action.String(), "action", act.String())
		return
	}
	reqID := uuid.NewString()
	d.pending[id] = pendingCall{reqID: reqID, action: act, issuedAt: now}
	d.issued.Add(1)
	d.inFlight.Add(1)
	d.record(now, a, EventIssued, act.String(), reqID, nil)

	// Calls outlive a cancelled tick loop; their results are just dropped.
	callCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		rec, err := ledger.Call(callCtx, d.client, act)
		c := completion{entityID: id, reqID: reqID, result: Result{Action: act, Receipt: rec, Err: err}}
		select {
		case d.completions <- c:
		case <-ctx.Done():
			d.inFlight.Add(-1)
		}
	}()
}

func (d *Dispatcher) drain(now time.Time) {
	for {
		select {
		case c := <-d.completions:
			d.inFlight.Add(-1)
			d.handle(now, c)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(now time.Time, c completion) {
	a, known := d.byID[c.entityID]
	p, waiting := d.pending[c.entityID]
	if !known || !waiting {
		d.dropped.Add(1)
		d.log.Warn("dropping completion for unknown entity", "entity", c.entityID, "req_id", c.reqID)
		return
	}
	if p.reqID != c.reqID {
		d.dropped.Add(1)
		d.log.Warn("dropping stale completion", "entity", c.entityID, "req_id", c.reqID, "pending_req_id", p.reqID)
		return
	}
	delete(d.pending, c.entityID)
	d.completed.Add(1)

	res := c.result
	a.Apply(now, res)
	if res.Err != nil {
		d.errs.Add(1)
		d.record(now, a, EventFailed, res.Action.String(), c.reqID, res.Err)
	} else {
		d.record(now, a, EventApplied, res.Action.String(), c.reqID, nil)
	}
	if err := a.Failure(); err != nil {
		d.remove(now, a, err)
	}
}

func (d *Dispatcher) remove(now time.Time, a *Agent, cause error) {
	id := a.ID()
	for i, other := range d.agents {
		if other == a {
			d.agents = append(d.agents[:i], d.agents[i+1:]...)
			break
		}
	}
	delete(d.byID, id)
	delete(d.pending, id)
	d.removed = append(d.removed, a.Status(now))
	d.removedN.Add(1)
	d.active.Store(int64(len(d.agents)))
	d.log.Error("agent removed", "entity", id, "role", a.Role().Name(), "err", cause)
	d.record(now, a, EventRemoved, "", "", cause)
}

func (d *Dispatcher) record(now time.Time, a *Agent, ev Event, action, reqID string, err error) {
	if d.sink == nil {
		return
	}
	snap := a.Snapshot()
	r := Record{
		Time:      now,
		EntityID:  a.ID(),
		Role:      a.Role().Name(),
		Event:     ev,
		State:     snap.State.String(),
		Operation: a.Operation().View(now),
		Action:    action,
		ReqID:     reqID,
		Counters:  a.Counters(),
	}
	if ev == EventApplied {
		r.TxRef = a.lastTx()
	}
	if err != nil {
		r.Error = err.Error()
	}
	if werr := d.sink.WriteRecord(r); werr != nil {
		d.log.Warn("sink write failed", "entity", a.ID(), "err", werr)
	}
}

func (d *Dispatcher) publish(now time.Time) {
	out := make([]AgentStatus, 0, len(d.agents)+len(d.removed))
	for _, a := range d.agents {
		out = append(out, a.Status(now))
	}
	out = append(out, d.removed...)
	d.status.Store(&out)
}

// Statuses returns the view published after the latest tick. The slice must
// not be modified.
func (d *Dispatcher) Statuses() []AgentStatus {
	return *d.status.Load()
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Ticks:     d.ticks.Load(),
		Issued:    d.issued.Load(),
		Completed: d.completed.Load(),
		Errors:    d.errs.Load(),
		Dropped:   d.dropped.Load(),
		Removed:   d.removedN.Load(),
		Active:    int(d.active.Load()),
		InFlight:  int(d.inFlight.Load()),
	}
}

package ledger

import (
	"context"
	"errors"
	"log/slog"

	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/sim/fleet"
)

// Client is the boundary to the remote ledger. Implementations must be safe
// for concurrent use: the dispatcher calls them from one goroutine per
// in-flight action.
type Client interface {
	FetchSnapshot(ctx context.Context, id fleet.EntityID) (fleet.Snapshot, error)
	// Submit simulates the action and, if the simulation passes, broadcasts
	// it. A failed simulation returns ErrSimulationRejected and nothing is
	// broadcast.
	Submit(ctx context.Context, action fleet.Action) (Receipt, error)
}

// Receipt is the outcome of a broadcast action. Snapshot is the post-action
// state when the ledger returns it; nil means the caller has to re-fetch.
type Receipt struct {
	Signature string
	Snapshot  *fleet.Snapshot
}

// RetryOnce retries transient failures exactly once. Other errors, and a
// second transient failure, are returned unchanged.
func RetryOnce(c Client, logger *slog.Logger) Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &retryOnce{next: c, log: logger}
}

type retryOnce struct {
	next Client
	log  *slog.Logger
}

func (r *retryOnce) FetchSnapshot(ctx context.Context, id fleet.EntityID) (fleet.Snapshot, error) {
	snap, err := r.next.FetchSnapshot(ctx, id)
	if err == nil || !IsTransient(err) || ctx.Err() != nil {
		return snap, err
	}
	r.log.Debug("retrying fetch", "entity", id, "err", err)
	return r.next.FetchSnapshot(ctx, id)
}

func (r *retryOnce) Submit(ctx context.Context, action fleet.Action) (Receipt, error) {
	rec, err := r.next.Submit(ctx, action)
	if err == nil || !IsTransient(err) || ctx.Err() != nil {
		return rec, err
	}
	r.log.Debug("retrying submit", "entity", action.EntityID, "action", action.Kind, "err", err)
	return r.next.Submit(ctx, action)
}

// Call performs action against c: a fetch for fleet.ActionFetch, a submit
// otherwise. The returned receipt always carries a snapshot for fetches.
func Call(ctx context.Context, c Client, action fleet.Action) (Receipt, error) {
	if err := action.Validate(); err != nil {
		return Receipt{}, SimulationRejected("validate", err)
	}
	if action.Kind == fleet.ActionFetch {
		snap, err := c.FetchSnapshot(ctx, action.EntityID)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Snapshot: &snap}, nil
	}
	rec, err := c.Submit(ctx, action)
	if err != nil {
		return Receipt{}, err
	}
	if rec.Snapshot != nil && rec.Snapshot.ID != action.EntityID {
		return Receipt{}, StaleState("submit", errors.New("receipt snapshot belongs to another entity"))
	}
	return rec, nil
}

package ledger

import (
	"context"
	"errors"
	"testing"

	"fleetpilot.ai/internal/protocol"
	"fleetpilot.ai/internal/sim/fleet"
)

type scriptedClient struct {
	errs    []error
	calls   int
	receipt Receipt
}

func (c *scriptedClient) next() error {
	c.calls++
	if len(c.errs) == 0 {
		return nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return err
}

func (c *scriptedClient) FetchSnapshot(ctx context.Context, id fleet.EntityID) (fleet.Snapshot, error) {
	if err := c.next(); err != nil {
		return fleet.Snapshot{}, err
	}
	return fleet.Snapshot{ID: id}, nil
}

func (c *scriptedClient) Submit(ctx context.Context, a fleet.Action) (Receipt, error) {
	if err := c.next(); err != nil {
		return Receipt{}, err
	}
	return c.receipt, nil
}

func TestRetryOnceRetriesTransientExactlyOnce(t *testing.T) {
	flaky := errors.New("flaky")
	sc := &scriptedClient{errs: []error{Transient("fetch", flaky)}}
	if _, err := RetryOnce(sc, nil).FetchSnapshot(context.Background(), "f1"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if sc.calls != 2 {
		t.Fatalf("calls=%d want 2", sc.calls)
	}

	sc = &scriptedClient{errs: []error{Transient("submit", flaky), Transient("submit", flaky)}}
	_, err := RetryOnce(sc, nil).Submit(context.Background(), fleet.Action{Kind: fleet.ActionUndock, EntityID: "f1", DockID: "d"})
	if !IsTransient(err) || sc.calls != 2 {
		t.Fatalf("expected second transient surfaced after 2 calls, got %v after %d", err, sc.calls)
	}
}

func TestRetryOnceDoesNotRetryOtherKinds(t *testing.T) {
	for _, e := range []error{
		SimulationRejected("submit", errors.New("no")),
		StaleState("submit", errors.New("moved")),
		FatalDecode("submit", errors.New("garbage")),
	} {
		sc := &scriptedClient{errs: []error{e}}
		_, err := RetryOnce(sc, nil).Submit(context.Background(), fleet.Action{Kind: fleet.ActionStopExtraction, EntityID: "f1"})
		if err != e || sc.calls != 1 {
			t.Fatalf("%v: retried or changed (calls=%d err=%v)", e, sc.calls, err)
		}
	}
}

func TestCallValidatesAndChecksReceiptOwner(t *testing.T) {
	sc := &scriptedClient{}
	if _, err := Call(context.Background(), sc, fleet.Action{Kind: fleet.ActionStartExtraction, EntityID: "f1"}); !errors.Is(err, ErrSimulationRejected) {
		t.Fatalf("expected invalid action rejected, got %v", err)
	}
	if sc.calls != 0 {
		t.Fatalf("invalid action reached the client")
	}

	rec, err := Call(context.Background(), sc, fleet.Action{Kind: fleet.ActionFetch, EntityID: "f1"})
	if err != nil || rec.Snapshot == nil || rec.Snapshot.ID != "f1" {
		t.Fatalf("fetch via Call: rec=%+v err=%v", rec, err)
	}

	sc.receipt = Receipt{Signature: "tx", Snapshot: &fleet.Snapshot{ID: "other"}}
	_, err = Call(context.Background(), sc, fleet.Action{Kind: fleet.ActionStopExtraction, EntityID: "f1"})
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected stale for foreign receipt, got %v", err)
	}
}

func TestCodeRoundTrip(t *testing.T) {
	cases := map[string]error{
		protocol.ErrTransient:        ErrTransient,
		protocol.ErrRateLimit:        ErrTransient,
		protocol.ErrSimulationFailed: ErrSimulationRejected,
		protocol.ErrStale:            ErrStaleState,
		protocol.ErrDecode:           ErrFatalDecode,
		protocol.ErrNotFound:         ErrFatalDecode,
		protocol.ErrUnauthorized:     ErrSimulationRejected,
	}
	for code, kind := range cases {
		err := FromCode("op", code, "boom")
		if !errors.Is(err, kind) {
			t.Fatalf("%s: expected kind %v, got %v", code, kind, err)
		}
		if got := Code(err); got != code {
			t.Fatalf("%s: Code()=%s", code, got)
		}
	}
	if Code(errors.New("plain")) != protocol.ErrInternal {
		t.Fatalf("plain errors should map to internal")
	}
}

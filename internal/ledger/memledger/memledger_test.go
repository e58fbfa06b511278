package memledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleetpilot.ai/internal/ledger"
	"fleetpilot.ai/internal/persistence/snapshot"
	"fleetpilot.ai/internal/sim/fleet"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.UnixMilli(1767225600000).UTC()}
	l := New(Options{Now: clk.now})
	if err := DefaultFixture().Seed(l); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return l, clk
}

func submit(t *testing.T, l *Ledger, a fleet.Action) fleet.Snapshot {
	t.Helper()
	rec, err := l.Submit(context.Background(), a)
	if err != nil {
		t.Fatalf("%s: %v", a, err)
	}
	if rec.Snapshot == nil || rec.Signature == "" {
		t.Fatalf("%s: incomplete receipt %+v", a, rec)
	}
	return *rec.Snapshot
}

func TestExtractionCycle(t *testing.T) {
	l, clk := newTestLedger(t)
	id := fleet.EntityID("fleet-miner-1")

	s := submit(t, l, fleet.Action{Kind: fleet.ActionStartExtraction, EntityID: id, SourceID: "belt-1"})
	if s.State.Kind != fleet.StateExtracting || s.Pods.Ammo.Amount != 95 || s.Pods.Supply.Amount != 98 {
		t.Fatalf("unexpected state after start: %+v", s)
	}

	// r = 0.5/s with the default fixture.
	clk.advance(60 * time.Second)
	s = submit(t, l, fleet.Action{Kind: fleet.ActionStopExtraction, EntityID: id})
	if s.State.Kind != fleet.StateIdle || s.Pods.Cargo.Amount != 30 || s.Pods.Cargo.Mint != "ore" {
		t.Fatalf("unexpected state after stop: %+v", s)
	}

	s = submit(t, l, fleet.Action{Kind: fleet.ActionDock, EntityID: id, Location: s.State.Location})
	if s.State.Kind != fleet.StateAtDock || s.State.DockID != "dock-home" {
		t.Fatalf("unexpected dock state: %+v", s)
	}
	s = submit(t, l, fleet.Action{Kind: fleet.ActionWithdrawAll, EntityID: id, Pod: fleet.PodCargo, Mint: "ore", Amount: 29})
	if s.Pods.Cargo.Amount != 1 || l.Withdrawn("ore") != 29 {
		t.Fatalf("withdraw: cargo=%d withdrawn=%d", s.Pods.Cargo.Amount, l.Withdrawn("ore"))
	}
	s = submit(t, l, fleet.Action{Kind: fleet.ActionDeposit, EntityID: id, Pod: fleet.PodAmmo, Mint: "ammo", Amount: 5})
	if s.Pods.Ammo.Amount != 100 {
		t.Fatalf("deposit: ammo=%d", s.Pods.Ammo.Amount)
	}
	s = submit(t, l, fleet.Action{Kind: fleet.ActionUndock, EntityID: id, DockID: "dock-home"})
	if s.State.Kind != fleet.StateIdle || s.State.Location != (fleet.Coord{}) {
		t.Fatalf("undock: %+v", s)
	}
}

func TestWrongStateIsStale(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Submit(context.Background(), fleet.Action{Kind: fleet.ActionStopExtraction, EntityID: "fleet-miner-1"})
	if !errors.Is(err, ledger.ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
}

func TestRuleViolationsAreRejectedAndNotCommitted(t *testing.T) {
	l, _ := newTestLedger(t)
	id := fleet.EntityID("fleet-hauler-1")
	before, _ := l.FetchSnapshot(context.Background(), id)

	cases := []fleet.Action{
		{Kind: fleet.ActionDeposit, EntityID: id, Pod: fleet.PodFuel, Mint: "fuel", Amount: 1},
		{Kind: fleet.ActionWithdrawAll, EntityID: id, Pod: fleet.PodCargo, Mint: "ore", Amount: 1},
		{Kind: fleet.ActionDeposit, EntityID: id, Pod: fleet.PodCargo, Mint: "ore", Amount: 0},
	}
	for _, a := range cases {
		if _, err := l.Submit(context.Background(), a); !errors.Is(err, ledger.ErrSimulationRejected) {
			t.Fatalf("%s: expected rejection, got %v", a, err)
		}
	}
	after, _ := l.FetchSnapshot(context.Background(), id)
	if after.Pods != before.Pods || after.State != before.State {
		t.Fatalf("rejected actions changed state: %+v", after)
	}
	if st := l.Stats(); st.Broadcast != 0 || st.Rejected != uint64(len(cases)) {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestTransitHonoursArrivalAndCooldown(t *testing.T) {
	l, clk := newTestLedger(t)
	id := fleet.EntityID("fleet-hauler-1")
	submit(t, l, fleet.Action{Kind: fleet.ActionUndock, EntityID: id, DockID: "dock-home"})
	s := submit(t, l, fleet.Action{Kind: fleet.ActionStartTransit, EntityID: id, To: fleet.Coord{X: 12, Y: 5}})
	if s.State.Kind != fleet.StateTransit || s.Pods.Fuel.Amount != 90 {
		t.Fatalf("unexpected transit: %+v", s)
	}
	// Distance 13 at speed 1.
	if got := s.State.ArrivesAt.Sub(s.State.DepartsAt); got != 13*time.Second {
		t.Fatalf("travel=%s", got)
	}

	clk.advance(13 * time.Second)
	exit := fleet.Action{Kind: fleet.ActionExitTransit, EntityID: id}
	if _, err := l.Submit(context.Background(), exit); !errors.Is(err, ledger.ErrSimulationRejected) {
		t.Fatalf("exit before cooldown: %v", err)
	}
	clk.advance(17 * time.Second)
	s = submit(t, l, exit)
	if s.State.Kind != fleet.StateIdle || s.State.Location != (fleet.Coord{X: 12, Y: 5}) {
		t.Fatalf("after exit: %+v", s)
	}
}

func TestFailNextAndNotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	id := fleet.EntityID("fleet-miner-1")
	l.FailNext(id, ledger.Transient("fetch", errors.New("rpc down")))
	if _, err := l.FetchSnapshot(context.Background(), id); !ledger.IsTransient(err) {
		t.Fatalf("expected injected transient, got %v", err)
	}
	if _, err := l.FetchSnapshot(context.Background(), id); err != nil {
		t.Fatalf("fault should be consumed: %v", err)
	}
	_, err := l.FetchSnapshot(context.Background(), "ghost")
	if !errors.Is(err, ledger.ErrNotFound) || !ledger.IsFatal(err) {
		t.Fatalf("expected fatal not found, got %v", err)
	}
}

func TestOmitReceiptSnapshot(t *testing.T) {
	l := New(Options{OmitReceiptSnapshot: true})
	if err := DefaultFixture().Seed(l); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec, err := l.Submit(context.Background(), fleet.Action{Kind: fleet.ActionUndock, EntityID: "fleet-hauler-1", DockID: "dock-home"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Snapshot != nil {
		t.Fatalf("expected receipt without snapshot")
	}
}

func TestExportImportThroughSnapshotFile(t *testing.T) {
	l, clk := newTestLedger(t)
	submit(t, l, fleet.Action{Kind: fleet.ActionStartExtraction, EntityID: "fleet-miner-1", SourceID: "belt-1"})

	path := filepath.Join(t.TempDir(), snapshot.FileName(l.TxSeq()))
	if err := snapshot.Write(path, l.Export("sim")); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := snapshot.Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	restored := New(Options{Now: clk.now})
	if err := restored.Import(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.TxSeq() != 1 {
		t.Fatalf("tx seq=%d", restored.TxSeq())
	}
	got, err := restored.FetchSnapshot(context.Background(), "fleet-miner-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.State.Kind != fleet.StateExtracting || !got.State.StartedAt.Equal(clk.t) {
		t.Fatalf("restored state: %+v", got.State)
	}
}

func TestLoadFixtureYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.yaml")
	body := `cluster: devnet
sources:
  - id: rock
    mint: iron
    location: {x: 2, y: 3}
    richness: 150
    hardness: 50
docks:
  - id: port
    location: {x: 2, y: 3}
default_stats:
  extraction_rate: 10000
  cargo_capacity: 50
  fuel_capacity: 20
  ammo_capacity: 20
  supply_capacity: 20
  transit_cooldown: 45s
  speed: 2
fleets:
  - id: f1
    dock_id: port
    pods:
      cargo: {mint: iron, amount: 10}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fx, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fx.Cluster != "devnet" || len(fx.Fleets) != 1 || fx.Fleets[0].Location != (fleet.Coord{X: 2, Y: 3}) {
		t.Fatalf("unexpected fixture: %+v", fx)
	}
	if fx.Fleets[0].Stats.TransitCooldown != 45*time.Second || fx.Fleets[0].Pods.Fuel.Amount != 20 {
		t.Fatalf("defaults not applied: %+v", fx.Fleets[0])
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("fleets:\n  - id: f1\n    dock_id: nowhere\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFixture(bad); err == nil {
		t.Fatalf("expected validation error for unknown dock")
	}
}

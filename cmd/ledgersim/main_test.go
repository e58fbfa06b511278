package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetpilot.ai/internal/ledger/memledger"
	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/persistence/snapshot"
	"fleetpilot.ai/internal/sim/fleet"
	"fleetpilot.ai/internal/transport/ws"
)

func TestSetupLedgerSeedsThenResumes(t *testing.T) {
	dataDir := t.TempDir()
	opts := options{DataDir: dataDir, LoadLatest: true}

	l, cluster, err := setupLedger(opts, logging.Discard())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cluster != "sim" || len(l.FleetIDs()) != 2 {
		t.Fatalf("cluster=%q fleets=%v", cluster, l.FleetIDs())
	}
	if _, err := l.Submit(context.Background(), fleet.Action{Kind: fleet.ActionUndock, EntityID: "fleet-hauler-1", DockID: "dock-home"}); err != nil {
		t.Fatalf("undock: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var written []string
	snapshotLoop(ctx, l, cluster, filepath.Join(dataDir, "snapshots"), 0, func(p string) { written = append(written, p) }, logging.Discard())
	if len(written) != 1 || filepath.Base(written[0]) != snapshot.FileName(l.TxSeq()) {
		t.Fatalf("written=%v tx_seq=%d", written, l.TxSeq())
	}

	l2, cluster2, err := setupLedger(opts, logging.Discard())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if cluster2 != "sim" || l2.TxSeq() != l.TxSeq() {
		t.Fatalf("cluster=%q tx_seq=%d want %d", cluster2, l2.TxSeq(), l.TxSeq())
	}
	snap, err := l2.FetchSnapshot(context.Background(), "fleet-hauler-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.State.Kind == fleet.StateAtDock {
		t.Fatalf("resumed ledger lost the undock: %s", snap.State)
	}

	fresh, _, err := setupLedger(options{DataDir: dataDir}, logging.Discard())
	if err != nil {
		t.Fatalf("no-resume: %v", err)
	}
	if fresh.TxSeq() != 0 {
		t.Fatalf("fixture ledger tx_seq=%d", fresh.TxSeq())
	}
}

func TestSnapshotLoopSkipsUnchangedLedger(t *testing.T) {
	l := memledger.New(memledger.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := filepath.Join(t.TempDir(), "snapshots")
	snapshotLoop(ctx, l, "sim", dir, time.Minute, nil, logging.Discard())
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("snapshot dir created for an empty ledger: %v", err)
	}
}

func TestSetupLedgerBadFixture(t *testing.T) {
	_, _, err := setupLedger(options{FixturePath: filepath.Join(t.TempDir(), "missing.yaml")}, logging.Discard())
	if err == nil || !strings.Contains(err.Error(), "load fixture") {
		t.Fatalf("err=%v", err)
	}
}

func TestMuxHealthAndMetrics(t *testing.T) {
	l := memledger.New(memledger.Options{})
	if err := memledger.DefaultFixture().Seed(l); err != nil {
		t.Fatal(err)
	}
	if _, err := l.FetchSnapshot(context.Background(), "fleet-miner-1"); err != nil {
		t.Fatal(err)
	}
	gw := ws.NewServer(l, ws.Config{Cluster: "sim"}, logging.Discard())
	srv := httptest.NewServer(newMux(gw, l, nil, "sim"))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	rec := httptest.NewRecorder()
	newMux(gw, l, nil, "sim").ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`ledgersim_tx_seq{cluster="sim"} 0`,
		`ledgersim_ledger_ops_total{cluster="sim",op="fetch"} 1`,
		`ledgersim_gateway_total{cluster="sim",metric="connections"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "ledgersim_mirror") {
		t.Fatalf("mirror metrics without a mirror:\n%s", body)
	}
}

func TestBuildMirrorDisabledByDefault(t *testing.T) {
	env := map[string]string{}
	m, err := buildMirror(t.TempDir(), func(k string) string { return env[k] }, logging.Discard())
	if err != nil || m != nil {
		t.Fatalf("mirror=%v err=%v", m, err)
	}
	env["LEDGERSIM_R2_MIRROR"] = "true"
	if _, err := buildMirror(t.TempDir(), func(k string) string { return env[k] }, logging.Discard()); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

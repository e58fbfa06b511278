package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetpilot.ai/internal/autoplay"
	"fleetpilot.ai/internal/config"
	"fleetpilot.ai/internal/ledger/memledger"
	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/persistence/indexdb"
	"fleetpilot.ai/internal/sim/fleet"
)

func TestStartAgentsSkipsUnknownEntities(t *testing.T) {
	l := memledger.New(memledger.Options{})
	if err := memledger.DefaultFixture().Seed(l); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := &config.Config{
		EntityIDs:      []string{"fleet-miner-1", "ghost", "fleet-hauler-1"},
		CallTimeout:    time.Second,
		DefaultProfile: "mining",
		Profiles: map[string]config.RoleSpec{
			"mining": {Kind: config.RoleExtraction, SourceID: "belt-1"},
			"fleet-hauler-1": {
				Kind:        config.RoleTransport,
				HomeDockID:  "dock-home",
				Destination: fleet.Coord{X: 12, Y: 5},
				CargoMint:   "ore",
			},
		},
	}
	agents, err := startAgents(context.Background(), l, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agents=%d want 2", len(agents))
	}
	if agents[0].Role().Name() != "extraction" || agents[1].Role().Name() != "transport" {
		t.Fatalf("roles=%s,%s", agents[0].Role().Name(), agents[1].Role().Name())
	}

	cfg.EntityIDs = []string{"ghost"}
	if _, err := startAgents(context.Background(), l, cfg, logging.Discard()); err == nil {
		t.Fatalf("expected error when no entity can be fetched")
	}
}

func TestRenderOperations(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderOperations(&buf, []indexdb.OperationRow{
		{EntityID: "fleet-1", Role: "extraction", Event: "applied", State: "EXTRACTING(belt-1)", OpDetail: "EXTRACTING(80s left)", CallsIssued: 4, UpdatedAt: now.Add(-30 * time.Second)},
		{EntityID: "fleet-2", Role: "transport", Event: "removed", State: "IDLE(0,0)", OpDetail: "IDLE", CallErrors: 1},
	}, now)
	out := buf.String()
	for _, want := range []string{"ENTITY", "fleet-1", "EXTRACTING(80s left)", "30s", "REMOVED"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFilterRecords(t *testing.T) {
	var recs []autoplay.Record
	for i := 0; i < 6; i++ {
		id := fleet.EntityID("a")
		if i%2 == 1 {
			id = "b"
		}
		recs = append(recs, autoplay.Record{EntityID: id, Action: string(rune('0' + i))})
	}
	got := filterRecords(recs, "a", 2)
	if len(got) != 2 || got[0].Action != "2" || got[1].Action != "4" {
		t.Fatalf("filtered=%+v", got)
	}
	if len(recs) != 6 || recs[1].EntityID != "b" {
		t.Fatalf("input slice modified: %+v", recs)
	}
	if got := filterRecords(recs, "", 0); len(got) != 6 {
		t.Fatalf("unfiltered=%d", len(got))
	}
}

func TestRunAndStatusAgreeOnDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fleet")
	path := filepath.Join(t.TempDir(), "autoplay.yaml")
	body := "wallet_path: /keys/id.json\nentity_ids: [fleet-miner-1]\ndata_dir: " + dir + "\n" +
		"profiles:\n  default:\n    kind: extraction\n    source_id: belt-1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := runConfig(path, "")
	if err != nil {
		t.Fatalf("run config: %v", err)
	}
	statusDir, err := resolveDataDir("", path)
	if err != nil {
		t.Fatalf("status dir: %v", err)
	}
	if cfg.DataDir != dir || statusDir != dir {
		t.Fatalf("run=%q status=%q want %q", cfg.DataDir, statusDir, dir)
	}

	override := t.TempDir()
	cfg, err = runConfig(path, override)
	if err != nil {
		t.Fatalf("run config: %v", err)
	}
	statusDir, _ = resolveDataDir(override, path)
	if cfg.DataDir != override || statusDir != override {
		t.Fatalf("run=%q status=%q want %q", cfg.DataDir, statusDir, override)
	}

	if d, err := resolveDataDir("", ""); err != nil || d != "./data" {
		t.Fatalf("default dir=%q err=%v", d, err)
	}
}

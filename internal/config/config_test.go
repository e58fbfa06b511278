package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetpilot.ai/internal/autoplay"
	"fleetpilot.ai/internal/sim/fleet"
)

const sampleYAML = `
cluster_endpoint: ws://ledger.local:8899/v1/ws
wallet_path: /keys/id.json
entity_collection_id: fleets-main
entity_ids: [Miner-A, hauler-b]
tick_rate_hz: 4
call_timeout: 10s
default_profile: mining
profiles:
  mining:
    kind: extraction
    source_id: belt-1
    dock_threshold: 0.7
  hauler-b:
    kind: transport
    home: {x: 0, y: 0}
    home_dock_id: dock-home
    destination: {x: 12, y: 5}
    cargo_mint: ore
    fuel_threshold: 0.25
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoplay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAMLAndRoles(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickInterval() != 250*time.Millisecond || cfg.CallTimeout != 10*time.Second {
		t.Fatalf("tick=%s timeout=%s", cfg.TickInterval(), cfg.CallTimeout)
	}
	if cfg.DataDir != "./data" || cfg.LogLevel != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	spec, ok := cfg.ProfileFor("Miner-A")
	if !ok || spec.Kind != RoleExtraction {
		t.Fatalf("miner profile=%+v ok=%v", spec, ok)
	}
	role, err := spec.Role()
	if err != nil {
		t.Fatalf("role: %v", err)
	}
	ext, ok := role.(*autoplay.ExtractionRole)
	if !ok || ext.SourceID != "belt-1" || ext.DockThreshold != 0.7 || ext.SupplyThreshold != autoplay.DefaultSupplyThreshold {
		t.Fatalf("extraction role=%+v", role)
	}

	spec, _ = cfg.ProfileFor("hauler-b")
	role, err = spec.Role()
	if err != nil {
		t.Fatalf("role: %v", err)
	}
	tr, ok := role.(*autoplay.TransportRole)
	if !ok || tr.Destination != (fleet.Coord{X: 12, Y: 5}) || tr.FuelThreshold != 0.25 || tr.LoadThreshold != autoplay.DefaultDockThreshold {
		t.Fatalf("transport role=%+v", role)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("FLEETPILOT_TICK_RATE_HZ", "10")
	t.Setenv("FLEETPILOT_DISABLE_DB", "true")
	t.Setenv("FLEETPILOT_ENTITY_IDS", "Miner-A,miner-c")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickRateHz != 10 || !cfg.DisableDB {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.EntityIDs) != 2 || cfg.EntityIDs[1] != "miner-c" {
		t.Fatalf("entity ids=%v", cfg.EntityIDs)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string][2]string{
		"endpoint scheme": {"ws://ledger.local:8899/v1/ws", "http://ledger.local"},
		"tick rate":       {"tick_rate_hz: 4", "tick_rate_hz: 0"},
		"no profile":      {"default_profile: mining", "default_profile: missing"},
		"bad kind":        {"kind: extraction", "kind: pirate"},
		"threshold":       {"dock_threshold: 0.7", "dock_threshold: 1.5"},
		"zero dock":       {"dock_threshold: 0.7", "dock_threshold: 0"},
		"negative fuel":   {"fuel_threshold: 0.25", "fuel_threshold: -0.1"},
		"transport loop":  {"destination: {x: 12, y: 5}", "destination: {x: 0, y: 0}"},
		"duplicate ids":   {"[Miner-A, hauler-b]", "[hauler-b, hauler-b]"},
	}
	for name, c := range cases {
		body := strings.Replace(sampleYAML, c[0], c[1], 1)
		if body == sampleYAML {
			t.Fatalf("%s: patch did not apply", name)
		}
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestExplicitZeroThresholdDisablesTopUp(t *testing.T) {
	body := strings.Replace(sampleYAML, "fuel_threshold: 0.25", "fuel_threshold: 0\n    supply_threshold: 0", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, _ := cfg.ProfileFor("hauler-b")
	role, err := spec.Role()
	if err != nil {
		t.Fatalf("role: %v", err)
	}
	tr := role.(*autoplay.TransportRole)
	if tr.FuelThreshold != 0 || tr.SupplyThreshold != 0 || tr.AmmoThreshold != autoplay.DefaultAmmoThreshold {
		t.Fatalf("thresholds fuel=%v ammo=%v supply=%v", tr.FuelThreshold, tr.AmmoThreshold, tr.SupplyThreshold)
	}

	snap := fleet.Snapshot{
		ID:    "hauler-b",
		State: fleet.AtDock("dock-away"),
		Pods:  fleet.Pods{Fuel: fleet.Pod{Mint: "fuel", Amount: 1, Capacity: 100}},
	}
	if rule := tr.Dock(snap).Resupply[0]; snap.Pods.Fuel.Fraction() < rule.Threshold {
		t.Fatalf("fuel top-up still enabled: %+v", rule)
	}
}

func TestLoadWithoutFileNeedsEntities(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error without wallet or entities")
	}
}

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"fleetpilot.ai/internal/sim/fleet"
)

func sampleSnapshot(state fleet.GameState) fleet.Snapshot {
	return fleet.Snapshot{
		ID:    "fleet-1",
		State: state,
		Pods: fleet.Pods{
			Cargo:  fleet.Pod{Mint: "ore", Amount: 12, Capacity: 100},
			Fuel:   fleet.Pod{Mint: "fuel", Amount: 30, Capacity: 100},
			Ammo:   fleet.Pod{Mint: "ammo", Amount: 80, Capacity: 100},
			Supply: fleet.Pod{Mint: "food", Amount: 1, Capacity: 50},
		},
		Stats: fleet.ShipStats{
			ExtractionRate:  5000,
			CargoCapacity:   100,
			FuelCapacity:    100,
			AmmoCapacity:    100,
			SupplyCapacity:  50,
			FuelPerTransit:  10,
			TransitCooldown: 90 * time.Second,
			Speed:           0.5,
		},
		FetchedAt: time.UnixMilli(1767225600000).UTC(),
	}
}

func TestAccountRoundTripPerStateKind(t *testing.T) {
	at := time.UnixMilli(1767225600000).UTC()
	states := []fleet.GameState{
		fleet.Idle(fleet.Coord{X: 3, Y: -4}),
		fleet.Extracting(fleet.Source{ID: "src-1", Mint: "ore", Richness: 150, Hardness: 200}, at),
		fleet.AtDock("dock-home"),
		fleet.Transit(fleet.Coord{}, fleet.Coord{X: 10, Y: 0}, at, at.Add(20*time.Second)),
	}
	for _, st := range states {
		want := sampleSnapshot(st)
		raw, err := EncodeAccount(want)
		if err != nil {
			t.Fatalf("%s: encode: %v", st.Kind, err)
		}
		got, err := DecodeAccount(raw)
		if err != nil {
			t.Fatalf("%s: decode: %v", st.Kind, err)
		}
		if got.ID != want.ID || got.State != want.State || got.Pods != want.Pods || got.Stats != want.Stats {
			t.Fatalf("%s: round trip mismatch:\n got=%+v\nwant=%+v", st.Kind, got, want)
		}
	}
}

func TestDecodeAccountRejectsLayoutMismatch(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"entity_id":`,
		"missing pods":    `{"entity_id":"f1","state":{"kind":"IDLE","location":{"x":0,"y":0}},"stats":{"extraction_rate":1,"cargo_capacity":1,"fuel_capacity":1,"ammo_capacity":1,"transit_cooldown_ms":0}}`,
		"unknown kind":    `{"entity_id":"f1","state":{"kind":"WARPING"},"pods":{},"stats":{}}`,
		"dock without id": `{"entity_id":"f1","state":{"kind":"AT_DOCK"},"pods":{"cargo":{"amount":0,"capacity":1},"fuel":{"amount":0,"capacity":1},"ammo":{"amount":0,"capacity":1},"supply":{"amount":0,"capacity":1}},"stats":{"extraction_rate":1,"cargo_capacity":1,"fuel_capacity":1,"ammo_capacity":1,"transit_cooldown_ms":0}}`,
		"negative amount": `{"entity_id":"f1","state":{"kind":"IDLE","location":{"x":0,"y":0}},"pods":{"cargo":{"amount":-1,"capacity":1},"fuel":{"amount":0,"capacity":1},"ammo":{"amount":0,"capacity":1},"supply":{"amount":0,"capacity":1}},"stats":{"extraction_rate":1,"cargo_capacity":1,"fuel_capacity":1,"ammo_capacity":1,"transit_cooldown_ms":0}}`,
	}
	for name, raw := range cases {
		if _, err := DecodeAccount([]byte(raw)); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestActionWireRoundTrip(t *testing.T) {
	a := fleet.Action{Kind: fleet.ActionDeposit, EntityID: "fleet-1", Pod: fleet.PodFuel, Mint: "fuel", Amount: 70}
	b, err := json.Marshal(EncodeAction(a))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var w ActionWire
	if err := json.Unmarshal(b, &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := DecodeAction("fleet-1", w); got != a {
		t.Fatalf("got %+v want %+v", got, a)
	}
	if string(SigningBytes("r1", "fleet-1", w)) == string(SigningBytes("r2", "fleet-1", w)) {
		t.Fatalf("signing bytes must bind the request id")
	}
}

func TestDecodeBase(t *testing.T) {
	base, err := DecodeBase([]byte(`{"type":"RESULT","protocol_version":"1.0","req_id":"abc"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if base.Type != TypeResult || base.ReqID != "abc" || !IsSupportedVersion(base.ProtocolVersion) {
		t.Fatalf("unexpected base: %+v", base)
	}
}

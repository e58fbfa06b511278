package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"fleetpilot.ai/internal/sim/fleet"
)

// AccountV1 is the wire form of a fleet account.
type AccountV1 struct {
	EntityID   string  `json:"entity_id"`
	State      StateV1 `json:"state"`
	Pods       PodsV1  `json:"pods"`
	Stats      StatsV1 `json:"stats"`
	SlotTimeMS int64   `json:"slot_time_ms"`
}

type StateV1 struct {
	Kind        string        `json:"kind"`
	Location    *fleet.Coord  `json:"location,omitempty"`
	Source      *fleet.Source `json:"source,omitempty"`
	StartedAtMS int64         `json:"started_at_ms,omitempty"`
	DockID      string        `json:"dock_id,omitempty"`
	From        *fleet.Coord  `json:"from,omitempty"`
	To          *fleet.Coord  `json:"to,omitempty"`
	DepartsAtMS int64         `json:"departs_at_ms,omitempty"`
	ArrivesAtMS int64         `json:"arrives_at_ms,omitempty"`
}

type PodsV1 struct {
	Cargo  fleet.Pod `json:"cargo"`
	Fuel   fleet.Pod `json:"fuel"`
	Ammo   fleet.Pod `json:"ammo"`
	Supply fleet.Pod `json:"supply"`
}

type StatsV1 struct {
	ExtractionRate      float64 `json:"extraction_rate"`
	CargoCapacity       int64   `json:"cargo_capacity"`
	FuelCapacity        int64   `json:"fuel_capacity"`
	AmmoCapacity        int64   `json:"ammo_capacity"`
	SupplyCapacity      int64   `json:"supply_capacity"`
	FuelPerTransit      int64   `json:"fuel_per_transit"`
	AmmoPerExtraction   int64   `json:"ammo_per_extraction"`
	SupplyPerExtraction int64   `json:"supply_per_extraction"`
	TransitCooldownMS   int64   `json:"transit_cooldown_ms"`
	Speed               float64 `json:"speed"`
}

const accountSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["entity_id", "state", "pods", "stats"],
  "properties": {
    "entity_id": {"type": "string", "minLength": 1},
    "slot_time_ms": {"type": "integer"},
    "state": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["IDLE", "EXTRACTING", "AT_DOCK", "TRANSIT"]},
        "location": {"$ref": "#/definitions/coord"},
        "from": {"$ref": "#/definitions/coord"},
        "to": {"$ref": "#/definitions/coord"},
        "source": {
          "type": "object",
          "required": ["id", "mint", "richness", "hardness"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "mint": {"type": "string"},
            "richness": {"type": "number"},
            "hardness": {"type": "number"}
          }
        },
        "started_at_ms": {"type": "integer"},
        "dock_id": {"type": "string"},
        "departs_at_ms": {"type": "integer"},
        "arrives_at_ms": {"type": "integer"}
      },
      "allOf": [
        {"if": {"properties": {"kind": {"const": "IDLE"}}}, "then": {"required": ["location"]}},
        {"if": {"properties": {"kind": {"const": "EXTRACTING"}}}, "then": {"required": ["source", "started_at_ms"]}},
        {"if": {"properties": {"kind": {"const": "AT_DOCK"}}}, "then": {"required": ["dock_id"], "properties": {"dock_id": {"minLength": 1}}}},
        {"if": {"properties": {"kind": {"const": "TRANSIT"}}}, "then": {"required": ["from", "to", "departs_at_ms", "arrives_at_ms"]}}
      ]
    },
    "pods": {
      "type": "object",
      "required": ["cargo", "fuel", "ammo", "supply"],
      "properties": {
        "cargo": {"$ref": "#/definitions/pod"},
        "fuel": {"$ref": "#/definitions/pod"},
        "ammo": {"$ref": "#/definitions/pod"},
        "supply": {"$ref": "#/definitions/pod"}
      }
    },
    "stats": {
      "type": "object",
      "required": ["extraction_rate", "cargo_capacity", "fuel_capacity", "ammo_capacity", "transit_cooldown_ms"],
      "properties": {
        "extraction_rate": {"type": "number", "minimum": 0},
        "cargo_capacity": {"type": "integer", "minimum": 0},
        "fuel_capacity": {"type": "integer", "minimum": 0},
        "ammo_capacity": {"type": "integer", "minimum": 0},
        "supply_capacity": {"type": "integer", "minimum": 0},
        "transit_cooldown_ms": {"type": "integer", "minimum": 0},
        "speed": {"type": "number", "minimum": 0}
      }
    }
  },
  "definitions": {
    "coord": {
      "type": "object",
      "required": ["x", "y"],
      "properties": {"x": {"type": "integer"}, "y": {"type": "integer"}}
    },
    "pod": {
      "type": "object",
      "required": ["amount", "capacity"],
      "properties": {
        "mint": {"type": "string"},
        "amount": {"type": "integer", "minimum": 0},
        "capacity": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	accountSchemaOnce sync.Once
	accountSchema     *jsonschema.Schema
	accountSchemaErr  error
)

func compiledAccountSchema() (*jsonschema.Schema, error) {
	accountSchemaOnce.Do(func() {
		accountSchema, accountSchemaErr = jsonschema.CompileString("account.schema.json", accountSchemaJSON)
	})
	return accountSchema, accountSchemaErr
}

// ValidateAccount checks raw against the account layout without decoding it.
func ValidateAccount(raw []byte) error {
	s, err := compiledAccountSchema()
	if err != nil {
		return fmt.Errorf("account schema: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("account json: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("account layout: %w", err)
	}
	return nil
}

// DecodeAccount validates and converts a wire account into a snapshot.
func DecodeAccount(raw []byte) (fleet.Snapshot, error) {
	if err := ValidateAccount(raw); err != nil {
		return fleet.Snapshot{}, err
	}
	var a AccountV1
	if err := json.Unmarshal(raw, &a); err != nil {
		return fleet.Snapshot{}, fmt.Errorf("account json: %w", err)
	}
	return a.Snapshot(), nil
}

func EncodeAccount(s fleet.Snapshot) ([]byte, error) {
	return json.Marshal(AccountFromSnapshot(s))
}

func (a AccountV1) Snapshot() fleet.Snapshot {
	st := fleet.GameState{Kind: fleet.StateKind(a.State.Kind), DockID: a.State.DockID}
	if a.State.Location != nil {
		st.Location = *a.State.Location
	}
	if a.State.Source != nil {
		st.Source = *a.State.Source
	}
	if a.State.From != nil {
		st.From = *a.State.From
	}
	if a.State.To != nil {
		st.To = *a.State.To
	}
	st.StartedAt = fromMS(a.State.StartedAtMS)
	st.DepartsAt = fromMS(a.State.DepartsAtMS)
	st.ArrivesAt = fromMS(a.State.ArrivesAtMS)

	return fleet.Snapshot{
		ID:    fleet.EntityID(a.EntityID),
		State: st,
		Pods: fleet.Pods{
			Cargo:  a.Pods.Cargo,
			Fuel:   a.Pods.Fuel,
			Ammo:   a.Pods.Ammo,
			Supply: a.Pods.Supply,
		},
		Stats: fleet.ShipStats{
			ExtractionRate:      a.Stats.ExtractionRate,
			CargoCapacity:       a.Stats.CargoCapacity,
			FuelCapacity:        a.Stats.FuelCapacity,
			AmmoCapacity:        a.Stats.AmmoCapacity,
			SupplyCapacity:      a.Stats.SupplyCapacity,
			FuelPerTransit:      a.Stats.FuelPerTransit,
			AmmoPerExtraction:   a.Stats.AmmoPerExtraction,
			SupplyPerExtraction: a.Stats.SupplyPerExtraction,
			TransitCooldown:     time.Duration(a.Stats.TransitCooldownMS) * time.Millisecond,
			Speed:               a.Stats.Speed,
		},
		FetchedAt: fromMS(a.SlotTimeMS),
	}
}

func AccountFromSnapshot(s fleet.Snapshot) AccountV1 {
	st := StateV1{Kind: string(s.State.Kind)}
	switch s.State.Kind {
	case fleet.StateIdle:
		loc := s.State.Location
		st.Location = &loc
	case fleet.StateExtracting:
		src := s.State.Source
		st.Source = &src
		st.StartedAtMS = toMS(s.State.StartedAt)
	case fleet.StateAtDock:
		st.DockID = s.State.DockID
	case fleet.StateTransit:
		from, to := s.State.From, s.State.To
		st.From = &from
		st.To = &to
		st.DepartsAtMS = toMS(s.State.DepartsAt)
		st.ArrivesAtMS = toMS(s.State.ArrivesAt)
	}
	return AccountV1{
		EntityID: string(s.ID),
		State:    st,
		Pods: PodsV1{
			Cargo:  s.Pods.Cargo,
			Fuel:   s.Pods.Fuel,
			Ammo:   s.Pods.Ammo,
			Supply: s.Pods.Supply,
		},
		Stats: StatsV1{
			ExtractionRate:      s.Stats.ExtractionRate,
			CargoCapacity:       s.Stats.CargoCapacity,
			FuelCapacity:        s.Stats.FuelCapacity,
			AmmoCapacity:        s.Stats.AmmoCapacity,
			SupplyCapacity:      s.Stats.SupplyCapacity,
			FuelPerTransit:      s.Stats.FuelPerTransit,
			AmmoPerExtraction:   s.Stats.AmmoPerExtraction,
			SupplyPerExtraction: s.Stats.SupplyPerExtraction,
			TransitCooldownMS:   s.Stats.TransitCooldown.Milliseconds(),
			Speed:               s.Stats.Speed,
		},
		SlotTimeMS: toMS(s.FetchedAt),
	}
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

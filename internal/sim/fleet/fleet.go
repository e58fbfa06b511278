package fleet

import (
	"fmt"
	"math"
	"time"
)

type EntityID string

type StateKind string

const (
	StateIdle       StateKind = "IDLE"
	StateExtracting StateKind = "EXTRACTING"
	StateAtDock     StateKind = "AT_DOCK"
	StateTransit    StateKind = "TRANSIT"
)

type Coord struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// Distance is the euclidean distance between two sectors.
func (c Coord) Distance(o Coord) float64 {
	dx := float64(c.X - o.X)
	dy := float64(c.Y - o.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

// Source is a resource deposit a fleet can extract from.
// Richness and Hardness are percentages (100 == 1.0).
type Source struct {
	ID       string  `json:"id" yaml:"id"`
	Mint     string  `json:"mint" yaml:"mint"`
	Location Coord   `json:"location" yaml:"location"`
	Richness float64 `json:"richness" yaml:"richness"`
	Hardness float64 `json:"hardness" yaml:"hardness"`
}

// GameState is a tagged union keyed by Kind. Only the fields of the active
// variant are meaningful:
//
//	IDLE        Location
//	EXTRACTING  Source, StartedAt
//	AT_DOCK     DockID
//	TRANSIT     From, To, DepartsAt, ArrivesAt
type GameState struct {
	Kind StateKind

	Location Coord

	Source    Source
	StartedAt time.Time

	DockID string

	From      Coord
	To        Coord
	DepartsAt time.Time
	ArrivesAt time.Time
}

func Idle(loc Coord) GameState { return GameState{Kind: StateIdle, Location: loc} }

func Extracting(src Source, startedAt time.Time) GameState {
	return GameState{Kind: StateExtracting, Source: src, StartedAt: startedAt}
}

func AtDock(dockID string) GameState { return GameState{Kind: StateAtDock, DockID: dockID} }

func Transit(from, to Coord, departs, arrives time.Time) GameState {
	return GameState{Kind: StateTransit, From: from, To: to, DepartsAt: departs, ArrivesAt: arrives}
}

func (g GameState) String() string {
	switch g.Kind {
	case StateIdle:
		return fmt.Sprintf("IDLE%s", g.Location)
	case StateExtracting:
		return fmt.Sprintf("EXTRACTING(%s)", g.Source.ID)
	case StateAtDock:
		return fmt.Sprintf("AT_DOCK(%s)", g.DockID)
	case StateTransit:
		return fmt.Sprintf("TRANSIT%s->%s", g.From, g.To)
	default:
		return string(g.Kind)
	}
}

type PodKind string

const (
	PodCargo  PodKind = "CARGO"
	PodFuel   PodKind = "FUEL"
	PodAmmo   PodKind = "AMMO"
	PodSupply PodKind = "SUPPLY"
)

func (k PodKind) Valid() bool {
	switch k {
	case PodCargo, PodFuel, PodAmmo, PodSupply:
		return true
	}
	return false
}

type Pod struct {
	Mint     string `json:"mint"`
	Amount   int64  `json:"amount"`
	Capacity int64  `json:"capacity"`
}

// Fraction is Amount/Capacity; an empty-capacity pod reports 0.
func (p Pod) Fraction() float64 {
	if p.Capacity <= 0 {
		return 0
	}
	return float64(p.Amount) / float64(p.Capacity)
}

func (p Pod) Free() int64 {
	if p.Amount >= p.Capacity {
		return 0
	}
	return p.Capacity - p.Amount
}

type Pods struct {
	Cargo  Pod
	Fuel   Pod
	Ammo   Pod
	Supply Pod
}

func (p *Pods) Get(k PodKind) (Pod, bool) {
	switch k {
	case PodCargo:
		return p.Cargo, true
	case PodFuel:
		return p.Fuel, true
	case PodAmmo:
		return p.Ammo, true
	case PodSupply:
		return p.Supply, true
	}
	return Pod{}, false
}

func (p *Pods) Ref(k PodKind) *Pod {
	switch k {
	case PodCargo:
		return &p.Cargo
	case PodFuel:
		return &p.Fuel
	case PodAmmo:
		return &p.Ammo
	case PodSupply:
		return &p.Supply
	}
	return nil
}

type ShipStats struct {
	// ExtractionRate is in ten-thousandths of a unit per second.
	ExtractionRate float64

	CargoCapacity  int64
	FuelCapacity   int64
	AmmoCapacity   int64
	SupplyCapacity int64

	FuelPerTransit      int64
	AmmoPerExtraction   int64
	SupplyPerExtraction int64

	TransitCooldown time.Duration
	// Speed is in sectors per second.
	Speed float64
}

// Snapshot is the last-known remote state of one fleet. It is replaced
// wholesale on every fetch or receipt.
type Snapshot struct {
	ID        EntityID
	State     GameState
	Pods      Pods
	Stats     ShipStats
	FetchedAt time.Time
}

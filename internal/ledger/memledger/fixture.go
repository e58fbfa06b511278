package memledger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleetpilot.ai/internal/sim/fleet"
)

// Fixture is the YAML description of a fresh simulated world.
type Fixture struct {
	Cluster string        `yaml:"cluster"`
	Sources []SourceSpec  `yaml:"sources"`
	Docks   []DockSpec    `yaml:"docks"`
	Fleets  []FleetSpec   `yaml:"fleets"`
	Stats   ShipStatsSpec `yaml:"default_stats"`
}

type SourceSpec struct {
	ID       string      `yaml:"id"`
	Mint     string      `yaml:"mint"`
	Location fleet.Coord `yaml:"location"`
	Richness float64     `yaml:"richness"`
	Hardness float64     `yaml:"hardness"`
}

type DockSpec struct {
	ID       string      `yaml:"id"`
	Location fleet.Coord `yaml:"location"`
}

type FleetSpec struct {
	ID       string         `yaml:"id"`
	Location fleet.Coord    `yaml:"location"`
	DockID   string         `yaml:"dock_id,omitempty"`
	Stats    *ShipStatsSpec `yaml:"stats,omitempty"`
	Pods     PodsSpec       `yaml:"pods"`
}

type PodsSpec struct {
	Cargo  PodSpec `yaml:"cargo"`
	Fuel   PodSpec `yaml:"fuel"`
	Ammo   PodSpec `yaml:"ammo"`
	Supply PodSpec `yaml:"supply"`
}

type PodSpec struct {
	Mint   string `yaml:"mint"`
	Amount int64  `yaml:"amount"`
}

type ShipStatsSpec struct {
	ExtractionRate      float64       `yaml:"extraction_rate"`
	CargoCapacity       int64         `yaml:"cargo_capacity"`
	FuelCapacity        int64         `yaml:"fuel_capacity"`
	AmmoCapacity        int64         `yaml:"ammo_capacity"`
	SupplyCapacity      int64         `yaml:"supply_capacity"`
	FuelPerTransit      int64         `yaml:"fuel_per_transit"`
	AmmoPerExtraction   int64         `yaml:"ammo_per_extraction"`
	SupplyPerExtraction int64         `yaml:"supply_per_extraction"`
	TransitCooldown     time.Duration `yaml:"transit_cooldown"`
	Speed               float64       `yaml:"speed"`
}

func (s ShipStatsSpec) stats() fleet.ShipStats {
	return fleet.ShipStats{
		ExtractionRate:      s.ExtractionRate,
		CargoCapacity:       s.CargoCapacity,
		FuelCapacity:        s.FuelCapacity,
		AmmoCapacity:        s.AmmoCapacity,
		SupplyCapacity:      s.SupplyCapacity,
		FuelPerTransit:      s.FuelPerTransit,
		AmmoPerExtraction:   s.AmmoPerExtraction,
		SupplyPerExtraction: s.SupplyPerExtraction,
		TransitCooldown:     s.TransitCooldown,
		Speed:               s.Speed,
	}
}

func LoadFixture(path string) (Fixture, error) {
	fx := DefaultFixture()
	if strings.TrimSpace(path) == "" {
		fx.Normalize()
		return fx, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fx, err
	}
	if err := yaml.Unmarshal(b, &fx); err != nil {
		return fx, fmt.Errorf("fixture: %w", err)
	}
	fx.Normalize()
	if err := fx.Validate(); err != nil {
		return fx, fmt.Errorf("fixture: %w", err)
	}
	return fx, nil
}

// DefaultFixture is a two-sector world: a mining belt with a home dock and a
// market dock some distance away.
func DefaultFixture() Fixture {
	return Fixture{
		Cluster: "sim",
		Sources: []SourceSpec{
			{ID: "belt-1", Mint: "ore", Location: fleet.Coord{X: 0, Y: 0}, Richness: 100, Hardness: 100},
		},
		Docks: []DockSpec{
			{ID: "dock-home", Location: fleet.Coord{X: 0, Y: 0}},
			{ID: "dock-market", Location: fleet.Coord{X: 12, Y: 5}},
		},
		Stats: ShipStatsSpec{
			ExtractionRate:      5000,
			CargoCapacity:       100,
			FuelCapacity:        100,
			AmmoCapacity:        100,
			SupplyCapacity:      100,
			FuelPerTransit:      10,
			AmmoPerExtraction:   5,
			SupplyPerExtraction: 2,
			TransitCooldown:     30 * time.Second,
			Speed:               1,
		},
		Fleets: []FleetSpec{
			{ID: "fleet-miner-1", Location: fleet.Coord{}},
			{ID: "fleet-hauler-1", Location: fleet.Coord{}, DockID: "dock-home"},
		},
	}
}

func (f *Fixture) Normalize() {
	if f == nil {
		return
	}
	if strings.TrimSpace(f.Cluster) == "" {
		f.Cluster = "sim"
	}
	for i := range f.Fleets {
		if f.Fleets[i].Stats == nil {
			st := f.Stats
			f.Fleets[i].Stats = &st
		}
		// A docked fleet sits at its dock.
		if id := f.Fleets[i].DockID; id != "" {
			for _, d := range f.Docks {
				if d.ID == id {
					f.Fleets[i].Location = d.Location
				}
			}
		}
		pods := &f.Fleets[i].Pods
		st := f.Fleets[i].Stats
		fillDefault(&pods.Fuel, st.FuelCapacity)
		fillDefault(&pods.Ammo, st.AmmoCapacity)
		fillDefault(&pods.Supply, st.SupplyCapacity)
	}
}

// fillDefault gives an unconfigured consumable pod a full load.
func fillDefault(p *PodSpec, capacity int64) {
	if p.Mint == "" && p.Amount == 0 {
		p.Amount = capacity
	}
}

func (f Fixture) Validate() error {
	f.Normalize()
	if len(f.Fleets) == 0 {
		return fmt.Errorf("fleets must not be empty")
	}
	sources := map[string]bool{}
	for _, s := range f.Sources {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("source id must not be empty")
		}
		if sources[s.ID] {
			return fmt.Errorf("duplicate source id: %s", s.ID)
		}
		sources[s.ID] = true
		if s.Mint == "" {
			return fmt.Errorf("source %s mint must not be empty", s.ID)
		}
		if s.Richness < 0 || s.Hardness < 0 {
			return fmt.Errorf("source %s richness/hardness must be >= 0", s.ID)
		}
	}
	docks := map[string]bool{}
	at := map[fleet.Coord]string{}
	for _, d := range f.Docks {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("dock id must not be empty")
		}
		if docks[d.ID] {
			return fmt.Errorf("duplicate dock id: %s", d.ID)
		}
		if other, ok := at[d.Location]; ok {
			return fmt.Errorf("docks %s and %s share location %s", other, d.ID, d.Location)
		}
		docks[d.ID] = true
		at[d.Location] = d.ID
	}
	seen := map[string]bool{}
	for _, fl := range f.Fleets {
		if strings.TrimSpace(fl.ID) == "" {
			return fmt.Errorf("fleet id must not be empty")
		}
		if seen[fl.ID] {
			return fmt.Errorf("duplicate fleet id: %s", fl.ID)
		}
		seen[fl.ID] = true
		if fl.DockID != "" && !docks[fl.DockID] {
			return fmt.Errorf("fleet %s dock_id %q not found in docks", fl.ID, fl.DockID)
		}
		st := fl.Stats
		if st.CargoCapacity <= 0 {
			return fmt.Errorf("fleet %s cargo_capacity must be > 0", fl.ID)
		}
		if fl.Pods.Cargo.Amount > 0 && fl.Pods.Cargo.Mint == "" {
			return fmt.Errorf("fleet %s cargo amount needs a mint", fl.ID)
		}
		if st.TransitCooldown < 0 {
			return fmt.Errorf("fleet %s transit_cooldown must be >= 0", fl.ID)
		}
		for name, p := range map[string]struct {
			pod PodSpec
			cap int64
		}{
			"cargo":  {fl.Pods.Cargo, st.CargoCapacity},
			"fuel":   {fl.Pods.Fuel, st.FuelCapacity},
			"ammo":   {fl.Pods.Ammo, st.AmmoCapacity},
			"supply": {fl.Pods.Supply, st.SupplyCapacity},
		} {
			if p.pod.Amount < 0 || p.pod.Amount > p.cap {
				return fmt.Errorf("fleet %s %s amount %d outside [0, %d]", fl.ID, name, p.pod.Amount, p.cap)
			}
		}
	}
	return nil
}

// Seed loads the fixture into l.
func (f Fixture) Seed(l *Ledger) error {
	f.Normalize()
	for _, s := range f.Sources {
		if err := l.AddSource(fleet.Source(s)); err != nil {
			return err
		}
	}
	for _, d := range f.Docks {
		if err := l.AddDock(d.ID, d.Location); err != nil {
			return err
		}
	}
	for _, fl := range f.Fleets {
		st := fl.Stats.stats()
		state := fleet.Idle(fl.Location)
		if fl.DockID != "" {
			state = fleet.AtDock(fl.DockID)
		}
		snap := fleet.Snapshot{
			ID:    fleet.EntityID(fl.ID),
			State: state,
			Pods: fleet.Pods{
				Cargo:  pod(fl.Pods.Cargo, st.CargoCapacity, ""),
				Fuel:   pod(fl.Pods.Fuel, st.FuelCapacity, "fuel"),
				Ammo:   pod(fl.Pods.Ammo, st.AmmoCapacity, "ammo"),
				Supply: pod(fl.Pods.Supply, st.SupplyCapacity, "food"),
			},
			Stats: st,
		}
		if err := l.PutFleet(snap); err != nil {
			return err
		}
	}
	return nil
}

func pod(p PodSpec, capacity int64, defaultMint string) fleet.Pod {
	mint := p.Mint
	if mint == "" && p.Amount > 0 {
		mint = defaultMint
	}
	return fleet.Pod{Mint: mint, Amount: p.Amount, Capacity: capacity}
}

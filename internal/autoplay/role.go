package autoplay

import (
	"fleetpilot.ai/internal/sim/fleet"
)

// Role supplies the per-fleet decisions the generic agent cannot make on its
// own: what to do when idle, and what to move while docked.
type Role interface {
	Name() string
	// Idle returns the next action for a fleet in the IDLE state.
	Idle(s fleet.Snapshot) (fleet.Action, bool)
	// Dock returns the pipeline rules for a fleet docked at s.State.DockID.
	Dock(s fleet.Snapshot) DockPlan
}

// DockPlan drives the Withdraw and Resupply steps. A nil rule skips its step.
type DockPlan struct {
	Withdraw *PodRule
	// Resupply holds the primary, secondary and tertiary rules in order.
	Resupply [3]*PodRule
}

// PodRule names a pod, the mint it holds and, for resupply steps, the fill
// fraction below which it is topped up. An empty Mint means the pod's
// current mint.
type PodRule struct {
	Pod       fleet.PodKind
	Mint      string
	Threshold float64
}

const (
	DefaultDockThreshold   = 0.55
	DefaultFuelThreshold   = 0.5
	DefaultAmmoThreshold   = 0.5
	DefaultSupplyThreshold = 0.05
)

// Consumables are the resupply rules shared by every role. The constructors
// replace non-positive thresholds with the defaults; a threshold set to 0
// afterwards never triggers a top-up.
type Consumables struct {
	FuelMint   string
	AmmoMint   string
	SupplyMint string

	FuelThreshold   float64
	AmmoThreshold   float64
	SupplyThreshold float64
}

func (c Consumables) withDefaults() Consumables {
	if c.FuelThreshold <= 0 {
		c.FuelThreshold = DefaultFuelThreshold
	}
	if c.AmmoThreshold <= 0 {
		c.AmmoThreshold = DefaultAmmoThreshold
	}
	if c.SupplyThreshold <= 0 {
		c.SupplyThreshold = DefaultSupplyThreshold
	}
	return c
}

func (c Consumables) fuel() *PodRule {
	return &PodRule{Pod: fleet.PodFuel, Mint: c.FuelMint, Threshold: c.FuelThreshold}
}

func (c Consumables) ammo() *PodRule {
	return &PodRule{Pod: fleet.PodAmmo, Mint: c.AmmoMint, Threshold: c.AmmoThreshold}
}

func (c Consumables) supply() *PodRule {
	return &PodRule{Pod: fleet.PodSupply, Mint: c.SupplyMint, Threshold: c.SupplyThreshold}
}

// ExtractionRole mines one source, docks once cargo passes DockThreshold,
// unloads everything but one unit, resupplies and goes back to mining.
type ExtractionRole struct {
	SourceID      string
	CargoMint     string
	DockThreshold float64
	Consumables
}

func NewExtractionRole(sourceID string, c Consumables) *ExtractionRole {
	return &ExtractionRole{SourceID: sourceID, DockThreshold: DefaultDockThreshold, Consumables: c.withDefaults()}
}

func (r *ExtractionRole) Name() string { return "extraction" }

func (r *ExtractionRole) Idle(s fleet.Snapshot) (fleet.Action, bool) {
	threshold := r.DockThreshold
	if threshold <= 0 {
		threshold = DefaultDockThreshold
	}
	if s.Pods.Cargo.Fraction() > threshold {
		return fleet.Action{Kind: fleet.ActionDock, EntityID: s.ID, Location: s.State.Location}, true
	}
	return fleet.Action{Kind: fleet.ActionStartExtraction, EntityID: s.ID, SourceID: r.SourceID}, true
}

func (r *ExtractionRole) Dock(s fleet.Snapshot) DockPlan {
	return DockPlan{
		Withdraw: &PodRule{Pod: fleet.PodCargo, Mint: r.CargoMint},
		Resupply: [3]*PodRule{r.fuel(), r.ammo(), r.supply()},
	}
}

// TransportRole hauls CargoMint from the Home dock to the Destination dock.
// It loads at home on the tertiary step and unloads at the destination on
// the withdraw step.
type TransportRole struct {
	Home          fleet.Coord
	HomeDockID    string
	Destination   fleet.Coord
	CargoMint     string
	LoadThreshold float64
	Consumables
}

func NewTransportRole(home fleet.Coord, homeDockID string, dest fleet.Coord, cargoMint string, c Consumables) *TransportRole {
	return &TransportRole{
		Home:          home,
		HomeDockID:    homeDockID,
		Destination:   dest,
		CargoMint:     cargoMint,
		LoadThreshold: DefaultDockThreshold,
		Consumables:   c.withDefaults(),
	}
}

func (r *TransportRole) Name() string { return "transport" }

func (r *TransportRole) loaded(s fleet.Snapshot) bool {
	threshold := r.LoadThreshold
	if threshold <= 0 {
		threshold = DefaultDockThreshold
	}
	return s.Pods.Cargo.Fraction() > threshold
}

func (r *TransportRole) Idle(s fleet.Snapshot) (fleet.Action, bool) {
	target := r.Home
	if r.loaded(s) {
		target = r.Destination
	}
	if s.State.Location == target {
		return fleet.Action{Kind: fleet.ActionDock, EntityID: s.ID, Location: target}, true
	}
	return fleet.Action{Kind: fleet.ActionStartTransit, EntityID: s.ID, To: target}, true
}

func (r *TransportRole) Dock(s fleet.Snapshot) DockPlan {
	plan := DockPlan{Resupply: [3]*PodRule{r.fuel(), r.ammo(), nil}}
	if s.State.DockID == r.HomeDockID {
		plan.Resupply[2] = &PodRule{Pod: fleet.PodCargo, Mint: r.CargoMint, Threshold: 1}
		return plan
	}
	plan.Withdraw = &PodRule{Pod: fleet.PodCargo, Mint: r.CargoMint}
	return plan
}

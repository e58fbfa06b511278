package fleet

import "testing"

func TestPodFractionAndFree(t *testing.T) {
	p := Pod{Mint: "fuel", Amount: 30, Capacity: 100}
	if got := p.Fraction(); got != 0.3 {
		t.Fatalf("fraction=%v want 0.3", got)
	}
	if got := p.Free(); got != 70 {
		t.Fatalf("free=%d want 70", got)
	}
	if got := (Pod{Amount: 5}).Fraction(); got != 0 {
		t.Fatalf("zero capacity fraction=%v want 0", got)
	}
	if got := (Pod{Amount: 120, Capacity: 100}).Free(); got != 0 {
		t.Fatalf("overfull free=%d want 0", got)
	}
}

func TestPodsRef(t *testing.T) {
	var pods Pods
	pods.Ref(PodAmmo).Amount = 7
	if pods.Ammo.Amount != 7 {
		t.Fatalf("Ref did not alias ammo pod")
	}
	if pods.Ref("NOPE") != nil {
		t.Fatalf("expected nil for unknown pod")
	}
	if _, ok := pods.Get(PodSupply); !ok {
		t.Fatalf("expected supply pod")
	}
}

func TestActionValidate(t *testing.T) {
	ok := []Action{
		{Kind: ActionFetch, EntityID: "f1"},
		{Kind: ActionStartExtraction, EntityID: "f1", SourceID: "s1"},
		{Kind: ActionUndock, EntityID: "f1", DockID: "d1"},
		{Kind: ActionDeposit, EntityID: "f1", Pod: PodFuel, Mint: "fuel", Amount: 1},
	}
	for _, a := range ok {
		if err := a.Validate(); err != nil {
			t.Fatalf("%s: unexpected error %v", a, err)
		}
	}
	bad := []Action{
		{Kind: ActionFetch},
		{Kind: ActionStartExtraction, EntityID: "f1"},
		{Kind: ActionWithdrawAll, EntityID: "f1", Pod: PodCargo, Mint: "ore", Amount: 0},
		{Kind: ActionDeposit, EntityID: "f1", Pod: "TANK", Mint: "fuel", Amount: 3},
		{Kind: "WARP", EntityID: "f1"},
	}
	for _, a := range bad {
		if err := a.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", a)
		}
	}
}

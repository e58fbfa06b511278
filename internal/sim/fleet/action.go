package fleet

import "fmt"

type ActionKind string

const (
	ActionFetch           ActionKind = "FETCH"
	ActionStartExtraction ActionKind = "START_EXTRACTION"
	ActionStopExtraction  ActionKind = "STOP_EXTRACTION"
	ActionDock            ActionKind = "DOCK"
	ActionUndock          ActionKind = "UNDOCK"
	ActionDeposit         ActionKind = "DEPOSIT"
	ActionWithdrawAll     ActionKind = "WITHDRAW_ALL"
	ActionStartTransit    ActionKind = "START_TRANSIT"
	ActionExitTransit     ActionKind = "EXIT_TRANSIT"
)

// Action is a remote call issued on behalf of one fleet. Fields outside the
// kind's parameter list are zero:
//
//	START_EXTRACTION  SourceID
//	DOCK              Location
//	UNDOCK            DockID
//	DEPOSIT           Pod, Mint, Amount
//	WITHDRAW_ALL      Pod, Mint, Amount (amount to move; the rest stays)
//	START_TRANSIT     To
type Action struct {
	Kind     ActionKind
	EntityID EntityID

	SourceID string
	Location Coord
	DockID   string
	Pod      PodKind
	Mint     string
	Amount   int64
	To       Coord
}

// Mutating reports whether the action changes remote state.
func (a Action) Mutating() bool { return a.Kind != ActionFetch }

func (a Action) Validate() error {
	if a.EntityID == "" {
		return fmt.Errorf("action %s: empty entity id", a.Kind)
	}
	switch a.Kind {
	case ActionFetch, ActionStopExtraction, ActionExitTransit, ActionDock, ActionStartTransit:
		return nil
	case ActionStartExtraction:
		if a.SourceID == "" {
			return fmt.Errorf("action %s: empty source id", a.Kind)
		}
	case ActionUndock:
		if a.DockID == "" {
			return fmt.Errorf("action %s: empty dock id", a.Kind)
		}
	case ActionDeposit, ActionWithdrawAll:
		if !a.Pod.Valid() {
			return fmt.Errorf("action %s: bad pod %q", a.Kind, a.Pod)
		}
		if a.Mint == "" {
			return fmt.Errorf("action %s: empty mint", a.Kind)
		}
		if a.Amount <= 0 {
			return fmt.Errorf("action %s: non-positive amount %d", a.Kind, a.Amount)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

func (a Action) String() string {
	switch a.Kind {
	case ActionStartExtraction:
		return fmt.Sprintf("%s(%s)", a.Kind, a.SourceID)
	case ActionDock:
		return fmt.Sprintf("%s%s", a.Kind, a.Location)
	case ActionUndock:
		return fmt.Sprintf("%s(%s)", a.Kind, a.DockID)
	case ActionDeposit, ActionWithdrawAll:
		return fmt.Sprintf("%s(%s,%s,%d)", a.Kind, a.Pod, a.Mint, a.Amount)
	case ActionStartTransit:
		return fmt.Sprintf("%s%s", a.Kind, a.To)
	default:
		return string(a.Kind)
	}
}

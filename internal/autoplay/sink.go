package autoplay

import (
	"errors"
	"time"

	"fleetpilot.ai/internal/sim/fleet"
)

// Event names what produced a Record.
type Event string

const (
	EventRegistered Event = "registered"
	EventIssued     Event = "issued"
	EventApplied    Event = "applied"
	EventFailed     Event = "failed"
	EventRemoved    Event = "removed"
)

// Record is one write-only observation of an agent. Agents never read these
// back.
type Record struct {
	Time      time.Time      `json:"time"`
	EntityID  fleet.EntityID `json:"entity_id"`
	Role      string         `json:"role"`
	Event     Event          `json:"event"`
	State     string         `json:"state"`
	Operation OperationView  `json:"operation"`
	Action    string         `json:"action,omitempty"`
	ReqID     string         `json:"req_id,omitempty"`
	TxRef     string         `json:"tx_ref,omitempty"`
	Error     string         `json:"error,omitempty"`
	Counters  Counters       `json:"counters"`
}

type Sink interface {
	WriteRecord(r Record) error
}

// MultiSink writes every record to each sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) WriteRecord(r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteRecord(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

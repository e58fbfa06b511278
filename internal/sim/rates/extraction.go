package rates

import (
	"errors"
	"math"
	"time"

	"fleetpilot.ai/internal/sim/fleet"
)

// ErrUndefinedRate is returned when the emission rate cannot be computed or is
// not positive (zero hardness, zero richness, zero ship rate).
var ErrUndefinedRate = errors.New("extraction rate undefined")

// EmissionRate returns units per second:
//
//	(shipRate/10000) * (richness/100) / (hardness/100)
func EmissionRate(shipRate, richness, hardness float64) (float64, error) {
	if hardness <= 0 {
		return 0, ErrUndefinedRate
	}
	r := (shipRate / 10000) * (richness / 100) / (hardness / 100)
	if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, ErrUndefinedRate
	}
	return r, nil
}

// RemainingCapacity is the space left in the pod after elapsed seconds of
// extraction at rate r, never negative.
func RemainingCapacity(pod fleet.Pod, elapsed time.Duration, r float64) float64 {
	capacity := float64(pod.Capacity)
	filled := float64(pod.Amount) + elapsed.Seconds()*r
	return capacity - math.Min(capacity, filled)
}

// maxSeconds is the longest span, in seconds, a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64) / float64(time.Second)

// Duration converts remaining capacity at rate r into a duration. Spans
// longer than a time.Duration can hold saturate at math.MaxInt64.
func Duration(remaining, r float64) (time.Duration, error) {
	if r <= 0 {
		return 0, ErrUndefinedRate
	}
	if remaining <= 0 {
		return 0, nil
	}
	secs := remaining / r
	if secs >= maxSeconds || math.IsInf(secs, 0) || math.IsNaN(secs) {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Extraction is the derived plan for a fleet that is extracting.
type Extraction struct {
	Rate      float64
	Remaining float64
	Duration  time.Duration
	Elapsed   time.Duration
}

// PlanExtraction derives rate, remaining cargo space and duration for a
// snapshot in the EXTRACTING state observed at now.
func PlanExtraction(snap fleet.Snapshot, now time.Time) (Extraction, error) {
	src := snap.State.Source
	r, err := EmissionRate(snap.Stats.ExtractionRate, src.Richness, src.Hardness)
	if err != nil {
		return Extraction{}, err
	}
	elapsed := now.Sub(snap.State.StartedAt)
	if elapsed < 0 || snap.State.StartedAt.IsZero() {
		elapsed = 0
	}
	remaining := RemainingCapacity(snap.Pods.Cargo, elapsed, r)
	d, err := Duration(remaining, r)
	if err != nil {
		return Extraction{}, err
	}
	return Extraction{Rate: r, Remaining: remaining, Duration: d, Elapsed: elapsed}, nil
}

// Mined is the whole number of units gathered after elapsed at rate r,
// clamped to the pod's free space.
func Mined(pod fleet.Pod, elapsed time.Duration, r float64) int64 {
	if r <= 0 || elapsed <= 0 {
		return 0
	}
	n := int64(math.Floor(elapsed.Seconds() * r))
	if free := pod.Free(); n > free {
		n = free
	}
	return n
}

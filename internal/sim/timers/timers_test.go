package timers

import (
	"testing"
	"time"
)

func TestStopwatchAccumulatesAndPauses(t *testing.T) {
	var s Stopwatch
	s.Tick(time.Second)
	s.Tick(500 * time.Millisecond)
	if got := s.Elapsed(); got != 1500*time.Millisecond {
		t.Fatalf("elapsed=%v want 1.5s", got)
	}

	s.Pause()
	s.Tick(time.Hour)
	if got := s.Elapsed(); got != 1500*time.Millisecond {
		t.Fatalf("paused stopwatch advanced: %v", got)
	}

	s.Resume()
	s.Tick(-time.Second)
	s.Tick(time.Second)
	if got := s.Elapsed(); got != 2500*time.Millisecond {
		t.Fatalf("elapsed=%v want 2.5s", got)
	}

	s.Reset()
	if s.Elapsed() != 0 || s.Paused() {
		t.Fatalf("reset did not clear stopwatch: %+v", s)
	}
}

func TestCountdownFinishesExactlyAtDuration(t *testing.T) {
	c := NewCountdown(3 * time.Second)
	if c.Finished {
		t.Fatalf("fresh countdown finished")
	}
	for i := 0; i < 2; i++ {
		if c.Tick(time.Second) {
			t.Fatalf("finished early after %d ticks", i+1)
		}
	}
	if c.Tick(999 * time.Millisecond) {
		t.Fatalf("finished 1ms early")
	}
	if !c.Tick(time.Millisecond) {
		t.Fatalf("expected finished at duration")
	}
	if c.Remaining() != 0 {
		t.Fatalf("remaining=%v want 0", c.Remaining())
	}
}

func TestCountdownPreElapsed(t *testing.T) {
	c := NewCountdownElapsed(80*time.Second, 120*time.Second)
	if !c.Finished {
		t.Fatalf("expected pre-elapsed countdown to be finished")
	}

	c = NewCountdownElapsed(80*time.Second, 30*time.Second)
	if c.Finished {
		t.Fatalf("unexpected finished")
	}
	if got := c.Remaining(); got != 50*time.Second {
		t.Fatalf("remaining=%v want 50s", got)
	}
}

func TestCountdownZeroAndInfinite(t *testing.T) {
	if c := NewCountdown(0); !c.Finished {
		t.Fatalf("zero countdown should be finished immediately")
	}
	if c := NewCountdown(-time.Second); !c.Finished || c.Duration != 0 {
		t.Fatalf("negative duration should clamp to 0: %+v", c)
	}

	c := InfiniteCountdown()
	if c.Tick(1000 * time.Hour) {
		t.Fatalf("infinite countdown finished")
	}
}

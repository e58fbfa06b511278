package timers

import "time"

// Stopwatch accumulates elapsed time from tick deltas. It never runs backwards.
type Stopwatch struct {
	elapsed time.Duration
	paused  bool
}

func (s *Stopwatch) Tick(dt time.Duration) {
	if s.paused || dt <= 0 {
		return
	}
	s.elapsed += dt
}

func (s *Stopwatch) Pause()                 { s.paused = true }
func (s *Stopwatch) Resume()                { s.paused = false }
func (s *Stopwatch) Paused() bool           { return s.paused }
func (s *Stopwatch) Elapsed() time.Duration { return s.elapsed }

func (s *Stopwatch) Reset() {
	s.elapsed = 0
	s.paused = false
}

// Countdown finishes once the accumulated ticks reach Duration.
// An infinite countdown never finishes.
type Countdown struct {
	Duration time.Duration
	Elapsed  time.Duration
	Finished bool
	Infinite bool
}

func NewCountdown(d time.Duration) Countdown {
	if d < 0 {
		d = 0
	}
	c := Countdown{Duration: d}
	c.update()
	return c
}

// NewCountdownElapsed returns a countdown that has already run for elapsed.
func NewCountdownElapsed(d, elapsed time.Duration) Countdown {
	c := NewCountdown(d)
	c.Tick(elapsed)
	return c
}

func InfiniteCountdown() Countdown {
	return Countdown{Infinite: true}
}

func (c *Countdown) Tick(dt time.Duration) bool {
	if dt > 0 {
		c.Elapsed += dt
	}
	c.update()
	return c.Finished
}

func (c *Countdown) Remaining() time.Duration {
	if c.Infinite {
		return time.Duration(1<<63 - 1)
	}
	if c.Elapsed >= c.Duration {
		return 0
	}
	return c.Duration - c.Elapsed
}

func (c *Countdown) update() {
	c.Finished = !c.Infinite && c.Elapsed >= c.Duration
}

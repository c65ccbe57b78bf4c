package radio

import "time"

// Clock is a playback clock driven by the amount of decoded audio rather than wall time.
// Samples are accumulated per sample rate; Now converts every bucket separately, so a
// session that mixes rates keeps one bucket per rate for its whole lifetime.
type Clock struct {
	origin  time.Time
	samples map[int]int64
}

// NewClock returns a clock with no decoded audio that reads origin.
func NewClock(origin time.Time) *Clock {
	return &Clock{
		origin:  origin,
		samples: make(map[int]int64),
	}
}

// Now returns origin plus the duration of all decoded samples.
// Each rate bucket is truncated to whole microseconds.
func (c *Clock) Now() time.Time {
	now := c.origin
	for rate, n := range c.samples {
		now = now.Add(time.Duration(n*1_000_000/int64(rate)) * time.Microsecond)
	}
	return now
}

// AddFrame accounts for one decoded frame. Frames without a valid rate are ignored.
func (c *Clock) AddFrame(sampleRate, samples int) {
	if sampleRate <= 0 || samples <= 0 {
		return
	}
	c.samples[sampleRate] += int64(samples)
}

// Resync moves the origin forward by epsilon, typically the time spent paused.
func (c *Clock) Resync(epsilon time.Duration) {
	c.origin = c.origin.Add(epsilon)
}

// Sub returns c.Now() - other.Now().
func (c *Clock) Sub(other *Clock) time.Duration {
	return c.Now().Sub(other.Now())
}

// Clone returns an independent copy of the clock.
func (c *Clock) Clone() *Clock {
	clone := NewClock(c.origin)
	for rate, n := range c.samples {
		clone.samples[rate] = n
	}
	return clone
}

// Rates returns the number of distinct sample rates seen so far.
func (c *Clock) Rates() int {
	return len(c.samples)
}

package serial

import (
	"sync/atomic"
	"time"
)

// rateMeter converts a byte counter into bits per second once per interval.
// add may be called from any goroutine; roll is called by the link loop only.
type rateMeter struct {
	bytes atomic.Uint64
	since time.Time
	last  float64
}

func newRateMeter(start time.Time) *rateMeter {
	return &rateMeter{since: start}
}

func (m *rateMeter) add(n int) {
	if n > 0 {
		m.bytes.Add(uint64(n))
	}
}

// roll computes the rate since the previous roll and resets the counter.
func (m *rateMeter) roll(now time.Time) float64 {
	elapsed := now.Sub(m.since).Seconds()
	if elapsed <= 0 {
		return m.last
	}
	n := m.bytes.Swap(0)
	m.last = float64(n*8) / elapsed
	m.since = now
	return m.last
}

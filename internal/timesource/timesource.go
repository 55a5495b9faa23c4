// Package timesource provides authoritative wall-clock timestamps.
//
// A Provider answers "what is the most recent validated time", or that it
// has none yet. Providers are polled; they never push.
package timesource

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Provider returns the last validated wall-clock time.
type Provider interface {
	LastValid() (time.Time, bool)
}

// None never has a valid time. Sessions keep their provisional names.
type None struct{}

// LastValid implements Provider.
func (None) LastValid() (time.Time, bool) { return time.Time{}, false }

// Latch holds a timestamp pushed by an external decoder, for example the
// time field of a GNSS fix, and extrapolates it with a monotonic clock.
type Latch struct {
	clock clockwork.Clock

	mu    sync.Mutex
	ts    time.Time
	at    time.Time
	valid bool
}

// NewLatch returns an empty Latch. A nil clock uses the real clock.
func NewLatch(clock clockwork.Clock) *Latch {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Latch{clock: clock}
}

// Set records ts as validated at the current instant.
func (l *Latch) Set(ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ts = ts
	l.at = l.clock.Now()
	l.valid = true
}

// Reset forgets the stored time.
func (l *Latch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.valid = false
}

// LastValid implements Provider. The stored time is advanced by the time
// elapsed since Set.
func (l *Latch) LastValid() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.valid {
		return time.Time{}, false
	}
	return l.ts.Add(l.clock.Since(l.at)), true
}

// Func adapts a function to Provider.
type Func func() (time.Time, bool)

// LastValid implements Provider.
func (f Func) LastValid() (time.Time, bool) { return f() }

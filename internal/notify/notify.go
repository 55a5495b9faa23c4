// Package notify wakes goroutines waiting for a state change.
package notify

import "sync"

// Signal broadcasts a change to any number of waiters without carrying a
// value. Notify closes the current channel and installs a fresh one, so a
// waiter that calls C again after waking sees every later change.
//
// The zero Signal is ready to use.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
	}
	s.ch = make(chan struct{})
}

// C returns a channel that is closed by the next Notify.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

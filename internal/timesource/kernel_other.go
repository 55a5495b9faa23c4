//go:build !linux

package timesource

import "time"

// Kernel is unsupported off Linux and never reports a valid time.
type Kernel struct{}

// NewKernel returns a Kernel provider.
func NewKernel() *Kernel { return &Kernel{} }

// LastValid implements Provider.
func (*Kernel) LastValid() (time.Time, bool) { return time.Time{}, false }

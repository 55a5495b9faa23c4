// Package sysmetrics samples process and host resource usage for status
// reports.
package sysmetrics

import (
	"context"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one sample.
type Snapshot struct {
	// ProcessCPU is process CPU usage in percent since the previous
	// sample. Multi-core processes can exceed 100%.
	ProcessCPU float64 `json:"process_cpu"`
	// MemoryInuse is HeapInuse plus StackInuse of the Go runtime, in bytes.
	MemoryInuse int64 `json:"memory_inuse"`
	Goroutines  int   `json:"goroutines"`

	// Host figures are zero when the platform cannot report them.
	HostCPU       float64       `json:"host_cpu"`
	HostMemoryPct float64       `json:"host_memory_pct"`
	HostUptime    time.Duration `json:"host_uptime"`
}

// Sampler computes CPU deltas between successive calls to Sample.
type Sampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastUser time.Duration
	lastSys  time.Duration
	lastCPU  float64
}

// NewSampler returns a Sampler whose first Sample covers the time since
// construction.
func NewSampler() *Sampler {
	utime, stime := getrusageTimes()
	return &Sampler{lastWall: time.Now(), lastUser: utime, lastSys: stime}
}

// Sample takes a snapshot.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{
		ProcessCPU:  s.cpuPercent(),
		MemoryInuse: MemoryInuse(),
		Goroutines:  runtime.NumGoroutine(),
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.HostCPU = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.HostMemoryPct = vm.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		snap.HostUptime = time.Duration(up) * time.Second
	}
	return snap
}

func (s *Sampler) cpuPercent() float64 {
	now := time.Now()
	utime, stime := getrusageTimes()

	s.mu.Lock()
	defer s.mu.Unlock()

	wall := now.Sub(s.lastWall)
	if wall <= 0 {
		return s.lastCPU
	}

	cpuDelta := (utime - s.lastUser) + (stime - s.lastSys)
	pct := float64(cpuDelta) / float64(wall) * 100.0

	s.lastWall = now
	s.lastUser = utime
	s.lastSys = stime
	s.lastCPU = pct

	return pct
}

// MemoryInuse returns the memory actively in use by the Go runtime, in
// bytes. This is HeapInuse (live heap spans) plus StackInuse (goroutine
// stacks), excluding virtual address space reserved but not committed.
func MemoryInuse() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapInuse + m.StackInuse) //nolint:gosec // G115: runtime memory fits in int64
}

func getrusageTimes() (user, sys time.Duration) {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0, 0
	}
	user = time.Duration(rusage.Utime.Nano())
	sys = time.Duration(rusage.Stime.Nano())
	return user, sys
}

// Package volume finds the removable drive sessions are recorded to.
//
// A Locator reads the live mount table, keeps entries mounted under one of
// the removable-media roots with an allowlisted filesystem type, drops
// virtual and system devices, and validates what is left with a probe
// write. A Watcher turns mount-root changes into prompt availability checks.
package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrNotFound is returned by Locate when no candidate volume validates.
var ErrNotFound = errors.New("no removable volume found")

// Volume is a located removable mount.
type Volume struct {
	Root   string `json:"root"`
	Device string `json:"device"`
	FSType string `json:"fs_type"`
}

// Usage is a space snapshot of one volume. It is queried on demand and not
// cached.
type Usage struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// Fraction returns used/total, or 0 for an empty or unknown volume.
func (u Usage) Fraction() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Total)
}

// UsageFunc reports space usage for the filesystem containing path.
type UsageFunc func(ctx context.Context, path string) (Usage, error)

// PartitionsFunc lists mounted filesystems.
type PartitionsFunc func(ctx context.Context) ([]disk.PartitionStat, error)

// DiskUsage is the UsageFunc backed by statfs.
func DiskUsage(ctx context.Context, path string) (Usage, error) {
	st, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Usage{}, fmt.Errorf("usage %s: %w", path, err)
	}
	return Usage{Total: st.Total, Used: st.Used, Free: st.Free}, nil
}

// MountedPartitions is the PartitionsFunc backed by the kernel mount table.
// All mounts are returned, including virtual ones; the Locator filters.
func MountedPartitions(ctx context.Context) ([]disk.PartitionStat, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	return parts, nil
}

package volume

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

func mkdir(t *testing.T, parts ...string) string {
	t.Helper()
	p := filepath.Join(parts...)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func fixedPartitions(parts ...disk.PartitionStat) PartitionsFunc {
	return func(context.Context) ([]disk.PartitionStat, error) {
		return parts, nil
	}
}

func TestLocatorFilters(t *testing.T) {
	media := t.TempDir()
	usb := mkdir(t, media, "usb0")
	ro := mkdir(t, media, "cdrom")
	boot := mkdir(t, media, "boot")
	loop := mkdir(t, media, "snap")
	tmp := mkdir(t, media, "scratch")
	elsewhere := t.TempDir()

	loc := NewLocator(LocatorConfig{
		MediaRoots: []string{media},
		Partitions: fixedPartitions(
			disk.PartitionStat{Device: "/dev/sda1", Mountpoint: elsewhere, Fstype: "vfat"},
			disk.PartitionStat{Device: "/dev/sr0", Mountpoint: ro, Fstype: "vfat", Opts: []string{"ro"}},
			disk.PartitionStat{Device: "/dev/mmcblk0p1", Mountpoint: boot, Fstype: "vfat"},
			disk.PartitionStat{Device: "/dev/loop3", Mountpoint: loop, Fstype: "ext4"},
			disk.PartitionStat{Device: "tmpfs", Mountpoint: tmp, Fstype: "tmpfs"},
			disk.PartitionStat{Device: "/dev/sdb1", Mountpoint: media, Fstype: "exfat"},
			disk.PartitionStat{Device: "/dev/sdc1", Mountpoint: usb, Fstype: "exfat", Opts: []string{"rw", "nosuid"}},
		),
	})

	got, err := loc.Candidates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Candidates = %+v, want only %s", got, usb)
	}
	want := Volume{Root: usb, Device: "/dev/sdc1", FSType: "exfat"}
	if got[0] != want {
		t.Errorf("candidate = %+v, want %+v", got[0], want)
	}

	entries, err := os.ReadDir(usb)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe left %d entries behind", len(entries))
	}
}

func TestLocateNotFound(t *testing.T) {
	loc := NewLocator(LocatorConfig{MediaRoots: []string{t.TempDir()}, Partitions: fixedPartitions()})
	if _, err := loc.Locate(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Locate = %v, want ErrNotFound", err)
	}
}

func TestLocateProbeFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	media := t.TempDir()
	locked := mkdir(t, media, "locked")
	if err := os.Chmod(locked, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	loc := NewLocator(LocatorConfig{
		MediaRoots: []string{media},
		Partitions: fixedPartitions(disk.PartitionStat{Device: "/dev/sdb1", Mountpoint: locked, Fstype: "vfat"}),
	})
	if _, err := loc.Locate(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Locate = %v, want ErrNotFound", err)
	}
}

func TestLocatePartitionsError(t *testing.T) {
	boom := errors.New("mount table unreadable")
	loc := NewLocator(LocatorConfig{
		Partitions: func(context.Context) ([]disk.PartitionStat, error) { return nil, boom },
	})
	if _, err := loc.Locate(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Locate = %v, want %v", err, boom)
	}
}

func TestPresent(t *testing.T) {
	media := t.TempDir()
	usb := mkdir(t, media, "usb")
	var mounted atomic.Bool
	mounted.Store(true)

	loc := NewLocator(LocatorConfig{
		MediaRoots: []string{media},
		Partitions: func(context.Context) ([]disk.PartitionStat, error) {
			if !mounted.Load() {
				return nil, nil
			}
			return []disk.PartitionStat{{Device: "/dev/sdb1", Mountpoint: usb, Fstype: "vfat"}}, nil
		},
	})
	v, err := loc.Locate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !loc.Present(context.Background(), v) {
		t.Fatal("volume should be present")
	}
	if loc.Present(context.Background(), Volume{Root: usb, Device: "/dev/sdz9"}) {
		t.Error("different device at the same root should not count")
	}
	mounted.Store(false)
	if loc.Present(context.Background(), v) {
		t.Error("unmounted volume reported present")
	}
}

func TestUsageFraction(t *testing.T) {
	if f := (Usage{}).Fraction(); f != 0 {
		t.Errorf("empty Fraction = %v", f)
	}
	if f := (Usage{Total: 200, Used: 150}).Fraction(); f != 0.75 {
		t.Errorf("Fraction = %v, want 0.75", f)
	}
}

func TestDiskUsage(t *testing.T) {
	u, err := DiskUsage(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if u.Total == 0 {
		t.Error("expected non-zero total")
	}
}

func TestWatcherCoalescesEvents(t *testing.T) {
	media := t.TempDir()
	var calls atomic.Int32
	w := NewWatcher(WatcherConfig{
		Roots:    []string{media, filepath.Join(media, "missing")},
		Settle:   30 * time.Millisecond,
		OnChange: func() { calls.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	// Give the notifier a moment to register the root.
	time.Sleep(50 * time.Millisecond)
	mkdir(t, media, "usb")
	mkdir(t, media, "usb2")

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("OnChange never ran")
	}
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("OnChange ran %d times, want 1", n)
	}

	if err := os.Remove(filepath.Join(media, "usb2")); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Error("removal did not trigger OnChange")
	}
}

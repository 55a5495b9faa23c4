package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/limarti/positioning-fusion-sub001/internal/logging"
)

// DefaultMediaRoots are the mount roots desktop automounters and fstab
// conventions use for removable drives.
var DefaultMediaRoots = []string{"/media", "/run/media", "/mnt"}

// DefaultFSTypes are filesystem types commonly found on flash media.
var DefaultFSTypes = []string{
	"vfat", "exfat", "ntfs", "ntfs3", "fuseblk",
	"ext2", "ext3", "ext4", "f2fs", "hfsplus",
}

// Device name prefixes that never back a removable drive.
var virtualDevicePrefixes = []string{
	"/dev/loop", "/dev/ram", "/dev/zram", "/dev/mapper/control",
}

var virtualDevices = []string{
	"tmpfs", "overlay", "none", "proc", "sysfs", "devtmpfs", "squashfs",
}

// Last path segments that name system locations rather than user media.
var systemSegments = []string{"boot", "root", "system", "rootfs", "efi", "recovery"}

// LocatorConfig configures a Locator.
type LocatorConfig struct {
	MediaRoots []string
	FSTypes    []string
	Partitions PartitionsFunc
	Logger     *slog.Logger
}

// Locator finds writable removable volumes.
type Locator struct {
	roots      []string
	fsTypes    []string
	partitions PartitionsFunc
	logger     *slog.Logger
}

// NewLocator returns a Locator. Empty fields take the package defaults.
func NewLocator(cfg LocatorConfig) *Locator {
	roots := cfg.MediaRoots
	if len(roots) == 0 {
		roots = DefaultMediaRoots
	}
	fsTypes := cfg.FSTypes
	if len(fsTypes) == 0 {
		fsTypes = DefaultFSTypes
	}
	partitions := cfg.Partitions
	if partitions == nil {
		partitions = MountedPartitions
	}
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		clean = append(clean, filepath.Clean(r))
	}
	return &Locator{
		roots:      clean,
		fsTypes:    fsTypes,
		partitions: partitions,
		logger:     logging.Default(cfg.Logger).With("component", "volume"),
	}
}

// Candidates returns every mount that passes the filters and the probe
// write, in mount-table order.
func (l *Locator) Candidates(ctx context.Context) ([]Volume, error) {
	parts, err := l.partitions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Volume
	for _, p := range parts {
		v, ok := l.filter(p)
		if !ok {
			continue
		}
		if err := probe(v.Root); err != nil {
			l.logger.Debug("volume rejected by probe", "root", v.Root, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Locate returns the first validated volume, or ErrNotFound.
func (l *Locator) Locate(ctx context.Context) (Volume, error) {
	vols, err := l.Candidates(ctx)
	if err != nil {
		return Volume{}, err
	}
	if len(vols) == 0 {
		return Volume{}, ErrNotFound
	}
	return vols[0], nil
}

// Present reports whether v is still mounted at its root. It does not
// probe-write; call Locate to revalidate.
func (l *Locator) Present(ctx context.Context, v Volume) bool {
	parts, err := l.partitions(ctx)
	if err != nil {
		return false
	}
	for _, p := range parts {
		if filepath.Clean(p.Mountpoint) != v.Root {
			continue
		}
		if v.Device != "" && p.Device != v.Device {
			continue
		}
		if _, err := os.Stat(v.Root); err == nil {
			return true
		}
	}
	return false
}

// Roots returns the media roots the locator searches.
func (l *Locator) Roots() []string {
	return slices.Clone(l.roots)
}

func (l *Locator) filter(p disk.PartitionStat) (Volume, bool) {
	root := filepath.Clean(p.Mountpoint)
	if !l.underRoot(root) {
		return Volume{}, false
	}
	if !slices.Contains(l.fsTypes, p.Fstype) {
		return Volume{}, false
	}
	if isVirtualDevice(p.Device) {
		return Volume{}, false
	}
	if slices.Contains(systemSegments, strings.ToLower(filepath.Base(root))) {
		return Volume{}, false
	}
	if slices.Contains(p.Opts, "ro") {
		return Volume{}, false
	}
	return Volume{Root: root, Device: p.Device, FSType: p.Fstype}, true
}

// underRoot reports whether path sits strictly below one of the media roots.
func (l *Locator) underRoot(path string) bool {
	for _, r := range l.roots {
		rel, err := filepath.Rel(r, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return true
	}
	return false
}

func isVirtualDevice(dev string) bool {
	if slices.Contains(virtualDevices, dev) {
		return true
	}
	for _, p := range virtualDevicePrefixes {
		if strings.HasPrefix(dev, p) {
			return true
		}
	}
	return false
}

// probe writes and removes a throwaway file under root.
func probe(root string) error {
	path := filepath.Join(root, ".fusionlog-probe-"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("probe %s: %w", root, err)
	}
	_, werr := f.Write([]byte("probe"))
	cerr := f.Close()
	rerr := os.Remove(path)
	if err := errors.Join(werr, cerr, rerr); err != nil {
		return fmt.Errorf("probe %s: %w", root, err)
	}
	return nil
}

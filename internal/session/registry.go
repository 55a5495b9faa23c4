// Package session coordinates the active recording session for one
// removable volume.
//
// A Registry is shared by reference between every writer pointed at the
// same drive. It locates the volume lazily, allocates a monotonic session
// ordinal, creates the provisional session directory, and later renames it
// to a timestamp-derived name once an authoritative clock is available.
// Writers read the current session path from the registry on every flush,
// so a rename or a volume loss is observed by all of them.
//
// Locking: opMu serializes filesystem mutations (setup and finalize). mu
// guards the in-memory state and is never held across file I/O.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/limarti/positioning-fusion-sub001/internal/home"
	"github.com/limarti/positioning-fusion-sub001/internal/logging"
	"github.com/limarti/positioning-fusion-sub001/internal/notify"
	"github.com/limarti/positioning-fusion-sub001/internal/timesource"
	"github.com/limarti/positioning-fusion-sub001/internal/volume"
)

const (
	// DefaultLoggingDir is the directory created at the volume root.
	DefaultLoggingDir = "fusionlog"
	// MaxCollisions is how many suffixed names are tried before a finalize
	// rename gives up for the rest of the run.
	MaxCollisions = 99
)

var (
	// ErrVolumeAbsent is returned when no usable volume is available.
	ErrVolumeAbsent = errors.New("no removable volume available")
	// ErrNoSession is returned by Finalize when no session has been created.
	ErrNoSession = errors.New("no active session")
	// ErrRenameCollision is returned by Finalize when every candidate name is taken.
	ErrRenameCollision = errors.New("session rename collisions exhausted")
)

// Locator finds the removable volume.
type Locator interface {
	Locate(ctx context.Context) (volume.Volume, error)
	Present(ctx context.Context, v volume.Volume) bool
}

// Config configures a Registry.
type Config struct {
	Locator    Locator
	LoggingDir string
	// RunID tags session metadata. Defaults to a fresh UUIDv7.
	RunID  string
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Status is a snapshot of the registry.
type Status struct {
	Available    bool      `json:"available"`
	VolumeRoot   string    `json:"volume_root,omitempty"`
	Device       string    `json:"device,omitempty"`
	LoggingRoot  string    `json:"logging_root,omitempty"`
	SessionDir   string    `json:"session_dir,omitempty"`
	Ordinal      uint64    `json:"ordinal,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	Finalized    bool      `json:"finalized"`
	RenameFailed bool      `json:"rename_failed,omitempty"`
}

// Registry is the shared session state for one process.
type Registry struct {
	locator    Locator
	loggingDir string
	runID      string
	clock      clockwork.Clock
	logger     *slog.Logger

	opMu    sync.Mutex
	changed notify.Signal

	mu           sync.Mutex
	available    bool
	vol          volume.Volume
	root         home.Dir
	sessionDir   string
	ordinal      uint64
	created      time.Time
	finalized    bool
	renameFailed bool
	highest      uint64 // highest ordinal issued this run, across volumes
	absentLogged bool
}

// NewRegistry creates a Registry. No filesystem access happens until the
// first EnsureSessionPath.
func NewRegistry(cfg Config) *Registry {
	if cfg.Locator == nil {
		panic("session: Locator is required")
	}
	if cfg.LoggingDir == "" {
		cfg.LoggingDir = DefaultLoggingDir
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.Must(uuid.NewV7()).String()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Registry{
		locator:    cfg.Locator,
		loggingDir: cfg.LoggingDir,
		runID:      cfg.RunID,
		clock:      cfg.Clock,
		logger:     logging.Default(cfg.Logger).With("component", "session"),
	}
}

// RunID returns the id written into session metadata.
func (r *Registry) RunID() string { return r.runID }

// Current returns the active session directory, if any.
func (r *Registry) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionDir, r.available && r.sessionDir != ""
}

// Volume returns the volume the active session lives on.
func (r *Registry) Volume() (volume.Volume, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vol, r.available
}

// Status returns a snapshot of the registry.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Available:    r.available,
		Finalized:    r.finalized,
		RenameFailed: r.renameFailed,
	}
	if r.available {
		st.VolumeRoot = r.vol.Root
		st.Device = r.vol.Device
		st.LoggingRoot = r.root.Root()
		st.SessionDir = r.sessionDir
		st.Ordinal = r.ordinal
		st.CreatedAt = r.created
	}
	return st
}

// EnsureSessionPath returns the active session directory, locating the
// volume and creating a new session first if there is none. Failures wrap
// ErrVolumeAbsent; callers keep buffering and try again later.
func (r *Registry) EnsureSessionPath(ctx context.Context) (string, error) {
	if dir, ok := r.Current(); ok {
		return dir, nil
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	// Another writer may have finished setup while we waited.
	if dir, ok := r.Current(); ok {
		return dir, nil
	}

	vol, err := r.locator.Locate(ctx)
	if err != nil {
		r.noteAbsent(err)
		return "", fmt.Errorf("%w: %w", ErrVolumeAbsent, err)
	}

	root := home.New(vol.Root, r.loggingDir)
	dir, ordinal, created, err := r.create(root)
	if err != nil {
		r.noteAbsent(err)
		return "", fmt.Errorf("%w: %w", ErrVolumeAbsent, err)
	}

	r.mu.Lock()
	r.available = true
	r.absentLogged = false
	r.vol = vol
	r.root = root
	r.sessionDir = dir
	r.ordinal = ordinal
	r.created = created
	r.finalized = false
	r.renameFailed = false
	r.highest = max(r.highest, ordinal)
	r.mu.Unlock()

	r.changed.Notify()
	r.logger.Info("session created",
		"volume", vol.Root,
		"device", vol.Device,
		"session", dir,
		"ordinal", ordinal)
	return dir, nil
}

// create allocates the next ordinal, persists it, and creates the session
// directory with its metadata. Caller must hold opMu.
func (r *Registry) create(root home.Dir) (string, uint64, time.Time, error) {
	if err := root.EnsureExists(); err != nil {
		return "", 0, time.Time{}, err
	}

	last, err := root.ReadCounter()
	if err != nil {
		r.logger.Warn("session counter unreadable, recovering from session directories", "error", err)
		if last, err = root.MaxOrdinal(); err != nil {
			return "", 0, time.Time{}, err
		}
	}

	r.mu.Lock()
	n := max(last, r.highest) + 1
	r.mu.Unlock()

	for exists(root.SessionDir(home.OrdinalName(n))) {
		n++
	}

	// Persist before creating the directory so a crash never reissues n.
	if err := root.WriteCounter(n); err != nil {
		return "", 0, time.Time{}, err
	}

	dir := root.SessionDir(home.OrdinalName(n))
	if err := os.Mkdir(dir, 0o750); err != nil {
		return "", 0, time.Time{}, fmt.Errorf("create session directory: %w", err)
	}
	created := r.clock.Now()
	if err := home.WriteMeta(dir, home.Meta{Ordinal: n, RunID: r.runID, Created: created}); err != nil {
		return "", 0, time.Time{}, err
	}
	return dir, n, created, nil
}

func (r *Registry) noteAbsent(err error) {
	r.mu.Lock()
	first := !r.absentLogged
	r.absentLogged = true
	r.mu.Unlock()
	if first {
		r.logger.Warn("volume absent, buffering in memory", "error", err)
	}
}

// Invalidate marks the volume unavailable if usedDir is still the active
// session directory, so every writer falls back to buffering. It reports
// whether the state changed. A stale usedDir (the session was already
// renamed or replaced) is ignored.
func (r *Registry) Invalidate(usedDir string, cause error) bool {
	r.mu.Lock()
	if !r.available || usedDir == "" || r.sessionDir != usedDir {
		r.mu.Unlock()
		return false
	}
	vol := r.vol
	r.clear()
	r.mu.Unlock()

	r.changed.Notify()
	r.logger.Warn("volume disconnected", "volume", vol.Root, "session", usedDir, "error", cause)
	return true
}

// CheckVolume invalidates the session if its volume is no longer mounted.
func (r *Registry) CheckVolume(ctx context.Context) {
	r.mu.Lock()
	vol, available, dir := r.vol, r.available, r.sessionDir
	r.mu.Unlock()
	if !available {
		return
	}
	if r.locator.Present(ctx, vol) && exists(dir) {
		return
	}
	r.Invalidate(dir, errors.New("volume no longer mounted"))
}

// VolumesChanged is called when removable media may have been plugged in
// or removed. It drops a session whose volume is gone and wakes waiters on
// Changed so buffered records reach a new volume without delay.
func (r *Registry) VolumesChanged(ctx context.Context) {
	r.CheckVolume(ctx)
	r.changed.Notify()
}

// Changed returns a channel closed on the next session transition: a
// session created, invalidated or finalized, or a VolumesChanged call.
func (r *Registry) Changed() <-chan struct{} { return r.changed.C() }

// clear drops the session state. Caller must hold mu.
func (r *Registry) clear() {
	r.available = false
	r.vol = volume.Volume{}
	r.root = home.Dir{}
	r.sessionDir = ""
	r.ordinal = 0
	r.created = time.Time{}
	r.finalized = false
	r.renameFailed = false
	r.absentLogged = true
}

// Finalize renames the active session directory to the timestamp-derived
// name for ts. It is idempotent: a finalized session is left alone. When
// the base name and all suffixed names are taken, it returns
// ErrRenameCollision and the session keeps its ordinal name for the rest
// of the run.
func (r *Registry) Finalize(ts time.Time) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	dir, root := r.sessionDir, r.root
	available, finalized, failed := r.available, r.finalized, r.renameFailed
	r.mu.Unlock()

	switch {
	case !available || dir == "":
		return ErrNoSession
	case finalized:
		return nil
	case failed:
		return ErrRenameCollision
	}

	ts = ts.UTC()
	for seq := 0; seq <= MaxCollisions; seq++ {
		target := root.SessionDir(home.TimestampName(ts, seq))
		if exists(target) {
			continue
		}
		if err := os.Rename(dir, target); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return fmt.Errorf("rename session: %w", err)
		}

		r.mu.Lock()
		if r.sessionDir == dir {
			r.sessionDir = target
			r.finalized = true
		}
		r.mu.Unlock()
		r.changed.Notify()

		r.logger.Info("session finalized", "from", dir, "to", target)
		return nil
	}

	r.mu.Lock()
	if r.sessionDir == dir {
		r.renameFailed = true
	}
	r.mu.Unlock()
	r.logger.Error("session rename collisions exhausted, keeping provisional name",
		"session", dir, "timestamp", home.TimestampName(ts, 0))
	return ErrRenameCollision
}

// PollFinalize finalizes the active session if the provider has a valid
// timestamp. It is meant to run on a fixed interval.
func (r *Registry) PollFinalize(p timesource.Provider) {
	r.mu.Lock()
	pending := r.available && r.sessionDir != "" && !r.finalized && !r.renameFailed
	r.mu.Unlock()
	if !pending {
		return
	}

	ts, ok := p.LastValid()
	if !ok {
		return
	}
	if err := r.Finalize(ts); err != nil && !errors.Is(err, ErrRenameCollision) && !errors.Is(err, ErrNoSession) {
		r.logger.Warn("session finalize failed", "error", err)
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

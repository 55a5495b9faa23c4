// Package home manages the logging root on a removable volume.
//
// The logging root owns all persistent recording state for one drive.
//
// Layout:
//
//	<volume>/<logging-dir>/
//	  session_counter            (last issued session ordinal, plain text)
//	  session_00001/             (active or unfinalized session)
//	    session.json             (ordinal, run id, creation time)
//	    <stream files>
//	  2025-03-01-14-22/          (finalized session)
//	  2025-03-01-14-22-01/       (finalized, name collision)
package home

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	// CounterFile holds the last issued session ordinal.
	CounterFile = "session_counter"
	// MetaFile is written into every session directory.
	MetaFile = "session.json"

	// TimestampLayout names finalized session directories.
	TimestampLayout = "2006-01-02-15-04"
)

// ErrCorruptCounter is returned by ReadCounter when the counter file does
// not hold a non-negative integer.
var ErrCorruptCounter = errors.New("corrupt session counter")

var (
	ordinalPattern   = regexp.MustCompile(`^session_(\d{5,})$`)
	timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{2}-\d{2}(-\d{2})?$`)
)

// Dir represents a logging root.
type Dir struct {
	root string
}

// New returns the logging root dir under the given volume root.
func New(volumeRoot, loggingDir string) Dir {
	return Dir{root: filepath.Join(volumeRoot, loggingDir)}
}

// Open returns a Dir for an existing logging root path.
func Open(root string) Dir {
	return Dir{root: root}
}

// Root returns the logging root path.
func (d Dir) Root() string {
	return d.root
}

// CounterPath returns the path to the ordinal counter file.
func (d Dir) CounterPath() string {
	return filepath.Join(d.root, CounterFile)
}

// SessionDir returns the path of the named session directory.
func (d Dir) SessionDir(name string) string {
	return filepath.Join(d.root, name)
}

// EnsureExists creates the logging root (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create logging root %s: %w", d.root, err)
	}
	return nil
}

// OrdinalName is the provisional session directory name for ordinal n.
func OrdinalName(n uint64) string {
	return fmt.Sprintf("session_%05d", n)
}

// TimestampName is the finalized session directory name for ts. seq > 0
// appends a two-digit collision suffix.
func TimestampName(ts time.Time, seq int) string {
	name := ts.Format(TimestampLayout)
	if seq > 0 {
		name += fmt.Sprintf("-%02d", seq)
	}
	return name
}

// IsSessionName reports whether name follows either session naming scheme.
func IsSessionName(name string) bool {
	return ordinalPattern.MatchString(name) || timestampPattern.MatchString(name)
}

// IsFinalizedName reports whether name is a timestamp-derived session name.
func IsFinalizedName(name string) bool {
	return timestampPattern.MatchString(name)
}

// ParseOrdinalName extracts the ordinal from a provisional session name.
func ParseOrdinalName(name string) (uint64, bool) {
	m := ordinalPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	return n, err == nil
}

// ReadCounter reads the last issued ordinal. A missing or empty file reads
// as 0.
func (d Dir) ReadCounter() (uint64, error) {
	data, err := os.ReadFile(d.CounterPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", CounterFile, err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrCorruptCounter, s)
	}
	return n, nil
}

// WriteCounter persists n. The file is replaced atomically so a crash
// leaves either the old or the new value.
func (d Dir) WriteCounter(n uint64) error {
	return writeAtomic(d.CounterPath(), []byte(strconv.FormatUint(n, 10)+"\n"))
}

// Meta is the content of a session's session.json.
type Meta struct {
	Ordinal uint64    `json:"ordinal"`
	RunID   string    `json:"run_id"`
	Created time.Time `json:"created"`
}

// WriteMeta writes session.json into the session directory.
func WriteMeta(sessionDir string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	return writeAtomic(filepath.Join(sessionDir, MetaFile), append(data, '\n'))
}

// ReadMeta reads session.json from the session directory.
func ReadMeta(sessionDir string) (Meta, error) {
	var m Meta
	data, err := os.ReadFile(filepath.Join(sessionDir, MetaFile)) //nolint:gosec // G304: path is under the logging root
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", MetaFile, err)
	}
	return m, nil
}

// Session describes one session directory found on disk.
type Session struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Ordinal   uint64    `json:"ordinal,omitempty"`
	Created   time.Time `json:"created"`
	Finalized bool      `json:"finalized"`
	HasMeta   bool      `json:"has_meta"`
}

// Sessions lists session directories under the root, oldest first by
// creation time. Creation time comes from session.json when readable and
// falls back to the directory modification time. A missing root yields no
// sessions.
func (d Dir) Sessions() ([]Session, error) {
	entries, err := os.ReadDir(d.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.root, err)
	}

	var out []Session
	for _, e := range entries {
		if !e.IsDir() || !IsSessionName(e.Name()) {
			continue
		}
		s := Session{
			Name:      e.Name(),
			Path:      filepath.Join(d.root, e.Name()),
			Finalized: IsFinalizedName(e.Name()),
		}
		if m, err := ReadMeta(s.Path); err == nil {
			s.Ordinal = m.Ordinal
			s.Created = m.Created
			s.HasMeta = true
		} else if n, ok := ParseOrdinalName(s.Name); ok {
			s.Ordinal = n
		}
		if s.Created.IsZero() {
			if info, err := e.Info(); err == nil {
				s.Created = info.ModTime()
			}
		}
		out = append(out, s)
	}
	slices.SortStableFunc(out, func(a, b Session) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// MaxOrdinal returns the highest ordinal recorded by any session on disk.
func (d Dir) MaxOrdinal() (uint64, error) {
	sessions, err := d.Sessions()
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, s := range sessions {
		n = max(n, s.Ordinal)
	}
	return n, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // G304: path is under the logging root
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

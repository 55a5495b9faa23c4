// Package janitor keeps the recording volume from filling up.
//
// Each sweep compares used space on the active volume against a high-water
// mark. Above it, session directories are deleted oldest first, usage is
// recomputed after every deletion, and the sweep stops at or below the
// low-water mark. The active session is never deleted.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/limarti/positioning-fusion-sub001/internal/home"
	"github.com/limarti/positioning-fusion-sub001/internal/logging"
	"github.com/limarti/positioning-fusion-sub001/internal/session"
	"github.com/limarti/positioning-fusion-sub001/internal/volume"
)

// Default watermarks, as used-space fractions.
const (
	DefaultHighWater = 0.80
	DefaultLowWater  = 0.75
)

// State reports the active session. *session.Registry implements it.
type State interface {
	Status() session.Status
}

// Config configures a Janitor.
type Config struct {
	Sessions  State
	Usage     volume.UsageFunc
	HighWater float64
	LowWater  float64
	Logger    *slog.Logger
}

// Result describes one sweep.
type Result struct {
	Before  float64  `json:"before"`
	After   float64  `json:"after"`
	Deleted []string `json:"deleted,omitempty"`
}

// Janitor deletes old sessions when the volume runs full.
type Janitor struct {
	sessions State
	usage    volume.UsageFunc
	high     float64
	low      float64
	logger   *slog.Logger
}

// New creates a Janitor.
func New(cfg Config) (*Janitor, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("janitor: sessions are required")
	}
	if cfg.Usage == nil {
		cfg.Usage = volume.DiskUsage
	}
	if cfg.HighWater == 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.LowWater == 0 {
		cfg.LowWater = DefaultLowWater
	}
	if cfg.HighWater <= 0 || cfg.HighWater > 1 || cfg.LowWater <= 0 || cfg.LowWater >= cfg.HighWater {
		return nil, fmt.Errorf("janitor: watermarks must satisfy 0 < low < high <= 1, got low=%v high=%v", cfg.LowWater, cfg.HighWater)
	}
	return &Janitor{
		sessions: cfg.Sessions,
		usage:    cfg.Usage,
		high:     cfg.HighWater,
		low:      cfg.LowWater,
		logger:   logging.Default(cfg.Logger).With("component", "janitor"),
	}, nil
}

// Deletable returns the sessions eligible for deletion, oldest first,
// excluding activeDir. sessions must already be sorted oldest first.
func Deletable(sessions []home.Session, activeDir string) []home.Session {
	out := make([]home.Session, 0, len(sessions))
	for _, s := range sessions {
		if sameDir(s.Path, activeDir) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Sweep runs one rotation pass. Without an available volume it does
// nothing.
func (j *Janitor) Sweep(ctx context.Context) (Result, error) {
	st := j.sessions.Status()
	if !st.Available {
		return Result{}, nil
	}

	u, err := j.usage(ctx, st.VolumeRoot)
	if err != nil {
		return Result{}, err
	}
	res := Result{Before: u.Fraction(), After: u.Fraction()}
	if res.Before <= j.high {
		return res, nil
	}

	sessions, err := home.Open(st.LoggingRoot).Sessions()
	if err != nil {
		return res, err
	}
	candidates := Deletable(sessions, st.SessionDir)
	j.logger.Info("volume above high-water mark, rotating sessions",
		"used", fmt.Sprintf("%.1f%%", res.Before*100),
		"free", humanize.IBytes(u.Free),
		"candidates", len(candidates))

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		// The active session may have been renamed or replaced since the
		// listing; check against the live state before each deletion.
		live := j.sessions.Status()
		if !live.Available || live.LoggingRoot != st.LoggingRoot {
			break
		}
		if sameDir(c.Path, live.SessionDir) {
			continue
		}

		if err := os.RemoveAll(c.Path); err != nil {
			j.logger.Warn("failed to delete session", "session", c.Name, "error", err)
			continue
		}
		res.Deleted = append(res.Deleted, c.Name)

		u, err = j.usage(ctx, st.VolumeRoot)
		if err != nil {
			return res, err
		}
		res.After = u.Fraction()
		j.logger.Info("session deleted",
			"session", c.Name,
			"used", fmt.Sprintf("%.1f%%", res.After*100),
			"free", humanize.IBytes(u.Free))
		if res.After <= j.low {
			break
		}
	}

	if res.After > j.low {
		j.logger.Warn("no deletable sessions left above low-water mark",
			"used", fmt.Sprintf("%.1f%%", res.After*100))
	}
	return res, nil
}

func sameDir(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

// Package orchestrator wires serial links, writers, the session registry,
// the storage janitor and session finalization into one running logger.
//
// It owns no recording logic. Each configured link feeds exactly one
// writer; all writers share one session registry, so they follow the same
// session directory across volume loss and finalization. Periodic work
// (finalize, janitor, status) runs on a shared scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/limarti/positioning-fusion-sub001/internal/config"
	"github.com/limarti/positioning-fusion-sub001/internal/janitor"
	"github.com/limarti/positioning-fusion-sub001/internal/logging"
	"github.com/limarti/positioning-fusion-sub001/internal/scheduler"
	"github.com/limarti/positioning-fusion-sub001/internal/serial"
	"github.com/limarti/positioning-fusion-sub001/internal/session"
	"github.com/limarti/positioning-fusion-sub001/internal/sysmetrics"
	"github.com/limarti/positioning-fusion-sub001/internal/timesource"
	"github.com/limarti/positioning-fusion-sub001/internal/volume"
	"github.com/limarti/positioning-fusion-sub001/internal/writer"
)

var (
	// ErrAlreadyRunning is returned by Start when the orchestrator is running.
	ErrAlreadyRunning = errors.New("orchestrator already running")
	// ErrNotRunning is returned by Stop when the orchestrator is not running.
	ErrNotRunning = errors.New("orchestrator not running")
	// ErrStopped is returned by Start after Stop. An orchestrator runs once.
	ErrStopped = errors.New("orchestrator stopped")
)

// ThroughputHeader is the first line of the throughput CSV.
const ThroughputHeader = "timestamp,link,bits_per_second"

// Job names registered on the scheduler.
const (
	jobFinalize = "finalize"
	jobJanitor  = "janitor"
	jobStatus   = "status"
)

// Config configures an Orchestrator. Only Settings is required; the rest
// default to the real system.
type Config struct {
	Settings *config.Config

	// Locator finds the removable volume. Defaults to a volume.Locator
	// built from Settings.Storage.
	Locator session.Locator
	// Usage reports volume usage to the janitor. Defaults to volume.DiskUsage.
	Usage volume.UsageFunc
	// TimeSource gates session finalization. Defaults per
	// Settings.Session.TimeSource.
	TimeSource timesource.Provider
	// Open opens serial devices. Defaults to serial.OpenPort.
	Open serial.OpenFunc

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// linkUnit is one configured link with the writer recording it.
type linkUnit struct {
	cfg         config.LinkConfig
	link        *serial.Link
	writer      *writer.Writer
	unsubscribe func()
	openLog     rate.Sometimes
}

// Orchestrator runs the configured pipeline.
//
// Start and Stop are serialized by mu. Status must not take mu: scheduled
// jobs call it while Stop holds mu and waits for them.
type Orchestrator struct {
	settings   *config.Config
	clock      clockwork.Clock
	logger     *slog.Logger
	baseLogger *slog.Logger
	timeSource timesource.Provider
	usage      volume.UsageFunc

	registry   *session.Registry
	janitor    *janitor.Janitor
	scheduler  *scheduler.Scheduler
	sampler    *sysmetrics.Sampler
	links      []*linkUnit
	throughput *writer.Writer

	mu      sync.Mutex
	running atomic.Bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastSweep   janitor.Result
	lastSweepAt time.Time
	sweepMu     sync.Mutex
}

// New builds the pipeline without opening any device or touching any
// volume.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Settings == nil {
		return nil, errors.New("orchestrator: settings are required")
	}
	s := cfg.Settings
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	base := logging.Default(cfg.Logger)

	if cfg.Locator == nil {
		cfg.Locator = volume.NewLocator(volume.LocatorConfig{
			MediaRoots: s.Storage.MediaRoots,
			FSTypes:    s.Storage.FSTypes,
			Logger:     base,
		})
	}
	if cfg.Usage == nil {
		cfg.Usage = volume.DiskUsage
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = newTimeSource(s.Session.TimeSource)
	}
	if cfg.Open == nil {
		cfg.Open = serial.OpenPort
	}

	o := &Orchestrator{
		settings:   s,
		clock:      cfg.Clock,
		logger:     base.With("component", "orchestrator"),
		baseLogger: base,
		timeSource: cfg.TimeSource,
		usage:      cfg.Usage,
		sampler:    sysmetrics.NewSampler(),
	}

	o.registry = session.NewRegistry(session.Config{
		Locator:    cfg.Locator,
		LoggingDir: s.Storage.LoggingDir,
		Clock:      cfg.Clock,
		Logger:     base,
	})

	j, err := janitor.New(janitor.Config{
		Sessions:  o.registry,
		Usage:     cfg.Usage,
		HighWater: s.Janitor.HighWater,
		LowWater:  s.Janitor.LowWater,
		Logger:    base,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.janitor = j

	sched, err := scheduler.New(cfg.Clock, base)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.scheduler = sched

	for _, lc := range s.Links {
		u, err := o.newLinkUnit(lc, cfg.Open)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: link %s: %w", lc.Name, err)
		}
		o.links = append(o.links, u)
	}

	if s.Status.ThroughputFile != "" {
		w, err := o.newWriter(s.Status.ThroughputFile, ThroughputHeader)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: throughput: %w", err)
		}
		o.throughput = w
	}

	return o, nil
}

func (o *Orchestrator) newLinkUnit(lc config.LinkConfig, open serial.OpenFunc) (*linkUnit, error) {
	w, err := o.newWriter(lc.File, lc.Header)
	if err != nil {
		return nil, err
	}
	linkCfg := lc.Link()
	linkCfg.Open = open
	linkCfg.Clock = o.clock
	linkCfg.Logger = o.baseLogger
	link := serial.NewLink(linkCfg)

	u := &linkUnit{
		cfg:     lc,
		link:    link,
		writer:  w,
		openLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	// Drops are counted and logged by the writer.
	u.unsubscribe = link.Subscribe(func(chunk []byte) { _ = w.EnqueueBlock(chunk) })
	return u, nil
}

func (o *Orchestrator) newWriter(name, header string) (*writer.Writer, error) {
	ws := o.settings.Writer
	return writer.New(writer.Config{
		Name:          name,
		Header:        header,
		QueueCapacity: ws.QueueCapacity,
		FlushInterval: ws.FlushInterval,
		MaxBuffer:     int(ws.MaxBuffer),  //nolint:gosec // G115: bounded by config validation
		MaxPending:    int(ws.MaxPending), //nolint:gosec // G115: bounded by config validation
		Sessions:      o.registry,
		Clock:         o.clock,
		Logger:        o.baseLogger,
	})
}

func newTimeSource(kind string) timesource.Provider {
	if kind == "kernel" {
		return timesource.NewKernel()
	}
	return timesource.None{}
}

// Registry returns the shared session registry.
func (o *Orchestrator) Registry() *session.Registry { return o.registry }

// Link returns the named link, or nil.
func (o *Orchestrator) Link(name string) *serial.Link {
	for _, u := range o.links {
		if u.cfg.Name == name {
			return u.link
		}
	}
	return nil
}

// Writer returns the writer recording the named link, or nil.
func (o *Orchestrator) Writer(name string) *writer.Writer {
	for _, u := range o.links {
		if u.cfg.Name == name {
			return u.writer
		}
	}
	return nil
}

// writers lists every writer, link writers first.
func (o *Orchestrator) writers() []*writer.Writer {
	ws := make([]*writer.Writer, 0, len(o.links)+1)
	for _, u := range o.links {
		ws = append(ws, u.writer)
	}
	if o.throughput != nil {
		ws = append(ws, o.throughput)
	}
	return ws
}

// Package scheduler runs the appliance's periodic housekeeping jobs.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/limarti/positioning-fusion-sub001/internal/logging"
)

// JobInfo describes a registered job for external inspection.
type JobInfo struct {
	ID       string        `json:"id"`       // gocron UUID
	Name     string        `json:"name"`     // e.g. "janitor", "finalize"
	Interval time.Duration `json:"interval"` // run cadence
	LastRun  time.Time     `json:"last_run,omitzero"`
	NextRun  time.Time     `json:"next_run,omitzero"`
}

// Scheduler is the shared interval scheduler. Session finalize polling,
// the janitor sweep and status reporting register jobs here rather than
// running their own timers.
//
// Jobs run in singleton mode: a run that overlaps the next tick is not
// started twice; the tick is rescheduled instead.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job     // name → job
	intervals map[string]time.Duration // name → interval (for ListJobs)
	logger    *slog.Logger
}

// New creates a stopped scheduler. A nil clock uses the real clock.
func New(clock clockwork.Clock, logger *slog.Logger) (*Scheduler, error) {
	var opts []gocron.SchedulerOption
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		intervals: make(map[string]time.Duration),
		logger:    logging.Default(logger).With("component", "scheduler"),
	}, nil
}

// AddJob registers a named interval job. The name must be unique.
// The task function and its arguments are passed to gocron.NewTask.
func (s *Scheduler) AddJob(name string, every time.Duration, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}
	if every <= 0 {
		return fmt.Errorf("scheduled job %s: interval must be positive, got %s", name, every)
	}

	j, err := s.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.intervals[name] = every
	s.logger.Debug("scheduled job added", "name", name, "every", every)
	return nil
}

// RemoveJob stops and removes a named job. No-op if the job doesn't exist.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to remove scheduled job", "name", name, "error", err)
	}
	delete(s.jobs, name)
	delete(s.intervals, name)
	s.logger.Debug("scheduled job removed", "name", name)
}

// ListJobs returns info about all registered jobs, sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{
			ID:       j.ID().String(),
			Name:     name,
			Interval: s.intervals[name],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, k int) bool { return infos[i].Name < infos[k].Name })
	return infos
}

// Start begins executing all registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", len(s.ListJobs()))
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/limarti/positioning-fusion-sub001/internal/serial"
	"github.com/limarti/positioning-fusion-sub001/internal/volume"
)

// Start launches the writers, link supervisors, volume watcher and
// scheduled jobs. It returns immediately; use Stop to shut down.
// Devices that are not plugged in yet are retried every reopen interval.
// Cancelling ctx halts the links, but writers keep accepting records
// until Stop so nothing already read is refused.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return ErrStopped
	}
	if o.running.Load() {
		return ErrAlreadyRunning
	}

	wctx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancel(ctx)

	if err := o.addJobs(ctx); err != nil {
		cancel()
		return err
	}

	writers := o.writers()
	for i, w := range writers {
		if err := w.Start(wctx); err != nil {
			cancel()
			o.removeJobs()
			for _, started := range writers[:i] {
				_ = started.Stop()
			}
			return fmt.Errorf("start writer %s: %w", w.Name(), err)
		}
	}

	o.cancel = cancel
	o.running.Store(true)

	o.logger.Info("starting orchestrator",
		"links", len(o.links),
		"run_id", o.registry.RunID(),
		"media_roots", o.settings.Storage.MediaRoots)

	for _, u := range o.links {
		o.wg.Go(func() { o.supervise(ctx, u) })
	}

	watcher := volume.NewWatcher(volume.WatcherConfig{
		Roots:    o.settings.Storage.MediaRoots,
		OnChange: func() { o.registry.VolumesChanged(ctx) },
		Clock:    o.clock,
		Logger:   o.baseLogger,
	})
	o.wg.Go(func() {
		if err := watcher.Run(ctx); err != nil {
			o.logger.Warn("volume watcher unavailable, relying on write failures and janitor checks", "error", err)
		}
	})

	o.scheduler.Start()
	return nil
}

// Stop shuts the pipeline down and waits for it.
//
// Ordered shutdown:
//  1. Cancel supervisors and the watcher, wait for them
//  2. Stop the scheduler (waits for running jobs)
//  3. Close all links so no more chunks arrive
//  4. Stop all writers concurrently; each performs a final flush
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running.Load() {
		return ErrNotRunning
	}

	o.cancel()
	o.wg.Wait()

	var errs []error
	if err := o.scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}

	var links errgroup.Group
	for _, u := range o.links {
		links.Go(func() error {
			u.unsubscribe()
			if err := u.link.Stop(); err != nil {
				return fmt.Errorf("close link %s: %w", u.cfg.Name, err)
			}
			return nil
		})
	}
	if err := links.Wait(); err != nil {
		errs = append(errs, err)
	}

	var writers errgroup.Group
	for _, w := range o.writers() {
		writers.Go(w.Stop)
	}
	if err := writers.Wait(); err != nil {
		errs = append(errs, err)
	}

	o.running.Store(false)
	o.stopped = true
	o.cancel = nil
	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// supervise keeps a link open. A device that fails to open is retried
// every reopen interval until ctx is cancelled.
func (o *Orchestrator) supervise(ctx context.Context, u *linkUnit) {
	retry := o.clock.NewTicker(u.cfg.ReopenInterval)
	defer retry.Stop()

	for {
		o.open(ctx, u)
		select {
		case <-ctx.Done():
			return
		case <-retry.Chan():
		}
	}
}

func (o *Orchestrator) open(ctx context.Context, u *linkUnit) {
	if ctx.Err() != nil {
		return
	}
	err := u.link.Start(ctx)
	switch {
	case err == nil:
	case errors.Is(err, serial.ErrAlreadyOpen):
	case errors.Is(err, serial.ErrHardwareUnavailable):
		u.openLog.Do(func() {
			o.logger.Warn("serial device unavailable, retrying",
				"link", u.cfg.Name,
				"device", u.cfg.Device,
				"retry_interval", u.cfg.ReopenInterval,
				"error", err)
		})
	default:
		o.logger.Error("link start failed", "link", u.cfg.Name, "error", err)
	}
}

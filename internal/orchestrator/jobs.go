package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

func (o *Orchestrator) addJobs(ctx context.Context) error {
	s := o.settings
	err := o.scheduler.AddJob(jobFinalize, s.Session.RenamePoll, o.finalize)
	if err == nil {
		err = o.scheduler.AddJob(jobJanitor, s.Janitor.Interval, func() { o.sweep(ctx) })
	}
	if err == nil {
		err = o.scheduler.AddJob(jobStatus, s.Status.Interval, func() { o.report(ctx) })
	}
	if err != nil {
		o.removeJobs()
	}
	return err
}

// removeJobs unregisters every job so a failed Start can be retried.
func (o *Orchestrator) removeJobs() {
	for _, name := range []string{jobFinalize, jobJanitor, jobStatus} {
		o.scheduler.RemoveJob(name)
	}
}

// finalize renames the active session once the time source is valid.
func (o *Orchestrator) finalize() {
	o.registry.PollFinalize(o.timeSource)
}

// sweep checks the volume is still mounted, then rotates old sessions.
func (o *Orchestrator) sweep(ctx context.Context) {
	o.registry.CheckVolume(ctx)
	res, err := o.janitor.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("janitor sweep failed", "error", err)
		}
		return
	}
	o.sweepMu.Lock()
	o.lastSweep = res
	o.lastSweepAt = o.clock.Now()
	o.sweepMu.Unlock()
}

// report logs a status line and records link throughput.
func (o *Orchestrator) report(ctx context.Context) {
	st := o.Status(ctx)

	var dropped, pending uint64
	healthy := 0
	for _, l := range st.Links {
		dropped += l.Writer.Dropped
		pending += uint64(max(l.Writer.PendingBytes, 0))
		if l.Link.Healthy {
			healthy++
		}
	}

	attrs := []any{
		"volume", st.Session.VolumeRoot,
		"session", st.Session.SessionDir,
		"finalized", st.Session.Finalized,
		"links", len(st.Links),
		"healthy", healthy,
		"pending", humanize.IBytes(pending),
		"dropped", dropped,
		"goroutines", st.System.Goroutines,
	}
	if st.Usage != nil {
		attrs = append(attrs, "used", fmt.Sprintf("%.1f%%", st.Usage.Fraction()*100))
	}
	o.logger.Info("status", attrs...)

	o.recordThroughput()
}

// recordThroughput appends one CSV line per link to the throughput file.
func (o *Orchestrator) recordThroughput() {
	if o.throughput == nil {
		return
	}
	ts := o.clock.Now().UTC().Format(time.RFC3339)
	for _, u := range o.links {
		// Drops are counted by the writer.
		_ = o.throughput.EnqueueLine(fmt.Sprintf("%s,%s,%.0f", ts, u.cfg.Name, u.link.Rate()))
	}
}

package orchestrator

import (
	"context"
	"time"

	"github.com/limarti/positioning-fusion-sub001/internal/janitor"
	"github.com/limarti/positioning-fusion-sub001/internal/scheduler"
	"github.com/limarti/positioning-fusion-sub001/internal/serial"
	"github.com/limarti/positioning-fusion-sub001/internal/session"
	"github.com/limarti/positioning-fusion-sub001/internal/sysmetrics"
	"github.com/limarti/positioning-fusion-sub001/internal/volume"
	"github.com/limarti/positioning-fusion-sub001/internal/writer"
)

// Status is a point-in-time view of the whole pipeline.
type Status struct {
	Running     bool                `json:"running"`
	RunID       string              `json:"run_id"`
	Session     session.Status      `json:"session"`
	Usage       *volume.Usage       `json:"usage,omitempty"`
	Links       []LinkStatus        `json:"links"`
	Throughput  *writer.Status      `json:"throughput,omitempty"`
	LastSweep   janitor.Result      `json:"last_sweep"`
	LastSweepAt time.Time           `json:"last_sweep_at,omitzero"`
	Jobs        []scheduler.JobInfo `json:"jobs"`
	System      sysmetrics.Snapshot `json:"system"`
}

// LinkStatus pairs a link with the writer recording it.
type LinkStatus struct {
	Link   serial.LinkStatus `json:"link"`
	Writer writer.Status     `json:"writer"`
}

// Status collects a snapshot. ctx bounds the usage and host metric queries.
func (o *Orchestrator) Status(ctx context.Context) Status {
	st := Status{
		Running: o.running.Load(),
		RunID:   o.registry.RunID(),
		Session: o.registry.Status(),
		Jobs:    o.scheduler.ListJobs(),
		System:  o.sampler.Sample(ctx),
	}
	if st.Session.Available {
		if u, err := o.usage(ctx, st.Session.VolumeRoot); err == nil {
			st.Usage = &u
		}
	}
	for _, u := range o.links {
		st.Links = append(st.Links, LinkStatus{Link: u.link.Status(), Writer: u.writer.Status()})
	}
	if o.throughput != nil {
		ws := o.throughput.Status()
		st.Throughput = &ws
	}

	o.sweepMu.Lock()
	st.LastSweep = o.lastSweep
	st.LastSweepAt = o.lastSweepAt
	o.sweepMu.Unlock()
	return st
}

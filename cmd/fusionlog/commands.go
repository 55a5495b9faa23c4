package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/limarti/positioning-fusion-sub001/internal/home"
	"github.com/limarti/positioning-fusion-sub001/internal/janitor"
	"github.com/limarti/positioning-fusion-sub001/internal/volume"
)

type volumeRow struct {
	volume.Volume
	Usage *volume.Usage `json:"usage,omitempty"`
}

func (a *app) volumes(ctx context.Context, p *printer) error {
	vols, err := a.locator().Candidates(ctx)
	if err != nil {
		return err
	}

	rows := make([]volumeRow, 0, len(vols))
	for _, v := range vols {
		r := volumeRow{Volume: v}
		if u, err := volume.DiskUsage(ctx, v.Root); err == nil {
			r.Usage = &u
		}
		rows = append(rows, r)
	}

	if p.format == "json" {
		return p.json(rows)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(p.w, "no removable volumes found")
		return nil
	}
	var table [][]string
	for _, r := range rows {
		size, used := "-", "-"
		if r.Usage != nil {
			size = humanize.IBytes(r.Usage.Total)
			used = fmt.Sprintf("%.1f%%", r.Usage.Fraction()*100)
		}
		table = append(table, []string{r.Root, r.Device, r.FSType, size, used})
	}
	p.table([]string{"MOUNT", "DEVICE", "FSTYPE", "SIZE", "USED"}, table)
	return nil
}

type statusReport struct {
	LoggingRoot string         `json:"logging_root"`
	Counter     uint64         `json:"counter"`
	Usage       *volume.Usage  `json:"usage,omitempty"`
	Sessions    []home.Session `json:"sessions"`
	Deletable   int            `json:"deletable"`
}

func (a *app) status(ctx context.Context, root string, p *printer) error {
	if root == "" {
		v, err := a.locator().Locate(ctx)
		if err != nil {
			if errors.Is(err, volume.ErrNotFound) {
				return errors.New("no removable volume found; pass --root")
			}
			return err
		}
		root = v.Root
	}

	d := home.New(root, a.cfg.Storage.LoggingDir)
	counter, err := d.ReadCounter()
	if err != nil && !errors.Is(err, home.ErrCorruptCounter) {
		return err
	}
	sessions, err := d.Sessions()
	if err != nil {
		return err
	}
	rep := statusReport{
		LoggingRoot: d.Root(),
		Counter:     counter,
		Sessions:    sessions,
		Deletable:   len(janitor.Deletable(sessions, "")),
	}
	if u, err := volume.DiskUsage(ctx, root); err == nil {
		rep.Usage = &u
	}

	if p.format == "json" {
		return p.json(rep)
	}

	pairs := [][2]string{
		{"Logging root", rep.LoggingRoot},
		{"Counter", strconv.FormatUint(rep.Counter, 10)},
		{"Sessions", strconv.Itoa(len(rep.Sessions))},
	}
	if rep.Usage != nil {
		pairs = append(pairs, [2]string{"Used", fmt.Sprintf("%s of %s (%.1f%%)",
			humanize.IBytes(rep.Usage.Used), humanize.IBytes(rep.Usage.Total), rep.Usage.Fraction()*100)})
	}
	p.kv(pairs)

	if len(sessions) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(p.w)
	var table [][]string
	for _, s := range sessions {
		ordinal := "-"
		if s.Ordinal > 0 {
			ordinal = strconv.FormatUint(s.Ordinal, 10)
		}
		state := "provisional"
		if s.Finalized {
			state = "finalized"
		}
		table = append(table, []string{s.Name, ordinal, s.Created.Local().Format(time.DateTime), state})
	}
	p.table([]string{"SESSION", "ORDINAL", "CREATED", "STATE"}, table)
	return nil
}

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/limarti/positioning-fusion-sub001/internal/config"
	"github.com/limarti/positioning-fusion-sub001/internal/home"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.LogConfig{
		Level:  "info",
		Format: "json",
		Levels: map[string]string{"serial": "error"},
	})
	if err != nil {
		t.Fatal(err)
	}

	logger.With("component", "serial").Warn("suppressed")
	logger.With("component", "writer").Info("kept")
	logger.Debug("below default")

	out := buf.String()
	if strings.Contains(out, "suppressed") || strings.Contains(out, "below default") {
		t.Errorf("filtered records were written: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q", out)
	}
	if rec["msg"] != "kept" || rec["level"] != slog.LevelInfo.String() {
		t.Errorf("record = %v", rec)
	}
}

func TestNewLoggerBadLevel(t *testing.T) {
	if _, err := newLogger(&bytes.Buffer{}, config.LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error")
	}
}

func TestStatusCommand(t *testing.T) {
	root := t.TempDir()
	d := home.New(root, "fusionlog")
	if err := d.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteCounter(2); err != nil {
		t.Fatal(err)
	}
	created := time.Date(2025, 3, 1, 14, 22, 0, 0, time.UTC)
	for _, s := range []struct {
		name    string
		ordinal uint64
	}{{"2025-03-01-14-22", 1}, {"session_00002", 2}} {
		dir := d.SessionDir(s.name)
		if err := home.WriteMeta(mkdir(t, dir), home.Meta{Ordinal: s.ordinal, Created: created.Add(time.Duration(s.ordinal) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}

	a := &app{cfg: config.Default()}

	var table bytes.Buffer
	if err := a.status(t.Context(), root, newPrinter("table", &table)); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Counter:", "2025-03-01-14-22", "session_00002", "finalized", "provisional"} {
		if !strings.Contains(table.String(), want) {
			t.Errorf("table output missing %q:\n%s", want, table.String())
		}
	}

	var js bytes.Buffer
	if err := a.status(t.Context(), root, newPrinter("json", &js)); err != nil {
		t.Fatal(err)
	}
	var rep statusReport
	if err := json.Unmarshal(js.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Counter != 2 || len(rep.Sessions) != 2 || rep.Deletable != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestPrinterTable(t *testing.T) {
	var buf bytes.Buffer
	newPrinter("table", &buf).table([]string{"A", "B"}, [][]string{{"1", "two"}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "1") {
		t.Errorf("table = %q", buf.String())
	}
}

func mkdir(t *testing.T, dir string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	return dir
}

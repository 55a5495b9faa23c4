package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"testing"
)

// newJSON returns a filter over a JSON handler that accepts every level,
// so only the filter decides what is written.
func newJSON(def slog.Level) (*ComponentFilterHandler, *bytes.Buffer) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug - 4})
	return NewComponentFilterHandler(inner, def), &buf
}

// entries decodes one JSON object per written line.
func entries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func messages(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var msgs []string
	for _, e := range entries(t, buf) {
		msgs = append(msgs, e["msg"].(string))
	}
	return msgs
}

func TestDefaultFallsBackToDiscard(t *testing.T) {
	if Default(nil).Enabled(context.Background(), slog.LevelError) {
		t.Error("Default(nil) should discard everything")
	}
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if Default(l) != l {
		t.Error("Default should return the given logger")
	}
	// Discard loggers accept With and WithGroup without output.
	Discard().With("component", "serial").WithGroup("link").Error("ignored")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: " warn ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "error+1", want: slog.LevelError + 1},
		{in: "", wantErr: true},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "invalid log level") {
				t.Errorf("ParseLevel(%q) err = %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestPerComponentLevels(t *testing.T) {
	h, buf := newJSON(slog.LevelInfo)
	h.SetLevel("serial", slog.LevelWarn)
	h.SetLevel("writer", slog.LevelDebug)
	root := slog.New(h)

	for _, c := range []string{"serial", "writer", "session", "janitor"} {
		l := root.With(ComponentKey, c)
		l.Debug(c + " debug")
		l.Info(c + " info")
		l.Warn(c + " warn")
	}

	want := []string{
		"serial warn",
		"writer debug", "writer info", "writer warn",
		"session info", "session warn",
		"janitor info", "janitor warn",
	}
	if got := messages(t, buf); !slices.Equal(got, want) {
		t.Errorf("written = %q\nwant      %q", got, want)
	}
}

func TestComponentPassedOnRecord(t *testing.T) {
	h, buf := newJSON(slog.LevelInfo)
	h.SetLevel("serial", slog.LevelError)
	l := slog.New(h)

	l.Warn("dropped", ComponentKey, "serial")
	l.Error("kept", ComponentKey, "serial")
	l.Info("no component")
	l.Debug("below default")

	if got := messages(t, buf); !slices.Equal(got, []string{"kept", "no component"}) {
		t.Errorf("written = %q", got)
	}
}

func TestLevelChangesReachDerivedLoggers(t *testing.T) {
	h, buf := newJSON(slog.LevelInfo)
	l := slog.New(h).With(ComponentKey, "writer").With("file", "gnss.ubx")

	l.Debug("before")
	h.SetLevel("writer", slog.LevelDebug)
	l.Debug("overridden")
	h.ClearLevel("writer")
	h.ClearLevel("never-set")
	l.Debug("cleared")

	if got := messages(t, buf); !slices.Equal(got, []string{"overridden"}) {
		t.Errorf("written = %q", got)
	}
	if h.Level("writer") != slog.LevelInfo || h.DefaultLevel() != slog.LevelInfo {
		t.Errorf("Level = %v, DefaultLevel = %v", h.Level("writer"), h.DefaultLevel())
	}
}

func TestEnabledUsesLowestLevelWithoutComponent(t *testing.T) {
	h, _ := newJSON(slog.LevelWarn)
	h.SetLevel("session", slog.LevelDebug)
	ctx := context.Background()

	// An unscoped handler cannot know the component until Handle runs.
	if !h.Enabled(ctx, slog.LevelDebug) {
		t.Error("unscoped handler should admit the lowest override")
	}
	scoped := h.WithAttrs([]slog.Attr{slog.String(ComponentKey, "janitor")})
	if scoped.Enabled(ctx, slog.LevelInfo) {
		t.Error("janitor should use the warn default")
	}
	session := h.WithAttrs([]slog.Attr{slog.String(ComponentKey, "session")})
	if !session.Enabled(ctx, slog.LevelDebug) {
		t.Error("session override not applied")
	}
}

func TestWithGroupKeepsComponent(t *testing.T) {
	h, buf := newJSON(slog.LevelInfo)
	h.SetLevel("session", slog.LevelWarn)
	l := slog.New(h).With(ComponentKey, "session").WithGroup("volume")

	l.Info("filtered", "root", "/media/usb0")
	l.Warn("volume lost", "root", "/media/usb0")

	es := entries(t, buf)
	if len(es) != 1 || es[0]["msg"] != "volume lost" {
		t.Fatalf("entries = %v", es)
	}
	group, ok := es[0]["volume"].(map[string]any)
	if !ok || group["root"] != "/media/usb0" {
		t.Errorf("group attrs = %v", es[0])
	}
	if es[0][ComponentKey] != "session" {
		t.Errorf("component = %v", es[0][ComponentKey])
	}
}

func TestNilInnerOnlyTracksLevels(t *testing.T) {
	h := NewComponentFilterHandler(nil, slog.LevelDebug)
	h.SetLevel("serial", slog.LevelError)
	if h.Enabled(context.Background(), slog.LevelError) {
		t.Error("nil inner should never be enabled")
	}
	slog.New(h).With(ComponentKey, "serial").WithGroup("g").Error("ignored")
	if h.Level("serial") != slog.LevelError || h.Level("writer") != slog.LevelDebug {
		t.Errorf("levels = %v, %v", h.Level("serial"), h.Level("writer"))
	}
}

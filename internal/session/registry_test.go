package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/limarti/positioning-fusion-sub001/internal/home"
	"github.com/limarti/positioning-fusion-sub001/internal/timesource"
	"github.com/limarti/positioning-fusion-sub001/internal/volume"
)

// fakeLocator serves a directory as the removable volume while plugged.
type fakeLocator struct {
	mu      sync.Mutex
	root    string
	plugged bool
	locates int
}

func (f *fakeLocator) Locate(context.Context) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locates++
	if !f.plugged {
		return volume.Volume{}, volume.ErrNotFound
	}
	return volume.Volume{Root: f.root, Device: "/dev/sdb1", FSType: "vfat"}, nil
}

func (f *fakeLocator) Present(_ context.Context, v volume.Volume) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plugged && v.Root == f.root
}

func (f *fakeLocator) set(plugged bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plugged = plugged
}

func newRegistry(t *testing.T) (*Registry, *fakeLocator, *clockwork.FakeClock) {
	t.Helper()
	loc := &fakeLocator{root: t.TempDir(), plugged: true}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC))
	r := NewRegistry(Config{Locator: loc, Clock: clock, RunID: "run-1"})
	return r, loc, clock
}

func TestEnsureSessionPathCreatesFirstSession(t *testing.T) {
	r, loc, clock := newRegistry(t)

	dir, err := r.EnsureSessionPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(loc.root, DefaultLoggingDir, "session_00001")
	if dir != want {
		t.Fatalf("session dir = %s, want %s", dir, want)
	}

	m, err := home.ReadMeta(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Ordinal != 1 || m.RunID != "run-1" || !m.Created.Equal(clock.Now()) {
		t.Errorf("meta = %+v", m)
	}
	if n, _ := home.New(loc.root, DefaultLoggingDir).ReadCounter(); n != 1 {
		t.Errorf("counter = %d, want 1", n)
	}

	again, err := r.EnsureSessionPath(context.Background())
	if err != nil || again != dir {
		t.Errorf("second EnsureSessionPath = %s, %v", again, err)
	}
	if loc.locates != 1 {
		t.Errorf("locates = %d, want 1", loc.locates)
	}

	st := r.Status()
	if !st.Available || st.SessionDir != dir || st.Ordinal != 1 || st.Finalized {
		t.Errorf("status = %+v", st)
	}
}

func TestEnsureSessionPathVolumeAbsent(t *testing.T) {
	r, loc, _ := newRegistry(t)
	loc.set(false)

	if _, err := r.EnsureSessionPath(context.Background()); !errors.Is(err, ErrVolumeAbsent) {
		t.Fatalf("err = %v, want ErrVolumeAbsent", err)
	}
	if _, ok := r.Current(); ok {
		t.Error("Current reported a session without a volume")
	}
	if r.Status().Available {
		t.Error("status reports available")
	}
}

func TestOrdinalMonotonicAcrossRestarts(t *testing.T) {
	root := t.TempDir()
	loc := &fakeLocator{root: root, plugged: true}

	for want := uint64(1); want <= 3; want++ {
		r := NewRegistry(Config{Locator: loc})
		dir, err := r.EnsureSessionPath(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if got := filepath.Base(dir); got != home.OrdinalName(want) {
			t.Fatalf("restart %d: session %s", want, got)
		}
	}
}

func TestOrdinalSkipsExistingAndSurvivesCorruptCounter(t *testing.T) {
	r, loc, _ := newRegistry(t)
	d := home.New(loc.root, DefaultLoggingDir)
	if err := d.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	// A stale directory the counter doesn't know about.
	if err := os.Mkdir(d.SessionDir("session_00001"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := home.WriteMeta(d.SessionDir("session_00001"), home.Meta{Ordinal: 1}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(d.CounterPath(), []byte("garbage"), 0o640); err != nil {
		t.Fatal(err)
	}

	dir, err := r.EnsureSessionPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := filepath.Base(dir); got != "session_00002" {
		t.Errorf("session = %s, want session_00002", got)
	}
	if n, err := d.ReadCounter(); err != nil || n != 2 {
		t.Errorf("counter = %d, %v; want 2", n, err)
	}
}

func TestVolumeSwapNeverReusesOrdinal(t *testing.T) {
	r, loc, _ := newRegistry(t)
	ctx := context.Background()

	first, err := r.EnsureSessionPath(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Invalidate(first, errors.New("unplugged")) {
		t.Fatal("Invalidate did not change state")
	}

	// Fresh drive with no counter.
	loc.mu.Lock()
	loc.root = t.TempDir()
	loc.mu.Unlock()

	second, err := r.EnsureSessionPath(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := filepath.Base(second); got != "session_00002" {
		t.Errorf("session on swapped volume = %s, want session_00002", got)
	}
}

func TestInvalidateIgnoresStaleDir(t *testing.T) {
	r, _, _ := newRegistry(t)
	dir, err := r.EnsureSessionPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Invalidate(dir+"-old", errors.New("x")) {
		t.Error("stale dir invalidated the session")
	}
	if r.Invalidate("", errors.New("x")) {
		t.Error("empty dir invalidated the session")
	}
	if _, ok := r.Current(); !ok {
		t.Error("session lost")
	}
	if !r.Invalidate(dir, errors.New("x")) {
		t.Error("matching dir did not invalidate")
	}
	if r.Invalidate(dir, errors.New("x")) {
		t.Error("second Invalidate reported a change")
	}
}

func TestCheckVolume(t *testing.T) {
	r, loc, _ := newRegistry(t)
	ctx := context.Background()
	if _, err := r.EnsureSessionPath(ctx); err != nil {
		t.Fatal(err)
	}

	r.CheckVolume(ctx)
	if _, ok := r.Current(); !ok {
		t.Fatal("present volume invalidated")
	}

	loc.set(false)
	r.CheckVolume(ctx)
	if _, ok := r.Current(); ok {
		t.Fatal("CheckVolume kept a removed volume")
	}
}

func TestConcurrentEnsureCreatesOneSession(t *testing.T) {
	r, loc, _ := newRegistry(t)

	var wg sync.WaitGroup
	dirs := make([]string, 16)
	for i := range dirs {
		wg.Go(func() {
			dirs[i], _ = r.EnsureSessionPath(context.Background())
		})
	}
	wg.Wait()

	for _, d := range dirs {
		if d != dirs[0] || d == "" {
			t.Fatalf("writers disagree on the session: %v", dirs)
		}
	}
	sessions, err := home.New(loc.root, DefaultLoggingDir).Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Errorf("created %d sessions, want 1", len(sessions))
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	r, loc, _ := newRegistry(t)
	ctx := context.Background()
	dir, err := r.EnsureSessionPath(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "gnss.log"), []byte("header\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2025, 3, 1, 14, 22, 31, 0, time.UTC)
	if err := r.Finalize(ts); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(loc.root, DefaultLoggingDir, "2025-03-01-14-22")
	cur, _ := r.Current()
	if cur != want {
		t.Fatalf("Current = %s, want %s", cur, want)
	}
	if _, err := os.Stat(filepath.Join(want, "gnss.log")); err != nil {
		t.Errorf("file did not move with the session: %v", err)
	}

	before, _ := os.ReadDir(filepath.Dir(want))
	if err := r.Finalize(ts); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if err := r.Finalize(ts.Add(time.Hour)); err != nil {
		t.Fatalf("Finalize with another time: %v", err)
	}
	after, _ := os.ReadDir(filepath.Dir(want))
	if len(before) != len(after) {
		t.Error("second Finalize changed the filesystem")
	}
	if cur2, _ := r.Current(); cur2 != want {
		t.Errorf("Current after repeat = %s", cur2)
	}
	if !r.Status().Finalized {
		t.Error("status not finalized")
	}
}

func TestFinalizeCollisionSuffix(t *testing.T) {
	r, loc, _ := newRegistry(t)
	dir, err := r.EnsureSessionPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	root := home.New(loc.root, DefaultLoggingDir)
	ts := time.Date(2025, 3, 1, 14, 22, 0, 0, time.UTC)
	for _, name := range []string{"2025-03-01-14-22", "2025-03-01-14-22-01"} {
		if err := os.Mkdir(root.SessionDir(name), 0o750); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Finalize(ts); err != nil {
		t.Fatal(err)
	}
	cur, _ := r.Current()
	if filepath.Base(cur) != "2025-03-01-14-22-02" {
		t.Errorf("Current = %s", cur)
	}
	if exists(dir) {
		t.Error("provisional directory still exists")
	}
}

func TestFinalizeCollisionsExhausted(t *testing.T) {
	r, loc, _ := newRegistry(t)
	dir, err := r.EnsureSessionPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	root := home.New(loc.root, DefaultLoggingDir)
	ts := time.Date(2025, 3, 1, 14, 22, 0, 0, time.UTC)
	for seq := 0; seq <= MaxCollisions; seq++ {
		if err := os.Mkdir(root.SessionDir(home.TimestampName(ts, seq)), 0o750); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Finalize(ts); !errors.Is(err, ErrRenameCollision) {
		t.Fatalf("Finalize = %v, want ErrRenameCollision", err)
	}
	if cur, _ := r.Current(); cur != dir {
		t.Errorf("session moved to %s", cur)
	}

	// Free a name: the run still keeps its provisional name.
	if err := os.Remove(root.SessionDir(home.TimestampName(ts, 5))); err != nil {
		t.Fatal(err)
	}
	if err := r.Finalize(ts); !errors.Is(err, ErrRenameCollision) {
		t.Errorf("retry = %v, want ErrRenameCollision", err)
	}
	if !exists(dir) {
		t.Error("provisional session disappeared")
	}
	if !r.Status().RenameFailed {
		t.Error("status does not report the failed rename")
	}
}

func TestFinalizeWithoutSession(t *testing.T) {
	r, _, _ := newRegistry(t)
	if err := r.Finalize(time.Now()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Finalize = %v, want ErrNoSession", err)
	}
}

func TestPollFinalize(t *testing.T) {
	r, _, _ := newRegistry(t)
	latch := timesource.NewLatch(nil)

	// No session yet: nothing happens.
	r.PollFinalize(latch)

	dir, err := r.EnsureSessionPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	r.PollFinalize(latch)
	if cur, _ := r.Current(); cur != dir {
		t.Fatal("finalized without a valid time")
	}

	latch.Set(time.Date(2025, 3, 1, 14, 22, 0, 0, time.UTC))
	r.PollFinalize(latch)
	cur, _ := r.Current()
	if filepath.Base(cur) != "2025-03-01-14-22" {
		t.Errorf("Current = %s", cur)
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestChangedSignalsTransitions(t *testing.T) {
	r, loc, clock := newRegistry(t)
	ctx := context.Background()

	ch := r.Changed()
	dir, err := r.EnsureSessionPath(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !closed(ch) {
		t.Error("session creation not signalled")
	}

	ch = r.Changed()
	if _, err := r.EnsureSessionPath(ctx); err != nil {
		t.Fatal(err)
	}
	if closed(ch) {
		t.Error("existing session should not signal")
	}

	if err := r.Finalize(clock.Now()); err != nil {
		t.Fatal(err)
	}
	if !closed(ch) {
		t.Error("finalize not signalled")
	}

	ch = r.Changed()
	cur, _ := r.Current()
	if cur == dir {
		t.Fatal("session not renamed")
	}
	loc.set(false)
	r.VolumesChanged(ctx)
	if !closed(ch) {
		t.Error("VolumesChanged not signalled")
	}
	if _, ok := r.Current(); ok {
		t.Error("session should be dropped after the volume left")
	}
}

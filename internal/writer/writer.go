// Package writer persists records for one output stream to the active
// session directory.
//
// Producers call Enqueue, which never blocks. One loop per Writer moves
// queued records into a pending buffer and appends the buffer to
// <session>/<name> when the flush interval has elapsed or the buffer
// reaches MaxBuffer bytes. While no volume is available the buffer is
// kept in memory up to MaxPending bytes; beyond that the loop stops
// taking records off the queue, so the queue fills and new records are
// dropped at Enqueue.
package writer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/limarti/positioning-fusion-sub001/internal/logging"
	"github.com/limarti/positioning-fusion-sub001/internal/queue"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultQueueCapacity = queue.DefaultCapacity
	DefaultFlushInterval = time.Second
	DefaultMaxBuffer     = 1 << 20
	DefaultMaxPending    = 32 << 20

	drainBatch        = 256
	maxWriteAttempts  = 3
	finalFlushTimeout = 5 * time.Second
)

var (
	// ErrQueueFull is returned by Enqueue when the record was dropped.
	ErrQueueFull = errors.New("writer queue full")
	// ErrStopped is returned by Enqueue and Start after Stop.
	ErrStopped = errors.New("writer stopped")
)

// Sessions resolves the directory records are written to. It is
// implemented by *session.Registry and shared by all writers on a volume.
type Sessions interface {
	EnsureSessionPath(ctx context.Context) (string, error)
	Current() (string, bool)
	Invalidate(usedDir string, cause error) bool
	// Changed is closed on the next session or volume transition.
	Changed() <-chan struct{}
}

// Config configures a Writer.
type Config struct {
	// Name is the file name inside the session directory.
	Name string
	// Header is written first when the file is created. A trailing
	// newline is added if missing. Empty means no header.
	Header string

	QueueCapacity int
	FlushInterval time.Duration
	MaxBuffer     int
	MaxPending    int

	Sessions Sessions
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Status is a point-in-time view of a Writer.
type Status struct {
	Name         string    `json:"name"`
	Path         string    `json:"path,omitempty"`
	Buffering    bool      `json:"buffering"`
	Queued       int       `json:"queued"`
	PendingBytes int64     `json:"pending_bytes"`
	Enqueued     uint64    `json:"enqueued"`
	Dropped      uint64    `json:"dropped"`
	BytesWritten uint64    `json:"bytes_written"`
	Flushes      uint64    `json:"flushes"`
	FlushErrors  uint64    `json:"flush_errors"`
	LastFlush    time.Time `json:"last_flush,omitzero"`
}

// Writer is the durable file writer for one output stream.
type Writer struct {
	cfg      Config
	header   []byte
	queue    *queue.Queue[Record]
	sessions Sessions
	clock    clockwork.Clock
	logger   *slog.Logger

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool

	// gate is write-locked while stopped is set so no push lands after
	// the final drain.
	gate sync.RWMutex

	// Owned by the loop goroutine.
	pending    []byte
	held       uint64 // records with bytes in pending
	lastFlush  time.Time
	lastAbsent time.Time
	absent     bool

	pendingBytes  atomic.Int64
	enqueued      atomic.Uint64
	dropped       atomic.Uint64
	written       atomic.Uint64
	flushes       atomic.Uint64
	flushErrors   atomic.Uint64
	lastFlushNano atomic.Int64
	buffering     atomic.Bool
	pathMu        sync.Mutex
	path          string

	dropLog  rate.Sometimes
	errorLog rate.Sometimes
}

// New creates a Writer. Records may be enqueued before Start; they are
// written once the loop runs.
func New(cfg Config) (*Writer, error) {
	if cfg.Name == "" {
		return nil, errors.New("writer: file name is required")
	}
	if filepath.Base(cfg.Name) != cfg.Name {
		return nil, fmt.Errorf("writer: file name %q must not contain a path", cfg.Name)
	}
	if cfg.Sessions == nil {
		return nil, errors.New("writer: sessions are required")
	}
	cfg.QueueCapacity = cmp.Or(cfg.QueueCapacity, DefaultQueueCapacity)
	cfg.FlushInterval = cmp.Or(cfg.FlushInterval, DefaultFlushInterval)
	cfg.MaxBuffer = cmp.Or(cfg.MaxBuffer, DefaultMaxBuffer)
	cfg.MaxPending = max(cmp.Or(cfg.MaxPending, DefaultMaxPending), cfg.MaxBuffer)
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	var header []byte
	if cfg.Header != "" {
		header = []byte(cfg.Header)
		if !strings.HasSuffix(cfg.Header, "\n") {
			header = append(header, '\n')
		}
	}

	w := &Writer{
		cfg:      cfg,
		header:   header,
		queue:    queue.New[Record](cfg.QueueCapacity),
		sessions: cfg.Sessions,
		clock:    cfg.Clock,
		logger:   logging.Default(cfg.Logger).With("component", "writer", "file", cfg.Name),
		dropLog:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
		errorLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	w.buffering.Store(true)
	return w, nil
}

// Name returns the output file name.
func (w *Writer) Name() string { return w.cfg.Name }

// Enqueue adds r to the queue without blocking. A full queue drops r and
// returns ErrQueueFull.
func (w *Writer) Enqueue(r Record) error {
	w.gate.RLock()
	defer w.gate.RUnlock()
	if w.stopped.Load() {
		return ErrStopped
	}
	if !w.queue.TryPush(r) {
		n := w.dropped.Add(1)
		w.dropLog.Do(func() {
			w.logger.Warn("queue full, dropping records", "dropped_total", n, "capacity", w.queue.Cap())
		})
		return ErrQueueFull
	}
	w.enqueued.Add(1)
	return nil
}

// EnqueueLine enqueues a text line.
func (w *Writer) EnqueueLine(text string) error { return w.Enqueue(Line(text)) }

// EnqueueBlock enqueues a raw byte block.
func (w *Writer) EnqueueBlock(b []byte) error { return w.Enqueue(Block(b)) }

// Start runs the drain loop until ctx is cancelled or Stop is called.
// Once the loop exits the writer is stopped for good.
func (w *Writer) Start(ctx context.Context) error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if w.stopped.Load() {
		return ErrStopped
	}
	if w.done != nil {
		return errors.New("writer already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.lastFlush = w.clock.Now()
	go w.run(ctx, w.done)
	w.logger.Debug("writer started",
		"flush_interval", w.cfg.FlushInterval,
		"max_buffer", humanize.IBytes(uint64(w.cfg.MaxBuffer)))
	return nil
}

// Stop stops the loop after one final best-effort flush and rejects
// further records. It blocks until the loop has exited.
func (w *Writer) Stop() error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	w.reject()
	if w.done == nil {
		return nil
	}
	w.cancel()
	<-w.done
	return nil
}

func (w *Writer) reject() {
	w.gate.Lock()
	w.stopped.Store(true)
	w.gate.Unlock()
}

// Status returns a snapshot of the writer.
func (w *Writer) Status() Status {
	st := Status{
		Name:         w.cfg.Name,
		Buffering:    w.buffering.Load(),
		Queued:       w.queue.Len(),
		PendingBytes: w.pendingBytes.Load(),
		Enqueued:     w.enqueued.Load(),
		Dropped:      w.dropped.Load(),
		BytesWritten: w.written.Load(),
		Flushes:      w.flushes.Load(),
		FlushErrors:  w.flushErrors.Load(),
	}
	if ns := w.lastFlushNano.Load(); ns != 0 {
		st.LastFlush = time.Unix(0, ns)
	}
	w.pathMu.Lock()
	st.Path = w.path
	w.pathMu.Unlock()
	return st
}

func (w *Writer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	tick := w.clock.NewTicker(w.cfg.FlushInterval)
	defer tick.Stop()

	for {
		in := w.queue.C()
		if len(w.pending) >= w.cfg.MaxPending {
			in = nil
		}

		select {
		case <-ctx.Done():
			w.final(ctx)
			return

		case r := <-in:
			w.pending = r.appendTo(w.pending)
			w.held++
			w.drain(w.cfg.MaxPending)
			w.maybeFlush(ctx, w.clock.Now())

		case now := <-tick.Chan():
			w.maybeFlush(ctx, now)

		case <-w.sessions.Changed():
			if w.absent {
				w.lastAbsent = time.Time{}
				w.maybeFlush(ctx, w.clock.Now())
			}
		}
	}
}

// drain moves queued records into the pending buffer until the queue is
// empty or the buffer reaches limit bytes. limit <= 0 means no limit.
func (w *Writer) drain(limit int) {
	batch := make([]Record, 0, drainBatch)
	for limit <= 0 || len(w.pending) < limit {
		batch = w.queue.Drain(batch[:0], drainBatch)
		if len(batch) == 0 {
			break
		}
		for _, r := range batch {
			w.pending = r.appendTo(w.pending)
		}
		w.held += uint64(len(batch))
	}
	w.pendingBytes.Store(int64(len(w.pending)))
}

func (w *Writer) maybeFlush(ctx context.Context, now time.Time) {
	w.pendingBytes.Store(int64(len(w.pending)))

	timeDue := now.Sub(w.lastFlush) >= w.cfg.FlushInterval
	sizeDue := len(w.pending) >= w.cfg.MaxBuffer
	if !timeDue && !sizeDue {
		return
	}
	// Without a volume, re-check at the flush cadence only.
	if w.absent && now.Sub(w.lastAbsent) < w.cfg.FlushInterval {
		return
	}
	if len(w.pending) == 0 {
		// Nothing to write, but keep volume availability current.
		if _, ok := w.sessions.Current(); ok {
			w.absent = false
			w.buffering.Store(false)
		} else {
			w.resolve(ctx, now)
		}
		return
	}
	w.flush(ctx, now)
}

// resolve returns the session directory, tracking availability transitions.
func (w *Writer) resolve(ctx context.Context, now time.Time) (string, bool) {
	dir, err := w.sessions.EnsureSessionPath(ctx)
	if err != nil {
		if !w.absent {
			w.logger.Warn("volume unavailable, buffering in memory",
				"pending", humanize.IBytes(uint64(len(w.pending))), "error", err)
		}
		w.absent = true
		w.lastAbsent = now
		w.buffering.Store(true)
		w.setPath("")
		return "", false
	}
	if w.absent {
		w.logger.Info("volume available, resuming writes", "session", dir)
	}
	w.absent = false
	w.buffering.Store(false)
	return dir, true
}

func (w *Writer) flush(ctx context.Context, now time.Time) {
	dir, ok := w.resolve(ctx, now)
	if !ok {
		return
	}

	for range maxWriteAttempts {
		n, err := w.appendFile(dir)
		if n > 0 {
			w.pending = append(w.pending[:0], w.pending[n:]...)
			w.written.Add(uint64(n))
		}
		if err == nil {
			w.flushed(now)
			return
		}

		// The session was renamed under us: follow it.
		if cur, ok := w.sessions.Current(); ok && cur != dir {
			w.logger.Debug("session moved, following", "from", dir, "to", cur)
			dir = cur
			continue
		}

		if isDisconnect(err) {
			w.sessions.Invalidate(dir, err)
			w.logger.Warn("volume lost during write, buffering in memory",
				"pending", humanize.IBytes(uint64(len(w.pending))), "error", err)
			w.absent = true
			w.lastAbsent = now
			w.buffering.Store(true)
			w.setPath("")
			w.pendingBytes.Store(int64(len(w.pending)))
			return
		}

		w.flushErrors.Add(1)
		w.errorLog.Do(func() {
			w.logger.Warn("flush failed", "error", err)
		})
		w.pendingBytes.Store(int64(len(w.pending)))
		return
	}
	w.flushErrors.Add(1)
	w.pendingBytes.Store(int64(len(w.pending)))
}

func (w *Writer) flushed(now time.Time) {
	w.held = 0
	w.lastFlush = now
	w.flushes.Add(1)
	w.lastFlushNano.Store(now.UnixNano())
	if cap(w.pending) > 4*w.cfg.MaxBuffer {
		w.pending = nil
	}
	w.pendingBytes.Store(int64(len(w.pending)))
}

// appendFile appends the pending buffer to the stream file in dir,
// writing the header first when the file is empty. It returns how many
// pending bytes reached the file.
func (w *Writer) appendFile(dir string) (int, error) {
	path := filepath.Join(dir, w.cfg.Name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640) //nolint:gosec // G304: path is session dir + configured file name
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	w.setPath(path)

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 && len(w.header) > 0 {
		if _, err := f.Write(w.header); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("write header %s: %w", path, err)
		}
	}

	n, werr := f.Write(w.pending)
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		return n, fmt.Errorf("append %s: %w", path, err)
	}
	return n, nil
}

// final rejects further records, drains everything still queued and
// makes one last flush attempt. Records that could not be written are
// counted as dropped.
func (w *Writer) final(ctx context.Context) {
	w.reject()
	w.drain(0)
	if len(w.pending) > 0 {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
		w.flush(fctx, w.clock.Now())
		cancel()
	}
	if len(w.pending) == 0 {
		return
	}
	// A partially written record counts as dropped.
	n := w.dropped.Add(w.held)
	w.logger.Warn("final flush incomplete, discarding buffered records",
		"pending", humanize.IBytes(uint64(len(w.pending))), "records", w.held, "dropped_total", n)
	w.held = 0
	w.pending = nil
	w.pendingBytes.Store(0)
}

func (w *Writer) setPath(p string) {
	w.pathMu.Lock()
	w.path = p
	w.pathMu.Unlock()
}

// isDisconnect reports whether err means the target directory or its
// device has gone away.
func isDisconnect(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENODEV) ||
		errors.Is(err, syscall.ENXIO) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.ESTALE) ||
		errors.Is(err, syscall.EROFS)
}

package serial

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/limarti/positioning-fusion-sub001/internal/logging"
)

// Defaults applied by NewLink for zero-valued LinkConfig fields.
const (
	DefaultReadBuffer   = 4096
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRateInterval = time.Second
	DefaultLineEnding   = "\r\n"
	DefaultMaxIOErrors  = 10

	minStopGrace = 50 * time.Millisecond
)

// LinkConfig configures a Link.
type LinkConfig struct {
	// Name is the human label used in logs and status ("gnss", "imu").
	Name string
	Port Config

	// ReadBuffer caps a single read from the port.
	ReadBuffer int
	// PollInterval is the polling cadence while driver events are unhealthy.
	PollInterval time.Duration
	// Watchdog is how long driver events may stay silent before pending
	// bytes are taken as evidence that events stopped. Defaults to PollInterval.
	Watchdog time.Duration
	// RateInterval is how often the throughput figure is recomputed.
	RateInterval time.Duration

	// HealOnPoll restores the historical behavior where every successful
	// poll marks driver events healthy again. Off by default: only a
	// driver event that delivers new data ends polling.
	HealOnPoll bool

	// LineEnding is appended by WriteLine.
	LineEnding string

	// MaxIOErrors is how many consecutive failed reads or pending-count
	// queries close the link. A closed link reports Open false, so its
	// owner can reopen the device.
	MaxIOErrors int

	Open   OpenFunc
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// LinkStatus is a point-in-time view of a Link.
type LinkStatus struct {
	Name       string  `json:"name"`
	Device     string  `json:"device"`
	Open       bool    `json:"open"`
	Healthy    bool    `json:"healthy"`
	RateBPS    float64 `json:"rate_bps"`
	Bytes      uint64  `json:"bytes"`
	Chunks     uint64  `json:"chunks"`
	ReadErrors uint64  `json:"read_errors"`
	Fallbacks  uint64  `json:"fallbacks"`
	Failures   uint64  `json:"failures"`
}

type subscriber struct {
	id uint64
	fn func([]byte)
}

// Link is the acquisition unit for one serial device.
//
// Concurrency model:
//   - A single loop goroutine per open link selects over driver events,
//     the watchdog, the fallback poll ticker, the rate ticker and stop.
//   - Reads from the port are serialized by ioMu so ReadPending and the
//     loop never split one drain between them.
//   - Health and counters are atomics, readable from any goroutine.
type Link struct {
	cfg    LinkConfig
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex // guards port, cancel, done
	port   Port
	cancel context.CancelFunc
	done   chan struct{} // closed when the last started loop exits; kept after Stop

	subsMu  sync.RWMutex
	subs    []subscriber
	nextSub uint64

	ioMu    sync.Mutex // serializes reads; owns readBuf
	readBuf []byte
	writeMu sync.Mutex

	healthy    atomic.Bool
	rateBits   atomic.Uint64
	bytes      atomic.Uint64
	chunks     atomic.Uint64
	readErrors atomic.Uint64
	fallbacks  atomic.Uint64
	failures   atomic.Uint64
	meter      *rateMeter // replaced under ioMu

	errLog rate.Sometimes
}

// NewLink creates a closed link. Call Start to open the device.
func NewLink(cfg LinkConfig) *Link {
	cfg.ReadBuffer = cmp.Or(cfg.ReadBuffer, DefaultReadBuffer)
	cfg.PollInterval = cmp.Or(cfg.PollInterval, DefaultPollInterval)
	cfg.Watchdog = cmp.Or(cfg.Watchdog, cfg.PollInterval)
	cfg.RateInterval = cmp.Or(cfg.RateInterval, DefaultRateInterval)
	cfg.LineEnding = cmp.Or(cfg.LineEnding, DefaultLineEnding)
	cfg.MaxIOErrors = cmp.Or(cfg.MaxIOErrors, DefaultMaxIOErrors)
	if cfg.Open == nil {
		cfg.Open = OpenPort
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Link{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logging.Default(cfg.Logger).With("component", "serial", "link", cfg.Name, "device", cfg.Port.Device),
		readBuf: make([]byte, cfg.ReadBuffer),
		meter:   newRateMeter(cfg.Clock.Now()),
		errLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Name returns the configured link name.
func (l *Link) Name() string { return l.cfg.Name }

// Start opens the device and starts the acquisition loop. The loop stops
// when ctx is cancelled or Stop is called. A device that cannot be opened
// yields ErrHardwareUnavailable; retrying is up to the caller.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != nil {
		return ErrAlreadyOpen
	}
	if l.done != nil {
		select {
		case <-l.done:
		default:
			return fmt.Errorf("%w: previous loop still running", ErrAlreadyOpen)
		}
	}

	port, err := l.cfg.Open(l.cfg.Port)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHardwareUnavailable, l.cfg.Port.Device, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.port = port
	l.cancel = cancel
	l.done = make(chan struct{})
	l.healthy.Store(true)
	l.ioMu.Lock()
	l.meter = newRateMeter(l.clock.Now())
	l.ioMu.Unlock()

	go l.run(ctx, port, l.done)

	l.logger.Info("link opened",
		"baud", l.cfg.Port.Baud,
		"parity", l.cfg.Port.Parity.String(),
		"watchdog", l.cfg.Watchdog,
		"poll_interval", l.cfg.PollInterval)
	return nil
}

// Stop stops the loop, waits up to about one polling interval for an
// in-flight dispatch to finish, and closes the device. Stopping a closed
// link is a no-op.
func (l *Link) Stop() error {
	l.mu.Lock()
	port, cancel, done := l.port, l.cancel, l.done
	l.port, l.cancel = nil, nil
	l.mu.Unlock()

	if port == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-l.clock.After(max(l.cfg.PollInterval, minStopGrace)):
		l.logger.Warn("link loop still dispatching after grace period")
	}

	l.healthy.Store(false)
	l.rateBits.Store(0)
	err := port.Close()
	l.logger.Info("link closed")
	return err
}

// Subscribe registers fn to receive every dispatched chunk, in receipt
// order. Chunks are shared between subscribers and must not be modified.
// fn runs on the link loop; a panic in fn is recovered and logged.
func (l *Link) Subscribe(fn func(chunk []byte)) (cancel func()) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.subs = append(l.subs, subscriber{id: id, fn: fn})
	return func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

// Write writes b to the device synchronously.
func (l *Link) Write(b []byte) error {
	port := l.currentPort()
	if port == nil {
		return ErrNotConnected
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := port.Write(b); err != nil {
		l.logger.Warn("write failed", "error", err)
		return fmt.Errorf("write %s: %w", l.cfg.Name, err)
	}
	return nil
}

// WriteLine writes text followed by the configured line ending.
func (l *Link) WriteLine(text string) error {
	return l.Write([]byte(text + l.cfg.LineEnding))
}

// ReadPending returns whatever the driver currently holds, bypassing
// subscribers. It is meant for short request/response exchanges such as
// configuration handshakes.
func (l *Link) ReadPending() ([]byte, error) {
	port := l.currentPort()
	if port == nil {
		return nil, ErrNotConnected
	}
	l.ioMu.Lock()
	defer l.ioMu.Unlock()
	b, err := l.drain(port)
	if err != nil {
		return b, fmt.Errorf("read %s: %w", l.cfg.Name, err)
	}
	return b, nil
}

// Healthy reports whether the link is relying on driver events.
func (l *Link) Healthy() bool { return l.healthy.Load() }

// Rate returns the most recent throughput figure in bits per second.
func (l *Link) Rate() float64 { return math.Float64frombits(l.rateBits.Load()) }

// Status returns a snapshot of the link.
func (l *Link) Status() LinkStatus {
	return LinkStatus{
		Name:       l.cfg.Name,
		Device:     l.cfg.Port.Device,
		Open:       l.currentPort() != nil,
		Healthy:    l.healthy.Load(),
		RateBPS:    l.Rate(),
		Bytes:      l.bytes.Load(),
		Chunks:     l.chunks.Load(),
		ReadErrors: l.readErrors.Load(),
		Fallbacks:  l.fallbacks.Load(),
		Failures:   l.failures.Load(),
	}
}

func (l *Link) currentPort() Port {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// run is the link loop. State is Healthy while healthy is true (the
// watchdog is armed and the poll ticker is off) and Fallback otherwise
// (watchdog idle, poll ticker on).
func (l *Link) run(ctx context.Context, port Port, done chan struct{}) {
	defer close(done)

	watchdog := l.clock.NewTimer(l.cfg.Watchdog)
	defer watchdog.Stop()
	rateTick := l.clock.NewTicker(l.cfg.RateInterval)
	defer rateTick.Stop()

	var poll clockwork.Ticker
	var pollC <-chan time.Time
	stopPolling := func() {
		if poll != nil {
			poll.Stop()
			poll, pollC = nil, nil
		}
	}
	defer stopPolling()

	heal := func(reason string) {
		l.healthy.Store(true)
		stopPolling()
		watchdog.Reset(l.cfg.Watchdog)
		l.logger.Info("driver events healthy", "reason", reason)
	}

	// fails counts consecutive failed I/O calls; any success resets it.
	fails := 0
	failed := func(err error) bool {
		if err == nil {
			fails = 0
			return false
		}
		fails++
		if fails < l.cfg.MaxIOErrors {
			return false
		}
		l.fail(port, err)
		return true
	}

	ready := port.Ready()
	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-ready:
			if !ok {
				ready = nil
				continue
			}
			n, err := l.cycle(port)
			if failed(err) {
				return
			}
			if l.healthy.Load() {
				watchdog.Reset(l.cfg.Watchdog)
			} else if n > 0 {
				heal("event")
			}

		case <-watchdog.Chan():
			if !l.healthy.Load() {
				continue
			}
			pending, err := port.Buffered()
			if err != nil {
				l.transient("pending", err)
			}
			if failed(err) {
				return
			}
			if pending <= 0 {
				watchdog.Reset(l.cfg.Watchdog)
				continue
			}
			l.healthy.Store(false)
			l.fallbacks.Add(1)
			l.logger.Warn("driver events stalled, polling", "pending", pending)
			poll = l.clock.NewTicker(l.cfg.PollInterval)
			pollC = poll.Chan()
			n, err := l.cycle(port)
			if failed(err) {
				return
			}
			if n > 0 && l.cfg.HealOnPoll {
				heal("poll")
			}

		case <-pollC:
			n, err := l.cycle(port)
			if failed(err) {
				return
			}
			if n > 0 && l.cfg.HealOnPoll {
				heal("poll")
			}

		case now := <-rateTick.Chan():
			l.rateBits.Store(math.Float64bits(l.meter.roll(now)))
		}
	}
}

// cycle drains the port and dispatches what it read. It returns the number
// of bytes dispatched and the read error, if any. Bytes read before an
// error are still dispatched.
func (l *Link) cycle(port Port) (int, error) {
	l.ioMu.Lock()
	chunk, err := l.drain(port)
	l.ioMu.Unlock()
	if err != nil {
		l.transient("read", err)
	}
	if len(chunk) > 0 {
		l.dispatch(chunk)
	}
	return len(chunk), err
}

// fail closes port after sustained I/O errors. If Stop already took the
// port, closing is left to Stop.
func (l *Link) fail(port Port, err error) {
	l.mu.Lock()
	owned := l.port == port
	if owned {
		l.failures.Add(1)
		l.healthy.Store(false)
		l.rateBits.Store(0)
		l.cancel()
		l.port, l.cancel = nil, nil
	}
	l.mu.Unlock()
	if !owned {
		return
	}

	_ = port.Close()
	l.logger.Error("device failing, link closed",
		"consecutive_errors", l.cfg.MaxIOErrors, "error", err)
}

// drain reads until the driver reports nothing pending or a read comes
// back short. Caller must hold ioMu.
func (l *Link) drain(port Port) ([]byte, error) {
	var acc []byte
	for {
		pending, err := port.Buffered()
		if err != nil {
			return acc, err
		}
		if pending <= 0 {
			return acc, nil
		}
		want := min(pending, len(l.readBuf))
		n, err := port.Read(l.readBuf[:want])
		if n > 0 {
			acc = append(acc, l.readBuf[:n]...)
			l.bytes.Add(uint64(n))
			l.meter.add(n)
		}
		if err != nil {
			return acc, err
		}
		if n < want {
			return acc, nil
		}
	}
}

func (l *Link) dispatch(chunk []byte) {
	l.chunks.Add(1)
	l.subsMu.RLock()
	subs := l.subs
	l.subsMu.RUnlock()
	for _, s := range subs {
		l.deliver(s.fn, chunk)
	}
}

func (l *Link) deliver(fn func([]byte), chunk []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("subscriber panicked", "panic", r)
		}
	}()
	fn(chunk)
}

func (l *Link) transient(op string, err error) {
	l.readErrors.Add(1)
	l.errLog.Do(func() {
		l.logger.Warn("transient I/O error", "op", op, "error", err)
	})
}

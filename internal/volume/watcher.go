package volume

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/limarti/positioning-fusion-sub001/internal/logging"
)

// DefaultSettle is how long mount-root events are coalesced before the
// change callback runs. Automounters create and chmod several entries per
// plug event.
const DefaultSettle = 250 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Roots    []string
	Settle   time.Duration
	OnChange func()
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Watcher calls OnChange shortly after entries appear in or vanish from
// any of the media roots. Roots that do not exist are skipped.
type Watcher struct {
	roots    []string
	settle   time.Duration
	onChange func()
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewWatcher returns a Watcher. Run starts it.
func NewWatcher(cfg WatcherConfig) *Watcher {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func() {}
	}
	return &Watcher{
		roots:    cfg.Roots,
		settle:   cmp.Or(cfg.Settle, DefaultSettle),
		onChange: onChange,
		clock:    clock,
		logger:   logging.Default(cfg.Logger).With("component", "volume-watcher"),
	}
}

// Run watches until ctx is cancelled. It returns an error only if the
// notifier cannot be created.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	watched := 0
	for _, root := range w.roots {
		if err := fw.Add(root); err != nil {
			w.logger.Debug("media root not watched", "root", root, "error", err)
			continue
		}
		watched++
	}
	w.logger.Debug("watching media roots", "count", watched)

	var settle clockwork.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("media root changed", "path", event.Name, "op", event.Op.String())
			if event.Has(fsnotify.Create) {
				// Nested automount layouts (/run/media/<user>/<label>).
				_ = fw.Add(event.Name)
			}
			if settle == nil {
				settle = w.clock.NewTimer(w.settle)
			} else {
				settle.Reset(w.settle)
			}
			settleC = settle.Chan()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)

		case <-settleC:
			settleC = nil
			w.onChange()
		}
	}
}

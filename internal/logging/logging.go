// Package logging provides utilities for structured logging across the system.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger
//   - Logger scoping happens once at construction time
//   - slog.With() is used to attach default attributes
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in main().
// Components must never call slog.SetDefault or access global loggers.
//
// Logging is intentionally sparse:
//   - No logging inside byte dispatch or record append paths
//   - Lifecycle, health and volume transitions are the intended log points
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ComponentKey is the attribute key used to scope loggers to a component.
const ComponentKey = "component"

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise returns a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", name)
	}
	return l, nil
}

// levelTable is shared between a ComponentFilterHandler and every clone
// produced by WithAttrs/WithGroup, so SetLevel affects all of them.
type levelTable struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

func (t *levelTable) level(component string) slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.overrides[component]; ok {
		return l
	}
	return t.def
}

// floor is the lowest level any component may currently log at.
func (t *levelTable) floor() slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lowest := t.def
	for _, l := range t.overrides {
		if l < lowest {
			lowest = l
		}
	}
	return lowest
}

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is taken from a "component" attribute, either attached with
// slog.Logger.With or passed on the record itself. Records without a
// component use the default level.
type ComponentFilterHandler struct {
	inner     slog.Handler
	levels    *levelTable
	component string // from pre-attached attrs, empty if unknown
}

// NewComponentFilterHandler wraps inner with per-component level filtering.
// inner may be nil when the handler is only used for level bookkeeping.
func NewComponentFilterHandler(inner slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		inner: inner,
		levels: &levelTable{
			def:       defaultLevel,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel sets the minimum level for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	h.levels.overrides[component] = level
}

// ClearLevel removes a component override, reverting it to the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	delete(h.levels.overrides, component)
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.level(component)
}

// DefaultLevel returns the level used by components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.levels.def
}

func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.component != "" {
		if level < h.levels.level(h.component) {
			return false
		}
	} else if level < h.levels.floor() {
		return false
	}
	return h.inner != nil && h.inner.Enabled(ctx, level)
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.level(component) {
		return nil
	}
	if h.inner == nil {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	for _, a := range attrs {
		if a.Key == ComponentKey {
			clone.component = a.Value.String()
		}
	}
	if h.inner != nil {
		clone.inner = h.inner.WithAttrs(attrs)
	}
	return &clone
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.inner != nil {
		clone.inner = h.inner.WithGroup(name)
	}
	return &clone
}

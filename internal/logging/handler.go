// Package logging provides the slog handler shared by every component. Records
// go to a text handler for the console and, once a sink is attached, to the
// system log table.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/conductor/internal/persistence"
)

// ComponentKey is the attribute naming the subsystem that emitted a record.
const ComponentKey = "component"

// persistTimeout bounds each write to the sink.
const persistTimeout = 5 * time.Second

// Sink receives persisted log records.
type Sink interface {
	AppendLog(ctx context.Context, entry persistence.LogEntry) error
}

// shared is the state common to a handler and all handlers derived from it.
type shared struct {
	sink     atomic.Pointer[Sink]
	fallback io.Writer
	mu       sync.Mutex // serializes fallback writes
}

// Handler tees records to a console handler and the attached sink.
type Handler struct {
	console slog.Handler
	level   slog.Leveler
	state   *shared
	attrs   []boundAttr
	groups  []string
}

// boundAttr is an attribute added through WithAttrs and the groups open at
// that point.
type boundAttr struct {
	groups []string
	attr   slog.Attr
}

// NewHandler creates a handler writing text records to w. Persistence starts
// once SetSink is called.
func NewHandler(w io.Writer, level slog.Leveler) *Handler {
	return &Handler{
		console: slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceLevel,
		}),
		level: level,
		state: &shared{fallback: w},
	}
}

// New returns a logger over a new handler for the named level.
func New(w io.Writer, level string) (*slog.Logger, *Handler) {
	h := NewHandler(w, ParseLevel(level))
	return slog.New(h), h
}

// SetSink attaches (or with nil, detaches) the persistent sink. It affects
// every handler derived from h.
func (h *Handler) SetSink(sink Sink) {
	if sink == nil {
		h.state.sink.Store(nil)
		return
	}
	h.state.sink.Store(&sink)
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.console.Handle(ctx, r); err != nil {
		return err
	}

	sp := h.state.sink.Load()
	if sp == nil {
		return nil
	}

	entry := persistence.LogEntry{
		Timestamp: r.Time,
		Level:     LevelName(r.Level),
		Message:   r.Message,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	details := make(map[string]any)
	collect := func(groups []string, a slog.Attr) {
		if len(groups) == 0 && a.Key == ComponentKey {
			entry.Component = a.Value.Resolve().String()
			return
		}
		addAttr(details, groups, a)
	}
	for _, b := range h.attrs {
		collect(b.groups, b.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(h.groups, a)
		return true
	})
	if len(details) > 0 {
		entry.Details = details
	}

	// Persistence outlives the caller's cancellation but is bounded.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := (*sp).AppendLog(pctx, entry); err != nil {
		h.state.mu.Lock()
		fmt.Fprintf(h.state.fallback, "failed to persist log record %q: %v\n", r.Message, err)
		h.state.mu.Unlock()
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	c.console = h.console.WithAttrs(attrs)
	for _, a := range attrs {
		c.attrs = append(c.attrs, boundAttr{groups: h.groups, attr: a})
	}
	return c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.console = h.console.WithGroup(name)
	c.groups = append(c.groups, name)
	return c
}

func (h *Handler) clone() *Handler {
	return &Handler{
		console: h.console,
		level:   h.level,
		state:   h.state,
		attrs:   append([]boundAttr(nil), h.attrs...),
		groups:  append([]string(nil), h.groups...),
	}
}

// addAttr stores a record attribute in details, nested under the open groups.
func addAttr(details map[string]any, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	target := details
	for _, g := range groups {
		next, ok := target[g].(map[string]any)
		if !ok {
			next = make(map[string]any)
			target[g] = next
		}
		target = next
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key == "" {
			for _, ga := range a.Value.Group() {
				addAttr(target, nil, ga)
			}
			return
		}
		sub, ok := target[a.Key].(map[string]any)
		if !ok {
			sub = make(map[string]any)
			target[a.Key] = sub
		}
		for _, ga := range a.Value.Group() {
			addAttr(sub, nil, ga)
		}
		return
	}
	target[a.Key] = plain(a.Value)
}

// plain converts a value into something encoding/json renders readably.
func plain(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	}
	switch x := v.Any().(type) {
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}

// ParseLevel maps DEBUG, INFO, WARNING (or WARN) and ERROR to slog levels.
// Unknown names fall back to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelName renders a level as DEBUG, INFO, WARNING or ERROR.
func LevelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(LevelName(l))
		}
	}
	return a
}

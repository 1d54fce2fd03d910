package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent = "component"
	KeyPanel     = "panel"
	KeySurface   = "surface"
	KeyPID       = "pid"
	KeyWidth     = "width"
	KeyHeight    = "height"
	KeyError     = "error"
)

type contextKey struct{}

// sink is shared by every logger derived from the root. Swapping its
// handler or forwarder reaches loggers that were created at package init.
type sink struct {
	handler   atomic.Pointer[slog.Handler]
	forwarder atomic.Pointer[Forwarder]
}

// handler writes through the sink's current handler and hands the record to
// the forwarder, if any. It keeps its own attrs so the component survives
// a handler swap.
type handler struct {
	sink      *sink
	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *handler) current() slog.Handler {
	out := *h.sink.handler.Load()
	for _, g := range h.groups {
		out = out.WithGroup(g)
	}
	if len(h.attrs) > 0 {
		out = out.WithAttrs(h.attrs)
	}
	return out
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if f := h.sink.forwarder.Load(); f != nil && f.accepts(level, h.component) {
		return true
	}
	return h.current().Enabled(ctx, level)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if f := h.sink.forwarder.Load(); f != nil && f.accepts(r.Level, h.component) {
		f.Enqueue(h.entry(r))
	}
	out := h.current()
	if !out.Enabled(ctx, r.Level) {
		return nil
	}
	return out.Handle(ctx, r)
}

func (h *handler) entry(r slog.Record) Entry {
	e := Entry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Component: h.component,
		Message:   r.Message,
	}
	add := func(a slog.Attr) bool {
		if a.Key == KeyComponent || a.Key == "" {
			return true
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields[a.Key] = a.Value.Resolve().Any()
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)
	return e
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &handler{
		sink:      h.sink,
		component: h.component,
		attrs:     append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups:    append([]string(nil), h.groups...),
	}
	for _, a := range attrs {
		if a.Key == KeyComponent {
			next.component = a.Value.String()
		}
	}
	return next
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &handler{
		sink:      h.sink,
		component: h.component,
		attrs:     append([]slog.Attr(nil), h.attrs...),
		groups:    append(append([]string(nil), h.groups...), name),
	}
}

var (
	root          = newSink(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defaultLogger = slog.New(&handler{sink: root})
)

func newSink(h slog.Handler) *sink {
	s := &sink{}
	s.handler.Store(&h)
	return s
}

func init() {
	slog.SetDefault(defaultLogger)
}

// Init configures the process logger once config is loaded. format is
// "json" or "text", level one of debug/info/warn/error, and a nil output
// means stderr.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler = slog.NewTextHandler(output, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(output, opts)
	}
	root.handler.Store(&h)
}

// SetForwarder routes records to f in addition to the local handler. A nil
// f stops forwarding. The forwarder is not started or stopped here.
func SetForwarder(f *Forwarder) {
	root.forwarder.Store(f)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithPanel returns a child logger carrying the handoff panel name.
func WithPanel(logger *slog.Logger, panel string) *slog.Logger {
	return logger.With(slog.String(KeyPanel, panel))
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

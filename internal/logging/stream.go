package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"topup/internal/events"
)

// StreamHandler writes records through the wrapped handler and publishes a
// copy of each one on the log.line topic.
type StreamHandler struct {
	next   slog.Handler
	bus    *events.Bus
	attrs  []slog.Attr
	groups []string
}

func NewStreamHandler(next slog.Handler, bus *events.Bus) *StreamHandler {
	return &StreamHandler{next: next, bus: bus}
}

// New returns the base text logger and the streaming logger built on top of
// it. The base logger must be the one handed to the Bus.
func New(w io.Writer, level slog.Level, bus *events.Bus) (base, stream *slog.Logger) {
	text := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(text), slog.New(NewStreamHandler(text, bus))
}

// Setup builds the base logger, a Bus reporting through it and the streaming
// logger for everything else.
func Setup(w io.Writer, level string) (base *slog.Logger, bus *events.Bus, stream *slog.Logger) {
	text := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	base = slog.New(text)
	bus = events.NewBus(base)
	return base, bus, slog.New(NewStreamHandler(text, bus))
}

// ParseLevel accepts debug, info, warn and error; anything else is info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (h *StreamHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.next.Handle(ctx, r)
	if h.bus == nil {
		return err
	}

	meta := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		meta[a.Key] = a.Value.Resolve().Any()
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		meta[prefix+a.Key] = value(a.Value)
		return true
	})
	if len(meta) == 0 {
		meta = nil
	}

	events.Publish(h.bus, events.LogLine, events.LogEvent{
		TS:    r.Time,
		Level: strings.ToLower(r.Level.String()),
		Msg:   r.Message,
		Meta:  meta,
	})
	return err
}

func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.next = h.next.WithAttrs(attrs)
	prefix := h.prefix()
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, slog.Any(prefix+a.Key, value(a.Value)))
	}
	return clone
}

func (h *StreamHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.next = h.next.WithGroup(name)
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *StreamHandler) clone() *StreamHandler {
	return &StreamHandler{
		next:   h.next,
		bus:    h.bus,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func (h *StreamHandler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

// value flattens errors to their message so meta stays JSON friendly.
func value(v slog.Value) any {
	v = v.Resolve()
	if err, ok := v.Any().(error); ok {
		return err.Error()
	}
	return v.Any()
}

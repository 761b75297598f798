package log

import (
	"context"
	"fmt"
	"log/slog"
)

// entryHandler adapts the Formatter/Output pipeline to slog.Handler so
// BaseLogger can lean on slog for attribute bookkeeping.
type entryHandler struct {
	owner  *BaseLogger
	base   Fields
	prefix string
	masked map[string]bool
}

func newEntryHandler(owner *BaseLogger, masked []string) *entryHandler {
	h := &entryHandler{owner: owner, base: Fields{}}
	if len(masked) > 0 {
		h.masked = make(map[string]bool, len(masked))
		for _, k := range masked {
			h.masked[k] = true
		}
	}
	return h
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.owner.level.v
}

func (h *entryHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(Fields, len(h.base)+r.NumAttrs())
	for k, v := range h.base {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		h.put(fields, h.prefix, a)
		return true
	})
	e := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
	}
	out, err := h.owner.formatter.Format(e)
	if err != nil {
		return fmt.Errorf("format log entry: %w", err)
	}
	for _, o := range h.owner.outputs {
		_ = o.Write(e, out)
	}
	return nil
}

// put flattens groups into dotted keys and masks redacted keys.
func (h *entryHandler) put(dst Fields, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, g := range v.Group() {
			h.put(dst, p, g)
		}
		return
	}
	if a.Key == "" {
		return
	}
	if h.masked[a.Key] {
		dst[prefix+a.Key] = "[REDACTED]"
		return
	}
	dst[prefix+a.Key] = v.Any()
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := *h
	nh.base = make(Fields, len(h.base)+len(attrs))
	for k, v := range h.base {
		nh.base[k] = v
	}
	for _, a := range attrs {
		h.put(nh.base, h.prefix, a)
	}
	return &nh
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func toSlogLevel(level Level) slog.Level {
	switch {
	case level <= DebugLevel:
		return slog.LevelDebug
	case level == InfoLevel:
		return slog.LevelInfo
	case level == WarnLevel:
		return slog.LevelWarn
	case level == ErrorLevel:
		return slog.LevelError
	default:
		// fatal sits above error so Enabled keeps it distinct
		return slog.LevelError + 4
	}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level < slog.LevelInfo:
		return DebugLevel
	case level < slog.LevelWarn:
		return InfoLevel
	case level < slog.LevelError:
		return WarnLevel
	case level < slog.LevelError+4:
		return ErrorLevel
	default:
		return FatalLevel
	}
}

func fieldAttrs(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		if f.Key != "" {
			attrs = append(attrs, slog.Any(f.Key, f.Value))
		}
	}
	return attrs
}

// pairAttrs reads printf-style variadics as alternating key/value pairs; a
// non-string key or a dangling value is stored under argN.
func pairAttrs(args []interface{}) []slog.Attr {
	attrs := make([]slog.Attr, 0, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			attrs = append(attrs, slog.Any(fmt.Sprintf("arg%d", i), args[i]))
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}

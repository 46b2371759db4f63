package logbuf

import (
	"context"
	"fmt"
	"log/slog"
)

// Handler is an slog.Handler that copies every record into a Buffer and
// delegates to an inner handler. Credential-looking attributes are masked
// in the buffer; pass Redact as ReplaceAttr to mask them in inner too.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	attrs  []slog.Attr
	prefix string // dotted group path for attrs added after WithGroup
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

// Enabled is always true: the buffer keeps debug records even when inner
// filters them out.
func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{Time: r.Time, Level: r.Level, Message: r.Message}
	for _, a := range h.attrs {
		capture(&e, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		capture(&e, h.prefix, a)
		return true
	})
	h.buf.Write(e)

	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

// capture records a on e. Group values are flattened into dotted keys.
func capture(e *Entry, prefix string, a slog.Attr) {
	key := prefix + a.Key
	v := a.Value.Resolve()

	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			capture(e, key+".", ga)
		}
		return
	}
	if IsSecretKey(key) {
		e.set(key, redacted)
		return
	}
	switch key {
	case "component":
		e.Component = v.String()
	case "question_id":
		e.QuestionID = v.String()
	default:
		e.set(key, jsonSafe(v))
	}
}

func (e *Entry) set(key string, v any) {
	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	e.Attrs[key] = v
}

// jsonSafe keeps errors and Stringers readable once the entry is marshaled.
func jsonSafe(v slog.Value) any {
	switch raw := v.Any().(type) {
	case error:
		return raw.Error()
	case fmt.Stringer:
		return raw.String()
	default:
		return raw
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	bound = append(bound, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		bound = append(bound, a)
	}
	return &Handler{inner: h.inner.WithAttrs(attrs), buf: h.buf, attrs: bound, prefix: h.prefix}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}

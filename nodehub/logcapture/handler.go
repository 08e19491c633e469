package logcapture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

type instanceKey struct{}

// WithInstance tags ctx with an instance id. Contexts derived from the result
// inherit the tag until one of them is tagged again.
func WithInstance(ctx context.Context, id uint32) context.Context {
	return context.WithValue(ctx, instanceKey{}, id)
}

// InstanceFromContext returns the innermost instance tag on ctx.
func InstanceFromContext(ctx context.Context) (uint32, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(instanceKey{}).(uint32)
	return id, ok
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Level is the minimum level captured into instance buffers.
	// Optional, defaults to slog.LevelInfo.
	Level slog.Leveler
}

// Handler is a slog.Handler that copies every record logged under a tagged
// context into the owning instance's buffer, then forwards the record to next.
// Records without a tag are not captured.
type Handler struct {
	store  *Store
	next   slog.Handler
	level  slog.Leveler
	prefix string // dotted group path applied to record attrs
	attrs  string // preformatted attrs from WithAttrs
}

// NewHandler creates a capturing handler in front of next. next may be nil,
// in which case records are only captured.
func NewHandler(store *Store, next slog.Handler, opts *HandlerOptions) *Handler {
	h := &Handler{store: store, next: next, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

// CapturesInto reports whether logger already routes tagged records into
// store, so callers can avoid wrapping it a second time.
func CapturesInto(logger *slog.Logger, store *Store) bool {
	h, ok := logger.Handler().(*Handler)
	return ok && h.store == store
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.next != nil && h.next.Enabled(ctx, level) {
		return true
	}
	if _, ok := InstanceFromContext(ctx); ok {
		return level >= h.level.Level()
	}
	return false
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := InstanceFromContext(ctx); ok && r.Level >= h.level.Level() {
		h.store.Append(id, h.format(r), r.Level >= slog.LevelError)
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	var sb strings.Builder
	sb.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&sb, h.prefix, a)
	}
	clone.attrs = sb.String()
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}

// format renders "LEVEL message key=value ...".
func (h *Handler) format(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString(r.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Message)
	sb.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&sb, h.prefix, a)
		return true
	})
	return sb.String()
}

func appendAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if len(group) == 0 {
			return
		}
		next := prefix
		if a.Key != "" {
			next = prefix + a.Key + "."
		}
		for _, ga := range group {
			appendAttr(sb, next, ga)
		}
		return
	}
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\"=") {
		val = fmt.Sprintf("%q", val)
	}
	sb.WriteByte(' ')
	sb.WriteString(prefix)
	sb.WriteString(a.Key)
	sb.WriteByte('=')
	sb.WriteString(val)
}

package logging

import (
	"context"
	"log/slog"
)

// componentKey is the attribute key used for component names.
const componentKey = "component"

// filteringHandler filters log records against a Spec, using the
// component established by a "component" attribute on the logger.
type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
}

// NewFilteringHandler wraps inner with Spec-based component filtering.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{inner: inner, spec: spec}
}

// Enabled checks the level against the spec for the current component.
func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

// Handle delegates to the inner handler if the record passes the filter.
func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new handler with the attributes added. A
// "component" attribute switches which spec entry applies.
func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &filteringHandler{
		inner:     h.inner.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, attr := range attrs {
		if attr.Key == componentKey {
			next.component = attr.Value.String()
			break
		}
	}
	return next
}

// WithGroup returns a new handler with the group appended.
func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{
		inner:     h.inner.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}

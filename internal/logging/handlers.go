package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

// StateProvider returns viewer state attached to every record, such as the
// current frame number and tick sequence.
type StateProvider func() []slog.Attr

// fanoutHandler sends each record to every sink enabled for its level.
type fanoutHandler []slog.Handler

// fanout combines the non-nil sinks. A single sink is returned as is.
func fanout(sinks ...slog.Handler) slog.Handler {
	var out fanoutHandler
	for _, h := range sinks {
		if h != nil {
			out = append(out, h)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(f, func(h slog.Handler) bool {
		return h.Enabled(ctx, level)
	})
}

// Handle writes to every sink even when one fails and returns the joined
// sink errors.
func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// stateHandler appends the provider's attributes to each record. Keys the
// record or logger already carries win, so a fetch log line keeps the seq of
// its own cycle rather than the latest one.
type stateHandler struct {
	inner    slog.Handler
	provider StateProvider
	bound    map[string]struct{}
	grouped  bool
}

func withState(inner slog.Handler, provider StateProvider) slog.Handler {
	if provider == nil {
		return inner
	}
	return &stateHandler{inner: inner, provider: provider}
}

func (h *stateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *stateHandler) Handle(ctx context.Context, r slog.Record) error {
	state := h.provider()
	if len(state) == 0 {
		return h.inner.Handle(ctx, r)
	}

	own := make(map[string]struct{}, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		own[a.Key] = struct{}{}
		return true
	})
	for _, a := range state {
		if _, ok := own[a.Key]; ok {
			continue
		}
		if _, ok := h.bound[a.Key]; ok {
			continue
		}
		r.AddAttrs(a)
	}
	return h.inner.Handle(ctx, r)
}

func (h *stateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &stateHandler{
		inner:    h.inner.WithAttrs(attrs),
		provider: h.provider,
		bound:    h.bound,
		grouped:  h.grouped,
	}
	// attrs under a group are qualified and cannot clash with state keys
	if !h.grouped {
		next.bound = make(map[string]struct{}, len(h.bound)+len(attrs))
		for k := range h.bound {
			next.bound[k] = struct{}{}
		}
		for _, a := range attrs {
			next.bound[a.Key] = struct{}{}
		}
	}
	return next
}

func (h *stateHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &stateHandler{
		inner:    h.inner.WithGroup(name),
		provider: h.provider,
		bound:    h.bound,
		grouped:  true,
	}
}

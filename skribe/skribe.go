// Package skribe defines darner-wide logging types and functions.
//
// Logging happens via slog.
package skribe

import (
	"context"
	"log/slog"
	"slices"
	"strings"
)

type attrsKey struct{}

// Redact replaces secret values in an environment-style key=value list.
func Redact(arr []string) []string {
	ret := make([]string, 0, len(arr))
	for _, s := range arr {
		key, _, ok := strings.Cut(s, "=")
		if ok && strings.HasSuffix(key, "_API_KEY") {
			ret = append(ret, key+"=[REDACTED]")
		} else {
			ret = append(ret, s)
		}
	}
	return ret
}

// ContextWithAttr returns a context carrying the given slog attrs in addition
// to any already present. Handlers wrapped with AttrsWrap attach them to
// every record logged with that context.
func ContextWithAttr(ctx context.Context, add ...slog.Attr) context.Context {
	attrs := slices.Clone(Attrs(ctx))
	attrs = append(attrs, add...)
	return context.WithValue(ctx, attrsKey{}, attrs)
}

func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}

func AttrsWrap(h slog.Handler) slog.Handler {
	return &augmentHandler{Handler: h}
}

type augmentHandler struct {
	slog.Handler
}

func (h *augmentHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := Attrs(ctx)
	r.AddAttrs(attrs...)
	return h.Handler.Handle(ctx, r)
}

// Package logging builds the server's slog logger.
//
// Debug and info records go to stdout, warnings and above to stderr, and
// every record is also appended to the log file when one is configured.
// Records carry a "category" attribute naming the subsystem that emitted
// them.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelFatal is logged right before the reactor stops.
const LevelFatal = slog.Level(12)

// Category names.
const (
	CategoryServer  = "SERVER"
	CategorySession = "SESSION"
	CategoryDTP     = "DTP"
	CategoryJail    = "JAIL"
	CategoryReactor = "REACTOR"
	CategoryConfig  = "CONFIG"
)

// Options configures New.
type Options struct {
	Level slog.Level

	// File, when non-empty, is opened for appending.
	File string

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// ParseLevel converts a level name to a slog level. Unknown names map to
// info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

// New returns a logger and a closer for the log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	hopts := &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: replaceLevel,
	}

	var handler slog.Handler = &splitHandler{
		low:  slog.NewTextHandler(stdout, hopts),
		high: slog.NewTextHandler(stderr, hopts),
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closer = f
		handler = fanout{handler, slog.NewTextHandler(f, hopts)}
	}

	return slog.New(handler), closer, nil
}

// Category returns a logger tagging its records with name.
func Category(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("category", name)
}

// Fatal logs msg at LevelFatal.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFatal, msg, args...)
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelFatal {
		return slog.String(slog.LevelKey, "FATAL")
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// splitHandler sends records below warn to low and the rest to high.
type splitHandler struct {
	low, high slog.Handler
}

func (h *splitHandler) pick(l slog.Level) slog.Handler {
	if l >= slog.LevelWarn {
		return h.high
	}
	return h.low
}

func (h *splitHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.pick(l).Enabled(ctx, l)
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.pick(r.Level).Handle(ctx, r)
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{low: h.low.WithAttrs(attrs), high: h.high.WithAttrs(attrs)}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{low: h.low.WithGroup(name), high: h.high.WithGroup(name)}
}

// fanout delivers each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

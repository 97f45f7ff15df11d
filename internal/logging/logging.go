// Package logging configures the process-wide slog logger and hands out
// per-component loggers that follow it.
//
// Package-level loggers are created before main runs, so Component returns
// a logger whose handler looks up slog.Default on every record. Setup can
// then replace the default at any point and every component picks it up.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var ErrUnknownFormat = errors.New("unknown log format")

// Config selects level, format and destination.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	// File, when set, receives the log instead of stderr and is rotated.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// ParseLevel accepts the usual names, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// NewHandler builds the handler described by cfg, writing to w.
func NewHandler(cfg Config, w io.Writer) (slog.Handler, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, cfg.Format)
	}
}

// Setup installs the configured handler as the default logger. The
// returned closer flushes and closes the log file, if any.
func Setup(cfg Config) (io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w, closer = lj, lj
	}

	h, err := NewHandler(cfg, w)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(h))
	return closer, nil
}

// Component returns a logger tagged with component=name.
func Component(name string) *slog.Logger {
	return slog.New(&followDefault{attrs: []slog.Attr{slog.String("component", name)}})
}

// followDefault forwards to whatever slog.Default is at the time of the
// call. attrs and groups are replayed in the order they were added.
type followDefault struct {
	ops []func(slog.Handler) slog.Handler
	// attrs are the leading attributes, applied before any op.
	attrs []slog.Attr
}

func (h *followDefault) target() slog.Handler {
	t := slog.Default().Handler()
	if len(h.attrs) > 0 {
		t = t.WithAttrs(h.attrs)
	}
	for _, op := range h.ops {
		t = op(t)
	}
	return t
}

func (h *followDefault) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h *followDefault) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *followDefault) with(op func(slog.Handler) slog.Handler) *followDefault {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &followDefault{attrs: h.attrs, ops: append(ops, op)}
}

func (h *followDefault) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(t slog.Handler) slog.Handler { return t.WithAttrs(attrs) })
}

func (h *followDefault) WithGroup(name string) slog.Handler {
	return h.with(func(t slog.Handler) slog.Handler { return t.WithGroup(name) })
}

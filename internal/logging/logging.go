// Package logging builds the process logger. Output is JSON via log/slog,
// written to stdout and optionally to a size-rotated file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"notifyhub/internal/types"
)

// Options controls logger construction.
type Options struct {
	Level      string
	// File, when set, duplicates output into a rotated log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Service    string
	Version    string
}

// New returns a JSON slog.Logger and a closer for the rotated file (a no-op
// when no file is configured).
func New(opts Options) (*slog.Logger, io.Closer) {
	return newWithWriter(opts, os.Stdout)
}

func newWithWriter(opts Options, stdout io.Writer) (*slog.Logger, io.Closer) {
	var w io.Writer = stdout
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(stdout, rotated)
		closer = rotated
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     ParseLevel(opts.Level),
		AddSource: false,
	})

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger, closer
}

// ParseLevel maps a LOG_LEVEL string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Adapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error and Warn directly but its With returns
// *slog.Logger, so an adapter is necessary.
type Adapter struct {
	logger *slog.Logger
}

// NewAdapter wraps logger.
func NewAdapter(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger}
}

func (a *Adapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *Adapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *Adapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *Adapter) With(args ...any) types.Logger {
	return &Adapter{logger: a.logger.With(args...)}
}

// Slog returns the wrapped logger.
func (a *Adapter) Slog() *slog.Logger { return a.logger }

// Discard returns a logger that drops everything. Useful in tests.
func Discard() types.Logger {
	return NewAdapter(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

// Compile-time assertion that Adapter implements types.Logger.
var _ types.Logger = (*Adapter)(nil)

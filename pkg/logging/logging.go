package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level defines the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options configures a Logger at construction.
type Options struct {
	Level Level
	// Output is used when RotatingFile is empty.
	Output io.Writer
	// RotatingFile, if set, routes output through lumberjack so the agent's
	// own log never grows unbounded on the device's flash storage.
	RotatingFile string
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int
	JSON         bool
}

// Logger is a subsystem-scoped structured logger. The zero value is not
// usable; construct with New.
type Logger struct {
	slog      *slog.Logger
	subsystem string
}

// New builds the root Logger for the process.
func New(opts Options) *Logger {
	var w io.Writer = opts.Output
	if opts.RotatingFile != "" {
		w = &lumberjack.Logger{
			Filename:   opts.RotatingFile,
			MaxSize:    firstNonZero(opts.MaxSizeMB, 10),
			MaxBackups: firstNonZero(opts.MaxBackups, 5),
			MaxAge:     firstNonZero(opts.MaxAgeDays, 28),
			Compress:   true,
		}
	}
	if w == nil {
		w = io.Discard
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level.slogLevel()}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return &Logger{slog: slog.New(handler), subsystem: ""}
}

func firstNonZero(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// With returns a Logger scoped to the given subsystem name, the way every
// component in this repo tags its own log lines.
func (l *Logger) With(subsystem string) *Logger {
	return &Logger{slog: l.slog, subsystem: subsystem}
}

func (l *Logger) log(level Level, err error, messageFmt string, args ...interface{}) {
	if l == nil || l.slog == nil {
		return
	}
	if !l.slog.Enabled(context.Background(), level.slogLevel()) {
		return
	}
	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}
	attrs := []slog.Attr{slog.String("subsystem", l.subsystem)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.slog.LogAttrs(context.Background(), level.slogLevel(), msg, attrs...)
}

func (l *Logger) Debug(messageFmt string, args ...interface{}) { l.log(LevelDebug, nil, messageFmt, args...) }
func (l *Logger) Info(messageFmt string, args ...interface{})  { l.log(LevelInfo, nil, messageFmt, args...) }
func (l *Logger) Warn(messageFmt string, args ...interface{})  { l.log(LevelWarn, nil, messageFmt, args...) }
func (l *Logger) Error(err error, messageFmt string, args ...interface{}) {
	l.log(LevelError, err, messageFmt, args...)
}

// Nop returns a Logger that discards everything, handy as a default in
// tests and for collaborators that receive no logger.
func Nop() *Logger {
	return New(Options{Level: LevelError, Output: io.Discard})
}

// ParseLevel maps a config string ("debug", "info", ...) to a Level,
// defaulting to Info on an unrecognized value.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ErrorCodePath joins error-code path segments with "." into the
// dotted, cloud-reportable form, e.g.
// "DEPLOYMENT_FAILURE.ARTIFACT_DOWNLOAD_ERROR.S3_ACCESS_DENIED".
func ErrorCodePath(parts ...string) string {
	return strings.Join(parts, ".")
}

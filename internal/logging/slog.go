package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/sirupsen/logrus"
)

// Supported output formats for New.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatLogrus = "logrus"
)

type SlogLogger struct {
	l *slog.Logger
}

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

// New builds a Logger writing to w. Unknown formats fall back to text and
// unknown levels to info.
func New(w io.Writer, format, level string) Logger {
	if format == FormatLogrus {
		l := logrus.New()
		l.SetOutput(w)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if lvl, err := logrus.ParseLevel(level); err == nil {
			l.SetLevel(lvl)
		}
		return NewLogrusLogger(l)
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return NewSlogLogger(slog.New(h))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (s *SlogLogger) Debug(ctx context.Context, msg string, args ...any) {
	s.l.DebugContext(ctx, msg, args...)
}

func (s *SlogLogger) Info(ctx context.Context, msg string, args ...any) {
	s.l.InfoContext(ctx, msg, args...)
}

func (s *SlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	s.l.WarnContext(ctx, msg, args...)
}

func (s *SlogLogger) Error(ctx context.Context, msg string, args ...any) {
	s.l.ErrorContext(ctx, msg, args...)
}

func (s *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{l: s.l.With(args...)}
}

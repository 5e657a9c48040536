// Package logging defines the structured-logging interface used across the
// client. Implementations wrap log/slog or logrus.
package logging

import (
	"context"
	"io"
	"log/slog"
)

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key–value pairs, e.g.:
//
//	log.Info(ctx, "family loaded", "group_id", id, "members", n)
type Logger interface {
	// Debug logs diagnostic detail (retry attempts, dropped duplicate calls).
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs a warning message for unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs an error message for failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key–value pairs.
	With(args ...any) Logger
}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

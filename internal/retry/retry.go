// Package retry runs backend operations with a per-attempt timeout,
// capped exponential backoff and non-retryable error classification.
//
// Only connectivity-class failures are retried. Authentication failures and
// client-request errors short-circuit on the first attempt:
//
//	ex := retry.New(retry.DefaultOptions(), logger)
//	rows, err := retry.Do(ctx, ex, "load membership", func(ctx context.Context) ([]byte, error) {
//	    return tr.Select(ctx, q)
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/logging"
	goretry "github.com/sethvargo/go-retry"
)

// Options controls a single Execute/Do call.
type Options struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BaseDelay is the delay before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// DefaultOptions returns 3 retries, 1s base delay, 10s cap and a 15s
// per-attempt timeout.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Timeout:    15 * time.Second,
	}
}

// Executor applies Options to operations. It is safe for concurrent use.
type Executor struct {
	opts   Options
	logger logging.Logger
}

// New returns an Executor. Zero fields in opts are taken from DefaultOptions,
// except MaxRetries where zero means "no retries".
func New(opts Options, logger logging.Logger) *Executor {
	def := DefaultOptions()
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{opts: opts, logger: logger}
}

// Options returns the executor's effective options.
func (e *Executor) Options() Options { return e.opts }

// With returns a copy of e with mutate applied to its options.
func (e *Executor) With(mutate func(o *Options)) *Executor {
	opts := e.opts
	mutate(&opts)
	return New(opts, e.logger)
}

// Execute runs op under the executor's policy.
func (e *Executor) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do runs op under e's policy and returns its result.
func Do[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		out     T
		attempt int
	)

	if err := ctx.Err(); err != nil {
		return out, err
	}

	b := goretry.NewExponential(e.opts.BaseDelay)
	b = goretry.WithCappedDuration(e.opts.MaxDelay, b)
	b = goretry.WithMaxRetries(uint64(e.opts.MaxRetries), b)

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		v, err := race(ctx, e.opts.Timeout, op)
		if err == nil {
			out = v
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		e.logger.Debug(ctx, "retryable failure", "op", name, "attempt", attempt, "error", err)
		return goretry.RetryableError(err)
	})
	if err != nil && attempt > 1 {
		e.logger.Warn(ctx, "operation failed after retries", "op", name, "attempts", attempt, "error", err)
	}
	return out, err
}

type result[T any] struct {
	v   T
	err error
}

// race runs op in its own goroutine and waits at most d for it. A late
// result is dropped.
func race[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := op(ctx)
		done <- result[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, common.Connectivity("", fmt.Errorf("%w after %s", common.ErrTimeout, d))
		}
		return zero, ctx.Err()
	}
}

// Race bounds a whole multi-step operation. If op has not returned after d
// a connectivity ErrTimeout is returned; op's context is cancelled but the
// server may still complete the request.
func Race(ctx context.Context, d time.Duration, op func(ctx context.Context) error) error {
	_, err := race(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RaceValue is Race for operations that produce a value.
func RaceValue[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	return race(ctx, d, op)
}

// authMarkers are message fragments that identify authentication failures
// regardless of how the error was typed.
var authMarkers = []string{
	"unauthorized",
	"forbidden",
	"invalid token",
	"invalid jwt",
	"jwt expired",
	"token expired",
	"expired session",
	"session expired",
	"session_not_found",
	"invalid_grant",
	"invalid refresh token",
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	switch common.KindOf(err) {
	case common.KindConnectivity:
		return true
	case common.KindUnknown:
		return !looksLikeClientError(msg)
	default:
		return false
	}
}

// looksLikeClientError detects untyped 4xx responses by their status text.
func looksLikeClientError(msg string) bool {
	for _, code := range []string{"400", "401", "403", "404", "409", "422", "429"} {
		if strings.Contains(msg, "status "+code) || strings.Contains(msg, "code "+code) {
			return true
		}
	}
	return strings.Contains(msg, "bad request") || strings.Contains(msg, "not found")
}

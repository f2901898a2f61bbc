package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker/v2"
)

type Result[T any] struct {
	Value        T
	UsedFallback bool
	PrimaryErr   error
}

// ExhaustedError is returned when neither primary nor fallback produced a value.
type ExhaustedError struct {
	Operation   string
	PrimaryErr  error
	FallbackErr error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: primary failed: %v; fallback failed: %v", e.Operation, e.PrimaryErr, e.FallbackErr)
}

func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.PrimaryErr != nil {
		out = append(out, e.PrimaryErr)
	}
	if e.FallbackErr != nil {
		out = append(out, e.FallbackErr)
	}
	return out
}

var errNoFallback = errors.New("no fallback configured")

// Execute runs primary behind the operation's breaker with retries and, when
// it cannot produce a value, runs fallback with its own retry budget. An open
// circuit skips primary entirely.
func Execute[T any](ctx context.Context, m *Manager, operation string, primary, fallback Operation[T]) (Result[T], error) {
	op := operationName(operation)
	st := m.state(op)

	var primaryErr error
	switch {
	case primary == nil:
		primaryErr = errors.New("no primary configured")
	case m.cfg.BreakerEnabled && st.breaker.State() == gobreaker.StateOpen:
		primaryErr = fmt.Errorf("%s: %w", op, gobreaker.ErrOpenState)
		slog.Warn("circuit_open_skip_primary", "operation", op)
	default:
		value, err := retry(ctx, m, st, op, primary, m.cfg.MaxRetries, m.cfg.AttemptTimeout, DefaultClassifier, m.cfg.BreakerEnabled)
		if err == nil {
			return Result[T]{Value: value}, nil
		}
		primaryErr = err
	}

	if fallback == nil {
		return Result[T]{PrimaryErr: primaryErr}, &ExhaustedError{Operation: op, PrimaryErr: primaryErr, FallbackErr: errNoFallback}
	}
	if err := ctx.Err(); err != nil {
		return Result[T]{PrimaryErr: primaryErr}, &ExhaustedError{Operation: op, PrimaryErr: primaryErr, FallbackErr: err}
	}

	slog.Warn("operation_fallback", "operation", op, "error", primaryErr)
	value, err := retry(ctx, m, nil, op, fallback, m.cfg.FallbackMaxRetries, m.cfg.FallbackTimeout, DefaultClassifier, false)
	if err != nil {
		return Result[T]{PrimaryErr: primaryErr}, &ExhaustedError{Operation: op, PrimaryErr: primaryErr, FallbackErr: err}
	}
	return Result[T]{Value: value, UsedFallback: true, PrimaryErr: primaryErr}, nil
}

// Package resilience runs backend calls behind per-operation circuit breakers
// with bounded retries, attempt timeouts and fallbacks.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// Operation is a unit of work guarded by the manager.
type Operation[T any] func(ctx context.Context) (T, error)

type operationState struct {
	breaker *gobreaker.CircuitBreaker[any]

	mu           sync.Mutex
	failureScore int
	successes    int64
	failures     int64
	latencyTotal time.Duration
	samples      int64
	lastErr      string
}

func (s *operationState) record(latency time.Duration, err error, counted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latencyTotal += latency
	s.samples++
	if err == nil {
		s.successes++
		if s.failureScore > 0 {
			s.failureScore--
		}
		return
	}
	s.failures++
	s.lastErr = err.Error()
	if counted {
		s.failureScore++
	}
}

func (s *operationState) score() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureScore
}

func (s *operationState) resetScore() {
	s.mu.Lock()
	s.failureScore = 0
	s.mu.Unlock()
}

// Manager keeps one breaker and one metrics record per operation name.
type Manager struct {
	cfg Config

	mu  sync.Mutex
	ops map[string]*operationState
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg: cfg.normalize(),
		ops: make(map[string]*operationState),
	}
}

// Do runs fn as a primary-only operation. The classifier decides which
// errors are retried and which count against the breaker.
func (m *Manager) Do(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	if classifier == nil {
		classifier = DefaultClassifier
	}
	op := operationName(operation)
	_, err := retry(ctx, m, m.state(op), op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, m.cfg.MaxRetries, m.cfg.AttemptTimeout, classifier, m.cfg.BreakerEnabled)
	return err
}

func retry[T any](
	ctx context.Context,
	m *Manager,
	st *operationState,
	operation string,
	fn Operation[T],
	maxAttempts int,
	timeout time.Duration,
	classifier ErrorClassifier,
	guarded bool,
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.Join(lastErr, err)
			}
			return zero, err
		}

		value, err := runAttempt(ctx, st, fn, timeout, classifier, guarded)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if IsCircuitOpen(err) {
			return zero, err
		}
		class := classifier(err)
		if !class.Retryable || attempt == maxAttempts {
			return zero, err
		}

		wait := m.backoff(attempt)
		slog.Warn("retry_attempt",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff_ms", float64(wait.Microseconds())/1000.0,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// runAttempt executes one try. Guarded attempts pass through the breaker and
// feed the operation metrics.
func runAttempt[T any](
	ctx context.Context,
	st *operationState,
	fn Operation[T],
	timeout time.Duration,
	classifier ErrorClassifier,
	guarded bool,
) (T, error) {
	if st == nil {
		return withTimeout(ctx, timeout, fn)
	}
	if !guarded {
		started := time.Now()
		value, err := withTimeout(ctx, timeout, fn)
		st.record(time.Since(started), err, err != nil && classifier(err).RecordFailure)
		return value, err
	}

	var zero T
	// Failures the classifier does not record are reported to the breaker as
	// successes and surfaced through ignored.
	var ignored error
	out, err := st.breaker.Execute(func() (any, error) {
		started := time.Now()
		value, err := withTimeout(ctx, timeout, fn)
		counted := err != nil && classifier(err).RecordFailure
		st.record(time.Since(started), err, counted)
		if err != nil && !counted {
			ignored = err
			return nil, nil
		}
		return value, err
	})
	if err != nil {
		return zero, err
	}
	if ignored != nil {
		return zero, ignored
	}
	value, _ := out.(T)
	return value, nil
}

type outcome[T any] struct {
	value T
	err   error
}

// withTimeout races fn against the attempt deadline. A late result lands in a
// buffered channel nobody reads and is dropped.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn Operation[T]) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		value, err := fn(attemptCtx)
		done <- outcome[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-attemptCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("attempt timed out after %s: %w", timeout, domain.ErrTemporary)
	}
}

// backoff returns base*multiplier^(attempt-1) plus up to one base of jitter,
// capped at MaxDelay.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := float64(m.cfg.BaseDelay) * math.Pow(m.cfg.Multiplier, float64(attempt-1))
	delay += float64(rand.Int64N(int64(m.cfg.BaseDelay)))
	if delay > float64(m.cfg.MaxDelay) {
		return m.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func (m *Manager) state(operation string) *operationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.ops[operation]; ok {
		return st
	}

	st := &operationState{}
	threshold := m.cfg.BreakerFailureThreshold
	settings := gobreaker.Settings{
		Name:        operation,
		MaxRequests: m.cfg.BreakerHalfOpenSuccesses,
		Timeout:     m.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return st.score() >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			st.resetScore()
			slog.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	}
	st.breaker = gobreaker.NewCircuitBreaker[any](settings)
	m.ops[operation] = st
	return st
}

// State reports the breaker state of an operation. Unknown operations are closed.
func (m *Manager) State(operation string) domain.CircuitState {
	m.mu.Lock()
	st, ok := m.ops[operationName(operation)]
	m.mu.Unlock()
	if !ok {
		return domain.CircuitClosed
	}
	return mapState(st.breaker.State())
}

// Health returns per-operation counters sorted by operation name.
func (m *Manager) Health() []domain.OperationHealth {
	m.mu.Lock()
	names := make([]string, 0, len(m.ops))
	states := make(map[string]*operationState, len(m.ops))
	for name, st := range m.ops {
		names = append(names, name)
		states[name] = st
	}
	m.mu.Unlock()
	slices.Sort(names)

	out := make([]domain.OperationHealth, 0, len(names))
	for _, name := range names {
		st := states[name]
		state := mapState(st.breaker.State())

		st.mu.Lock()
		var avg time.Duration
		if st.samples > 0 {
			avg = st.latencyTotal / time.Duration(st.samples)
		}
		out = append(out, domain.OperationHealth{
			Operation:    name,
			State:        state,
			Successes:    st.successes,
			Failures:     st.failures,
			AvgLatency:   avg,
			FailureScore: st.failureScore,
			LastError:    st.lastErr,
		})
		st.mu.Unlock()
	}
	return out
}

func mapState(s gobreaker.State) domain.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return domain.CircuitOpen
	case gobreaker.StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}

func operationName(operation string) string {
	op := strings.TrimSpace(operation)
	if op == "" {
		return "unknown"
	}
	return op
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// DefaultClassifier retries everything except caller cancellation and
// invalid input.
func DefaultClassifier(err error) ErrorClassification {
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrInvalidInput) {
		return ErrorClassification{}
	}
	return ErrorClassification{
		Retryable:     true,
		RecordFailure: true,
	}
}

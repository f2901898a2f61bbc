package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

func fastConfig() Config {
	return Config{
		MaxRetries:               1,
		AttemptTimeout:           200 * time.Millisecond,
		BaseDelay:                time.Millisecond,
		MaxDelay:                 2 * time.Millisecond,
		Multiplier:               2,
		FallbackMaxRetries:       1,
		FallbackTimeout:          200 * time.Millisecond,
		BreakerEnabled:           true,
		BreakerFailureThreshold:  5,
		BreakerOpenTimeout:       30 * time.Millisecond,
		BreakerHalfOpenSuccesses: 2,
	}
}

func TestDoRetriesTemporaryFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 3
	m := NewManager(cfg)

	attempts := 0
	errTemp := errors.New("temporary")
	err := m.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoDoesNotRetryPermanentFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 3
	m := NewManager(cfg)

	attempts := 0
	errPermanent := errors.New("permanent")
	err := m.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if h := m.Health(); len(h) != 1 || h[0].FailureScore != 0 || h[0].Failures != 1 {
		t.Fatalf("expected unrecorded failure to leave the score alone, got %+v", h)
	}
}

func TestExecuteOpensCircuitAfterThreshold(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerOpenTimeout = time.Minute
	m := NewManager(cfg)

	var primaryCalls atomic.Int32
	errDown := errors.New("backend down")
	primary := func(context.Context) (string, error) {
		primaryCalls.Add(1)
		return "", errDown
	}
	fallback := func(context.Context) (string, error) { return "fallback", nil }

	for i := 0; i < 5; i++ {
		res, err := Execute(context.Background(), m, "search", primary, fallback)
		if err != nil || !res.UsedFallback || res.Value != "fallback" {
			t.Fatalf("iteration %d: expected fallback value, got %+v err=%v", i, res, err)
		}
		if !errors.Is(res.PrimaryErr, errDown) {
			t.Fatalf("iteration %d: expected primary error to be kept, got %v", i, res.PrimaryErr)
		}
	}
	if got := m.State("search"); got != domain.CircuitOpen {
		t.Fatalf("expected OPEN after 5 failures, got %s", got)
	}

	res, err := Execute(context.Background(), m, "search", primary, fallback)
	if err != nil || res.Value != "fallback" {
		t.Fatalf("expected fallback while open, got %+v err=%v", res, err)
	}
	if !errors.Is(res.PrimaryErr, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state as primary error, got %v", res.PrimaryErr)
	}
	if got := primaryCalls.Load(); got != 5 {
		t.Fatalf("expected primary to be skipped while open, got %d calls", got)
	}
}

func TestFailureScoreDecaysOnSuccess(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerOpenTimeout = time.Minute
	m := NewManager(cfg)
	fail := func(context.Context) (int, error) { return 0, errors.New("boom") }
	ok := func(context.Context) (int, error) { return 1, nil }
	fallback := func(context.Context) (int, error) { return -1, nil }

	for i := 0; i < 4; i++ {
		_, _ = Execute(context.Background(), m, "op", fail, fallback)
	}
	_, _ = Execute(context.Background(), m, "op", ok, fallback)
	_, _ = Execute(context.Background(), m, "op", fail, fallback)
	if got := m.State("op"); got != domain.CircuitClosed {
		t.Fatalf("expected CLOSED with decayed score, got %s", got)
	}
	_, _ = Execute(context.Background(), m, "op", fail, fallback)
	if got := m.State("op"); got != domain.CircuitOpen {
		t.Fatalf("expected OPEN once score reaches threshold, got %s", got)
	}
}

func tripBreaker(t *testing.T, m *Manager, op string) {
	t.Helper()
	fail := func(context.Context) (int, error) { return 0, errors.New("boom") }
	for i := 0; i < 5; i++ {
		_, _ = Execute(context.Background(), m, op, fail, func(context.Context) (int, error) { return 0, nil })
	}
	if got := m.State(op); got != domain.CircuitOpen {
		t.Fatalf("expected OPEN, got %s", got)
	}
}

func TestHalfOpenNeedsTwoSuccesses(t *testing.T) {
	m := NewManager(fastConfig())
	tripBreaker(t, m, "op")
	time.Sleep(40 * time.Millisecond)

	ok := func(context.Context) (int, error) { return 1, nil }
	res, err := Execute(context.Background(), m, "op", ok, nil)
	if err != nil || res.Value != 1 || res.UsedFallback {
		t.Fatalf("expected primary success in half-open, got %+v err=%v", res, err)
	}
	if got := m.State("op"); got != domain.CircuitHalfOpen {
		t.Fatalf("expected HALF_OPEN after one success, got %s", got)
	}
	if _, err := Execute(context.Background(), m, "op", ok, nil); err != nil {
		t.Fatalf("second half-open attempt: %v", err)
	}
	if got := m.State("op"); got != domain.CircuitClosed {
		t.Fatalf("expected CLOSED after two successes, got %s", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	m := NewManager(fastConfig())
	tripBreaker(t, m, "op")
	time.Sleep(40 * time.Millisecond)

	_, _ = Execute(context.Background(), m, "op",
		func(context.Context) (int, error) { return 0, errors.New("still down") },
		func(context.Context) (int, error) { return 0, nil },
	)
	if got := m.State("op"); got != domain.CircuitOpen {
		t.Fatalf("expected OPEN after half-open failure, got %s", got)
	}
}

func TestExecuteDiscardsTimedOutAttempt(t *testing.T) {
	cfg := fastConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	m := NewManager(cfg)

	slow := func(context.Context) (string, error) {
		time.Sleep(100 * time.Millisecond)
		return "late", nil
	}
	res, err := Execute(context.Background(), m, "slow", slow, func(context.Context) (string, error) {
		return "fallback", nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != "fallback" || !res.UsedFallback {
		t.Fatalf("expected timed-out primary to be discarded, got %+v", res)
	}
	if !domain.IsKind(res.PrimaryErr, domain.ErrTemporary) {
		t.Fatalf("expected timeout to be temporary, got %v", res.PrimaryErr)
	}
}

func TestExecuteReturnsCompositeError(t *testing.T) {
	m := NewManager(fastConfig())
	errPrimary := errors.New("primary down")
	errFallback := errors.New("fallback down")

	_, err := Execute(context.Background(), m, "op",
		func(context.Context) (int, error) { return 0, errPrimary },
		func(context.Context) (int, error) { return 0, errFallback },
	)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T %v", err, err)
	}
	if !errors.Is(err, errPrimary) || !errors.Is(err, errFallback) {
		t.Fatalf("expected both causes to be reachable, got %v", err)
	}
	if exhausted.Operation != "op" {
		t.Fatalf("unexpected operation %q", exhausted.Operation)
	}
}

func TestExecuteRecoversPanickingPrimary(t *testing.T) {
	m := NewManager(fastConfig())
	res, err := Execute(context.Background(), m, "op",
		func(context.Context) (int, error) { panic("nil map") },
		func(context.Context) (int, error) { return 7, nil },
	)
	if err != nil || res.Value != 7 {
		t.Fatalf("expected fallback after panic, got %+v err=%v", res, err)
	}
}

func TestDoStopsOnCanceledContext(t *testing.T) {
	m := NewManager(fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.Do(ctx, "op", func(context.Context) error {
		called = true
		return nil
	}, nil)
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected canceled without calling fn, got err=%v called=%v", err, called)
	}
}

func TestBackoffStaysWithinBounds(t *testing.T) {
	m := NewManager(Config{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Second})
	for attempt := 1; attempt <= 3; attempt++ {
		floor := time.Duration(float64(100*time.Millisecond) * float64(int(1)<<(attempt-1)))
		for i := 0; i < 20; i++ {
			got := m.backoff(attempt)
			if got < floor || got >= floor+100*time.Millisecond {
				t.Fatalf("attempt %d: delay %s outside [%s, %s)", attempt, got, floor, floor+100*time.Millisecond)
			}
		}
	}
	if got := m.backoff(10); got != 2*time.Second {
		t.Fatalf("expected cap at max delay, got %s", got)
	}
}

func TestHealthReportsCounters(t *testing.T) {
	m := NewManager(fastConfig())
	_, _ = Execute(context.Background(), m, "b-op", func(context.Context) (int, error) { return 1, nil }, nil)
	_, _ = Execute(context.Background(), m, "a-op", func(context.Context) (int, error) { return 0, errors.New("x") },
		func(context.Context) (int, error) { return 0, nil })

	health := m.Health()
	if len(health) != 2 || health[0].Operation != "a-op" {
		t.Fatalf("expected sorted health entries, got %+v", health)
	}
	if health[0].Failures != 1 || health[0].LastError != "x" || health[0].FailureScore != 1 {
		t.Fatalf("unexpected failure counters: %+v", health[0])
	}
	if health[1].Successes != 1 || health[1].State != domain.CircuitClosed {
		t.Fatalf("unexpected success counters: %+v", health[1])
	}
}

type clearableFake struct{ cleared int }

func (f *clearableFake) Clear() { f.cleared++ }

func TestRecoverFromCorruption(t *testing.T) {
	m := NewManager(fastConfig())
	target := &clearableFake{}

	validations := 0
	restored := false
	err := m.RecoverFromCorruption(context.Background(), target, RecoveryHooks{
		Validate: func() error {
			validations++
			if validations == 1 {
				return domain.ErrCacheCorrupted
			}
			return nil
		},
		Backup:  func(context.Context) error { return errors.New("disk full") },
		Restore: func(context.Context) error { restored = true; return nil },
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if target.cleared != 1 || !restored || validations != 2 {
		t.Fatalf("unexpected recovery flow: cleared=%d restored=%v validations=%d", target.cleared, restored, validations)
	}
}

func TestRecoverFromCorruptionReportsFinalFailure(t *testing.T) {
	m := NewManager(fastConfig())
	err := m.RecoverFromCorruption(context.Background(), &clearableFake{}, RecoveryHooks{
		Validate: func() error { return errors.New("still broken") },
	})
	if !domain.IsKind(err, domain.ErrCacheCorrupted) {
		t.Fatalf("expected corrupted error, got %v", err)
	}
}

func TestRecoverSkipsHealthyTarget(t *testing.T) {
	m := NewManager(fastConfig())
	target := &clearableFake{}
	if err := m.RecoverFromCorruption(context.Background(), target, RecoveryHooks{Validate: func() error { return nil }}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.cleared != 0 {
		t.Fatalf("expected healthy target to be left alone")
	}
}

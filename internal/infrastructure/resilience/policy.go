package resilience

import "time"

type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxDelay       time.Duration `yaml:"max_delay"`

	FallbackMaxRetries int           `yaml:"fallback_max_retries"`
	FallbackTimeout    time.Duration `yaml:"fallback_timeout"`

	BreakerEnabled           bool          `yaml:"breaker_enabled"`
	BreakerFailureThreshold  int           `yaml:"breaker_failure_threshold"`
	BreakerOpenTimeout       time.Duration `yaml:"breaker_open_timeout"`
	BreakerHalfOpenSuccesses uint32        `yaml:"breaker_half_open_successes"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		AttemptTimeout: 5 * time.Second,
		BaseDelay:      100 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       2 * time.Second,

		FallbackMaxRetries: 2,
		FallbackTimeout:    3 * time.Second,

		BreakerEnabled:           true,
		BreakerFailureThreshold:  5,
		BreakerOpenTimeout:       30 * time.Second,
		BreakerHalfOpenSuccesses: 2,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = def.AttemptTimeout
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = def.BaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = def.MaxDelay
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = def.Multiplier
	}

	if out.FallbackMaxRetries <= 0 {
		out.FallbackMaxRetries = def.FallbackMaxRetries
	}
	if out.FallbackTimeout <= 0 {
		out.FallbackTimeout = def.FallbackTimeout
	}

	if out.BreakerFailureThreshold <= 0 {
		out.BreakerFailureThreshold = def.BreakerFailureThreshold
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenSuccesses == 0 {
		out.BreakerHalfOpenSuccesses = def.BreakerHalfOpenSuccesses
	}

	return out
}

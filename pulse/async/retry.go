package async

import (
	"time"

	"github.com/teranos/leadpulse/am"
)

// BackoffStrategy selects how the retry delay grows with attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = am.BackoffFixed
	BackoffExponential BackoffStrategy = am.BackoffExponential
)

// RetryPolicy decides whether a failed job is retried and when.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions a job gets, the first
	// one included.
	MaxAttempts int
	Backoff     BackoffStrategy
	BaseDelay   time.Duration
	// MaxDelay caps exponential growth; zero means uncapped.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the shipped configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
	}
}

// RetryPolicyFromConfig builds the policy from the jobs section.
func RetryPolicyFromConfig(cfg am.JobsConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     BackoffStrategy(cfg.Backoff),
		BaseDelay:   time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.BackoffMaxSeconds) * time.Second,
	}
}

// ShouldRetry reports whether a job that has now failed attempts times gets
// another execution.
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Delay returns how long to wait before the execution following attempts
// failures.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 || p.BaseDelay <= 0 {
		return 0
	}
	if p.Backoff != BackoffExponential {
		return p.BaseDelay
	}

	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

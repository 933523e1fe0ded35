package am

import "github.com/teranos/leadpulse/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case LockBackendFile:
		if c.Lock.Dir == "" {
			return errors.New("lock.dir cannot be empty for the file backend")
		}
	case LockBackendSQLite:
	case LockBackendRedis:
		if c.Lock.RedisAddr == "" {
			return errors.New("lock.redis_addr cannot be empty for the redis backend")
		}
	default:
		return errors.Newf("lock.backend must be one of file, sqlite, redis; got %q", c.Lock.Backend)
	}

	// Staleness must be positive: a zero threshold would let every run steal the lock
	if c.Lock.StaleAfterSeconds <= 0 {
		return errors.Newf("lock.stale_after_seconds must be > 0, got %d", c.Lock.StaleAfterSeconds)
	}

	// Budgets: 0 = unlimited, negative = invalid
	if c.Run.TimeBudgetSeconds < 0 {
		return errors.Newf("run.time_budget_seconds must be >= 0, got %d", c.Run.TimeBudgetSeconds)
	}
	if c.Run.MemoryBudgetMB < 0 {
		return errors.Newf("run.memory_budget_mb must be >= 0, got %d", c.Run.MemoryBudgetMB)
	}
	if c.Run.TimeBudgetSeconds > 0 && c.Run.TimeBudgetSeconds >= c.Lock.StaleAfterSeconds {
		return errors.Newf("run.time_budget_seconds (%d) must be below lock.stale_after_seconds (%d)",
			c.Run.TimeBudgetSeconds, c.Lock.StaleAfterSeconds)
	}

	if c.Jobs.BatchSize <= 0 {
		return errors.Newf("jobs.batch_size must be > 0, got %d", c.Jobs.BatchSize)
	}
	if c.Jobs.MaxAttempts <= 0 {
		return errors.Newf("jobs.max_attempts must be > 0, got %d", c.Jobs.MaxAttempts)
	}
	if c.Jobs.Backoff != BackoffFixed && c.Jobs.Backoff != BackoffExponential {
		return errors.Newf("jobs.backoff must be fixed or exponential, got %q", c.Jobs.Backoff)
	}
	if c.Jobs.BackoffBaseSeconds < 0 || c.Jobs.BackoffMaxSeconds < 0 {
		return errors.New("jobs.backoff_base_seconds and jobs.backoff_max_seconds must be >= 0")
	}
	if c.Jobs.CleanupAfterHours < 0 {
		return errors.Newf("jobs.cleanup_after_hours must be >= 0, got %d", c.Jobs.CleanupAfterHours)
	}

	if c.Leads.MaxForwardAttempts <= 0 {
		return errors.Newf("leads.max_forward_attempts must be > 0, got %d", c.Leads.MaxForwardAttempts)
	}
	if c.Leads.RequestsPerMinute < 0 {
		return errors.Newf("leads.requests_per_minute must be >= 0, got %d", c.Leads.RequestsPerMinute)
	}
	if c.Leads.TimeoutSeconds <= 0 {
		return errors.Newf("leads.timeout_seconds must be > 0, got %d", c.Leads.TimeoutSeconds)
	}

	return nil
}

// Package am loads and validates the leadpulse configuration.
package am

import "time"

// Config represents the leadpulse configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Lock       LockConfig       `mapstructure:"lock" toml:"lock"`
	Run        RunConfig        `mapstructure:"run" toml:"run"`
	Jobs       JobsConfig       `mapstructure:"jobs" toml:"jobs"`
	Leads      LeadsConfig      `mapstructure:"leads" toml:"leads"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline" toml:"pipeline"`
	Automation AutomationConfig `mapstructure:"automation" toml:"automation"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// Lock backends
const (
	LockBackendFile   = "file"
	LockBackendSQLite = "sqlite"
	LockBackendRedis  = "redis"
)

// LockConfig configures the run lock that keeps overlapping cron invocations apart
type LockConfig struct {
	Backend           string `mapstructure:"backend" toml:"backend"`                         // file, sqlite or redis
	Dir               string `mapstructure:"dir" toml:"dir"`                                 // marker directory for the file backend
	StaleAfterSeconds int    `mapstructure:"stale_after_seconds" toml:"stale_after_seconds"` // lock age after which it is reclaimed
	RedisAddr         string `mapstructure:"redis_addr" toml:"redis_addr"`
	RedisPassword     string `mapstructure:"redis_password" toml:"redis_password"`
	RedisDB           int    `mapstructure:"redis_db" toml:"redis_db"`
}

// StaleAfter returns the staleness threshold as a duration
func (c LockConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// RunConfig configures the per-invocation resource budget
type RunConfig struct {
	TimeBudgetSeconds int `mapstructure:"time_budget_seconds" toml:"time_budget_seconds"` // 0 = unlimited
	MemoryBudgetMB    int `mapstructure:"memory_budget_mb" toml:"memory_budget_mb"`       // process RSS ceiling, 0 = unlimited
}

// TimeBudget returns the wall-clock ceiling as a duration
func (c RunConfig) TimeBudget() time.Duration {
	return time.Duration(c.TimeBudgetSeconds) * time.Second
}

// MemoryBudgetBytes returns the RSS ceiling in bytes
func (c RunConfig) MemoryBudgetBytes() uint64 {
	if c.MemoryBudgetMB <= 0 {
		return 0
	}
	return uint64(c.MemoryBudgetMB) * 1024 * 1024
}

// Backoff strategies for job retries
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// JobsConfig configures the background job backlog
type JobsConfig struct {
	BatchSize          int    `mapstructure:"batch_size" toml:"batch_size"`
	MaxAttempts        int    `mapstructure:"max_attempts" toml:"max_attempts"`
	Backoff            string `mapstructure:"backoff" toml:"backoff"`
	BackoffBaseSeconds int    `mapstructure:"backoff_base_seconds" toml:"backoff_base_seconds"`
	BackoffMaxSeconds  int    `mapstructure:"backoff_max_seconds" toml:"backoff_max_seconds"`
	CleanupAfterHours  int    `mapstructure:"cleanup_after_hours" toml:"cleanup_after_hours"` // 0 = keep finished jobs
}

// LeadsConfig configures lead forwarding
type LeadsConfig struct {
	DefaultDestination       string `mapstructure:"default_destination" toml:"default_destination"`
	MinScore                 int    `mapstructure:"min_score" toml:"min_score"`
	MaxForwardAttempts       int    `mapstructure:"max_forward_attempts" toml:"max_forward_attempts"`
	RequestsPerMinute        int    `mapstructure:"requests_per_minute" toml:"requests_per_minute"`
	TimeoutSeconds           int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	AllowPrivateDestinations bool   `mapstructure:"allow_private_destinations" toml:"allow_private_destinations"`
}

// PipelineConfig configures pipeline status synchronisation
type PipelineConfig struct {
	FailFast bool `mapstructure:"fail_fast" toml:"fail_fast"` // first campaign failure aborts the run
}

// AutomationConfig configures campaign automation
type AutomationConfig struct {
	FailFast bool `mapstructure:"fail_fast" toml:"fail_fast"` // first automation failure aborts the run
}

// LogConfig configures logging output
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"`
}

// File permission constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

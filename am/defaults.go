package am

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "leadpulse.db")

	v.SetDefault("lock.backend", LockBackendFile)
	v.SetDefault("lock.dir", filepath.Join(os.TempDir(), "leadpulse-locks"))
	v.SetDefault("lock.stale_after_seconds", 3600) // one hour, well above any run budget
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.redis_db", 0)

	v.SetDefault("run.time_budget_seconds", 300)
	v.SetDefault("run.memory_budget_mb", 512)

	v.SetDefault("jobs.batch_size", 50)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.backoff", BackoffExponential)
	v.SetDefault("jobs.backoff_base_seconds", 30)
	v.SetDefault("jobs.backoff_max_seconds", 3600)
	v.SetDefault("jobs.cleanup_after_hours", 168)

	v.SetDefault("leads.min_score", 50)
	v.SetDefault("leads.max_forward_attempts", 5)
	v.SetDefault("leads.requests_per_minute", 60)
	v.SetDefault("leads.timeout_seconds", 15)
	v.SetDefault("leads.allow_private_destinations", false)

	v.SetDefault("pipeline.fail_fast", false)
	v.SetDefault("automation.fail_fast", false)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("lock.redis_password", "LEADPULSE_REDIS_PASSWORD")
	v.BindEnv("leads.default_destination", "LEADPULSE_LEADS_DESTINATION")
}

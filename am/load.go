package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/leadpulse/errors"
)

// ConfigFileName is the file searched for in system, user and project locations
const ConfigFileName = "leadpulse.toml"

// EnvPrefix is the prefix for environment overrides (LEADPULSE_JOBS_BATCH_SIZE, ...)
const EnvPrefix = "LEADPULSE"

// Load reads configuration from defaults, config files and environment.
// If explicitPath is non-empty only that file is read (plus env overrides).
func Load(explicitPath string) (*Config, error) {
	v := NewViper()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", explicitPath)
		}
	} else {
		mergeConfigFiles(v)
	}

	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(err, "fix the value in "+ConfigFileName+" or the matching "+EnvPrefix+"_* variable")
	}
	return cfg, nil
}

// NewViper returns a viper instance with defaults and env binding, no files read.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// findProjectConfig walks up from the working directory looking for leadpulse.toml.
// Returns the path to the first file found, or empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// configPaths lists config files in precedence order (lowest first)
func configPaths() []string {
	paths := []string{filepath.Join("/etc/leadpulse", ConfigFileName)}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".leadpulse", ConfigFileName))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}
	return paths
}

// mergeConfigFiles merges configuration files in precedence order
// Precedence (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper) {
	for _, configPath := range configPaths() {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		// Unreadable files are skipped; Validate catches the resulting values
		_ = v.MergeInConfig()
	}
}

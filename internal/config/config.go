// Package config loads sync daemon settings from a YAML file with
// environment variable overrides.
//
// Resolution order, later wins: built-in defaults, then syncd.yaml in
// the data directory, then MYTASKS_* environment variables (dots become
// underscores, e.g. MYTASKS_REMOTE_BASE_URL).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds every tunable of the sync daemon.
type Settings struct {
	// DataDir holds the queue database, the spool directory, and the
	// log file.
	DataDir string `mapstructure:"data_dir"`

	Remote struct {
		// BaseURL of the sync service.
		BaseURL string `mapstructure:"base_url"`
		// Timeout bounds a single request.
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"remote"`

	Connectivity struct {
		ProbeInterval     time.Duration `mapstructure:"probe_interval"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	} `mapstructure:"connectivity"`

	Backoff struct {
		Base        time.Duration `mapstructure:"base"`
		Max         time.Duration `mapstructure:"max"`
		Multiplier  float64       `mapstructure:"multiplier"`
		MaxAttempts int           `mapstructure:"max_attempts"`
	} `mapstructure:"backoff"`

	Engine struct {
		SuccessDisplayWindow time.Duration `mapstructure:"success_display_window"`
		RetryCheckInterval   time.Duration `mapstructure:"retry_check_interval"`
	} `mapstructure:"engine"`

	Status struct {
		// Port for the status WebSocket server. 0 disables it.
		Port int `mapstructure:"port"`
	} `mapstructure:"status"`

	Log struct {
		// File to write logs to. Empty means stderr only.
		File string `mapstructure:"file"`
		// MaxSizeMB before the log file rotates.
		MaxSizeMB int `mapstructure:"max_size_mb"`
		// MaxBackups is how many rotated files to keep.
		MaxBackups int `mapstructure:"max_backups"`
	} `mapstructure:"log"`
}

// QueuePath returns the queue database location.
func (s *Settings) QueuePath() string {
	return filepath.Join(s.DataDir, "queue.db")
}

// SpoolDir returns the spool directory location.
func (s *Settings) SpoolDir() string {
	return filepath.Join(s.DataDir, "spool")
}

// Load reads settings for the given data directory. A missing config
// file is fine; defaults and environment variables still apply.
func Load(dataDir string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("syncd")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix("MYTASKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, dataDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &s, nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)

	v.SetDefault("remote.base_url", "https://api.mytasks.app")
	v.SetDefault("remote.timeout", 15*time.Second)

	v.SetDefault("connectivity.probe_interval", 10*time.Second)
	v.SetDefault("connectivity.heartbeat_interval", 30*time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)

	v.SetDefault("backoff.base", time.Second)
	v.SetDefault("backoff.max", 2*time.Minute)
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.max_attempts", 5)

	v.SetDefault("engine.success_display_window", 3*time.Second)
	v.SetDefault("engine.retry_check_interval", 15*time.Second)

	v.SetDefault("status.port", 7317)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

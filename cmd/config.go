package cmd

import (
	"time"

	"github.com/spf13/viper"
)

// DaemonConfig is fleetkeeperd's own bootstrap configuration, loaded
// through viper — distinct from the component configuration tree
// (internal/configstore), this system's core data model.
type DaemonConfig struct {
	Root     string `mapstructure:"root"`
	DeviceID string `mapstructure:"device_id"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	RecipeSourceDir   string        `mapstructure:"recipe_source_dir"`
	ArtifactSourceDir string        `mapstructure:"artifact_source_dir"`
	JobsDir           string        `mapstructure:"jobs_dir"`
	StatusTick        time.Duration `mapstructure:"status_tick"`

	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

func loadDaemonConfig() (DaemonConfig, error) {
	cfg := DaemonConfig{
		Root:          "/var/lib/fleetkeeper",
		LogLevel:      "info",
		MetricsAddr:   ":9180",
		StatusTick:    24 * time.Hour,
		ShutdownGrace: 7 * time.Second,
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if cfg.RecipeSourceDir == "" {
		cfg.RecipeSourceDir = cfg.Root + "/recipe-source"
	}
	if cfg.ArtifactSourceDir == "" {
		cfg.ArtifactSourceDir = cfg.Root + "/artifact-source"
	}
	if cfg.JobsDir == "" {
		cfg.JobsDir = cfg.Root + "/jobs"
	}
	return cfg, nil
}

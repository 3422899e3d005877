// Package config resolves RunConfig/ManageConfig from cobra flags,
// environment variables (QMPBACKUP_* prefix) and an optional config
// file, matching the teacher's viper precedence and file-loading pattern
// (cmd/hive/cmd/root.go, hive/config.LoadConfig).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/mulgadc/qmpbackup/internal/fleecing"
)

// RunConfig mirrors internal/orchestrator.RunConfig as the shape loaded
// from flags/env/file (spec §3 additional ambient type).
type RunConfig struct {
	Level           string        `mapstructure:"level"`
	Target          string        `mapstructure:"target"`
	Socket          string        `mapstructure:"socket"`
	AgentSocket     string        `mapstructure:"agent-socket"`
	Include         []string      `mapstructure:"include"`
	Exclude         []string      `mapstructure:"exclude"`
	IncludeRaw      bool          `mapstructure:"include-raw"`
	Compress        bool          `mapstructure:"compress"`
	NoSubdir        bool          `mapstructure:"no-subdir"`
	NoTimestamp     bool          `mapstructure:"no-timestamp"`
	NoFleece        bool          `mapstructure:"no-fleece"`
	NoPersist       bool          `mapstructure:"no-persist"`
	SpeedLimit      int64         `mapstructure:"speed-limit"`
	RefreshRate     time.Duration `mapstructure:"refresh-rate"`
	BlockdevAIO     string        `mapstructure:"blockdev-aio"`
	DisableCache    bool          `mapstructure:"blockdev-disable-cache"`
	ConnectionRetry int           `mapstructure:"connection-retry"`
}

// AIOMode parses BlockdevAIO into the fleecing package's typed enum,
// defaulting to "threads" for an empty/unrecognized value.
func (c RunConfig) AIOMode() fleecing.AIOMode {
	switch fleecing.AIOMode(c.BlockdevAIO) {
	case fleecing.AIONative, fleecing.AIOIOUring:
		return fleecing.AIOMode(c.BlockdevAIO)
	default:
		return fleecing.AIOThreads
	}
}

// ManageConfig is the resolved configuration for one post-processing
// invocation (spec §3).
type ManageConfig struct {
	Dir        string `mapstructure:"dir"`
	Until      string `mapstructure:"until"`
	DryRun     bool   `mapstructure:"dry-run"`
	RateLimit  int64  `mapstructure:"rate-limit"`
	SkipCheck  bool   `mapstructure:"skip-check"`
	Filter     string `mapstructure:"filter"`
	TargetFile string `mapstructure:"targetfile"`
}

const envPrefix = "QMPBACKUP"

// LoadFile reads an optional TOML config file into viper's layer below
// flags and environment, matching the teacher's "warn and continue on
// missing file" behavior for an explicitly-named, non-required file.
func LoadFile(v *viper.Viper, configPath string) {
	if configPath == "" {
		return
	}
	if _, err := os.Stat(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "config file not found: %s, using flags/env/defaults\n", configPath)
		return
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error reading config file: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "using config file: %s\n", v.ConfigFileUsed())
}

// NewViper returns a viper instance bound to the QMPBACKUP_ environment
// prefix, ready for per-command flag binding via BindPFlag.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

// RunConfigFromViper unmarshals a RunConfig out of a populated viper
// instance (flags bound, env bound, file loaded).
func RunConfigFromViper(v *viper.Viper) (RunConfig, error) {
	var cfg RunConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal run config: %w", err)
	}
	return cfg, nil
}

// ManageConfigFromViper unmarshals a ManageConfig out of a populated
// viper instance.
func ManageConfigFromViper(v *viper.Viper) (ManageConfig, error) {
	var cfg ManageConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal manage config: %w", err)
	}
	return cfg, nil
}

// ToIncludeSet converts a flag-provided string slice into the set shape
// internal/inventory.Options expects.
func ToIncludeSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

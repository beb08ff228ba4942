package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/marmos91/nexusd/internal/bytesize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the static configuration for the data-plane engine.
//
// This structure captures:
//   - Logging configuration
//   - Reactor/runtime sizing (C1)
//   - Hugepage preallocation (C2)
//   - Rebuild engine tuning (C8)
//   - NVMe-oF sharing defaults (C5)
//   - Pool defaults (C4)
//
// There is no control-plane database, no admin/bootstrap config, and no
// authentication config in this engine: pool, replica, and nexus lifecycle
// is driven entirely by an external request/reply bus this repo does not
// implement.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (NEXUSD_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Reactor configures the per-core reactor pool and off-reactor runtime (C1)
	Reactor ReactorConfig `mapstructure:"reactor" yaml:"reactor"`

	// Hugepage configures DMA buffer pool preallocation (C2)
	Hugepage HugepageConfig `mapstructure:"hugepage" yaml:"hugepage"`

	// Rebuild configures the background rebuild engine (C8)
	Rebuild RebuildConfig `mapstructure:"rebuild" yaml:"rebuild"`

	// Nvmf configures NVMe-oF subsystem defaults (C5)
	Nvmf NvmfConfig `mapstructure:"nvmf" yaml:"nvmf"`

	// Pools configures replica pool defaults (C4)
	Pools PoolsConfig `mapstructure:"pools" yaml:"pools"`

	// Metrics contains the in-process metrics registry configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ReactorConfig controls the reactor/runtime split of C1.
type ReactorConfig struct {
	// Cores is the set of CPU core indices reactors are pinned to, in order.
	// The first core is the primary reactor.
	Cores []int `mapstructure:"cores" validate:"required,min=1" yaml:"cores"`

	// OffReactorWorkers is the number of goroutines in the off-reactor pool
	// that services spawn_blocking calls.
	OffReactorWorkers int `mapstructure:"off_reactor_workers" validate:"required,gt=0" yaml:"off_reactor_workers"`

	// MaxBlockingTasks bounds the number of concurrently in-flight
	// spawn_blocking calls regardless of OffReactorWorkers, to cap
	// resource usage from bursts of filesystem probes or process spawns.
	MaxBlockingTasks int `mapstructure:"max_blocking_tasks" validate:"required,gt=0" yaml:"max_blocking_tasks"`
}

// HugepageConfig controls DMA buffer pool preallocation (C2).
type HugepageConfig struct {
	// PreallocSize is the size of the DMA buffer region (see pkg/dma). It
	// is loaded and validated with the rest of the configuration; no
	// startup path maps it, so a size that cannot be satisfied is not
	// detected at startup.
	PreallocSize bytesize.ByteSize `mapstructure:"prealloc_size" validate:"required" yaml:"prealloc_size"`

	// PageSize is the alignment granularity for DMA buffers, typically
	// 2MiB or 1GiB on Linux huge-page-backed systems.
	PageSize bytesize.ByteSize `mapstructure:"page_size" validate:"required" yaml:"page_size"`
}

// RebuildConfig tunes the background rebuild engine (C8).
type RebuildConfig struct {
	// SegmentSize is the fixed per-task copy unit, a multiple of the
	// device block size. Typically 16MiB.
	SegmentSize bytesize.ByteSize `mapstructure:"segment_size" validate:"required" yaml:"segment_size"`

	// TaskCount is the number of concurrent segment-copy tasks per
	// rebuild job.
	TaskCount int `mapstructure:"task_count" validate:"required,gt=0" yaml:"task_count"`

	// HistoryLimit is the number of rebuild history records retained per
	// nexus.
	HistoryLimit int `mapstructure:"history_limit" validate:"required,gt=0" yaml:"history_limit"`
}

// NvmfConfig configures NVMe-oF sharing defaults (C5).
type NvmfConfig struct {
	// NQNPrefix is prepended to the generated NQN: "<prefix>:<uuid>".
	NQNPrefix string `mapstructure:"nqn_prefix" validate:"required" yaml:"nqn_prefix"`

	// PortRangeStart/End bound the TCP ports subsystems are allocated from.
	PortRangeStart int `mapstructure:"port_range_start" validate:"required,min=1,max=65535" yaml:"port_range_start"`
	PortRangeEnd   int `mapstructure:"port_range_end" validate:"required,min=1,max=65535,gtefield=PortRangeStart" yaml:"port_range_end"`

	// DefaultANAState is the ANA state assigned to new namespaces absent
	// an explicit value in share props.
	DefaultANAState string `mapstructure:"default_ana_state" validate:"required,oneof=optimized non_optimized inaccessible" yaml:"default_ana_state"`
}

// PoolsConfig configures replica pool defaults (C4).
type PoolsConfig struct {
	// DefaultClusterSize is used when a pool is created without an
	// explicit cluster size.
	DefaultClusterSize bytesize.ByteSize `mapstructure:"default_cluster_size" validate:"required" yaml:"default_cluster_size"`
}

// MetricsConfig configures the in-process Prometheus registry: a local
// `/debug` registry for operator inspection of reactor queue depth and
// rebuild progress, not a control-plane metrics surface.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (NEXUSD_*)
//  2. Configuration file
//  3. Default values
//
// Environment variables override only the keys the configuration file
// sets. When no configuration file is found, Load returns
// GetDefaultConfig() unchanged and reads no environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"create one at %s, or pass an explicit path",
				GetDefaultConfigPath(), GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NEXUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize,
// enabling config files to use human-readable sizes like "1Gi", "16MiB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings and numbers to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nexusd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "nexusd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}

package config

import (
	"strings"
	"time"

	"github.com/marmos91/nexusd/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible
// defaults.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownDefaults(cfg)
	applyReactorDefaults(&cfg.Reactor)
	applyHugepageDefaults(&cfg.Hugepage)
	applyRebuildDefaults(&cfg.Rebuild)
	applyNvmfDefaults(&cfg.Nvmf)
	applyPoolsDefaults(&cfg.Pools)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyShutdownDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyReactorDefaults sets reactor/runtime defaults (C1).
func applyReactorDefaults(cfg *ReactorConfig) {
	if len(cfg.Cores) == 0 {
		cfg.Cores = []int{0}
	}
	if cfg.OffReactorWorkers == 0 {
		cfg.OffReactorWorkers = 4
	}
	if cfg.MaxBlockingTasks == 0 {
		cfg.MaxBlockingTasks = 2
	}
}

// applyHugepageDefaults sets DMA buffer pool defaults (C2).
func applyHugepageDefaults(cfg *HugepageConfig) {
	if cfg.PreallocSize == 0 {
		cfg.PreallocSize = 1 * bytesize.GiB
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 2 * bytesize.MiB
	}
}

// applyRebuildDefaults sets rebuild engine defaults (C8).
func applyRebuildDefaults(cfg *RebuildConfig) {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = 16 * bytesize.MiB
	}
	if cfg.TaskCount == 0 {
		cfg.TaskCount = 4
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 8
	}
}

// applyNvmfDefaults sets NVMe-oF sharing defaults (C5).
func applyNvmfDefaults(cfg *NvmfConfig) {
	if cfg.NQNPrefix == "" {
		cfg.NQNPrefix = "nqn.2024-01.io.nexusd"
	}
	if cfg.PortRangeStart == 0 {
		cfg.PortRangeStart = 4420
	}
	if cfg.PortRangeEnd == 0 {
		cfg.PortRangeEnd = 4520
	}
	if cfg.DefaultANAState == "" {
		cfg.DefaultANAState = "optimized"
	}
}

// applyPoolsDefaults sets replica pool defaults (C4).
func applyPoolsDefaults(cfg *PoolsConfig) {
	if cfg.DefaultClusterSize == 0 {
		cfg.DefaultClusterSize = 1 * bytesize.MiB
	}
}

// applyMetricsDefaults sets the in-process metrics registry defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

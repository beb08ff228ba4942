package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// configTemplate is the commented scaffold written by InitConfig. Values
// mirror GetDefaultConfig so a freshly generated file can be loaded as-is.
const configTemplate = `# nexusd configuration file
#
# Every value below is optional; omitted fields fall back to the engine's
# built-in defaults. Sizes accept human-readable suffixes (MiB, GiB).

logging:
  level: INFO
  format: text
  output: stdout

shutdown_timeout: 30s

reactor:
  cores: [0]
  off_reactor_workers: 4
  max_blocking_tasks: 2

hugepage:
  prealloc_size: 1GiB
  page_size: 2MiB

rebuild:
  segment_size: 16MiB
  task_count: 4
  history_limit: 8

nvmf:
  nqn_prefix: nqn.2024-01.io.nexusd
  port_range_start: 4420
  port_range_end: 4520
  default_ana_state: optimized

pools:
  default_cluster_size: 1MiB

metrics:
  enabled: false
  port: 9090
`

// InitConfig writes a default configuration file to the standard config
// location (XDG_CONFIG_HOME or ~/.config/nexusd/config.yaml), returning the
// path written. It refuses to overwrite an existing file unless force is
// set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to an explicit path,
// creating parent directories as needed. It refuses to overwrite an
// existing file unless force is set.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s", path)
		}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Package config loads the recognized options of spec §6. A TOML file
// (github.com/pelletier/go-toml/v2, present in the example pack via
// bobmcallan-vire) supplies overrides on top of the defaults. cmd/worker
// and cmd/enqueue take the file's path from a cobra --config flag; no flag
// overrides an individual option.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is every recognized option from spec §6, plus the ambient
// connection/metrics settings a complete deployment needs.
type Config struct {
	Prefix                         string  `toml:"prefix"`
	DefaultQueue                   string  `toml:"default_queue"`
	DefaultHardTimeoutSeconds      float64 `toml:"default_hard_timeout_seconds"`
	ActiveTaskUpdateTimerSeconds   float64 `toml:"active_task_update_timer_seconds"`
	ActiveTaskUpdateTimeoutSeconds float64 `toml:"active_task_update_timeout_seconds"`
	ActiveTaskExpiredBatchSize     int64   `toml:"active_task_expired_batch_size"`

	RedisAddr   string `toml:"redis_addr"`
	RedisDB     int    `toml:"redis_db"`
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the configuration spec §6 specifies when nothing is
// overridden.
func Default() Config {
	return Config{
		Prefix:                         "t",
		DefaultQueue:                   "default",
		DefaultHardTimeoutSeconds:      300,
		ActiveTaskUpdateTimerSeconds:   10,
		ActiveTaskUpdateTimeoutSeconds: 60,
		ActiveTaskExpiredBatchSize:     10,
		RedisAddr:                      "127.0.0.1:6379",
		MetricsAddr:                    ":8080",
	}
}

// Load starts from Default and overlays path's TOML contents, if path is
// non-empty and the file exists. A missing file at a caller-supplied path
// is an error; an empty path is simply "use the defaults".
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

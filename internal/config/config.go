// Package config loads conduct's runtime configuration: defaults, then an
// optional TOML file, then CONDUCT_* environment overrides (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Run     RunConfig     `toml:"run"`
	Monitor MonitorConfig `toml:"monitor"`
	Web     WebConfig     `toml:"web"`
}

// RunConfig controls workflow execution.
type RunConfig struct {
	// Workdir is where step commands execute and notifications.log lives.
	Workdir string `toml:"workdir"`
	// MaxWorkers bounds the parallel worker pool. Zero means the engine
	// default of min(32, 2 × available parallelism).
	MaxWorkers int `toml:"max_workers"`
	// MemLimitMB is the per-command resident-memory ceiling. Zero disables.
	MemLimitMB int `toml:"mem_limit_mb"`
}

// MonitorConfig controls the Prometheus metrics endpoint.
type MonitorConfig struct {
	Port int `toml:"port"`
}

// WebConfig controls the upload/run web UI.
type WebConfig struct {
	Addr      string `toml:"addr"`
	UploadDir string `toml:"upload_dir"`
	OutDir    string `toml:"out_dir"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Run:     RunConfig{Workdir: "conduct_run"},
		Monitor: MonitorConfig{Port: 8000},
		Web: WebConfig{
			Addr:      ":5000",
			UploadDir: "web_uploads",
			OutDir:    "web_out",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conduct.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CONDUCT_WORKDIR"); v != "" {
		cfg.Run.Workdir = v
	}
	if v := os.Getenv("CONDUCT_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Run.MaxWorkers = n
		}
	}
	if v := os.Getenv("CONDUCT_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Run.MemLimitMB = n
		}
	}
	if v := os.Getenv("CONDUCT_MONITOR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Monitor.Port = n
		}
	}
	if v := os.Getenv("CONDUCT_WEB_ADDR"); v != "" {
		cfg.Web.Addr = v
	}

	return cfg
}

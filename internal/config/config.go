package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon. Zero values mean
// "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	// Addr is the control API listen address.
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// ProxyAddr is the fixed model-swap proxy listen address.
	ProxyAddr string `json:"proxy_addr" yaml:"proxy_addr" toml:"proxy_addr"`
	// ModelDirs are scanned for *.gguf model files.
	ModelDirs []string `json:"model_dirs" yaml:"model_dirs" toml:"model_dirs"`
	// SwapConfigPath is where the generated backend config is written.
	SwapConfigPath string `json:"swap_config_path" yaml:"swap_config_path" toml:"swap_config_path"`
	// OverridesPath persists per-service mode/URL overrides across restarts.
	OverridesPath string `json:"overrides_path" yaml:"overrides_path" toml:"overrides_path"`
	// BinDir is searched first when resolving service and backend binaries.
	BinDir string `json:"bin_dir" yaml:"bin_dir" toml:"bin_dir"`
	// DisableManaged bypasses the entire managed-container path. Useful in
	// restricted build/CI environments. Also settable via ORCHD_DISABLE_MANAGED.
	DisableManaged bool `json:"disable_managed" yaml:"disable_managed" toml:"disable_managed"`
	// LogLevel is one of zerolog's level strings.
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	// LogFile, when set, rotates daemon logs to this path.
	LogFile string `json:"log_file" yaml:"log_file" toml:"log_file"`

	Watchdog     WatchdogConfig     `json:"watchdog" yaml:"watchdog" toml:"watchdog"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator" toml:"orchestrator"`
	Proxy        ProxyConfig        `json:"proxy" yaml:"proxy" toml:"proxy"`
}

// WatchdogConfig tunes health supervision. The retry cap and backoff curve
// are deliberately configuration, not constants.
type WatchdogConfig struct {
	Interval       time.Duration `json:"interval" yaml:"interval" toml:"interval"`
	CheckTimeout   time.Duration `json:"check_timeout" yaml:"check_timeout" toml:"check_timeout"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	BackoffBase    time.Duration `json:"backoff_base" yaml:"backoff_base" toml:"backoff_base"`
	BackoffCap     time.Duration `json:"backoff_cap" yaml:"backoff_cap" toml:"backoff_cap"`
	SilentInterval time.Duration `json:"silent_interval" yaml:"silent_interval" toml:"silent_interval"`
}

// OrchestratorConfig tunes service startup.
type OrchestratorConfig struct {
	StartTimeout   time.Duration `json:"start_timeout" yaml:"start_timeout" toml:"start_timeout"`
	PortRangeStart int           `json:"port_range_start" yaml:"port_range_start" toml:"port_range_start"`
	PortRangeSpan  int           `json:"port_range_span" yaml:"port_range_span" toml:"port_range_span"`
}

// ProxyConfig tunes the model-swap proxy.
type ProxyConfig struct {
	TTLSeconds     int           `json:"ttl_seconds" yaml:"ttl_seconds" toml:"ttl_seconds"`
	ReaperInterval time.Duration `json:"reaper_interval" yaml:"reaper_interval" toml:"reaper_interval"`
	StopGrace      time.Duration `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace"`
	ReadyTimeout   time.Duration `json:"ready_timeout" yaml:"ready_timeout" toml:"ready_timeout"`
	BackendBin     string        `json:"backend_bin" yaml:"backend_bin" toml:"backend_bin"`
	ExtraArgs      []string      `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:18100"
	}
	if c.ProxyAddr == "" {
		c.ProxyAddr = "127.0.0.1:18101"
	}
	if len(c.ModelDirs) == 0 {
		c.ModelDirs = []string{"~/models/llm"}
	}
	if c.SwapConfigPath == "" {
		c.SwapConfigPath = "swap-config.yaml"
	}
	if c.OverridesPath == "" {
		c.OverridesPath = "service-overrides.yaml"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if os.Getenv("ORCHD_DISABLE_MANAGED") == "1" {
		c.DisableManaged = true
	}

	if c.Watchdog.Interval <= 0 {
		c.Watchdog.Interval = 10 * time.Second
	}
	if c.Watchdog.CheckTimeout <= 0 {
		c.Watchdog.CheckTimeout = 5 * time.Second
	}
	if c.Watchdog.MaxRetries <= 0 {
		c.Watchdog.MaxRetries = 3
	}
	if c.Watchdog.BackoffBase <= 0 {
		c.Watchdog.BackoffBase = 2 * time.Second
	}
	if c.Watchdog.BackoffCap <= 0 {
		c.Watchdog.BackoffCap = 60 * time.Second
	}
	if c.Watchdog.SilentInterval <= 0 {
		c.Watchdog.SilentInterval = 60 * time.Second
	}

	if c.Orchestrator.StartTimeout <= 0 {
		c.Orchestrator.StartTimeout = 120 * time.Second
	}
	if c.Orchestrator.PortRangeStart <= 0 {
		c.Orchestrator.PortRangeStart = 18200
	}
	if c.Orchestrator.PortRangeSpan <= 0 {
		c.Orchestrator.PortRangeSpan = 200
	}

	if c.Proxy.TTLSeconds <= 0 {
		c.Proxy.TTLSeconds = 900
	}
	if c.Proxy.ReaperInterval <= 0 {
		c.Proxy.ReaperInterval = 30 * time.Second
	}
	if c.Proxy.StopGrace <= 0 {
		c.Proxy.StopGrace = 5 * time.Second
	}
	if c.Proxy.ReadyTimeout <= 0 {
		c.Proxy.ReadyTimeout = 120 * time.Second
	}
	if c.Proxy.BackendBin == "" {
		c.Proxy.BackendBin = "llama-server"
	}
}

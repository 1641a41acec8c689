package modelscan

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"orchd/internal/config"
	"orchd/pkg/types"
)

// swapConfig is the generated artifact the swap proxy consumes. It mirrors
// the llama-swap configuration layout so existing tooling can read it.
type swapConfig struct {
	HealthCheckTimeout int                  `yaml:"healthCheckTimeout"`
	LogLevel           string               `yaml:"logLevel"`
	Models             map[string]swapModel `yaml:"models"`
	Groups             map[string]swapGroup `yaml:"groups,omitempty"`
}

type swapModel struct {
	Proxy   string   `yaml:"proxy"`
	Cmd     string   `yaml:"cmd"`
	TTL     int      `yaml:"ttl"`
	Aliases []string `yaml:"aliases,omitempty"`
}

type swapGroup struct {
	Swap       bool     `yaml:"swap"`
	Exclusive  bool     `yaml:"exclusive"`
	Persistent bool     `yaml:"persistent"`
	Members    []string `yaml:"members"`
}

// GenerateOptions parameterizes config generation.
type GenerateOptions struct {
	BackendBin         string
	Host               string
	BasePort           int
	TTLSeconds         int
	HealthCheckTimeout int
	LogLevel           string
	// Args builds the backend command arguments for one model. When nil a
	// minimal argument set is used.
	Args func(d types.ModelDescriptor, host string, port int) []string
}

func (o *GenerateOptions) applyDefaults() {
	if o.BackendBin == "" {
		o.BackendBin = "llama-server"
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.BasePort <= 0 {
		o.BasePort = 18300
	}
	if o.TTLSeconds <= 0 {
		o.TTLSeconds = 900
	}
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = 120
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.Args == nil {
		o.Args = defaultBackendArgs
	}
}

func defaultBackendArgs(d types.ModelDescriptor, host string, port int) []string {
	args := []string{"-m", d.Path, "--host", host, "--port", fmt.Sprintf("%d", port)}
	if d.IsEmbedding() {
		args = append(args, "--embedding")
	} else if d.ContextLength != nil {
		args = append(args, "-c", fmt.Sprintf("%d", *d.ContextLength))
	}
	return args
}

// WriteSwapConfig renders the current inventory to path, atomically. Each
// model gets a deterministic port offset from BasePort in sorted-ID order.
func (r *Registry) WriteSwapConfig(path string, opts GenerateOptions) error {
	opts.applyDefaults()

	models := r.List()
	cfg := swapConfig{
		HealthCheckTimeout: opts.HealthCheckTimeout,
		LogLevel:           opts.LogLevel,
		Models:             make(map[string]swapModel, len(models)),
	}
	for i, d := range models {
		port := opts.BasePort + i
		args := opts.Args(d, opts.Host, port)
		cfg.Models[d.ID] = swapModel{
			Proxy:   fmt.Sprintf("http://%s:%d", opts.Host, port),
			Cmd:     opts.BackendBin + " " + strings.Join(args, " "),
			TTL:     opts.TTLSeconds,
			Aliases: d.Aliases,
		}
	}
	groups := r.Groups()
	if len(groups) > 0 {
		cfg.Groups = make(map[string]swapGroup, len(groups))
		for _, g := range groups {
			cfg.Groups[g.ID] = swapGroup{
				Swap:       g.Swap,
				Exclusive:  g.Exclusive,
				Persistent: g.ID == GroupEmbeddings,
				Members:    g.Members,
			}
		}
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return &ConfigGenerationError{Path: path, Err: err}
	}
	if err := config.WriteFileAtomic(path, b, 0o644); err != nil {
		return &ConfigGenerationError{Path: path, Err: err}
	}
	r.log.Info().Str("path", path).Int("models", len(models)).
		Msg("backend config written")
	return nil
}

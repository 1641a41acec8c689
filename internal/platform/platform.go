// Package platform resolves platform-specific launch details: which binary
// to run for a service or model backend, which deployment modes a service
// supports on this OS/architecture, and what GPU (if any) is available.
// It is constructed once at startup and injected into the orchestrator and
// the swap proxy; no other package branches on runtime.GOOS.
package platform

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"orchd/pkg/types"
)

// Adapter answers platform capability questions for the rest of the daemon.
type Adapter struct {
	OS   string
	Arch string

	// BinDir is searched before PATH when resolving binaries.
	BinDir string
	// DisableManaged forces every service into external mode regardless of
	// platform support (restricted build/CI environments).
	DisableManaged bool

	log zerolog.Logger

	gpuOnce sync.Once
	gpu     GPUInfo

	dockerOnce sync.Once
	dockerOK   bool

	// modeOverrides restricts the supported modes of a service on this
	// platform; absence means both modes are allowed.
	modeOverrides map[string][]types.Mode
}

// Option mutates an Adapter during construction.
type Option func(*Adapter)

// WithBinDir sets the preferred binary directory.
func WithBinDir(dir string) Option { return func(a *Adapter) { a.BinDir = dir } }

// WithDisableManaged bypasses the managed path entirely.
func WithDisableManaged(v bool) Option { return func(a *Adapter) { a.DisableManaged = v } }

// WithModeOverride restricts a service to the given modes on this platform.
func WithModeOverride(service string, modes ...types.Mode) Option {
	return func(a *Adapter) { a.modeOverrides[service] = modes }
}

// New builds an adapter for the current OS/architecture.
func New(log zerolog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		log:           log.With().Str("component", "platform").Logger(),
		modeOverrides: make(map[string][]types.Mode),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SupportedModes returns the deployment modes service may use here.
// An empty result means the service cannot run on this platform at all.
func (a *Adapter) SupportedModes(service string) []types.Mode {
	modes, ok := a.modeOverrides[service]
	if !ok {
		modes = []types.Mode{types.ModeManaged, types.ModeExternal}
	}
	if !a.DisableManaged {
		return modes
	}
	out := make([]types.Mode, 0, len(modes))
	for _, m := range modes {
		if m != types.ModeManaged {
			out = append(out, m)
		}
	}
	return out
}

// ResolveBinary locates an executable for this platform. BinDir is checked
// first (with the platform suffix applied), then PATH.
func (a *Adapter) ResolveBinary(name string) (string, error) {
	candidate := name
	if a.OS == "windows" && filepath.Ext(candidate) == "" {
		candidate += ".exe"
	}
	if a.BinDir != "" {
		p := filepath.Join(a.BinDir, candidate)
		if _, err := exec.LookPath(p); err == nil {
			return p, nil
		}
	}
	p, err := exec.LookPath(candidate)
	if err != nil {
		return "", fmt.Errorf("binary %q not found: %w", name, err)
	}
	return p, nil
}

// DockerAvailable reports whether the docker CLI responds on this host.
// The result is cached for the process lifetime.
func (a *Adapter) DockerAvailable(ctx context.Context) bool {
	a.dockerOnce.Do(func() {
		if a.DisableManaged {
			return
		}
		cmd := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
		if err := cmd.Run(); err != nil {
			a.log.Debug().Err(err).Msg("docker not available")
			return
		}
		a.dockerOK = true
	})
	return a.dockerOK
}

// GPU returns the detected GPU, probing once on first use.
func (a *Adapter) GPU() GPUInfo {
	a.gpuOnce.Do(func() {
		a.gpu = detectGPU(a.OS, runCommand)
		a.log.Info().
			Str("vendor", string(a.gpu.Vendor)).
			Str("name", a.gpu.Name).
			Int("vram_mb", a.gpu.VRAMMB).
			Msg("gpu detected")
	})
	return a.gpu
}

// BackendArgs builds launch arguments for a model backend process.
// GPU offload flags depend on the detected vendor; embedding models get the
// --embedding flag instead of a context size.
func (a *Adapter) BackendArgs(desc types.ModelDescriptor, host string, port int) []string {
	args := []string{
		"-m", desc.Path,
		"--host", host,
		"--port", fmt.Sprint(port),
	}
	if desc.IsEmbedding() {
		args = append(args, "--embedding")
	} else if desc.ContextLength != nil && *desc.ContextLength > 0 {
		args = append(args, "-c", fmt.Sprint(*desc.ContextLength))
	}
	if gpu := a.GPU(); gpu.Vendor != VendorNone {
		args = append(args, "-ngl", "999")
	}
	return args
}

// runCommand is the default command runner; split out so GPU detection can
// be tested against canned outputs.
func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	return string(out), err
}

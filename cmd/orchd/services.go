package main

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"orchd/internal/orchestrator"
	"orchd/internal/platform"
	"orchd/internal/registry"
	"orchd/internal/watchdog"
	"orchd/pkg/types"
)

var stopSignal = syscall.SIGTERM

// Built-in service definitions. The RAG backend ships as a container image;
// the MCP runner is a native helper binary resolved from BinDir or PATH.
const (
	svcRAGBackend = "rag-backend"
	svcMCPRunner  = "mcp-runner"

	ragImage         = "orchd/rag-backend:latest"
	ragContainerPort = 8000
	mcpBinary        = "mcp-runner"
)

// registerServices installs the built-in definitions.
func registerServices(reg *registry.Registry, pf *platform.Adapter, log zerolog.Logger) error {
	defs := []*registry.Definition{
		{
			Name:      svcRAGBackend,
			Critical:  true,
			Container: true,
			Check:     watchdog.HTTPCheck("/health"),
			Start:     startContainer(svcRAGBackend, ragImage, ragContainerPort, log),
		},
		{
			Name:      svcMCPRunner,
			DependsOn: []string{svcRAGBackend},
			Check:     watchdog.HTTPCheck("/healthz"),
			Start:     startBinary(svcMCPRunner, mcpBinary, pf, log),
		},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// startContainer launches a service via the docker CLI and returns a handle
// that stops the container. External mode needs nothing launched.
func startContainer(name, image string, containerPort int, log zerolog.Logger) func(context.Context, registry.StartSpec) (*registry.ProcessHandle, error) {
	return func(ctx context.Context, spec registry.StartSpec) (*registry.ProcessHandle, error) {
		if spec.Mode != types.ModeManaged {
			return nil, nil
		}
		containerName := "orchd-" + name
		// A stale container from a previous run would block the name.
		_ = exec.CommandContext(ctx, "docker", "rm", "-f", containerName).Run()

		out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
			"--name", containerName,
			"-p", fmt.Sprintf("127.0.0.1:%d:%d", spec.Port, containerPort),
			image).Output()
		if err != nil {
			return nil, fmt.Errorf("docker run %s: %w", image, err)
		}
		containerID := strings.TrimSpace(string(out))
		log.Info().Str("service", name).Str("container", containerID).Msg("container started")

		return &registry.ProcessHandle{
			ContainerID: containerID,
			Stop: func(ctx context.Context) error {
				return exec.CommandContext(ctx, "docker", "stop", containerName).Run()
			},
		}, nil
	}
}

// startBinary launches a native helper process listening on the assigned
// port.
func startBinary(name, binary string, pf *platform.Adapter, log zerolog.Logger) func(context.Context, registry.StartSpec) (*registry.ProcessHandle, error) {
	return func(ctx context.Context, spec registry.StartSpec) (*registry.ProcessHandle, error) {
		if spec.Mode != types.ModeManaged {
			return nil, nil
		}
		bin, err := pf.ResolveBinary(binary)
		if err != nil {
			return nil, &orchestrator.BinaryNotFoundError{Service: name, Binary: binary, Err: err}
		}
		cmd := exec.Command(bin, "--port", fmt.Sprint(spec.Port))
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		pid := cmd.Process.Pid
		waitErr := make(chan error, 1)
		go func() { waitErr <- cmd.Wait() }()
		log.Info().Str("service", name).Int("pid", pid).Msg("process started")

		return &registry.ProcessHandle{
			PID: pid,
			Stop: func(ctx context.Context) error {
				_ = cmd.Process.Signal(stopSignal)
				select {
				case <-waitErr:
					return nil
				case <-ctx.Done():
					_ = cmd.Process.Kill()
					<-waitErr
					return nil
				}
			},
		}, nil
	}
}

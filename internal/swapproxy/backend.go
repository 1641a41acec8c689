package swapproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"orchd/internal/orchestrator"
	"orchd/pkg/types"
)

// Backend is one running model backend behind the proxy.
type Backend struct {
	Desc types.ModelDescriptor
	URL  string

	handler  http.Handler
	stopOnce sync.Once
	stopFn   func()

	pid      int
	port     int
	loadedAt time.Time
	lastUsed atomic.Int64 // unix nanos
}

// Touch records request activity for TTL accounting.
func (b *Backend) Touch() {
	b.lastUsed.Store(time.Now().UnixNano())
}

// IdleSince returns the time of the last request through this backend.
func (b *Backend) IdleSince() time.Time {
	return time.Unix(0, b.lastUsed.Load())
}

// Status snapshots the backend for the control surface.
func (b *Backend) Status(ttl time.Duration) types.BackendStatus {
	return types.BackendStatus{
		ModelID:    b.Desc.ID,
		PID:        b.pid,
		Port:       b.port,
		LoadedAt:   b.loadedAt,
		LastUsedAt: b.IdleSince(),
		TTLSeconds: int(ttl.Seconds()),
	}
}

func (b *Backend) stop() {
	b.stopOnce.Do(b.stopFn)
}

// SpawnerConfig parameterizes backend process launches.
type SpawnerConfig struct {
	// Bin is the resolved backend server binary.
	Bin string
	// Args builds per-model launch arguments (platform adapter).
	Args func(d types.ModelDescriptor, host string, port int) []string
	// ExtraArgs are appended to every launch.
	ExtraArgs []string

	ReadyTimeout time.Duration
	StopGrace    time.Duration
}

// Spawner launches one OS process per model and waits for readiness.
type Spawner struct {
	cfg    SpawnerConfig
	ports  *orchestrator.PortAllocator
	log    zerolog.Logger
	client *resty.Client
}

// NewSpawner builds a process launcher over the shared port allocator.
func NewSpawner(cfg SpawnerConfig, ports *orchestrator.PortAllocator, log zerolog.Logger) *Spawner {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 120 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Spawner{
		cfg:    cfg,
		ports:  ports,
		log:    log.With().Str("component", "spawner").Logger(),
		client: resty.New().SetRetryCount(0),
	}
}

// Launch starts the backend process for desc and polls until it answers on
// /v1/models. A process that exits before readiness surfaces its error
// immediately instead of burning the whole timeout.
func (s *Spawner) Launch(ctx context.Context, desc types.ModelDescriptor) (*Backend, error) {
	port, err := s.ports.Acquire()
	if err != nil {
		return nil, &BackendStartError{ModelID: desc.ID, Err: err}
	}
	host := s.ports.Host()
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	args := s.cfg.Args(desc, host, port)
	args = append(args, s.cfg.ExtraArgs...)
	cmd := exec.Command(s.cfg.Bin, args...)
	if err := cmd.Start(); err != nil {
		s.ports.Release(port)
		return nil, &BackendStartError{ModelID: desc.ID, Err: err}
	}
	pid := cmd.Process.Pid
	s.log.Info().Str("model", desc.ID).Int("pid", pid).Int("port", port).
		Msg("backend starting")

	// Early-exit watcher: a crash during model load should fail fast.
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	stop := func() {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitErr:
		case <-time.After(s.cfg.StopGrace):
			_ = cmd.Process.Kill()
			<-waitErr
		}
		s.ports.Release(port)
		s.log.Info().Str("model", desc.ID).Int("pid", pid).Msg("backend stopped")
	}

	if err := s.awaitReady(ctx, baseURL, waitErr); err != nil {
		_ = cmd.Process.Kill()
		go func() {
			// Drain Wait if the early-exit watcher hasn't consumed it.
			select {
			case <-waitErr:
			case <-time.After(s.cfg.StopGrace):
			}
		}()
		s.ports.Release(port)
		return nil, &BackendStartError{ModelID: desc.ID, Err: err}
	}

	target, _ := url.Parse(baseURL)
	rp := httputil.NewSingleHostReverseProxy(target)
	b := &Backend{
		Desc:     desc,
		URL:      baseURL,
		handler:  rp,
		stopFn:   stop,
		pid:      pid,
		port:     port,
		loadedAt: time.Now(),
	}
	b.Touch()
	return b, nil
}

func (s *Spawner) awaitReady(ctx context.Context, baseURL string, waitErr <-chan error) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case werr := <-waitErr:
			if werr != nil {
				return fmt.Errorf("backend exited early: %w", werr)
			}
			return fmt.Errorf("backend exited before ready")
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("backend not ready within %s", s.cfg.ReadyTimeout)
		}

		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := s.client.R().SetContext(probeCtx).Get(baseURL + "/v1/models")
		cancel()
		if err == nil && resp.StatusCode() >= 200 && resp.StatusCode() < 300 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

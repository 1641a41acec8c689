package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/config"
	"orchd/internal/events"
	"orchd/internal/registry"
	"orchd/pkg/types"
)

type fakePlatform struct {
	docker bool
	modes  map[string][]types.Mode
}

func (f *fakePlatform) SupportedModes(name string) []types.Mode {
	if f.modes != nil {
		if m, ok := f.modes[name]; ok {
			return m
		}
	}
	return []types.Mode{types.ModeManaged, types.ModeExternal}
}

func (f *fakePlatform) DockerAvailable(context.Context) bool { return f.docker }

func newTestOrch(t *testing.T, reg *registry.Registry) *Orchestrator {
	t.Helper()
	o := New(reg, &fakePlatform{}, nil,
		NewPortAllocator("127.0.0.1", 19300, 50),
		events.NewBus(), zerolog.Nop(),
		config.OrchestratorConfig{StartTimeout: 2 * time.Second})
	o.healthPoll = 10 * time.Millisecond
	return o
}

// okService returns a definition whose start always succeeds and whose
// check passes. starts counts underlying spawn invocations.
func okService(name string, starts *atomic.Int32, deps ...string) *registry.Definition {
	return &registry.Definition{
		Name:      name,
		DependsOn: deps,
		Check:     func(ctx context.Context, url string) error { return nil },
		Start: func(ctx context.Context, spec registry.StartSpec) (*registry.ProcessHandle, error) {
			if starts != nil {
				starts.Add(1)
			}
			return &registry.ProcessHandle{PID: 1}, nil
		},
	}
}

// sickService starts fine but never passes its health check.
func sickService(name string, critical bool, deps ...string) *registry.Definition {
	return &registry.Definition{
		Name:      name,
		Critical:  critical,
		DependsOn: deps,
		Check: func(ctx context.Context, url string) error {
			return errors.New("permanently unhealthy")
		},
		Start: func(ctx context.Context, spec registry.StartSpec) (*registry.ProcessHandle, error) {
			return &registry.ProcessHandle{PID: 1}, nil
		},
	}
}

func TestStartAllNonCriticalFailureSkipsDependents(t *testing.T) {
	reg := registry.New(&fakePlatform{})
	require.NoError(t, reg.Register(sickService("a", false)))
	require.NoError(t, reg.Register(okService("b", nil, "a")))
	require.NoError(t, reg.Register(okService("c", nil, "a")))

	o := newTestOrch(t, reg)
	o.startTimeout = 100 * time.Millisecond

	err := o.StartAll(context.Background())
	require.NoError(t, err, "non-critical failure must not propagate")

	status := o.Status()
	assert.Equal(t, types.StateFailed, status["a"].State)
	assert.Equal(t, types.StateSkipped, status["b"].State)
	assert.Equal(t, types.StateSkipped, status["c"].State)
}

func TestStartAllCriticalFailureAborts(t *testing.T) {
	reg := registry.New(&fakePlatform{})
	require.NoError(t, reg.Register(sickService("a", true)))
	require.NoError(t, reg.Register(okService("b", nil, "a")))
	require.NoError(t, reg.Register(okService("c", nil, "a")))

	o := newTestOrch(t, reg)
	o.startTimeout = 100 * time.Millisecond

	err := o.StartAll(context.Background())
	require.True(t, IsCriticalFailure(err))
	var ce *CriticalServiceFailure
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Causes, "a")
}

func TestStartAllRespectsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var started []string
	mk := func(name string, deps ...string) *registry.Definition {
		return &registry.Definition{
			Name:      name,
			DependsOn: deps,
			Check:     func(ctx context.Context, url string) error { return nil },
			Start: func(ctx context.Context, spec registry.StartSpec) (*registry.ProcessHandle, error) {
				mu.Lock()
				started = append(started, name)
				mu.Unlock()
				return &registry.ProcessHandle{}, nil
			},
		}
	}
	reg := registry.New(&fakePlatform{})
	require.NoError(t, reg.Register(mk("base")))
	require.NoError(t, reg.Register(mk("mid", "base")))
	require.NoError(t, reg.Register(mk("top", "mid")))

	o := newTestOrch(t, reg)
	require.NoError(t, o.StartAll(context.Background()))

	pos := map[string]int{}
	for i, n := range started {
		pos[n] = i
	}
	assert.Less(t, pos["base"], pos["mid"])
	assert.Less(t, pos["mid"], pos["top"])
}

func TestStartAllCycleSpawnsNothing(t *testing.T) {
	var starts atomic.Int32
	mk := func(name string, deps ...string) *registry.Definition {
		d := okService(name, &starts, deps...)
		return d
	}
	reg := registry.New(&fakePlatform{})
	require.NoError(t, reg.Register(mk("a", "b")))
	require.NoError(t, reg.Register(mk("b", "a")))

	o := newTestOrch(t, reg)
	err := o.StartAll(context.Background())
	require.True(t, registry.IsCyclicDependency(err))
	assert.Equal(t, int32(0), starts.Load(), "no start may be attempted on a cyclic graph")
}

func TestStartOneCoalescesConcurrentCalls(t *testing.T) {
	var starts atomic.Int32
	slow := &registry.Definition{
		Name:  "svc",
		Check: func(ctx context.Context, url string) error { return nil },
		Start: func(ctx context.Context, spec registry.StartSpec) (*registry.ProcessHandle, error) {
			starts.Add(1)
			time.Sleep(50 * time.Millisecond)
			return &registry.ProcessHandle{}, nil
		},
	}
	reg := registry.New(&fakePlatform{})
	require.NoError(t, reg.Register(slow))
	o := newTestOrch(t, reg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.StartOne(context.Background(), "svc")
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), starts.Load(), "concurrent StartOne must coalesce")
}

func TestStopCancelsInflightStart(t *testing.T) {
	startEntered := make(chan struct{})
	canceled := make(chan struct{})
	def := &registry.Definition{
		Name:  "slow",
		Check: func(ctx context.Context, url string) error { return ctx.Err() },
		Start: func(ctx context.Context, spec registry.StartSpec) (*registry.ProcessHandle, error) {
			close(startEntered)
			<-ctx.Done()
			close(canceled)
			return nil, ctx.Err()
		},
	}
	reg := registry.New(&fakePlatform{})
	require.NoError(t, reg.Register(def))
	o := newTestOrch(t, reg)

	errCh := make(chan error, 1)
	go func() { errCh <- o.StartOne(context.Background(), "slow") }()
	<-startEntered
	require.NoError(t, o.Stop(context.Background(), "slow"))

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("start attempt was not canceled by Stop")
	}
	<-errCh
	assert.Equal(t, types.StateStopped, o.Status()["slow"].State)
}

func TestSelectModeExternalOverride(t *testing.T) {
	reg := registry.New(&fakePlatform{})
	var gotSpec registry.StartSpec
	def := &registry.Definition{
		Name:      "svc",
		Container: true, // docker unavailable in fakePlatform -> managed unusable
		Check:     func(ctx context.Context, url string) error { return nil },
		Start: func(ctx context.Context, spec registry.StartSpec) (*registry.ProcessHandle, error) {
			gotSpec = spec
			return &registry.ProcessHandle{}, nil
		},
	}
	require.NoError(t, reg.Register(def))

	store := newOverrideStore(t)
	require.NoError(t, store.Set("svc", config.ServiceOverride{
		Mode: types.ModeExternal, ExternalURL: "http://127.0.0.1:5001",
	}))

	o := New(reg, &fakePlatform{docker: false}, store,
		NewPortAllocator("127.0.0.1", 19400, 20),
		events.NewBus(), zerolog.Nop(),
		config.OrchestratorConfig{StartTimeout: time.Second})
	o.healthPoll = 10 * time.Millisecond

	require.NoError(t, o.StartOne(context.Background(), "svc"))
	assert.Equal(t, types.ModeExternal, gotSpec.Mode)
	assert.Equal(t, "http://127.0.0.1:5001", gotSpec.ExternalURL)
	assert.Equal(t, types.ModeExternal, o.Status()["svc"].Mode)
}

func TestContainerServiceUnavailableWithoutDockerOrURL(t *testing.T) {
	reg := registry.New(&fakePlatform{})
	require.NoError(t, reg.Register(&registry.Definition{Name: "docker-svc", Container: true}))
	o := newTestOrch(t, reg) // fakePlatform.docker=false, no overrides

	err := o.StartOne(context.Background(), "docker-svc")
	var ue *ServiceUnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, types.StateUnavailable, o.Status()["docker-svc"].State)
}

func TestApplyCheckTransitionsAndStaleDiscard(t *testing.T) {
	reg := registry.New(&fakePlatform{})
	var starts atomic.Int32
	require.NoError(t, reg.Register(okService("svc", &starts)))
	o := newTestOrch(t, reg)
	require.NoError(t, o.StartOne(context.Background(), "svc"))

	seq1 := o.NextSeq("svc")
	seq2 := o.NextSeq("svc")

	// Newer result applies first; the older one must be discarded.
	out := o.ApplyCheck("svc", seq2, false)
	assert.Equal(t, types.StateHealthy, out.Prev)
	assert.Equal(t, types.StateUnhealthy, out.New)
	assert.Equal(t, 1, out.Failures)

	stale := o.ApplyCheck("svc", seq1, true)
	assert.True(t, stale.Stale, "older check result must be discarded")
	assert.Equal(t, types.StateUnhealthy, o.Status()["svc"].State)

	// Repeated failures increment the counter.
	out = o.ApplyCheck("svc", o.NextSeq("svc"), false)
	assert.Equal(t, 2, out.Failures)

	// Recovery resets.
	out = o.ApplyCheck("svc", o.NextSeq("svc"), true)
	assert.Equal(t, types.StateHealthy, out.New)
	assert.Equal(t, 0, out.Failures)
}

func newOverrideStore(t *testing.T) *config.OverrideStore {
	t.Helper()
	s, err := config.LoadOverrides(t.TempDir() + "/overrides.yaml")
	require.NoError(t, err)
	return s
}

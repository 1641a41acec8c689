package watchdog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/config"
	"orchd/internal/events"
	"orchd/internal/orchestrator"
	"orchd/internal/registry"
	"orchd/pkg/types"
)

// fakeSupervisor mimics the orchestrator's state surface for one service.
type fakeSupervisor struct {
	mu          sync.Mutex
	name        string
	state       types.ServiceState
	failures    int
	seq         uint64
	applied     uint64
	checkErr    error
	restarting  bool
	restarts    int
	markedFail  int
	published   []events.Event
	lastChecked time.Time
}

func (f *fakeSupervisor) WatchList() []orchestrator.WatchTarget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []orchestrator.WatchTarget{{
		Name: f.name, State: f.state, Failures: f.failures, LastChecked: f.lastChecked,
	}}
}

func (f *fakeSupervisor) NextSeq(string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

func (f *fakeSupervisor) RunCheck(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkErr
}

func (f *fakeSupervisor) ApplyCheck(name string, seq uint64, healthy bool) orchestrator.CheckOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq < f.applied {
		return orchestrator.CheckOutcome{Stale: true}
	}
	f.applied = seq
	f.lastChecked = time.Now()
	out := orchestrator.CheckOutcome{Prev: f.state}
	switch {
	case healthy:
		if f.state == types.StateUnhealthy || f.state == types.StateFailed {
			f.state = types.StateHealthy
			f.failures = 0
		}
	case f.state == types.StateHealthy:
		f.state = types.StateUnhealthy
		f.failures = 1
	case f.state == types.StateUnhealthy:
		f.failures++
	}
	out.New = f.state
	out.Failures = f.failures
	return out
}

func (f *fakeSupervisor) MarkFailed(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = types.StateFailed
	f.markedFail++
}

func (f *fakeSupervisor) BeginRestart(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restarting {
		return false
	}
	f.restarting = true
	return true
}

func (f *fakeSupervisor) EndRestart(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarting = false
}

func (f *fakeSupervisor) RestartForRecovery(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeSupervisor) Publish(e events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, e)
}

func (f *fakeSupervisor) eventsOf(t events.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.published {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testCfg() config.WatchdogConfig {
	return config.WatchdogConfig{
		Interval:       10 * time.Millisecond,
		CheckTimeout:   100 * time.Millisecond,
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     4 * time.Millisecond,
		SilentInterval: time.Hour,
	}
}

func TestFirstFailureNotifiesOnce(t *testing.T) {
	sup := &fakeSupervisor{name: "svc", state: types.StateHealthy, checkErr: errors.New("down")}
	w := New(sup, testCfg(), zerolog.Nop())

	// Two consecutive failing checks: one notification only.
	w.checkOne(context.Background(), "svc")
	w.checkOne(context.Background(), "svc")

	assert.Equal(t, 1, sup.eventsOf(events.ServiceUnhealthy), "notify only on first failure transition")
}

func TestRecoveryNotifies(t *testing.T) {
	sup := &fakeSupervisor{name: "svc", state: types.StateHealthy, checkErr: errors.New("down")}
	w := New(sup, testCfg(), zerolog.Nop())

	w.checkOne(context.Background(), "svc")
	sup.mu.Lock()
	sup.checkErr = nil
	sup.mu.Unlock()
	w.checkOne(context.Background(), "svc")

	assert.Equal(t, 1, sup.eventsOf(events.ServiceRecovered))
	sup.mu.Lock()
	defer sup.mu.Unlock()
	assert.Equal(t, types.StateHealthy, sup.state)
	assert.Equal(t, 0, sup.failures)
}

func TestRetriesExhaustedMarksFailed(t *testing.T) {
	sup := &fakeSupervisor{name: "svc", state: types.StateHealthy, checkErr: errors.New("down")}
	cfg := testCfg()
	cfg.MaxRetries = 2
	w := New(sup, cfg, zerolog.Nop())

	// failures: 1, 2, 3 -> third exceeds MaxRetries=2
	for i := 0; i < 3; i++ {
		w.checkOne(context.Background(), "svc")
		// let any scheduled restart goroutine finish its short backoff
		time.Sleep(10 * time.Millisecond)
	}

	sup.mu.Lock()
	state := sup.state
	marked := sup.markedFail
	sup.mu.Unlock()
	assert.Equal(t, types.StateFailed, state)
	assert.Equal(t, 1, marked)
	assert.Equal(t, 1, sup.eventsOf(events.ServiceFailed))
}

// staticPlatform satisfies the registry and orchestrator platform seams.
type staticPlatform struct{}

func (staticPlatform) SupportedModes(string) []types.Mode {
	return []types.Mode{types.ModeManaged, types.ModeExternal}
}

func (staticPlatform) DockerAvailable(context.Context) bool { return false }

// TestRecoveryRestartsUntilBudgetExhausted drives a real orchestrator. A
// recovery restart that runs into its startup timeout must land the service
// back in unhealthy with the failure count intact; only the watchdog moves
// it to failed, once the retry budget is spent.
func TestRecoveryRestartsUntilBudgetExhausted(t *testing.T) {
	var starts atomic.Int32
	var healthyOnce atomic.Bool
	healthyOnce.Store(true)
	def := &registry.Definition{
		Name: "svc",
		Check: func(ctx context.Context, url string) error {
			// Healthy exactly once (the initial start), then down for good.
			if healthyOnce.CompareAndSwap(true, false) {
				return nil
			}
			return errors.New("down")
		},
		Start: func(ctx context.Context, spec registry.StartSpec) (*registry.ProcessHandle, error) {
			starts.Add(1)
			return &registry.ProcessHandle{PID: 1}, nil
		},
	}
	reg := registry.New(staticPlatform{})
	require.NoError(t, reg.Register(def))

	bus := events.NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	orch := orchestrator.New(reg, staticPlatform{}, nil,
		orchestrator.NewPortAllocator("127.0.0.1", 19500, 20),
		bus, zerolog.Nop(),
		config.OrchestratorConfig{StartTimeout: 150 * time.Millisecond})

	require.NoError(t, orch.StartOne(context.Background(), "svc"))
	require.Equal(t, int32(1), starts.Load())

	cfg := testCfg()
	w := New(orch, cfg, zerolog.Nop())
	ctx := context.Background()

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		w.checkOne(ctx, "svc")
		want := int32(1 + attempt)
		require.Eventually(t, func() bool {
			st := orch.Status()["svc"]
			return starts.Load() == want && !st.Restarting && st.State == types.StateUnhealthy
		}, 5*time.Second, 10*time.Millisecond,
			"restart attempt %d should end unhealthy, not failed", attempt)
		assert.Equal(t, attempt, orch.Status()["svc"].FailureCount)
	}

	// The next failing check exceeds the budget: now, and only now, failed.
	w.checkOne(ctx, "svc")
	st := orch.Status()["svc"]
	assert.Equal(t, types.StateFailed, st.State)
	assert.Equal(t, int32(1+cfg.MaxRetries), starts.Load(),
		"every budgeted restart must have been attempted")

	failed := 0
drain:
	for {
		select {
		case e := <-sub:
			if e.Type == events.ServiceFailed {
				failed++
			}
		default:
			break drain
		}
	}
	assert.Equal(t, 1, failed, "one failed notification, from the watchdog")
}

func TestSilentPollingAllowsSelfHeal(t *testing.T) {
	sup := &fakeSupervisor{name: "svc", state: types.StateFailed, checkErr: nil,
		lastChecked: time.Now().Add(-2 * time.Hour)}
	w := New(sup, testCfg(), zerolog.Nop())

	w.tick(context.Background())
	// checkOne runs in a goroutine from tick; wait for it.
	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return sup.state == types.StateHealthy
	}, time.Second, 5*time.Millisecond, "failed service should recover on silent poll")
	assert.Equal(t, 1, sup.eventsOf(events.ServiceRecovered))
}

func TestSilentPollingThrottled(t *testing.T) {
	sup := &fakeSupervisor{name: "svc", state: types.StateFailed,
		lastChecked: time.Now()}
	w := New(sup, testCfg(), zerolog.Nop())
	w.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	sup.mu.Lock()
	defer sup.mu.Unlock()
	assert.Equal(t, uint64(0), sup.seq, "failed service checked too soon")
}

func TestBackoffCurve(t *testing.T) {
	w := New(nil, config.WatchdogConfig{
		BackoffBase: 2 * time.Second,
		BackoffCap:  10 * time.Second,
	}, zerolog.Nop())
	assert.Equal(t, 2*time.Second, w.Backoff(1))
	assert.Equal(t, 4*time.Second, w.Backoff(2))
	assert.Equal(t, 8*time.Second, w.Backoff(3))
	assert.Equal(t, 10*time.Second, w.Backoff(4), "capped")
	assert.Equal(t, 10*time.Second, w.Backoff(20), "capped")
}

func TestHTTPCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	check := HTTPCheck("/health")
	require.NoError(t, check(context.Background(), srv.URL))

	bad := HTTPCheck("/broken")
	require.Error(t, bad(context.Background(), srv.URL))
	require.Error(t, check(context.Background(), ""))
}

func TestTCPCheck(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	check := TCPCheck()
	require.NoError(t, check(context.Background(), srv.URL))
	require.Error(t, check(context.Background(), "http://127.0.0.1:1"))
}

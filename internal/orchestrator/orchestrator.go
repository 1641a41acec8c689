// Package orchestrator starts, stops and tracks the long-running local
// services the application depends on. Startup follows the registry's
// dependency order: independent branches start concurrently, a service only
// starts once every dependency is healthy, and a failed critical dependency
// aborts the whole sequence.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"orchd/internal/config"
	"orchd/internal/events"
	"orchd/internal/registry"
	"orchd/pkg/types"
)

// Platform is the slice of platform.Adapter the orchestrator needs.
type Platform interface {
	SupportedModes(service string) []types.Mode
	DockerAvailable(ctx context.Context) bool
}

// Orchestrator owns all mutable per-service state. Snapshots are exposed
// outward; nothing else mutates a serviceState.
type Orchestrator struct {
	reg       *registry.Registry
	platform  Platform
	overrides *config.OverrideStore
	ports     *PortAllocator
	bus       *events.Bus
	log       zerolog.Logger

	startTimeout time.Duration
	healthPoll   time.Duration

	mu     sync.Mutex
	states map[string]*serviceState

	sf singleflight.Group
}

type serviceState struct {
	mu  sync.Mutex
	def *registry.Definition

	state       types.ServiceState
	mode        types.Mode
	url         string
	port        int
	failures    int
	restarting  bool
	lastChecked time.Time
	// lastSeq issues monotonic check sequence numbers; appliedSeq records
	// the newest result applied so stale results are discarded.
	lastSeq    uint64
	appliedSeq uint64

	handle *registry.ProcessHandle
	// cancelStart aborts an in-flight start attempt when Stop is called.
	cancelStart context.CancelFunc
}

// New wires an orchestrator. ports may be shared with the swap proxy.
func New(reg *registry.Registry, pf Platform, overrides *config.OverrideStore,
	ports *PortAllocator, bus *events.Bus, log zerolog.Logger, cfg config.OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		reg:          reg,
		platform:     pf,
		overrides:    overrides,
		ports:        ports,
		bus:          bus,
		log:          log.With().Str("component", "orchestrator").Logger(),
		startTimeout: cfg.StartTimeout,
		healthPoll:   500 * time.Millisecond,
		states:       make(map[string]*serviceState),
	}
	return o
}

func (o *Orchestrator) stateFor(name string) (*serviceState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[name]
	if !ok {
		def, exists := o.reg.Get(name)
		if !exists {
			return nil, false
		}
		st = &serviceState{def: def, state: types.StateUnknown}
		if err, unsupported := o.reg.Unsupported(name); unsupported {
			st.state = types.StateFailed
			o.log.Warn().Str("service", name).Err(err).Msg("unsupported on this platform")
		}
		o.states[name] = st
	}
	return st, true
}

// StartAll brings up every registered service in dependency order.
// Independent branches run concurrently; a service starts only after all of
// its dependencies are healthy. Non-critical failures degrade their subtree
// (dependents are skipped); critical failures abort the sequence and are
// returned as one aggregated CriticalServiceFailure.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	order, err := o.reg.ResolveOrder()
	if err != nil {
		// Cycle or unknown dependency: nothing has been spawned yet.
		return err
	}

	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	done := make(map[string]chan struct{}, len(order))
	for _, def := range order {
		done[def.Name] = make(chan struct{})
	}

	var (
		critMu   sync.Mutex
		critical = make(map[string]error)
	)
	var wg sync.WaitGroup
	for _, def := range order {
		def := def
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[def.Name])

			// Wait for all dependencies to settle.
			for _, dep := range def.DependsOn {
				select {
				case <-done[dep]:
				case <-ctx.Done():
					o.markSkipped(def.Name, "startup aborted")
					return
				}
			}
			// A dependency that settled unhealthy skips this service.
			for _, dep := range def.DependsOn {
				if st, ok := o.stateFor(dep); ok {
					st.mu.Lock()
					depState := st.state
					st.mu.Unlock()
					if depState != types.StateHealthy {
						o.markSkipped(def.Name, "dependency "+dep+" is "+string(depState))
						return
					}
				}
			}

			if err := o.StartOne(ctx, def.Name); err != nil {
				if def.Critical {
					critMu.Lock()
					critical[def.Name] = err
					critMu.Unlock()
					cancelAll()
				}
				// Non-critical failures degrade this feature only; the
				// error is already reflected in the service state.
			}
		}()
	}
	wg.Wait()

	if len(critical) > 0 {
		err := &CriticalServiceFailure{Causes: critical}
		o.log.Error().Err(err).Msg("startup aborted")
		return err
	}
	return nil
}

// StartOne starts a single service, waiting until it is healthy or the
// startup budget is exhausted. Concurrent calls for the same service are
// coalesced into one in-flight attempt.
func (o *Orchestrator) StartOne(ctx context.Context, name string) error {
	res, err, _ := o.sf.Do(name, func() (any, error) {
		return nil, o.startLocked(ctx, name)
	})
	_ = res
	return err
}

func (o *Orchestrator) startLocked(ctx context.Context, name string) error {
	st, ok := o.stateFor(name)
	if !ok {
		return fmt.Errorf("unknown service: %s", name)
	}

	st.mu.Lock()
	if st.state == types.StateHealthy || st.state == types.StateStarting {
		st.mu.Unlock()
		return nil
	}
	if err, unsupported := o.reg.Unsupported(name); unsupported {
		st.state = types.StateFailed
		st.mu.Unlock()
		return err
	}

	mode, url, modeErr := o.selectMode(ctx, st)
	if modeErr != nil {
		st.state = types.StateUnavailable
		st.mu.Unlock()
		o.log.Warn().Str("service", name).Err(modeErr).Msg("no usable mode")
		return modeErr
	}

	startCtx, cancel := context.WithTimeout(ctx, o.startTimeout)
	st.state = types.StateStarting
	st.mode = mode
	st.cancelStart = cancel
	st.mu.Unlock()
	defer cancel()

	o.bus.Publish(events.Event{Type: events.ServiceStarting, Subject: name})
	o.log.Info().Str("service", name).Str("mode", string(mode)).Msg("starting")

	var handle *registry.ProcessHandle
	var port int
	if mode == types.ModeManaged {
		var err error
		port, err = o.ports.Acquire()
		if err != nil {
			o.failStart(st, name, err)
			return err
		}
		url = fmt.Sprintf("http://%s:%d", o.ports.Host(), port)
		handle, err = st.def.Start(startCtx, registry.StartSpec{Mode: mode, Port: port})
		if err != nil {
			o.ports.Release(port)
			o.failStart(st, name, err)
			return err
		}
	} else {
		// External mode: nothing to launch, but run Start if the definition
		// wants to observe the transition.
		if st.def.Start != nil {
			var err error
			handle, err = st.def.Start(startCtx, registry.StartSpec{Mode: mode, ExternalURL: url})
			if err != nil {
				o.failStart(st, name, err)
				return err
			}
		}
	}

	st.mu.Lock()
	st.handle = handle
	st.url = url
	st.port = port
	st.mu.Unlock()

	// Wait for the first successful health check; supervision hands over to
	// the watchdog afterwards.
	if err := o.awaitHealthy(startCtx, st, url); err != nil {
		if startCtx.Err() != nil && ctx.Err() == nil {
			err = &StartupTimeoutError{Service: name, Timeout: o.startTimeout}
		}
		o.teardown(st)
		o.failStart(st, name, err)
		return err
	}

	st.mu.Lock()
	st.state = types.StateHealthy
	st.failures = 0
	st.cancelStart = nil
	st.mu.Unlock()
	o.bus.Publish(events.Event{Type: events.ServiceHealthy, Subject: name})
	o.log.Info().Str("service", name).Str("url", url).Msg("healthy")
	return nil
}

// selectMode picks the deployment mode per spec: managed when supported and
// its runtime is present, else external when a URL is configured, else the
// service is unavailable. Persisted user overrides win.
func (o *Orchestrator) selectMode(ctx context.Context, st *serviceState) (types.Mode, string, error) {
	name := st.def.Name
	if o.overrides != nil {
		if ov, ok := o.overrides.Get(name); ok {
			if ov.Mode == types.ModeExternal && ov.ExternalURL != "" {
				return types.ModeExternal, ov.ExternalURL, nil
			}
			if ov.Mode == types.ModeManaged && o.managedUsable(ctx, name) {
				return types.ModeManaged, "", nil
			}
		}
	}
	if o.managedUsable(ctx, name) {
		return types.ModeManaged, "", nil
	}
	if o.overrides != nil {
		if ov, ok := o.overrides.Get(name); ok && ov.ExternalURL != "" {
			return types.ModeExternal, ov.ExternalURL, nil
		}
	}
	return "", "", &ServiceUnavailableError{Service: name}
}

func (o *Orchestrator) managedUsable(ctx context.Context, name string) bool {
	supported := false
	for _, m := range o.platform.SupportedModes(name) {
		if m == types.ModeManaged {
			supported = true
		}
	}
	if !supported {
		return false
	}
	if def, ok := o.reg.Get(name); ok && def.Container {
		return o.platform.DockerAvailable(ctx)
	}
	return true
}

func (o *Orchestrator) awaitHealthy(ctx context.Context, st *serviceState, url string) error {
	if st.def.Check == nil {
		return nil
	}
	t := time.NewTicker(o.healthPoll)
	defer t.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, o.healthPoll*4)
		err := st.def.Check(checkCtx, url)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (o *Orchestrator) failStart(st *serviceState, name string, err error) {
	st.mu.Lock()
	// A start aborted by an explicit Stop ends stopped, not failed.
	if st.state == types.StateStopped {
		st.cancelStart = nil
		st.mu.Unlock()
		return
	}
	// A failed recovery restart returns to unhealthy with its failure count
	// intact. The watchdog owns the retry budget and the terminal failed
	// transition, and the user already heard about the first failure.
	if st.restarting {
		st.state = types.StateUnhealthy
		st.cancelStart = nil
		st.mu.Unlock()
		o.log.Warn().Str("service", name).Err(err).Msg("recovery attempt failed")
		return
	}
	st.state = types.StateFailed
	st.cancelStart = nil
	st.mu.Unlock()
	o.bus.Publish(events.Event{Type: events.ServiceFailed, Subject: name, Message: err.Error()})
	o.log.Error().Str("service", name).Err(err).Msg("start failed")
}

func (o *Orchestrator) markSkipped(name, reason string) {
	st, ok := o.stateFor(name)
	if !ok {
		return
	}
	st.mu.Lock()
	// Unsupported services stay failed rather than skipped.
	if st.state == types.StateFailed {
		st.mu.Unlock()
		return
	}
	st.state = types.StateSkipped
	st.mu.Unlock()
	o.bus.Publish(events.Event{Type: events.ServiceSkipped, Subject: name, Message: reason})
	o.log.Warn().Str("service", name).Str("reason", reason).Msg("skipped")
}

func (o *Orchestrator) teardown(st *serviceState) {
	st.mu.Lock()
	handle := st.handle
	port := st.port
	st.handle = nil
	st.port = 0
	st.mu.Unlock()
	if handle != nil && handle.Stop != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := handle.Stop(stopCtx); err != nil {
			o.log.Warn().Str("service", st.def.Name).Err(err).Msg("stop failed")
		}
	}
	if port != 0 {
		o.ports.Release(port)
	}
}

// Stop stops a service. An in-flight start attempt for it is canceled.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	st, ok := o.stateFor(name)
	if !ok {
		return fmt.Errorf("unknown service: %s", name)
	}
	st.mu.Lock()
	if cancel := st.cancelStart; cancel != nil {
		cancel()
		st.cancelStart = nil
	}
	st.mu.Unlock()

	o.teardown(st)

	st.mu.Lock()
	st.state = types.StateStopped
	st.failures = 0
	st.mu.Unlock()
	o.bus.Publish(events.Event{Type: events.ServiceStopped, Subject: name})
	o.log.Info().Str("service", name).Msg("stopped")
	return nil
}

// Restart stops then starts a service.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	if err := o.Stop(ctx, name); err != nil {
		return err
	}
	return o.StartOne(ctx, name)
}

// SetMode persists a deployment override for a service. It takes effect on
// the next (re)start.
func (o *Orchestrator) SetMode(name string, mode types.Mode, externalURL string) error {
	if _, ok := o.reg.Get(name); !ok {
		return fmt.Errorf("unknown service: %s", name)
	}
	if o.overrides == nil {
		return fmt.Errorf("override store not configured")
	}
	return o.overrides.Set(name, config.ServiceOverride{Mode: mode, ExternalURL: externalURL})
}

// Status returns a read-only snapshot of every known service.
func (o *Orchestrator) Status() map[string]types.ServiceStatus {
	order, err := o.reg.ResolveOrder()
	if err != nil {
		return nil
	}
	out := make(map[string]types.ServiceStatus, len(order))
	for _, def := range order {
		st, ok := o.stateFor(def.Name)
		if !ok {
			continue
		}
		st.mu.Lock()
		out[def.Name] = types.ServiceStatus{
			Name:         def.Name,
			State:        st.state,
			Mode:         st.mode,
			URL:          st.url,
			FailureCount: st.failures,
			Restarting:   st.restarting,
			Critical:     def.Critical,
		}
		st.mu.Unlock()
	}
	return out
}

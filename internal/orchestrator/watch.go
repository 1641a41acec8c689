package orchestrator

import (
	"context"
	"fmt"
	"time"

	"orchd/internal/events"
	"orchd/pkg/types"
)

// WatchTarget is what the watchdog sees of a service.
type WatchTarget struct {
	Name     string
	State    types.ServiceState
	URL      string
	Failures int
	// LastChecked is when the last check result was applied.
	LastChecked time.Time
}

// CheckOutcome describes what applying a health-check result did.
type CheckOutcome struct {
	Stale    bool
	Prev     types.ServiceState
	New      types.ServiceState
	Failures int
}

// WatchList returns the services currently subject to health supervision:
// everything healthy, unhealthy, or failed (failed services are still
// polled at low frequency so they can self-heal).
func (o *Orchestrator) WatchList() []WatchTarget {
	order, err := o.reg.ResolveOrder()
	if err != nil {
		return nil
	}
	var out []WatchTarget
	for _, def := range order {
		st, ok := o.stateFor(def.Name)
		if !ok {
			continue
		}
		st.mu.Lock()
		switch st.state {
		case types.StateHealthy, types.StateUnhealthy, types.StateFailed:
			out = append(out, WatchTarget{
				Name:        def.Name,
				State:       st.state,
				URL:         st.url,
				Failures:    st.failures,
				LastChecked: st.lastChecked,
			})
		}
		st.mu.Unlock()
	}
	return out
}

// NextSeq issues a monotonic sequence number for a health check of name.
func (o *Orchestrator) NextSeq(name string) uint64 {
	st, ok := o.stateFor(name)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSeq++
	return st.lastSeq
}

// RunCheck invokes the service's health check against its current URL.
func (o *Orchestrator) RunCheck(ctx context.Context, name string) error {
	st, ok := o.stateFor(name)
	if !ok {
		return fmt.Errorf("unknown service: %s", name)
	}
	st.mu.Lock()
	check := st.def.Check
	url := st.url
	st.mu.Unlock()
	if check == nil {
		return nil
	}
	return check(ctx, url)
}

// ApplyCheck applies a health-check result under the per-service lock,
// discarding results older than one already applied. State transitions:
//
//	healthy   + failure -> unhealthy (failures=1)
//	unhealthy + failure -> unhealthy (failures++)
//	unhealthy/failed + success -> healthy (failures=0)
//
// The transition to failed is policy and stays with the watchdog via
// MarkFailed.
func (o *Orchestrator) ApplyCheck(name string, seq uint64, healthy bool) CheckOutcome {
	st, ok := o.stateFor(name)
	if !ok {
		return CheckOutcome{Stale: true}
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	// A result is stale if a newer one has already been applied.
	if seq < st.appliedSeq {
		return CheckOutcome{Stale: true, Prev: st.state, New: st.state, Failures: st.failures}
	}
	st.appliedSeq = seq
	st.lastChecked = time.Now()

	out := CheckOutcome{Prev: st.state}
	switch {
	case healthy:
		if st.state == types.StateUnhealthy || st.state == types.StateFailed {
			st.failures = 0
			st.state = types.StateHealthy
			st.restarting = false
		}
	case st.state == types.StateHealthy:
		st.failures = 1
		st.state = types.StateUnhealthy
	case st.state == types.StateUnhealthy:
		st.failures++
	}
	out.New = st.state
	out.Failures = st.failures
	return out
}

// MarkFailed moves a service to the terminal failed state (retry budget
// exhausted). Automatic restarts stop; silent polling continues.
func (o *Orchestrator) MarkFailed(name string) {
	st, ok := o.stateFor(name)
	if !ok {
		return
	}
	st.mu.Lock()
	st.state = types.StateFailed
	st.restarting = false
	st.mu.Unlock()
	o.log.Error().Str("service", name).Msg("marked failed; automatic restarts stopped")
}

// BeginRestart sets the restarting flag if no restart is already in flight.
// Returns false when one is.
func (o *Orchestrator) BeginRestart(name string) bool {
	st, ok := o.stateFor(name)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.restarting {
		return false
	}
	st.restarting = true
	return true
}

// EndRestart clears the restarting flag.
func (o *Orchestrator) EndRestart(name string) {
	st, ok := o.stateFor(name)
	if !ok {
		return
	}
	st.mu.Lock()
	st.restarting = false
	st.mu.Unlock()
}

// RestartForRecovery re-runs the service's start path after the watchdog's
// backoff delay. Unlike Restart it resets state to unknown first so the
// start path is not short-circuited by the unhealthy state.
func (o *Orchestrator) RestartForRecovery(ctx context.Context, name string) error {
	st, ok := o.stateFor(name)
	if !ok {
		return fmt.Errorf("unknown service: %s", name)
	}
	o.teardown(st)
	st.mu.Lock()
	st.state = types.StateUnknown
	st.mu.Unlock()
	return o.StartOne(ctx, name)
}

// Publish forwards an event to the notification bus on the watchdog's
// behalf, keeping the bus a single injection point.
func (o *Orchestrator) Publish(e events.Event) { o.bus.Publish(e) }

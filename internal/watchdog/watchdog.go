// Package watchdog supervises running services: it polls health checks on a
// fixed interval, applies retry/backoff policy, and throttles user-facing
// notifications to the first failure and the recovery, never every retry.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orchd/internal/config"
	"orchd/internal/events"
	"orchd/internal/orchestrator"
	"orchd/pkg/types"
)

// Supervisor is the slice of the orchestrator the watchdog drives. State
// storage and transition application stay with the orchestrator; retry and
// notification policy live here.
type Supervisor interface {
	WatchList() []orchestrator.WatchTarget
	NextSeq(name string) uint64
	RunCheck(ctx context.Context, name string) error
	ApplyCheck(name string, seq uint64, healthy bool) orchestrator.CheckOutcome
	MarkFailed(name string)
	BeginRestart(name string) bool
	EndRestart(name string)
	RestartForRecovery(ctx context.Context, name string) error
	Publish(e events.Event)
}

// Watchdog runs the supervision loop.
type Watchdog struct {
	sup Supervisor
	cfg config.WatchdogConfig
	log zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// New builds a watchdog over the supervisor.
func New(sup Supervisor, cfg config.WatchdogConfig, log zerolog.Logger) *Watchdog {
	return &Watchdog{
		sup:      sup,
		cfg:      cfg,
		log:      log.With().Str("component", "watchdog").Logger(),
		inflight: make(map[string]bool),
	}
}

// Run polls until ctx is done. Each service's check runs in its own
// goroutine with a bounded timeout so one hung service never stalls
// supervision of the others.
func (w *Watchdog) Run(ctx context.Context) {
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	for _, target := range w.sup.WatchList() {
		target := target
		if target.State == types.StateFailed {
			// Failed services are polled silently at low frequency so they
			// can self-heal without re-alerting the user.
			if time.Since(target.LastChecked) < w.cfg.SilentInterval {
				continue
			}
		}
		w.mu.Lock()
		if w.inflight[target.Name] {
			w.mu.Unlock()
			continue
		}
		w.inflight[target.Name] = true
		w.mu.Unlock()

		go func() {
			defer func() {
				w.mu.Lock()
				delete(w.inflight, target.Name)
				w.mu.Unlock()
			}()
			w.checkOne(ctx, target.Name)
		}()
	}
}

// checkOne performs a single sequenced health check and applies policy.
func (w *Watchdog) checkOne(ctx context.Context, name string) {
	seq := w.sup.NextSeq(name)
	checkCtx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
	err := w.sup.RunCheck(checkCtx, name)
	cancel()

	out := w.sup.ApplyCheck(name, seq, err == nil)
	if out.Stale {
		return
	}

	switch {
	case out.New == types.StateHealthy && out.Prev != types.StateHealthy:
		// Recovery is the second (and last) moment the user hears about it.
		w.log.Info().Str("service", name).Msg("recovered")
		w.sup.Publish(events.Event{Type: events.ServiceRecovered, Subject: name})

	case out.New == types.StateUnhealthy:
		if out.Failures == 1 {
			// First failure transition: the only unhealthy notification.
			w.log.Warn().Str("service", name).Err(err).Msg("became unhealthy")
			w.sup.Publish(events.Event{Type: events.ServiceUnhealthy, Subject: name,
				Message: errString(err)})
		} else {
			w.log.Debug().Str("service", name).Int("failures", out.Failures).
				Msg("still unhealthy")
		}
		if out.Failures > w.cfg.MaxRetries {
			w.sup.MarkFailed(name)
			w.sup.Publish(events.Event{Type: events.ServiceFailed, Subject: name,
				Message: "retries exhausted"})
			return
		}
		w.scheduleRestart(ctx, name, out.Failures)
	}
}

// scheduleRestart restarts the service after exponential backoff. At most
// one restart per service is in flight at a time.
func (w *Watchdog) scheduleRestart(ctx context.Context, name string, attempt int) {
	if !w.sup.BeginRestart(name) {
		return
	}
	delay := w.Backoff(attempt)
	w.log.Info().Str("service", name).Int("attempt", attempt).
		Dur("delay", delay).Msg("restart scheduled")
	go func() {
		defer w.sup.EndRestart(name)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := w.sup.RestartForRecovery(ctx, name); err != nil {
			w.log.Warn().Str("service", name).Err(err).Msg("restart attempt failed")
		}
	}()
}

// Backoff returns the delay before restart attempt n (1-based): base
// doubling per attempt, capped.
func (w *Watchdog) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := w.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.BackoffCap {
			return w.cfg.BackoffCap
		}
	}
	if d > w.cfg.BackoffCap {
		return w.cfg.BackoffCap
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

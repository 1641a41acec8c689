package swapproxy

import (
	"context"
	"time"
)

// RunReaper evicts idle backends on a fixed cadence until ctx is done. A
// backend is idle when no request has passed through it for the proxy TTL.
// Eviction happens at the first tick after expiry, never mid-interval.
func (p *Proxy) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.reapOnce()
		}
	}
}

func (p *Proxy) reapOnce() {
	cutoff := time.Now().Add(-p.ttl)
	p.mu.Lock()
	var expired []*Backend
	for _, b := range p.backends {
		if b.IdleSince().Before(cutoff) {
			expired = append(expired, b)
		}
	}
	p.mu.Unlock()
	for _, b := range expired {
		p.evict(b, "idle ttl expired")
	}
}

package orchestrator

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out loopback ports from a tracked pool so managed
// services and dynamically spawned backends never collide. A port stays
// reserved until released, even if the process bound to it has exited.
type PortAllocator struct {
	mu    sync.Mutex
	host  string
	start int
	span  int
	used  map[int]struct{}
}

// NewPortAllocator creates an allocator over [start, start+span).
func NewPortAllocator(host string, start, span int) *PortAllocator {
	if host == "" {
		host = "127.0.0.1"
	}
	return &PortAllocator{
		host:  host,
		start: start,
		span:  span,
		used:  make(map[int]struct{}),
	}
}

// Acquire reserves the first free port in range. Ports already tracked are
// skipped without probing; untracked ports are probed with a bind so that a
// port held by a foreign process is skipped too.
func (p *PortAllocator) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.start; port < p.start+p.span; port++ {
		if _, taken := p.used[port]; taken {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", p.host, port))
		if err != nil {
			continue
		}
		_ = l.Close()
		p.used[port] = struct{}{}
		return port, nil
	}
	return 0, &PortConflictError{RangeStart: p.start, RangeEnd: p.start + p.span - 1}
}

// Release returns a port to the pool.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// Host returns the loopback host the allocator probes.
func (p *PortAllocator) Host() string { return p.host }

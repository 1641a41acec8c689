// Package swapproxy exposes one stable HTTP endpoint for model inference
// and hot-swaps backend processes behind it. Requests name a model; the
// proxy makes sure exactly the right backend is running, starting it and
// evicting competing ones according to group semantics, then forwards the
// request unchanged.
package swapproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"orchd/internal/events"
	"orchd/internal/modelscan"
	"orchd/pkg/types"
)

// maxBodySniff bounds how much of a request body is buffered to find the
// model field. Inference payloads put "model" near the front.
const maxBodySniff = 1 << 20

// Resolver supplies model descriptors and group semantics. Satisfied by
// *modelscan.Registry.
type Resolver interface {
	Resolve(ref string) (types.ModelDescriptor, error)
	Groups() []types.Group
}

// Launcher starts backend processes. Split from the proxy so tests can
// stand in fake backends without spawning anything.
type Launcher interface {
	Launch(ctx context.Context, desc types.ModelDescriptor) (*Backend, error)
}

// Proxy is the swap proxy. It implements http.Handler.
type Proxy struct {
	resolver Resolver
	launcher Launcher
	bus      *events.Bus
	log      zerolog.Logger
	ttl      time.Duration

	mu       sync.Mutex
	backends map[string]*Backend // by model ID

	// swapMu serializes evict+launch for swap/exclusive groups so two
	// competing members can never be mid-launch at the same time.
	// Persistent-group loads skip it and proceed in parallel.
	swapMu sync.Mutex

	sf singleflight.Group
}

// New builds a proxy. ttl is how long an idle backend survives before the
// reaper evicts it.
func New(resolver Resolver, launcher Launcher, ttl time.Duration, bus *events.Bus, log zerolog.Logger) *Proxy {
	return &Proxy{
		resolver: resolver,
		launcher: launcher,
		bus:      bus,
		log:      log.With().Str("component", "swapproxy").Logger(),
		ttl:      ttl,
		backends: make(map[string]*Backend),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref, restore, err := extractModelRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if restore != nil {
		defer restore()
	}
	if ref == "" {
		writeError(w, http.StatusBadRequest,
			"request must name a model via the body or the X-Model header")
		return
	}

	desc, err := p.resolver.Resolve(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	b, err := p.ensure(r.Context(), desc)
	if err != nil {
		p.log.Error().Str("model", desc.ID).Err(err).Msg("backend unavailable")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	b.Touch()
	b.handler.ServeHTTP(w, r)
	b.Touch()
}

// ensure returns a ready backend for desc, starting one if needed.
// Concurrent requests for the same model share one launch; group semantics
// are applied under the proxy lock before the new backend goes live.
func (p *Proxy) ensure(ctx context.Context, desc types.ModelDescriptor) (*Backend, error) {
	p.mu.Lock()
	if b, ok := p.backends[desc.ID]; ok {
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(desc.ID, func() (any, error) {
		if g := p.groupOf(desc); g.Swap || g.Exclusive {
			p.swapMu.Lock()
			defer p.swapMu.Unlock()
		}

		p.mu.Lock()
		if b, ok := p.backends[desc.ID]; ok {
			p.mu.Unlock()
			return b, nil
		}
		victims := p.victimsLocked(desc)
		p.mu.Unlock()

		for _, v := range victims {
			p.evict(v, "swapped out for "+desc.ID)
		}

		b, err := p.launcher.Launch(ctx, desc)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.backends[desc.ID] = b
		p.mu.Unlock()

		p.log.Info().Str("model", desc.ID).Int("port", b.port).Msg("backend loaded")
		p.publish(events.Event{Type: events.ModelLoaded, Subject: desc.ID})
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Backend), nil
}

// groupOf resolves desc's group semantics, defaulting to a plain swap
// group of one when the group is unknown.
func (p *Proxy) groupOf(desc types.ModelDescriptor) types.Group {
	for _, g := range p.resolver.Groups() {
		if g.ID == desc.GroupID {
			return g
		}
	}
	return types.Group{ID: desc.GroupID, Swap: true}
}

// victimsLocked picks the running backends that must stop before desc can
// start. Swap groups evict their own members; exclusive groups additionally
// evict every backend outside a persistent group.
func (p *Proxy) victimsLocked(desc types.ModelDescriptor) []*Backend {
	groups := make(map[string]types.Group)
	for _, g := range p.resolver.Groups() {
		groups[g.ID] = g
	}
	g, ok := groups[desc.GroupID]
	if !ok {
		g = types.Group{ID: desc.GroupID, Swap: true}
	}

	var victims []*Backend
	for id, b := range p.backends {
		if id == desc.ID {
			continue
		}
		switch {
		case b.Desc.GroupID == g.ID:
			if g.Swap {
				victims = append(victims, b)
			}
		case g.Exclusive:
			other := groups[b.Desc.GroupID]
			// Non-swap, non-exclusive groups are persistent: they survive
			// exclusive loads (small resident models like embeddings).
			if other.Swap || other.Exclusive {
				victims = append(victims, b)
			}
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].Desc.ID < victims[j].Desc.ID })
	return victims
}

// evict stops one backend and removes it from the table.
func (p *Proxy) evict(b *Backend, reason string) {
	p.mu.Lock()
	if p.backends[b.Desc.ID] != b {
		p.mu.Unlock()
		return
	}
	delete(p.backends, b.Desc.ID)
	p.mu.Unlock()

	b.stop()
	p.log.Info().Str("model", b.Desc.ID).Str("reason", reason).Msg("backend evicted")
	p.publish(events.Event{Type: events.ModelEvicted, Subject: b.Desc.ID, Message: reason})
}

// Status snapshots the running backends, sorted by model ID.
func (p *Proxy) Status() []types.BackendStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.BackendStatus, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, b.Status(p.ttl))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// StopAll evicts every backend. Called on daemon shutdown.
func (p *Proxy) StopAll() {
	p.mu.Lock()
	all := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		all = append(all, b)
	}
	p.mu.Unlock()
	for _, b := range all {
		p.evict(b, "shutdown")
	}
}

func (p *Proxy) publish(e events.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

// extractModelRef finds the model reference in the X-Model header or the
// JSON body's "model" field. The body is re-buffered so the backend sees it
// intact. restore is non-nil when the body was consumed.
func extractModelRef(r *http.Request) (ref string, restore func(), err error) {
	if h := r.Header.Get("X-Model"); h != "" {
		return h, nil, nil
	}
	if r.Body == nil || r.ContentLength == 0 {
		return "", nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySniff))
	if err != nil {
		return "", nil, err
	}
	rest := r.Body
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), rest))

	var payload struct {
		Model string `json:"model"`
	}
	// Non-JSON bodies simply carry no model reference.
	_ = json.Unmarshal(raw, &payload)
	return payload.Model, func() { _ = rest.Close() }, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// compile-time check that the registry satisfies Resolver
var _ Resolver = (*modelscan.Registry)(nil)

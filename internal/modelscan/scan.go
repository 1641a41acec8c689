// Package modelscan discovers GGUF model files, derives descriptors from
// their filenames and embedded metadata, and generates the backend
// configuration the swap proxy runs from.
package modelscan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"orchd/internal/config"
	"orchd/internal/events"
	"orchd/pkg/types"
)

// Default group IDs. Chat models share one exclusive swap group; embedding
// models are small enough to stay resident next to a chat model.
const (
	GroupExclusive  = "exclusive"
	GroupEmbeddings = "embeddings"
)

// GroupFunc assigns a group ID to a descriptor during a rescan.
type GroupFunc func(d types.ModelDescriptor) string

// Registry holds the current model inventory. A rescan rebuilds the whole
// inventory; readers always see a consistent snapshot.
type Registry struct {
	dirs  []string
	log   zerolog.Logger
	bus   *events.Bus
	group GroupFunc

	mu      sync.RWMutex
	models  map[string]types.ModelDescriptor
	aliases map[string]string
	order   []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus makes the registry publish a rescan event after each Rescan.
func WithBus(b *events.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// WithGroupFunc overrides the default group assignment.
func WithGroupFunc(f GroupFunc) Option {
	return func(r *Registry) { r.group = f }
}

// NewRegistry builds an empty registry over the given model directories.
func NewRegistry(dirs []string, log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		dirs:    dirs,
		log:     log.With().Str("component", "modelscan").Logger(),
		group:   defaultGroup,
		models:  make(map[string]types.ModelDescriptor),
		aliases: make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func defaultGroup(d types.ModelDescriptor) string {
	if d.IsEmbedding() {
		return GroupEmbeddings
	}
	return GroupExclusive
}

// Rescan walks the model directories and rebuilds the inventory from
// scratch. Files without the GGUF signature are skipped silently; files
// with the signature but malformed metadata still yield a descriptor from
// the filename alone.
func (r *Registry) Rescan(ctx context.Context) ([]types.ModelDescriptor, error) {
	models := make(map[string]types.ModelDescriptor)
	aliases := make(map[string]string)
	var order []string

	for _, dir := range r.dirs {
		expanded, err := config.ExpandHome(dir)
		if err != nil {
			r.log.Warn().Str("dir", dir).Err(err).Msg("skipping model dir")
			continue
		}
		if !config.PathExists(expanded) {
			// A configured dir that does not exist yet is not an error; it
			// shows up on a later rescan once the user creates it.
			r.log.Debug().Str("dir", expanded).Msg("model dir absent")
			continue
		}
		entries, err := os.ReadDir(expanded)
		if err != nil {
			r.log.Warn().Str("dir", expanded).Err(err).Msg("model dir unreadable")
			continue
		}
		for _, ent := range entries {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ent.IsDir() {
				continue
			}
			path := filepath.Join(expanded, ent.Name())
			desc, ok := r.describe(path, ent)
			if !ok {
				continue
			}
			if _, dup := models[desc.ID]; dup {
				r.log.Warn().Str("id", desc.ID).Str("path", path).
					Msg("duplicate model id, keeping first")
				continue
			}
			models[desc.ID] = desc
			order = append(order, desc.ID)
			for _, a := range desc.Aliases {
				if _, taken := aliases[a]; !taken {
					aliases[a] = desc.ID
				}
			}
		}
	}
	sort.Strings(order)

	r.mu.Lock()
	r.models = models
	r.aliases = aliases
	r.order = order
	r.mu.Unlock()

	r.log.Info().Int("models", len(order)).Msg("model rescan complete")
	if r.bus != nil {
		r.bus.Publish(events.Event{Type: events.ModelsRescanned,
			Fields: map[string]string{"count": strconv.Itoa(len(order))}})
	}
	return r.List(), nil
}

func (r *Registry) describe(path string, ent os.DirEntry) (types.ModelDescriptor, bool) {
	// Extension is a hint only; the signature decides.
	if !strings.EqualFold(filepath.Ext(path), ".gguf") && !SniffGGUF(path) {
		return types.ModelDescriptor{}, false
	}
	md, err := ParseGGUF(path)
	if err != nil {
		// Wrong or missing signature despite the extension.
		return types.ModelDescriptor{}, false
	}

	info, err2 := ent.Info()
	var size int64
	if err2 == nil {
		size = info.Size()
	}

	name := ParseName(path)
	desc := types.ModelDescriptor{
		ID:          name.ID,
		Path:        path,
		DisplayName: name.DisplayName,
		Quant:       name.Quant,
		Aliases:     name.Aliases,
		SizeBytes:   size,
	}
	if md.Name != "" {
		desc.DisplayName = md.Name
	}
	if md.ContextLength > 0 {
		v := md.ContextLength
		desc.ContextLength = &v
	}
	if md.EmbeddingSize > 0 {
		v := md.EmbeddingSize
		desc.EmbeddingSize = &v
	}
	desc.GroupID = r.group(desc)
	return desc, true
}

// List returns the current inventory in stable (sorted-ID) order.
func (r *Registry) List() []types.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ModelDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// Resolve maps an id or alias to its descriptor.
func (r *Registry) Resolve(ref string) (types.ModelDescriptor, error) {
	key := normalizeID(ref)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.models[key]; ok {
		return d, nil
	}
	if id, ok := r.aliases[key]; ok {
		return r.models[id], nil
	}
	return types.ModelDescriptor{}, &ModelNotFoundError{Ref: ref}
}

// Groups returns the group set implied by the current inventory.
func (r *Registry) Groups() []types.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := make(map[string]*types.Group)
	var ids []string
	for _, id := range r.order {
		gid := r.models[id].GroupID
		g, ok := byID[gid]
		if !ok {
			g = &types.Group{
				ID:        gid,
				Swap:      gid != GroupEmbeddings,
				Exclusive: gid == GroupExclusive,
			}
			byID[gid] = g
			ids = append(ids, gid)
		}
		g.Members = append(g.Members, id)
	}
	sort.Strings(ids)
	out := make([]types.Group, 0, len(ids))
	for _, gid := range ids {
		out = append(out, *byID[gid])
	}
	return out
}

package types

import "time"

// ModelDescriptor is an immutable snapshot of one discovered model file.
// Descriptors are regenerated wholesale on every registry rescan.
type ModelDescriptor struct {
	// Stable identifier, derived from the filename.
	ID string `json:"id"`
	// Absolute path to the model file on disk.
	Path string `json:"path"`
	// Human-friendly name derived from the filename.
	DisplayName string `json:"display_name"`
	// Context length read from embedded metadata, if present.
	ContextLength *int `json:"context_length,omitempty"`
	// Embedding size read from embedded metadata, if present. A descriptor
	// with an embedding size and no context length is an embedding model.
	EmbeddingSize *int `json:"embedding_size,omitempty"`
	// Quantization variant recovered from the filename (e.g. Q4_K_M).
	Quant string `json:"quant,omitempty"`
	// Compatibility aliases the proxy resolves in addition to ID.
	Aliases []string `json:"aliases,omitempty"`
	// Group this model belongs to for swap/exclusivity purposes.
	GroupID string `json:"group_id"`
	// File size in bytes.
	SizeBytes int64 `json:"size_bytes"`
}

// IsEmbedding reports whether the descriptor looks like an embedding model.
func (d ModelDescriptor) IsEmbedding() bool {
	return d.EmbeddingSize != nil && d.ContextLength == nil
}

// Group describes swap semantics for a set of models.
type Group struct {
	ID string `json:"id"`
	// Swap: members are mutually exclusive and replace one another.
	Swap bool `json:"swap"`
	// Exclusive: starting a member stops every other running backend,
	// inside or outside this group.
	Exclusive bool `json:"exclusive"`
	// Member model IDs in scan order.
	Members []string `json:"members"`
}

// BackendStatus is a snapshot of one running model backend process.
type BackendStatus struct {
	ModelID    string    `json:"model_id"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	LoadedAt   time.Time `json:"loaded_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

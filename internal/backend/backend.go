// Package backend defines model backends and the capability registry
// that owns them.
//
// Components never hold backend instances across operations; they
// resolve by capability at the call site and let the registry manage
// lifecycle, readiness, and fallback ordering.
package backend

import (
	"context"
	"encoding/json"
)

// Capability names a model-backed function a component can request.
type Capability string

const (
	CapTextEmbedding  Capability = "text-embedding"
	CapCodeEmbedding  Capability = "code-embedding"
	CapJSONCompletion Capability = "json-completion"
	CapTextReranking  Capability = "text-reranking"
	CapKeyExtraction  Capability = "key-extraction"
)

// Backend is the common surface of every model backend.
type Backend interface {
	// ID is the stable identifier used in capability bindings.
	ID() string
	// Capabilities is the static set this backend may be resolved for.
	Capabilities() []Capability
	// Ready runs the one-shot readiness probe. Called by the registry;
	// the result is cached until the probe backoff expires.
	Ready(ctx context.Context) error
	Close() error
}

// Embedder turns texts into fixed-dimension vectors.
type Embedder interface {
	Backend
	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies the embedding model for payload bookkeeping.
	Model() string
	// Dimensions is the vector width this embedder produces.
	Dimensions() int
}

// JSONCompleter runs a completion constrained to a JSON object reply.
type JSONCompleter interface {
	Backend
	// CompleteJSON sends system and user prompts and returns the raw
	// JSON object the model produced. Temperature is pinned to zero.
	CompleteJSON(ctx context.Context, system, user string) (json.RawMessage, error)
}

// Reranker scores candidate documents against a query.
type Reranker interface {
	Backend
	// Rerank returns one relevance score per document, in input order.
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
	// MaxDocuments is the per-call input bound; callers batch above it.
	MaxDocuments() int
}

func hasCapability(b Backend, c Capability) bool {
	for _, have := range b.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

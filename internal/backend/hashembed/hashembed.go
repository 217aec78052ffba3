// Package hashembed is a deterministic embedding backend for bootstrap
// mode and tests. Vectors are derived from token hashes, so identical
// text always embeds identically and overlapping texts land near each
// other, without any model service.
package hashembed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"atlas/internal/backend"
)

const DefaultDimensions = 64

type Embedder struct {
	id   string
	dims int
}

// New returns a hash embedder. dims <= 0 takes DefaultDimensions.
func New(id string, dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{id: id, dims: dims}
}

func (e *Embedder) ID() string { return e.id }

func (e *Embedder) Capabilities() []backend.Capability {
	return []backend.Capability{backend.CapTextEmbedding, backend.CapCodeEmbedding}
}

func (e *Embedder) Ready(ctx context.Context) error { return nil }

func (e *Embedder) Close() error { return nil }

func (e *Embedder) Model() string { return "hashembed-v1" }

func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

// embedOne buckets token hashes into the vector and L2-normalizes, a
// bag-of-words random projection.
func (e *Embedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if (sum>>32)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

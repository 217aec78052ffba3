package retrieve

import (
	"context"
	"log/slog"
	"sort"
)

// Reranker adapts a text-reranking backend to result lists: it splits
// oversized inputs into batches, concatenates the per-batch scores,
// and resorts with a stable tie-break on original candidate index.
type Reranker struct {
	reg    Registry
	logger *slog.Logger
}

func NewReranker(reg Registry, logger *slog.Logger) *Reranker {
	return &Reranker{reg: reg, logger: logger}
}

// Rerank rescored results by backend relevance. The error is
// CapabilityUnavailable when no reranking backend is bound or ready.
func (r *Reranker) Rerank(ctx context.Context, query string, results []Result) ([]Result, error) {
	if len(results) == 0 {
		return results, nil
	}
	rr, err := r.reg.ResolveReranker(ctx)
	if err != nil {
		return nil, err
	}

	batch := rr.MaxDocuments()
	scores := make([]float64, 0, len(results))
	for start := 0; start < len(results); start += batch {
		end := start + batch
		if end > len(results) {
			end = len(results)
		}
		docs := make([]string, 0, end-start)
		for _, res := range results[start:end] {
			docs = append(docs, res.Chunk.Payload.Text)
		}
		batchScores, err := rr.Rerank(ctx, query, docs)
		if err != nil {
			return nil, err
		}
		scores = append(scores, batchScores...)
	}

	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return order[a] < order[b]
	})

	out := make([]Result, len(results))
	for rank, idx := range order {
		out[rank] = Result{
			Chunk:    results[idx].Chunk,
			Score:    scores[idx],
			RawScore: scores[idx],
		}
	}
	return out, nil
}

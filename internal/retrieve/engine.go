// Package retrieve implements search over the storage tiers: semantic,
// full-text, and hybrid with reciprocal rank fusion, plus optional
// reranking and token budget packing.
package retrieve

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"atlas/internal/atlaserr"
	"atlas/internal/backend"
	"atlas/internal/logging"
	"atlas/internal/store"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeFullText Mode = "fulltext"
	ModeHybrid   Mode = "hybrid"
)

// Degradation flags carried in responses when a stage was skipped.
const (
	DegradedRerankUnavailable = "rerank_unavailable"
	DegradedRerankFailed      = "rerank_failed"
	DegradedSemanticSkipped   = "semantic_unavailable"
)

// Request is one search call.
type Request struct {
	Query        string
	Mode         Mode
	Limit        int
	Filter       *store.Filter
	Rerank       bool
	BudgetTokens int
}

// Result is one scored, hydrated chunk. Score is normalized to [0,1]
// within the response; RawScore keeps the tier's native scale.
type Result struct {
	Chunk    store.Chunk
	Score    float64
	RawScore float64
}

// Response carries results plus flags for stages that degraded.
type Response struct {
	Results  []Result
	Degraded []string
}

// Coordinator is the read surface the engine uses.
type Coordinator interface {
	SearchVector(ctx context.Context, vectorName string, query []float32, limit int, filter *store.Filter) ([]store.ScoredID, error)
	SearchFullText(ctx context.Context, query string, limit int, filter *store.Filter) ([]store.ScoredID, error)
	Hydrate(ctx context.Context, ids []store.ChunkID) ([]store.Chunk, error)
}

// Registry resolves the embedding and reranking backends.
type Registry interface {
	ResolveEmbedder(ctx context.Context, capability backend.Capability) (backend.Embedder, error)
	ResolveReranker(ctx context.Context) (backend.Reranker, error)
}

type Config struct {
	Logger *slog.Logger

	// RRFK is the reciprocal rank fusion constant. Zero means 60.
	RRFK int
	// OverfetchRerank / Overfetch scale the candidate stage. Zero
	// means 4 / 1.5.
	OverfetchRerank float64
	Overfetch       float64
	// HardMax caps candidates regardless of overfetch. Zero means 500.
	HardMax int
	// TokenOverhead is the fixed per-result token cost added during
	// budget packing. Zero means 8.
	TokenOverhead int
	// DefaultLimit applies when a request omits one. Zero means 10.
	DefaultLimit int
}

type Engine struct {
	cfg    Config
	coord  Coordinator
	reg    Registry
	rerank *Reranker
	logger *slog.Logger
}

func New(cfg Config, coord Coordinator, reg Registry) *Engine {
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.OverfetchRerank <= 0 {
		cfg.OverfetchRerank = 4
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 1.5
	}
	if cfg.HardMax <= 0 {
		cfg.HardMax = 500
	}
	if cfg.TokenOverhead <= 0 {
		cfg.TokenOverhead = 8
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	logger := logging.Default(cfg.Logger).With("component", "retrieve")
	return &Engine{
		cfg:    cfg,
		coord:  coord,
		reg:    reg,
		rerank: NewReranker(reg, logger),
		logger: logger,
	}
}

// Search runs the full retrieval pipeline for one request.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, atlaserr.Newf(atlaserr.KindValidation, "retrieve.search", "empty query")
	}
	if req.Limit <= 0 {
		req.Limit = e.cfg.DefaultLimit
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}

	overfetch := e.cfg.Overfetch
	if req.Rerank {
		overfetch = e.cfg.OverfetchRerank
	}
	candidates := int(float64(req.Limit) * overfetch)
	if candidates > e.cfg.HardMax {
		candidates = e.cfg.HardMax
	}

	resp := &Response{}
	scored, err := e.candidates(ctx, req, candidates, resp)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return resp, nil
	}

	results, err := e.hydrate(ctx, scored, req.Filter)
	if err != nil {
		return nil, err
	}

	if req.Rerank {
		results = e.rerankStage(ctx, req.Query, results, resp)
	}

	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	if req.BudgetTokens > 0 {
		results = e.pack(results, req.BudgetTokens)
	}
	normalize(results)
	resp.Results = results
	return resp, nil
}

// candidates runs the per-mode candidate stage.
func (e *Engine) candidates(ctx context.Context, req Request, limit int, resp *Response) ([]store.ScoredID, error) {
	switch req.Mode {
	case ModeSemantic:
		return e.semantic(ctx, req.Query, limit, req.Filter)
	case ModeFullText:
		return e.coord.SearchFullText(ctx, req.Query, limit, req.Filter)
	case ModeHybrid:
		sem, err := e.semantic(ctx, req.Query, limit, req.Filter)
		if err != nil {
			if atlaserr.KindOf(err) != atlaserr.KindCapabilityUnavailable {
				return nil, err
			}
			resp.Degraded = append(resp.Degraded, DegradedSemanticSkipped)
		}
		full, err := e.coord.SearchFullText(ctx, req.Query, limit, req.Filter)
		if err != nil {
			return nil, err
		}
		return e.fuse(sem, full), nil
	default:
		return nil, atlaserr.Newf(atlaserr.KindValidation, "retrieve.search", "unknown mode %q", req.Mode)
	}
}

func (e *Engine) semantic(ctx context.Context, query string, limit int, filter *store.Filter) ([]store.ScoredID, error) {
	embedder, err := e.reg.ResolveEmbedder(ctx, backend.CapTextEmbedding)
	if err != nil {
		return nil, err
	}
	vecs, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return e.coord.SearchVector(ctx, "text", vecs[0], limit, filter)
}

// fuse merges two ranked lists with reciprocal rank fusion:
// score(id) = sum over lists of 1/(k + rank). Ties break on the best
// rank across all lists, then on chunk id, so the result does not
// depend on the order the lists are supplied in.
func (e *Engine) fuse(lists ...[]store.ScoredID) []store.ScoredID {
	type fused struct {
		score float64
		raw   float64
		best  int // minimum rank across all lists
	}
	k := float64(e.cfg.RRFK)
	merged := make(map[store.ChunkID]*fused)
	for _, list := range lists {
		for rank, hit := range list {
			f, ok := merged[hit.ID]
			if !ok {
				f = &fused{best: rank}
				merged[hit.ID] = f
			} else if rank < f.best {
				f.best = rank
			}
			f.score += 1 / (k + float64(rank+1))
			if hit.RawScore > f.raw {
				f.raw = hit.RawScore
			}
		}
	}

	out := make([]store.ScoredID, 0, len(merged))
	for id, f := range merged {
		out = append(out, store.ScoredID{ID: id, Score: f.score, RawScore: f.raw})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		bi, bj := merged[out[i].ID].best, merged[out[j].ID].best
		if bi != bj {
			return bi < bj
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// hydrate resolves payloads and applies the residual filter on the
// hydrated rows. Inactive chunks are dropped here; tier deletes for
// them may still be in flight.
func (e *Engine) hydrate(ctx context.Context, scored []store.ScoredID, filter *store.Filter) ([]Result, error) {
	ids := make([]store.ChunkID, len(scored))
	byID := make(map[store.ChunkID]store.ScoredID, len(scored))
	for i, s := range scored {
		ids[i] = s.ID
		byID[s.ID] = s
	}

	chunks, err := e.coord.Hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}
	hydrated := make(map[store.ChunkID]store.Chunk, len(chunks))
	for _, ch := range chunks {
		hydrated[ch.ID] = ch
	}

	var results []Result
	for _, s := range scored {
		ch, ok := hydrated[s.ID]
		if !ok || !ch.Active() {
			continue
		}
		if !matchFilter(&ch, filter) {
			continue
		}
		results = append(results, Result{Chunk: ch, Score: s.Score, RawScore: s.RawScore})
	}
	return results, nil
}

func (e *Engine) rerankStage(ctx context.Context, query string, results []Result, resp *Response) []Result {
	reranked, err := e.rerank.Rerank(ctx, query, results)
	if err == nil {
		return reranked
	}
	if atlaserr.KindOf(err) == atlaserr.KindCapabilityUnavailable {
		resp.Degraded = append(resp.Degraded, DegradedRerankUnavailable)
	} else {
		e.logger.Warn("rerank stage failed, returning unranked", "error", err)
		resp.Degraded = append(resp.Degraded, DegradedRerankFailed)
	}
	return results
}

// pack greedily keeps results in score order while the estimated token
// total stays within budget. Rank order of the kept subset is
// preserved.
func (e *Engine) pack(results []Result, budget int) []Result {
	var kept []Result
	used := 0
	for _, r := range results {
		cost := tokenEstimate(r.Chunk.CharCount) + e.cfg.TokenOverhead
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, r)
	}
	return kept
}

func tokenEstimate(chars int) int {
	return int(math.Ceil(float64(chars) / 4))
}

// EstimatedTokens reports the packing cost of one result under this
// engine's configuration. The RPC layer surfaces it per result.
func (e *Engine) EstimatedTokens(charCount int) int {
	return tokenEstimate(charCount) + e.cfg.TokenOverhead
}

// normalize maps scores into [0,1] by min-max within the response.
func normalize(results []Result) {
	if len(results) == 0 {
		return
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	span := hi - lo
	for i := range results {
		if span == 0 {
			results[i].Score = 1
			continue
		}
		results[i].Score = (results[i].Score - lo) / span
	}
}

// matchFilter evaluates the full filter grammar on a hydrated chunk.
// Tiers apply what they can cheaply; this is the residual check.
func matchFilter(ch *store.Chunk, f *store.Filter) bool {
	if f.Empty() {
		return true
	}
	if len(f.PathGlobs) > 0 {
		ok := false
		for _, g := range f.PathGlobs {
			if m, err := doublestar.Match(g, ch.Payload.FilePath); err == nil && m {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.QNTMKeys) > 0 {
		ok := false
	outer:
		for _, want := range f.QNTMKeys {
			for _, have := range ch.Payload.QNTMKeys {
				if want == have {
					ok = true
					break outer
				}
			}
		}
		if !ok {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && ch.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && ch.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if f.MaxConsolidationLevel != nil && ch.ConsolidationLevel > *f.MaxConsolidationLevel {
		return false
	}
	if len(f.SourceIDs) > 0 {
		ok := false
		for _, id := range f.SourceIDs {
			if id == ch.SourceID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Package consolidate reduces redundancy by asking an LLM to judge
// pairwise chunk relationships and superseding the redundant side.
//
// Consolidation never deletes. Losing chunks are superseded through
// the coordinator's normal write protocol and fall to the vacuum's
// grace window like any other superseded chunk.
package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"atlas/internal/atlaserr"
	"atlas/internal/backend"
	"atlas/internal/logging"
	"atlas/internal/store"
)

// Relationship types the judge may return.
const (
	TypeDuplicate   = "duplicate_work"
	TypeSequential  = "sequential_iteration"
	TypeConvergence = "contextual_convergence"
	TypeUnrelated   = "unrelated"
)

// Verdict is the judged relationship for one pair.
type Verdict struct {
	Type          string `json:"type"`
	Direction     string `json:"direction"`
	Keep          string `json:"keep"`
	Reasoning     string `json:"reasoning"`
	MergedContent string `json:"merged_content,omitempty"`
}

// verdictSchema validates the judge's JSON reply before it is trusted.
const verdictSchema = `{
	"type": "object",
	"required": ["type", "direction", "keep", "reasoning"],
	"properties": {
		"type":      {"enum": ["duplicate_work", "sequential_iteration", "contextual_convergence", "unrelated"]},
		"direction": {"enum": ["forward", "backward", "convergent", "unknown"]},
		"keep":      {"enum": ["first", "second", "both"]},
		"reasoning": {"type": "string"},
		"merged_content": {"type": "string"}
	},
	"additionalProperties": false
}`

// Coordinator is the storage surface consolidation mutates through.
type Coordinator interface {
	ListSources(ctx context.Context) ([]store.Source, error)
	ListChunksBySource(ctx context.Context, id store.SourceID, activeOnly bool) ([]store.Chunk, error)
	FindChunkByContentHash(ctx context.Context, hash string) (*store.ChunkID, error)
	UpsertChunks(ctx context.Context, chunks []store.Chunk, vectors map[store.ChunkID]store.Vectors) error
	Supersede(ctx context.Context, ids []store.ChunkID, by *store.ChunkID) error
}

// Registry resolves the judge and the embedder for merged chunks.
type Registry interface {
	ResolveJSONCompleter(ctx context.Context, capability backend.Capability) (backend.JSONCompleter, error)
	ResolveEmbedder(ctx context.Context, capability backend.Capability) (backend.Embedder, error)
}

type Config struct {
	Logger *slog.Logger

	// MaxPairsPerRun bounds one run. Zero means 32.
	MaxPairsPerRun int
	// JudgeRetries is how often an invalid JSON verdict is retried
	// before the pair is recorded unrelated. Zero means 2.
	JudgeRetries int
	// MaxChunkChars truncates texts sent to the judge. Zero means 4000.
	MaxChunkChars int
}

// Report summarizes one consolidation run.
type Report struct {
	PairsJudged int
	Superseded  int
	Merged      int
	Unrelated   int
	Failed      int
}

type Engine struct {
	cfg    Config
	coord  Coordinator
	reg    Registry
	schema *gojsonschema.Schema
	logger *slog.Logger
}

func New(cfg Config, coord Coordinator, reg Registry) (*Engine, error) {
	if cfg.MaxPairsPerRun <= 0 {
		cfg.MaxPairsPerRun = 32
	}
	if cfg.JudgeRetries <= 0 {
		cfg.JudgeRetries = 2
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = 4000
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(verdictSchema))
	if err != nil {
		return nil, atlaserr.New(atlaserr.KindFatalInit, "consolidate.new", err)
	}
	return &Engine{
		cfg:    cfg,
		coord:  coord,
		reg:    reg,
		schema: schema,
		logger: logging.Default(cfg.Logger).With("component", "consolidate"),
	}, nil
}

type pair struct {
	a, b store.Chunk
}

// Run selects candidate pairs, judges each, and applies the verdicts.
// Chunks superseded earlier in the same run are skipped in later pairs.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	var report Report

	pairs, err := e.selectPairs(ctx)
	if err != nil {
		return report, err
	}

	gone := make(map[store.ChunkID]bool)
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if gone[p.a.ID] || gone[p.b.ID] {
			continue
		}

		verdict, err := e.judge(ctx, p)
		if err != nil {
			report.Failed++
			e.logger.Warn("pair judgement failed", "first", p.a.ID, "second", p.b.ID, "error", err)
			continue
		}
		report.PairsJudged++

		switch {
		case verdict.Type == TypeUnrelated || verdict.Keep == "both":
			if verdict.Direction == "convergent" && verdict.MergedContent != "" {
				if err := e.merge(ctx, p, verdict); err != nil {
					report.Failed++
					continue
				}
				gone[p.a.ID], gone[p.b.ID] = true, true
				report.Merged++
				continue
			}
			report.Unrelated++
		default:
			winner, loser := p.a, p.b
			if verdict.Keep == "second" {
				winner, loser = p.b, p.a
			}
			if err := e.supersede(ctx, winner, loser, verdict); err != nil {
				report.Failed++
				continue
			}
			gone[loser.ID] = true
			report.Superseded++
		}
	}
	e.logger.Info("consolidation run finished",
		"judged", report.PairsJudged, "superseded", report.Superseded,
		"merged", report.Merged, "failed", report.Failed)
	return report, nil
}

// selectPairs produces the deterministic candidate set: adjacent
// indices within each source, then exact-duplicate content across
// sources, bounded by MaxPairsPerRun. Ordering is stable across runs
// over the same data.
func (e *Engine) selectPairs(ctx context.Context) ([]pair, error) {
	sources, err := e.coord.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Path < sources[j].Path })

	var pairs []pair
	byID := make(map[store.ChunkID]store.Chunk)
	var actives []store.Chunk

	for _, src := range sources {
		if src.Status != store.SourceActive {
			continue
		}
		chunks, err := e.coord.ListChunksBySource(ctx, src.ID, true)
		if err != nil {
			return nil, err
		}
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })

		for i := 0; i+1 < len(chunks); i++ {
			if chunks[i+1].ChunkIndex == chunks[i].ChunkIndex+1 {
				pairs = append(pairs, pair{a: chunks[i], b: chunks[i+1]})
			}
		}
		for _, ch := range chunks {
			byID[ch.ID] = ch
			actives = append(actives, ch)
		}
	}

	// Cross-source exact duplicates: each chunk is paired with the
	// canonical holder of its content hash, resolved through the
	// metadata tier's indexed lookup.
	sort.Slice(actives, func(i, j int) bool { return actives[i].ID.String() < actives[j].ID.String() })
	for _, ch := range actives {
		if len(pairs) >= e.cfg.MaxPairsPerRun {
			break
		}
		if ch.ContentHash == "" {
			continue
		}
		canonID, err := e.coord.FindChunkByContentHash(ctx, ch.ContentHash)
		if err != nil {
			return nil, err
		}
		if canonID == nil || *canonID == ch.ID {
			continue
		}
		canon, ok := byID[*canonID]
		if !ok || canon.SourceID == ch.SourceID {
			continue
		}
		pairs = append(pairs, pair{a: canon, b: ch})
	}

	if len(pairs) > e.cfg.MaxPairsPerRun {
		pairs = pairs[:e.cfg.MaxPairsPerRun]
	}
	return pairs, nil
}

const judgeSystem = `You judge the relationship between two text fragments from a knowledge base.
Reply with a JSON object:
{"type": "duplicate_work"|"sequential_iteration"|"contextual_convergence"|"unrelated",
 "direction": "forward"|"backward"|"convergent"|"unknown",
 "keep": "first"|"second"|"both",
 "reasoning": "...",
 "merged_content": "..."}
merged_content is required only when direction is convergent: provide the merged text.
Prefer "unrelated" with keep "both" unless the fragments clearly cover the same work.`

// judge asks the LLM for a verdict, retrying schema failures a bounded
// number of times. Persistent failures degrade to unrelated.
func (e *Engine) judge(ctx context.Context, p pair) (Verdict, error) {
	completer, err := e.reg.ResolveJSONCompleter(ctx, backend.CapJSONCompletion)
	if err != nil {
		return Verdict{}, err
	}

	user := fmt.Sprintf("FIRST (%s #%d):\n%s\n\nSECOND (%s #%d):\n%s",
		p.a.Payload.FileName, p.a.ChunkIndex, e.clip(p.a.Payload.Text),
		p.b.Payload.FileName, p.b.ChunkIndex, e.clip(p.b.Payload.Text))

	var lastErr error
	for attempt := 0; attempt <= e.cfg.JudgeRetries; attempt++ {
		raw, err := completer.CompleteJSON(ctx, judgeSystem, user)
		if err != nil {
			return Verdict{}, err
		}
		verdict, err := e.validate(raw)
		if err == nil {
			return verdict, nil
		}
		lastErr = err
		e.logger.Debug("invalid verdict, retrying", "attempt", attempt, "error", err)
	}

	e.logger.Warn("verdict never validated, recording unrelated", "error", lastErr)
	return Verdict{Type: TypeUnrelated, Direction: "unknown", Keep: "both"}, nil
}

func (e *Engine) validate(raw json.RawMessage) (Verdict, error) {
	result, err := e.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Verdict{}, atlaserr.New(atlaserr.KindValidation, "consolidate.validate", err)
	}
	if !result.Valid() {
		return Verdict{}, atlaserr.Newf(atlaserr.KindValidation, "consolidate.validate",
			"verdict failed schema: %v", result.Errors())
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verdict{}, atlaserr.New(atlaserr.KindValidation, "consolidate.validate", err)
	}
	if v.Direction == "convergent" && v.MergedContent == "" {
		return Verdict{}, atlaserr.Newf(atlaserr.KindValidation, "consolidate.validate",
			"convergent verdict without merged_content")
	}
	return v, nil
}

func (e *Engine) clip(text string) string {
	if len(text) > e.cfg.MaxChunkChars {
		return text[:e.cfg.MaxChunkChars]
	}
	return text
}

// supersede marks the loser replaced and bumps the winner's level.
func (e *Engine) supersede(ctx context.Context, winner, loser store.Chunk, verdict Verdict) error {
	if err := e.coord.Supersede(ctx, []store.ChunkID{loser.ID}, &winner.ID); err != nil {
		return err
	}
	winner.ConsolidationLevel++
	if winner.Payload.Consolidation == nil {
		winner.Payload.Consolidation = &store.ConsolidationMeta{
			Type:      verdict.Type,
			Direction: verdict.Direction,
			Reasoning: verdict.Reasoning,
			Parents:   []store.ChunkID{loser.ID},
		}
	}
	return e.coord.UpsertChunks(ctx, []store.Chunk{winner}, nil)
}

// merge synthesizes the convergent chunk and supersedes both parents.
func (e *Engine) merge(ctx context.Context, p pair, verdict Verdict) error {
	level := p.a.ConsolidationLevel
	if p.b.ConsolidationLevel > level {
		level = p.b.ConsolidationLevel
	}

	merged := store.Chunk{
		ID:                 store.NewConsolidatedChunkID(),
		SourceID:           p.a.SourceID,
		CharCount:          len(verdict.MergedContent),
		ConsolidationLevel: level + 1,
		CreatedAt:          time.Now(),
		Payload: store.Payload{
			Version:     store.PayloadVersion,
			Text:        verdict.MergedContent,
			FilePath:    p.a.Payload.FilePath,
			FileName:    p.a.Payload.FileName,
			FileType:    p.a.Payload.FileType,
			ContentType: p.a.Payload.ContentType,
			QNTMKeys:    mergeUnique(p.a.Payload.QNTMKeys, p.b.Payload.QNTMKeys),
			Consolidation: &store.ConsolidationMeta{
				Type:      verdict.Type,
				Direction: verdict.Direction,
				Reasoning: verdict.Reasoning,
				Parents:   []store.ChunkID{p.a.ID, p.b.ID},
			},
			EmbeddingModels: make(map[string]string),
		},
	}

	vectors := make(map[store.ChunkID]store.Vectors)
	if embedder, err := e.reg.ResolveEmbedder(ctx, backend.CapTextEmbedding); err == nil {
		if vecs, err := embedder.Embed(ctx, []string{merged.Payload.Text}); err == nil {
			vectors[merged.ID] = store.Vectors{"text": vecs[0]}
			merged.Payload.EmbeddingModels["text"] = embedder.Model()
		}
	}

	if err := e.coord.UpsertChunks(ctx, []store.Chunk{merged}, vectors); err != nil {
		return err
	}
	return e.coord.Supersede(ctx, []store.ChunkID{p.a.ID, p.b.ID}, &merged.ID)
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

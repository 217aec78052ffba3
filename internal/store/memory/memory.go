// Package memory provides in-memory implementations of all five storage
// tiers. They back unit tests and the --bootstrap dev mode, where the
// daemon runs without any external services.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"atlas/internal/store"
)

// Metadata is an in-memory MetadataTier. All operations are serialized
// by a single mutex, which trivially satisfies per-chunk linearizability.
type Metadata struct {
	mu      sync.Mutex
	sources map[store.SourceID]store.Source
	byPath  map[string]store.SourceID
	chunks  map[store.ChunkID]store.Chunk
	keys    map[string]store.QNTMKey
	keyRefs map[store.ChunkID][]string
}

func NewMetadata() *Metadata {
	return &Metadata{
		sources: make(map[store.SourceID]store.Source),
		byPath:  make(map[string]store.SourceID),
		chunks:  make(map[store.ChunkID]store.Chunk),
		keys:    make(map[string]store.QNTMKey),
		keyRefs: make(map[store.ChunkID][]string),
	}
}

func (m *Metadata) Ready(ctx context.Context) error { return nil }

func (m *Metadata) UpsertBatch(ctx context.Context, batch store.UpsertBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	src := batch.Source
	if prev, ok := m.sources[src.ID]; ok {
		src.CreatedAt = prev.CreatedAt
	} else if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	m.sources[src.ID] = src
	m.byPath[src.Path] = src.ID

	for _, ch := range batch.Chunks {
		if prev, ok := m.chunks[ch.ID]; ok {
			ch.CreatedAt = prev.CreatedAt
			// Supersession is monotonic: an upsert never clears it.
			if prev.SupersededBy != nil && ch.SupersededBy == nil {
				ch.SupersededBy = prev.SupersededBy
			}
			if prev.DeletionEligible {
				ch.DeletionEligible = true
				ch.DeletionMarkedAt = prev.DeletionMarkedAt
			}
		} else if ch.CreatedAt.IsZero() {
			ch.CreatedAt = now
		}
		ch.UpdatedAt = now
		m.chunks[ch.ID] = ch

		m.keyRefs[ch.ID] = append([]string(nil), ch.Payload.QNTMKeys...)
		for _, key := range ch.Payload.QNTMKeys {
			k, ok := m.keys[key]
			if !ok {
				k = store.QNTMKey{Key: key, FirstSeenAt: now}
			}
			k.LastSeenAt = now
			k.UsageCount++
			k.LastUsedInChunk = ch.ID
			m.keys[key] = k
		}
	}
	return nil
}

func (m *Metadata) UpsertChunks(ctx context.Context, chunks []store.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, ch := range chunks {
		if prev, ok := m.chunks[ch.ID]; ok {
			ch.CreatedAt = prev.CreatedAt
		} else if ch.CreatedAt.IsZero() {
			ch.CreatedAt = now
		}
		ch.UpdatedAt = now
		m.chunks[ch.ID] = ch
	}
	return nil
}

func (m *Metadata) GetSourceByPath(ctx context.Context, path string) (*store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPath[path]
	if !ok {
		return nil, store.ErrSourceNotFound
	}
	src := m.sources[id]
	return &src, nil
}

func (m *Metadata) ListSources(ctx context.Context) ([]store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Metadata) GetChunks(ctx context.Context, ids []store.ChunkID) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Chunk, 0, len(ids))
	for _, id := range ids {
		if ch, ok := m.chunks[id]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (m *Metadata) ListChunksBySource(ctx context.Context, source store.SourceID, activeOnly bool) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Chunk
	for _, ch := range m.chunks {
		if ch.SourceID != source {
			continue
		}
		if activeOnly && !ch.Active() {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *Metadata) FindChunkByContentHash(ctx context.Context, hash string) (*store.ChunkID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *store.Chunk
	for _, ch := range m.chunks {
		if ch.ContentHash != hash || !ch.Active() {
			continue
		}
		c := ch
		if best == nil || c.CreatedAt.Before(best.CreatedAt) ||
			(c.CreatedAt.Equal(best.CreatedAt) && c.ID.String() < best.ID.String()) {
			best = &c
		}
	}
	if best == nil {
		return nil, nil
	}
	id := best.ID
	return &id, nil
}

func (m *Metadata) MarkSuperseded(ctx context.Context, ids []store.ChunkID, by *store.ChunkID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		ch, ok := m.chunks[id]
		if !ok {
			continue
		}
		if ch.SupersededBy == nil && by != nil {
			b := *by
			ch.SupersededBy = &b
		}
		if !ch.DeletionEligible {
			ch.DeletionEligible = true
			t := at
			ch.DeletionMarkedAt = &t
		}
		ch.UpdatedAt = at
		m.chunks[id] = ch
	}
	return nil
}

func (m *Metadata) MarkSourceDeleted(ctx context.Context, path string, at time.Time) ([]store.ChunkID, error) {
	m.mu.Lock()
	id, ok := m.byPath[path]
	if !ok {
		m.mu.Unlock()
		return nil, store.ErrSourceNotFound
	}
	src := m.sources[id]
	src.Status = store.SourceDeleted
	src.UpdatedAt = at
	m.sources[id] = src

	var active []store.ChunkID
	for cid, ch := range m.chunks {
		if ch.SourceID == id && ch.Active() {
			active = append(active, cid)
		}
	}
	m.mu.Unlock()

	if err := m.MarkSuperseded(ctx, active, nil, at); err != nil {
		return nil, err
	}
	return active, nil
}

func (m *Metadata) Quarantine(ctx context.Context, id store.ChunkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.chunks[id]
	if !ok {
		return store.ErrChunkNotFound
	}
	ch.Quarantined = true
	m.chunks[id] = ch
	return nil
}

func (m *Metadata) PurgeEligible(ctx context.Context, cutoff time.Time) ([]store.ChunkID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged []store.ChunkID
	for id, ch := range m.chunks {
		if ch.DeletionEligible && ch.DeletionMarkedAt != nil && ch.DeletionMarkedAt.Before(cutoff) {
			purged = append(purged, id)
			delete(m.chunks, id)
			delete(m.keyRefs, id)
		}
	}
	return purged, nil
}

func (m *Metadata) Close() error { return nil }

// Keys returns a snapshot of the qntm key table, for tests.
func (m *Metadata) Keys() map[string]store.QNTMKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]store.QNTMKey, len(m.keys))
	for k, v := range m.keys {
		out[k] = v
	}
	return out
}

// Vector is an in-memory VectorTier using exact cosine similarity.
type Vector struct {
	mu      sync.Mutex
	vectors map[store.ChunkID]store.Vectors
	meta    map[store.ChunkID]vectorMeta

	// FailUpserts makes writes fail, for reconcile tests.
	FailUpserts bool
}

type vectorMeta struct {
	path               string
	qntmKeys           []string
	createdAt          time.Time
	consolidationLevel int
	sourceID           store.SourceID
}

func NewVector() *Vector {
	return &Vector{
		vectors: make(map[store.ChunkID]store.Vectors),
		meta:    make(map[store.ChunkID]vectorMeta),
	}
}

func (v *Vector) Ready(ctx context.Context) error { return nil }

func (v *Vector) Upsert(ctx context.Context, chunks []store.Chunk, vectors map[store.ChunkID]store.Vectors) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FailUpserts {
		return context.DeadlineExceeded
	}
	for _, ch := range chunks {
		vecs, ok := vectors[ch.ID]
		if !ok {
			continue
		}
		v.vectors[ch.ID] = vecs
		v.meta[ch.ID] = vectorMeta{
			path:               ch.Payload.FilePath,
			qntmKeys:           ch.Payload.QNTMKeys,
			createdAt:          ch.CreatedAt,
			consolidationLevel: ch.ConsolidationLevel,
			sourceID:           ch.SourceID,
		}
	}
	return nil
}

func (v *Vector) Delete(ctx context.Context, ids []store.ChunkID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		delete(v.vectors, id)
		delete(v.meta, id)
	}
	return nil
}

func (v *Vector) Search(ctx context.Context, vectorName string, query []float32, limit int, filter *store.Filter) ([]store.ScoredID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var hits []store.ScoredID
	for id, vecs := range v.vectors {
		vec, ok := vecs[vectorName]
		if !ok {
			continue
		}
		if !v.matches(id, filter) {
			continue
		}
		score := cosine(query, vec)
		hits = append(hits, store.ScoredID{ID: id, Score: score, RawScore: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (v *Vector) matches(id store.ChunkID, f *store.Filter) bool {
	if f.Empty() {
		return true
	}
	meta := v.meta[id]
	if len(f.PathGlobs) > 0 && !matchAnyGlob(meta.path, f.PathGlobs) {
		return false
	}
	if len(f.QNTMKeys) > 0 && !intersects(meta.qntmKeys, f.QNTMKeys) {
		return false
	}
	if !f.CreatedAfter.IsZero() && meta.createdAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && meta.createdAt.After(f.CreatedBefore) {
		return false
	}
	if f.MaxConsolidationLevel != nil && meta.consolidationLevel > *f.MaxConsolidationLevel {
		return false
	}
	if len(f.SourceIDs) > 0 {
		ok := false
		for _, sid := range f.SourceIDs {
			if sid == meta.sourceID {
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

// Has reports whether the tier holds vectors for id, for tests.
func (v *Vector) Has(id store.ChunkID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.vectors[id]
	return ok
}

func (v *Vector) Close() error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// FullText is an in-memory FullTextTier with naive term-frequency
// scoring. Good enough for tests and bootstrap mode, not for scale.
type FullText struct {
	mu   sync.Mutex
	docs map[store.ChunkID]store.FullTextDoc
}

func NewFullText() *FullText {
	return &FullText{docs: make(map[store.ChunkID]store.FullTextDoc)}
}

func (f *FullText) Ready(ctx context.Context) error { return nil }

func (f *FullText) Upsert(ctx context.Context, docs []store.FullTextDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range docs {
		id, err := store.ParseChunkID(doc.ID)
		if err != nil {
			return err
		}
		f.docs[id] = doc
	}
	return nil
}

func (f *FullText) Delete(ctx context.Context, ids []store.ChunkID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.docs, id)
	}
	return nil
}

func (f *FullText) Search(ctx context.Context, query string, limit int, filter *store.Filter) ([]store.ScoredID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	var hits []store.ScoredID
	for id, doc := range f.docs {
		if !f.matches(doc, filter) {
			continue
		}
		text := strings.ToLower(doc.OriginalText)
		score := 0.0
		for _, term := range terms {
			score += float64(strings.Count(text, term))
		}
		if score > 0 {
			hits = append(hits, store.ScoredID{ID: id, Score: score, RawScore: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *FullText) matches(doc store.FullTextDoc, filter *store.Filter) bool {
	if filter.Empty() {
		return true
	}
	if len(filter.PathGlobs) > 0 && !matchAnyGlob(doc.FilePath, filter.PathGlobs) {
		return false
	}
	if len(filter.QNTMKeys) > 0 && !intersects(doc.QNTMKeys, filter.QNTMKeys) {
		return false
	}
	if !filter.CreatedAfter.IsZero() && doc.CreatedAt < filter.CreatedAfter.Unix() {
		return false
	}
	if !filter.CreatedBefore.IsZero() && doc.CreatedAt > filter.CreatedBefore.Unix() {
		return false
	}
	if filter.MaxConsolidationLevel != nil && doc.ConsolidationLevel > *filter.MaxConsolidationLevel {
		return false
	}
	return true
}

func (f *FullText) Close() error { return nil }

// Cache is an in-memory CacheTier with per-entry expiry.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[store.ChunkID]cacheEntry
}

type cacheEntry struct {
	chunk   store.Chunk
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{ttl: ttl, entries: make(map[store.ChunkID]cacheEntry)}
}

func (c *Cache) GetChunk(ctx context.Context, id store.ChunkID) (*store.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, id)
		return nil, store.ErrCacheMiss
	}
	ch := e.chunk
	return &ch, nil
}

func (c *Cache) SetChunk(ctx context.Context, chunk store.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[chunk.ID] = cacheEntry{chunk: chunk, expires: time.Now().Add(c.ttl)}
	return nil
}

func (c *Cache) Delete(ctx context.Context, ids []store.ChunkID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
	return nil
}

func (c *Cache) Close() error { return nil }

// Analytics is an in-memory append-only AnalyticsTier.
type Analytics struct {
	mu   sync.Mutex
	rows []store.Chunk
}

func NewAnalytics() *Analytics { return &Analytics{} }

func (a *Analytics) Ready(ctx context.Context) error { return nil }

func (a *Analytics) Append(ctx context.Context, chunks []store.Chunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, chunks...)
	return nil
}

func (a *Analytics) Purge(ctx context.Context, ids []store.ChunkID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	drop := make(map[store.ChunkID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := a.rows[:0]
	for _, row := range a.rows {
		if _, ok := drop[row.ID]; !ok {
			kept = append(kept, row)
		}
	}
	a.rows = kept
	return nil
}

// Len returns the row count, for tests.
func (a *Analytics) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}

func (a *Analytics) Close() error { return nil }

func matchAnyGlob(path string, globs []string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

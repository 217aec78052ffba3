package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"atlas/internal/atlaserr"
	"atlas/internal/logging"
	"atlas/internal/notify"
)

// Tiers bundles the five storage tiers behind the Coordinator. Metadata
// is required; the others may be nil, in which case their writes and
// reads are skipped.
type Tiers struct {
	Metadata  MetadataTier
	Vector    VectorTier
	FullText  FullTextTier
	Cache     CacheTier
	Analytics AnalyticsTier
}

// Config holds Coordinator tuning knobs.
type Config struct {
	Logger *slog.Logger

	// OpTimeout bounds every individual tier call. Zero means 10s.
	OpTimeout time.Duration

	// CacheTTL is advisory for tiers that support TTLs. Zero means 15m.
	CacheTTL time.Duration

	// GraceWindow gates physical purge of superseded chunks. Zero means 14 days.
	GraceWindow time.Duration

	// HighWater / LowWater bound the reconcile queues for backpressure.
	// Zero means 1024 / 256.
	HighWater int
	LowWater  int
}

// Coordinator fans writes out to the tiers and keeps them consistent.
//
// Write protocol: the metadata write is authoritative and synchronous;
// the batch fails if and only if it fails. The remaining tiers are then
// written in parallel, and any failure is recorded in that tier's
// reconcile queue instead of bubbling to the caller.
//
// Concurrency model:
//   - UpsertBatch and Supersede may be called from any goroutine; the
//     metadata tier provides per-chunk linearizability.
//   - Each reconcile queue has exactly one consumer goroutine, started
//     by Start and stopped by Stop.
//   - Saturated/WaitBelowWater implement the ingestion backpressure
//     gate over total queue depth.
type Coordinator struct {
	tiers  Tiers
	logger *slog.Logger

	opTimeout   time.Duration
	cacheTTL    time.Duration
	graceWindow time.Duration
	highWater   int
	lowWater    int

	queues map[TierName]*reconcileQueue
	eased  *notify.Signal

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	now func() time.Time
}

var ErrAlreadyRunning = errors.New("coordinator already running")
var ErrNotRunning = errors.New("coordinator not running")

// NewCoordinator wires a Coordinator. The metadata tier must be non-nil.
func NewCoordinator(tiers Tiers, cfg Config) (*Coordinator, error) {
	if tiers.Metadata == nil {
		return nil, atlaserr.Newf(atlaserr.KindFatalInit, "coordinator.new", "metadata tier is required")
	}

	logger := logging.Default(cfg.Logger).With("component", "coordinator")
	c := &Coordinator{
		tiers:       tiers,
		logger:      logger,
		opTimeout:   cfg.OpTimeout,
		cacheTTL:    cfg.CacheTTL,
		graceWindow: cfg.GraceWindow,
		highWater:   cfg.HighWater,
		lowWater:    cfg.LowWater,
		queues:      make(map[TierName]*reconcileQueue),
		eased:       notify.NewSignal(),
		now:         time.Now,
	}
	if c.opTimeout <= 0 {
		c.opTimeout = 10 * time.Second
	}
	if c.cacheTTL <= 0 {
		c.cacheTTL = 15 * time.Minute
	}
	if c.graceWindow <= 0 {
		c.graceWindow = 14 * 24 * time.Hour
	}
	if c.highWater <= 0 {
		c.highWater = 1024
	}
	if c.lowWater <= 0 {
		c.lowWater = 256
	}

	if tiers.Vector != nil {
		c.queues[TierVector] = newReconcileQueue(TierVector, c.applyVectorOp, logger)
	}
	if tiers.FullText != nil {
		c.queues[TierFullText] = newReconcileQueue(TierFullText, c.applyFullTextOp, logger)
	}
	if tiers.Cache != nil {
		c.queues[TierCache] = newReconcileQueue(TierCache, c.applyCacheOp, logger)
	}
	if tiers.Analytics != nil {
		c.queues[TierAnalytics] = newReconcileQueue(TierAnalytics, c.applyAnalyticsOp, logger)
	}
	for _, q := range c.queues {
		q.onShrink = c.noteWater
	}

	return c, nil
}

// Ready verifies schema objects on every tier that declares them.
// Missing objects are created idempotently by the tiers themselves.
func (c *Coordinator) Ready(ctx context.Context) error {
	if err := c.tiers.Metadata.Ready(ctx); err != nil {
		return atlaserr.New(atlaserr.KindFatalInit, "metadata.ready", err)
	}
	if c.tiers.Vector != nil {
		if err := c.tiers.Vector.Ready(ctx); err != nil {
			return atlaserr.New(atlaserr.KindFatalInit, "vector.ready", err)
		}
	}
	if c.tiers.FullText != nil {
		if err := c.tiers.FullText.Ready(ctx); err != nil {
			return atlaserr.New(atlaserr.KindFatalInit, "fulltext.ready", err)
		}
	}
	if c.tiers.Analytics != nil {
		if err := c.tiers.Analytics.Ready(ctx); err != nil {
			return atlaserr.New(atlaserr.KindFatalInit, "analytics.ready", err)
		}
	}
	return nil
}

// Start launches one consumer goroutine per reconcile queue.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	var wg sync.WaitGroup
	for _, q := range c.queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.run(ctx)
		}()
	}
	done := c.done
	go func() {
		wg.Wait()
		close(done)
	}()

	c.logger.Info("coordinator started", "queues", len(c.queues))
	return nil
}

// Stop drains the reconcile queues up to the deadline carried by ctx,
// then stops the consumers. Tier handles stay open; Close releases them.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	cancel := c.cancel
	done := c.done
	c.running = false
	c.mu.Unlock()

	err := c.Drain(ctx)
	cancel()
	<-done
	c.logger.Info("coordinator stopped")
	return err
}

// Drain waits for all reconcile queues to empty or ctx to expire.
func (c *Coordinator) Drain(ctx context.Context) error {
	for _, q := range c.queues {
		if err := q.waitDrained(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every tier. Errors are logged, not aggregated; the first
// is returned so callers can surface something.
func (c *Coordinator) Close() error {
	var first error
	closeTier := func(name string, closeFn func() error) {
		if closeFn == nil {
			return
		}
		if err := closeFn(); err != nil {
			c.logger.Warn("tier close failed", "tier", name, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	if c.tiers.Vector != nil {
		closeTier("vector", c.tiers.Vector.Close)
	}
	if c.tiers.FullText != nil {
		closeTier("fulltext", c.tiers.FullText.Close)
	}
	if c.tiers.Cache != nil {
		closeTier("cache", c.tiers.Cache.Close)
	}
	if c.tiers.Analytics != nil {
		closeTier("analytics", c.tiers.Analytics.Close)
	}
	closeTier("metadata", c.tiers.Metadata.Close)
	return first
}

// UpsertBatch persists one ingestion generation. The prior generation's
// chunks are marked superseded by their index-matched replacement (or
// flagged deletion-eligible when the new generation is shorter), and
// delete ops for them are queued to the derived tiers.
func (c *Coordinator) UpsertBatch(ctx context.Context, batch UpsertBatch) error {
	prior, err := c.tiers.Metadata.ListChunksBySource(ctx, batch.Source.ID, true)
	if err != nil && !errors.Is(err, ErrSourceNotFound) {
		return atlaserr.New(atlaserr.KindInternal, "coordinator.upsert", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	err = c.tiers.Metadata.UpsertBatch(opCtx, batch)
	cancel()
	if err != nil {
		return fmt.Errorf("metadata upsert for source %s: %w", batch.Source.ID, err)
	}

	c.dispatchUpserts(ctx, batch.Chunks, batch.Vectors)

	superseded := c.supersededByGeneration(prior, batch.Chunks)
	if len(superseded) > 0 {
		if err := c.supersedeMarked(ctx, superseded); err != nil {
			return err
		}
	}
	return nil
}

// supersededByGeneration pairs prior-generation chunks with their
// replacements by chunk index. Identical ids mean the content did not
// change and nothing is superseded.
func (c *Coordinator) supersededByGeneration(prior, next []Chunk) map[ChunkID]*ChunkID {
	byIndex := make(map[int]ChunkID, len(next))
	for _, ch := range next {
		byIndex[ch.ChunkIndex] = ch.ID
	}

	out := make(map[ChunkID]*ChunkID)
	for _, old := range prior {
		replacement, ok := byIndex[old.ChunkIndex]
		if ok && replacement == old.ID {
			continue // unchanged generation, same id
		}
		if ok {
			r := replacement
			out[old.ID] = &r
		} else {
			out[old.ID] = nil
		}
	}
	return out
}

// supersedeMarked marks chunks superseded in metadata and queues deletes
// to the derived tiers. Grouped by replacement id to keep the metadata
// call batched.
func (c *Coordinator) supersedeMarked(ctx context.Context, marks map[ChunkID]*ChunkID) error {
	at := c.now()

	grouped := make(map[ChunkID][]ChunkID) // zero key = no replacement
	for id, by := range marks {
		key := ChunkID{}
		if by != nil {
			key = *by
		}
		grouped[key] = append(grouped[key], id)
	}

	var all []ChunkID
	for key, ids := range grouped {
		var by *ChunkID
		if key != (ChunkID{}) {
			k := key
			by = &k
		}
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		err := c.tiers.Metadata.MarkSuperseded(opCtx, ids, by, at)
		cancel()
		if err != nil {
			return fmt.Errorf("mark superseded: %w", err)
		}
		all = append(all, ids...)
	}

	c.enqueueDeletes(all)
	return nil
}

// Supersede marks the given chunks as replaced (by may be nil) and
// queues tier deletes. Used by consolidation and delete handling.
func (c *Coordinator) Supersede(ctx context.Context, ids []ChunkID, by *ChunkID) error {
	if len(ids) == 0 {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	err := c.tiers.Metadata.MarkSuperseded(opCtx, ids, by, c.now())
	cancel()
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	c.enqueueDeletes(ids)
	return nil
}

// MarkSourceDeleted flips the source to deleted and supersedes its
// active chunks with deletion_eligible set.
func (c *Coordinator) MarkSourceDeleted(ctx context.Context, path string) ([]ChunkID, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	ids, err := c.tiers.Metadata.MarkSourceDeleted(opCtx, path, c.now())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("mark source deleted %s: %w", path, err)
	}
	c.enqueueDeletes(ids)
	return ids, nil
}

// dispatchUpserts writes the new generation to the derived tiers in
// parallel. Failures are queued for reconciliation, never returned.
func (c *Coordinator) dispatchUpserts(ctx context.Context, chunks []Chunk, vectors map[ChunkID]Vectors) {
	var g errgroup.Group

	if q, ok := c.queues[TierVector]; ok {
		op := &reconcileOp{Kind: OpUpsert, ChunkIDs: chunkIDs(chunks), Chunks: chunks, Vectors: vectors}
		g.Go(func() error { c.applyOrEnqueue(ctx, q, op); return nil })
	}
	if q, ok := c.queues[TierFullText]; ok {
		docs := make([]FullTextDoc, len(chunks))
		for i, ch := range chunks {
			docs[i] = FullTextDocFor(ch)
		}
		op := &reconcileOp{Kind: OpUpsert, ChunkIDs: chunkIDs(chunks), Docs: docs}
		g.Go(func() error { c.applyOrEnqueue(ctx, q, op); return nil })
	}
	if q, ok := c.queues[TierCache]; ok {
		op := &reconcileOp{Kind: OpUpsert, ChunkIDs: chunkIDs(chunks), Chunks: chunks}
		g.Go(func() error { c.applyOrEnqueue(ctx, q, op); return nil })
	}
	if q, ok := c.queues[TierAnalytics]; ok {
		op := &reconcileOp{Kind: OpUpsert, ChunkIDs: chunkIDs(chunks), Chunks: chunks}
		g.Go(func() error { c.applyOrEnqueue(ctx, q, op); return nil })
	}

	_ = g.Wait()
	c.noteWater()
}

// applyOrEnqueue tries the op once inline; on failure it joins the
// tier's reconcile queue. Per-chunk op order is preserved because an op
// is only applied inline when the queue is empty.
func (c *Coordinator) applyOrEnqueue(ctx context.Context, q *reconcileQueue, op *reconcileOp) {
	if pending, _ := q.depth(); pending == 0 {
		if err := q.apply(ctx, op); err == nil {
			return
		} else if ctx.Err() == nil {
			c.logger.Debug("tier write failed, queued for reconcile",
				"tier", string(q.tier), "op", string(op.Kind), "error", err)
		}
	}
	q.enqueue(op)
}

func (c *Coordinator) enqueueDeletes(ids []ChunkID) {
	if len(ids) == 0 {
		return
	}
	for _, tier := range []TierName{TierVector, TierFullText, TierCache} {
		if q, ok := c.queues[tier]; ok {
			q.enqueue(&reconcileOp{Kind: OpDelete, ChunkIDs: ids})
		}
	}
	c.noteWater()
}

// Hydrate resolves chunk payloads by id: cache first, metadata on miss,
// populating the cache. Ids with no metadata row are divergent ghosts:
// they are reported absent and a tier delete is queued to heal them.
func (c *Coordinator) Hydrate(ctx context.Context, ids []ChunkID) ([]Chunk, error) {
	found := make(map[ChunkID]Chunk, len(ids))
	var misses []ChunkID

	if c.tiers.Cache != nil {
		for _, id := range ids {
			opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
			ch, err := c.tiers.Cache.GetChunk(opCtx, id)
			cancel()
			if err == nil && ch != nil {
				found[id] = *ch
				continue
			}
			misses = append(misses, id)
		}
	} else {
		misses = ids
	}

	if len(misses) > 0 {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		rows, err := c.tiers.Metadata.GetChunks(opCtx, misses)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("hydrate %d chunks: %w", len(misses), err)
		}
		for _, row := range rows {
			found[row.ID] = row
			if c.tiers.Cache != nil {
				opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
				_ = c.tiers.Cache.SetChunk(opCtx, row)
				cancel()
			}
		}
	}

	out := make([]Chunk, 0, len(ids))
	var ghosts []ChunkID
	for _, id := range ids {
		ch, ok := found[id]
		if !ok {
			ghosts = append(ghosts, id)
			continue
		}
		if ch.Quarantined {
			continue
		}
		out = append(out, ch)
	}

	if len(ghosts) > 0 {
		c.logger.Warn("divergent chunk ids treated as absent", "count", len(ghosts))
		c.enqueueDeletes(ghosts)
	}
	return out, nil
}

// SearchVector runs ANN over a named vector. Nil when no vector tier.
func (c *Coordinator) SearchVector(ctx context.Context, vectorName string, query []float32, limit int, filter *Filter) ([]ScoredID, error) {
	if c.tiers.Vector == nil {
		return nil, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.tiers.Vector.Search(opCtx, vectorName, query, limit, filter)
}

// SearchFullText queries the full-text tier. Nil when absent.
func (c *Coordinator) SearchFullText(ctx context.Context, query string, limit int, filter *Filter) ([]ScoredID, error) {
	if c.tiers.FullText == nil {
		return nil, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.tiers.FullText.Search(opCtx, query, limit, filter)
}

// UpsertChunks persists chunk rows outside any generation: metadata
// first, then the derived tiers through the normal dispatch path.
// Consolidation uses this for level bumps and merged chunks.
func (c *Coordinator) UpsertChunks(ctx context.Context, chunks []Chunk, vectors map[ChunkID]Vectors) error {
	if len(chunks) == 0 {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	err := c.tiers.Metadata.UpsertChunks(opCtx, chunks)
	cancel()
	if err != nil {
		return fmt.Errorf("metadata upsert %d chunks: %w", len(chunks), err)
	}
	c.dispatchUpserts(ctx, chunks, vectors)
	return nil
}

// Metadata passthroughs used by the tracker and consolidation.

func (c *Coordinator) GetSourceByPath(ctx context.Context, path string) (*Source, error) {
	return c.tiers.Metadata.GetSourceByPath(ctx, path)
}

func (c *Coordinator) ListSources(ctx context.Context) ([]Source, error) {
	return c.tiers.Metadata.ListSources(ctx)
}

func (c *Coordinator) GetChunks(ctx context.Context, ids []ChunkID) ([]Chunk, error) {
	return c.tiers.Metadata.GetChunks(ctx, ids)
}

func (c *Coordinator) ListChunksBySource(ctx context.Context, id SourceID, activeOnly bool) ([]Chunk, error) {
	return c.tiers.Metadata.ListChunksBySource(ctx, id, activeOnly)
}

func (c *Coordinator) FindChunkByContentHash(ctx context.Context, hash string) (*ChunkID, error) {
	return c.tiers.Metadata.FindChunkByContentHash(ctx, hash)
}

func (c *Coordinator) Quarantine(ctx context.Context, id ChunkID) error {
	return c.tiers.Metadata.Quarantine(ctx, id)
}

// Vacuum physically purges chunks that have been deletion-eligible for
// longer than the grace window, in metadata and analytics.
func (c *Coordinator) Vacuum(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.graceWindow)
	ids, err := c.tiers.Metadata.PurgeEligible(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("vacuum purge: %w", err)
	}
	if len(ids) > 0 {
		if q, ok := c.queues[TierAnalytics]; ok {
			q.enqueue(&reconcileOp{Kind: OpDelete, ChunkIDs: ids})
		}
		c.logger.Info("vacuum purged chunks", "count", len(ids))
	}
	return len(ids), nil
}

// Saturated reports whether total reconcile depth exceeds the high-water
// mark. Ingestion dispatch halts while saturated and resumes once depth
// falls to the low-water mark (see WaitBelowWater).
func (c *Coordinator) Saturated() bool {
	return c.totalDepth() >= c.highWater
}

// WaitBelowWater blocks until total queue depth is at or below the
// low-water mark, or ctx expires.
func (c *Coordinator) WaitBelowWater(ctx context.Context) error {
	for {
		ch := c.eased.C()
		if c.totalDepth() <= c.lowWater {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (c *Coordinator) totalDepth() int {
	total := 0
	for _, q := range c.queues {
		pending, _ := q.depth()
		total += pending
	}
	return total
}

// noteWater wakes backpressure waiters; cheap enough to call on every
// enqueue/dispatch.
func (c *Coordinator) noteWater() {
	if c.totalDepth() <= c.lowWater {
		c.eased.Notify()
	}
}

// TierHealth is one tier's reconcile status for the health RPC.
type TierHealth struct {
	Name       string
	QueueDepth int
	Stuck      int
	Lag        time.Duration
}

// Health reports reconcile queue state per derived tier.
func (c *Coordinator) Health() []TierHealth {
	out := make([]TierHealth, 0, len(c.queues))
	for _, tier := range []TierName{TierVector, TierFullText, TierCache, TierAnalytics} {
		q, ok := c.queues[tier]
		if !ok {
			continue
		}
		pending, stuck := q.depth()
		out = append(out, TierHealth{
			Name:       string(tier),
			QueueDepth: pending,
			Stuck:      stuck,
			Lag:        q.lag(),
		})
	}
	return out
}

// CacheTTL exposes the advisory TTL for cache tier constructors.
func (c *Coordinator) CacheTTL() time.Duration { return c.cacheTTL }

// apply functions used by the reconcile queues. Each wraps the tier
// call in the op timeout.

func (c *Coordinator) applyVectorOp(ctx context.Context, op *reconcileOp) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	switch op.Kind {
	case OpDelete:
		return c.tiers.Vector.Delete(opCtx, op.ChunkIDs)
	default:
		return c.tiers.Vector.Upsert(opCtx, op.Chunks, op.Vectors)
	}
}

func (c *Coordinator) applyFullTextOp(ctx context.Context, op *reconcileOp) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	switch op.Kind {
	case OpDelete:
		return c.tiers.FullText.Delete(opCtx, op.ChunkIDs)
	default:
		return c.tiers.FullText.Upsert(opCtx, op.Docs)
	}
}

func (c *Coordinator) applyCacheOp(ctx context.Context, op *reconcileOp) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	switch op.Kind {
	case OpDelete:
		return c.tiers.Cache.Delete(opCtx, op.ChunkIDs)
	default:
		for _, ch := range op.Chunks {
			if err := c.tiers.Cache.SetChunk(opCtx, ch); err != nil {
				return err
			}
		}
		return nil
	}
}

func (c *Coordinator) applyAnalyticsOp(ctx context.Context, op *reconcileOp) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	switch op.Kind {
	case OpDelete:
		return c.tiers.Analytics.Purge(opCtx, op.ChunkIDs)
	default:
		return c.tiers.Analytics.Append(opCtx, op.Chunks)
	}
}

func chunkIDs(chunks []Chunk) []ChunkID {
	ids := make([]ChunkID, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}
	return ids
}

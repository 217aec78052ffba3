package store

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"atlas/internal/notify"
)

// TierName identifies a non-authoritative tier for reconcile bookkeeping.
type TierName string

const (
	TierVector    TierName = "vector"
	TierFullText  TierName = "fulltext"
	TierCache     TierName = "cache"
	TierAnalytics TierName = "analytics"
)

// OpKind is the pending operation type.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// reconcileOp is one pending write that must catch up to metadata.
// Upserts carry their data because vectors are not reconstructible from
// the metadata tier.
type reconcileOp struct {
	Kind     OpKind
	ChunkIDs []ChunkID
	Chunks   []Chunk
	Vectors  map[ChunkID]Vectors
	Docs     []FullTextDoc

	enqueued time.Time
	attempts int
}

// reconcileQueue is a multi-producer / single-consumer FIFO for one tier.
// FIFO order preserves per-chunk op order: an upsert enqueued before a
// delete is applied before it.
type reconcileQueue struct {
	tier   TierName
	apply  func(ctx context.Context, op *reconcileOp) error
	logger *slog.Logger

	// onShrink is invoked after every pop or park, so the owner can
	// re-evaluate backpressure watermarks. May be nil.
	onShrink func()

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu      sync.Mutex
	ops     []*reconcileOp
	stuck   []*reconcileOp // exhausted retries; surfaced via health
	wake    *notify.Signal
	drained *notify.Signal
}

func newReconcileQueue(tier TierName, apply func(ctx context.Context, op *reconcileOp) error, logger *slog.Logger) *reconcileQueue {
	return &reconcileQueue{
		tier:        tier,
		apply:       apply,
		logger:      logger.With("tier", string(tier)),
		maxAttempts: 5,
		baseBackoff: 250 * time.Millisecond,
		maxBackoff:  30 * time.Second,
		wake:        notify.NewSignal(),
		drained:     notify.NewSignal(),
	}
}

func (q *reconcileQueue) enqueue(op *reconcileOp) {
	op.enqueued = time.Now()
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
	q.wake.Notify()
}

// depth returns pending and stuck op counts.
func (q *reconcileQueue) depth() (pending, stuck int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops), len(q.stuck)
}

// lag returns the age of the oldest pending op, zero when empty.
func (q *reconcileQueue) lag() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return 0
	}
	return time.Since(q.ops[0].enqueued)
}

// run is the single consumer loop. It exits when ctx is cancelled.
func (q *reconcileQueue) run(ctx context.Context) {
	for {
		wakeCh := q.wake.C()

		q.mu.Lock()
		var op *reconcileOp
		if len(q.ops) > 0 {
			op = q.ops[0]
		}
		q.mu.Unlock()

		if op == nil {
			q.drained.Notify()
			select {
			case <-ctx.Done():
				return
			case <-wakeCh:
				continue
			}
		}

		err := q.apply(ctx, op)
		if err == nil {
			q.pop()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		op.attempts++
		if op.attempts >= q.maxAttempts {
			q.logger.Warn("reconcile op exhausted retries",
				"op", string(op.Kind), "chunks", len(op.ChunkIDs), "error", err)
			q.park()
			continue
		}

		q.logger.Debug("reconcile op failed, backing off",
			"op", string(op.Kind), "attempt", op.attempts, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.backoff(op.attempts)):
		}
	}
}

// pop removes the head op after a successful apply.
func (q *reconcileQueue) pop() {
	q.mu.Lock()
	if len(q.ops) > 0 {
		q.ops = q.ops[1:]
	}
	empty := len(q.ops) == 0
	q.mu.Unlock()
	if empty {
		q.drained.Notify()
	}
	if q.onShrink != nil {
		q.onShrink()
	}
}

// park moves the head op to the stuck list.
func (q *reconcileQueue) park() {
	q.mu.Lock()
	if len(q.ops) > 0 {
		q.stuck = append(q.stuck, q.ops[0])
		q.ops = q.ops[1:]
	}
	empty := len(q.ops) == 0
	q.mu.Unlock()
	if empty {
		q.drained.Notify()
	}
	if q.onShrink != nil {
		q.onShrink()
	}
}

// backoff is exponential with jitter, capped at maxBackoff.
func (q *reconcileQueue) backoff(attempt int) time.Duration {
	d := q.baseBackoff << (attempt - 1)
	if d > q.maxBackoff {
		d = q.maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 4))
	return d + jitter
}

// waitDrained blocks until the queue is empty or ctx expires.
func (q *reconcileQueue) waitDrained(ctx context.Context) error {
	for {
		ch := q.drained.C()
		pending, _ := q.depth()
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

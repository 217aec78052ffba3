package pipeline

import (
	"context"
	"sync"
)

// gate is a resizable concurrency limiter for the worker pool. The
// limit halves on saturation signals and grows by one on sustained
// success streaks, never dropping below one.
type gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	limit  int
	active int
	streak int
}

func newGate(limit int) *gate {
	if limit < 1 {
		limit = 1
	}
	g := &gate{limit: limit}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// acquire blocks until a slot is free or ctx expires.
func (g *gate) acquire(ctx context.Context) error {
	// Wake the cond loop when ctx dies, so waiters do not hang.
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.active >= g.limit {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.cond.Wait()
	}
	g.active++
	return nil
}

func (g *gate) release() {
	g.mu.Lock()
	g.active--
	g.cond.Broadcast()
	g.mu.Unlock()
}

// halve cuts the limit in half (minimum one) and resets the streak.
func (g *gate) halve() {
	g.mu.Lock()
	g.limit /= 2
	if g.limit < 1 {
		g.limit = 1
	}
	g.streak = 0
	g.cond.Broadcast()
	g.mu.Unlock()
}

// grow adds one worker slot up to max.
func (g *gate) grow(max int) {
	g.mu.Lock()
	if g.limit < max {
		g.limit++
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

// noteSuccess bumps the streak and reports whether it reached the
// growth threshold, resetting it if so.
func (g *gate) noteSuccess(threshold int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streak++
	if g.streak >= threshold {
		g.streak = 0
		return true
	}
	return false
}

// limitNow returns the current limit, for tests and health reporting.
func (g *gate) limitNow() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

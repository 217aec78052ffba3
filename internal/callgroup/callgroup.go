// Package callgroup provides call deduplication by key.
//
// If multiple goroutines request the same key concurrently, only one
// executes the function. The others wait and receive the same result.
// Once the function returns, the key is forgotten and future calls
// trigger a new execution.
//
// The registry uses this so that concurrent resolutions of the same
// capability run a backend's readiness probe exactly once.
package callgroup

import "sync"

// Result carries the value and error of a deduplicated call.
type Result[V any] struct {
	Value V
	Err   error
}

// Group deduplicates concurrent function calls by key.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// DoChan executes fn if no call is in flight for key. If a call is
// already in flight, the returned channel will receive the result of
// that existing call. The channel receives exactly one value and is
// never closed.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return waitChan(c)
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.val, c.err = fn()
		close(c.done)

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
	}()

	return waitChan(c)
}

// Do is a blocking convenience wrapper around DoChan.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error) {
	r := <-g.DoChan(key, fn)
	return r.Value, r.Err
}

func waitChan[V any](c *call[V]) <-chan Result[V] {
	ch := make(chan Result[V], 1)
	go func() {
		<-c.done
		ch <- Result[V]{Value: c.val, Err: c.err}
	}()
	return ch
}

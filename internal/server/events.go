package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sessionEvent is a best-effort hint from a client session, e.g. a
// file save the editor wants re-ingested soon.
type sessionEvent struct {
	Kind   string
	Path   string
	Detail string
	At     time.Time
}

// eventBuffer is a bounded queue of session events. Enqueue never
// blocks; overflow drops the event and counts it.
type eventBuffer struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []sessionEvent
	cap     int
	dropped int64
	wake    chan struct{}
}

func newEventBuffer(capacity int, logger *slog.Logger) *eventBuffer {
	return &eventBuffer{
		logger: logger,
		cap:    capacity,
		wake:   make(chan struct{}, 1),
	}
}

func (b *eventBuffer) offer(ev sessionEvent) {
	b.mu.Lock()
	if len(b.queue) >= b.cap {
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		if dropped%100 == 1 {
			b.logger.Warn("session event buffer full", "dropped", dropped)
		}
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// consume applies events one at a time until ctx is cancelled.
func (b *eventBuffer) consume(ctx context.Context, apply func(context.Context, sessionEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			ev := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			apply(ctx, ev)
		}
	}
}

// applyEvent handles one session event. File-save hints schedule a
// re-ingestion of the named path; everything else is just recorded.
func (s *Server) applyEvent(ctx context.Context, ev sessionEvent) {
	switch ev.Kind {
	case "file_saved", "file_changed":
		if ev.Path == "" {
			return
		}
		if err := s.deps.Pipeline.IngestFile(ctx, ev.Path); err != nil {
			s.logger.Debug("session event ingest failed", "path", ev.Path, "error", err)
		}
	default:
		s.logger.Debug("session event", "kind", ev.Kind, "path", ev.Path)
	}
}

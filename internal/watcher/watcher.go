// Package watcher turns filesystem events under watched roots into
// ingestion work.
//
// Events are debounced per path so that editors that write a file in
// several syscalls trigger a single re-ingestion. Directory creation
// extends the watch set recursively; removal and rename mark the
// source deleted.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"atlas/internal/logging"
)

// Ingestor is the slice of the pipeline the watcher drives.
type Ingestor interface {
	IngestFile(ctx context.Context, path string) error
	MarkDeleted(ctx context.Context, path string) error
}

type Config struct {
	Logger *slog.Logger

	// Debounce is the quiet period after the last event on a path
	// before it is acted on. Zero means 500ms.
	Debounce time.Duration
	// IgnoreGlobs are doublestar patterns matched against the full
	// path and the base name. Hidden directories are always skipped.
	IgnoreGlobs []string
}

// event is the debounced action for one path.
type event struct {
	path    string
	deleted bool
}

type Watcher struct {
	cfg      Config
	ingestor Ingestor
	fsw      *fsnotify.Watcher
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEvent
	closed  bool

	done chan struct{}
}

type pendingEvent struct {
	timer   *time.Timer
	deleted bool
}

func New(cfg Config, ingestor Ingestor) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:      cfg,
		ingestor: ingestor,
		fsw:      fsw,
		logger:   logging.Default(cfg.Logger).With("component", "watcher"),
		pending:  make(map[string]*pendingEvent),
		done:     make(chan struct{}),
	}, nil
}

// Add registers a root and, for directories, every non-ignored
// subdirectory beneath it.
func (w *Watcher) Add(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fsw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (w.ignored(path) || strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("watch add failed", "path", path, "error", err)
		}
		return nil
	})
}

// Run consumes filesystem events until ctx is cancelled. Debounced
// actions are applied with ctx, so cancellation also stops in-flight
// ingestion.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if w.ignored(path) {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			// New directory: extend the watch and sweep files already
			// inside it, since their create events may have been missed.
			if err := w.Add(path); err != nil {
				w.logger.Warn("watch extend failed", "path", path, "error", err)
			}
			w.sweep(ctx, path)
			return
		}
	}

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		w.debounce(ctx, path, true)
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		w.debounce(ctx, path, false)
	}
}

// debounce coalesces events per path. A delete arriving during the
// quiet period wins over earlier writes; a write after a delete means
// the file reappeared and should be ingested.
func (w *Watcher) debounce(ctx context.Context, path string, deleted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.deleted = deleted
		p.timer.Reset(w.cfg.Debounce)
		return
	}
	p := &pendingEvent{deleted: deleted}
	p.timer = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		deleted := p.deleted
		delete(w.pending, path)
		w.mu.Unlock()
		w.apply(ctx, event{path: path, deleted: deleted})
	})
	w.pending[path] = p
}

func (w *Watcher) apply(ctx context.Context, ev event) {
	if ctx.Err() != nil {
		return
	}
	var err error
	if ev.deleted {
		err = w.ingestor.MarkDeleted(ctx, ev.path)
	} else {
		// The path may have vanished again since the event fired.
		if _, statErr := os.Stat(ev.path); errors.Is(statErr, os.ErrNotExist) {
			err = w.ingestor.MarkDeleted(ctx, ev.path)
		} else {
			err = w.ingestor.IngestFile(ctx, ev.path)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("watch action failed", "path", ev.path, "deleted", ev.deleted, "error", err)
	}
}

// sweep schedules ingestion for every file already present under dir.
func (w *Watcher) sweep(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !w.ignored(path) {
			w.debounce(ctx, filepath.Clean(path), false)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, glob := range w.cfg.IgnoreGlobs {
		if ok, _ := doublestar.Match(glob, path); ok {
			return true
		}
		if ok, _ := doublestar.Match(glob, base); ok {
			return true
		}
	}
	return false
}

// Close stops the underlying watcher and cancels pending timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	err := w.fsw.Close()
	return err
}

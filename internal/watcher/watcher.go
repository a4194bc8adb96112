// Package watcher starts sync runs when files change inside a root's local
// folder.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	errs "github.com/alexjbarnes/davsync/internal/errors"
	"github.com/alexjbarnes/davsync/internal/localfs"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a root must be quiet before a run starts.
const DefaultDebounce = 2 * time.Second

// Trigger starts a sync run of one root.
type Trigger func(ctx context.Context, rootID uint64) (models.Summary, error)

type watchedRoot struct {
	id    uint64
	store *localfs.Store
}

// Watcher monitors the local folders of a set of roots. Bursts of changes
// within one root collapse into a single run once the root has been quiet
// for the debounce interval.
type Watcher struct {
	roots    []watchedRoot
	trigger  Trigger
	debounce time.Duration
	logger   *slog.Logger

	wg    sync.WaitGroup
	retry chan uint64
}

// New creates a watcher over roots. Suspended roots are not watched.
func New(roots []models.SyncRoot, trigger Trigger, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		trigger:  trigger,
		debounce: debounce,
		logger:   logger,
		retry:    make(chan uint64, len(roots)+1),
	}

	for _, r := range roots {
		if r.Suspended {
			continue
		}

		store, err := localfs.New(r.LocalDir)
		if err != nil {
			return nil, err
		}

		w.roots = append(w.roots, watchedRoot{id: r.ID, store: store})
	}

	return w, nil
}

// Watch blocks until ctx is cancelled. Runs still in flight are waited
// for before it returns.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	for _, r := range w.roots {
		if err := addRecursive(fsw, r.store.Dir()); err != nil {
			w.logger.Warn("not watching root",
				slog.Uint64("root_id", r.id),
				slog.String("dir", r.store.Dir()),
				slog.String("error", err.Error()),
			)

			continue
		}

		w.logger.Info("watching local folder", slog.Uint64("root_id", r.id), slog.String("dir", r.store.Dir()))
	}

	defer w.wg.Wait()

	pending := make(map[uint64]time.Time)

	ticker := time.NewTicker(w.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if id, ok := w.handleEvent(fsw, event); ok {
				pending[id] = time.Now()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case id := <-w.retry:
			pending[id] = time.Now()

		case now := <-ticker.C:
			for id, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}

				delete(pending, id)
				w.fire(ctx, id)
			}
		}
	}
}

// handleEvent returns the root an event belongs to, or false when the
// event should not start a run.
func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) (uint64, bool) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return 0, false
	}

	if localfs.Ignored(filepath.Base(event.Name)) {
		return 0, false
	}

	id, ok := w.rootFor(event.Name)
	if !ok {
		return 0, false
	}

	if event.Has(fsnotify.Create) {
		// Lstat so a symlinked directory outside the root is not followed.
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := addRecursive(fsw, event.Name); err != nil {
				w.logger.Debug("watching new directory", slog.String("dir", event.Name), slog.String("error", err.Error()))
			}
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// Harmless when the path was not a watched directory.
		_ = fsw.Remove(event.Name)
	}

	return id, true
}

// rootFor finds the root whose folder holds absPath. Enrolment keeps local
// folders disjoint, so at most one matches.
func (w *Watcher) rootFor(absPath string) (uint64, bool) {
	for _, r := range w.roots {
		if _, ok := r.store.Rel(absPath); ok {
			return r.id, true
		}
	}

	return 0, false
}

// fire runs the trigger in the background. A root that is already running
// is retried after another debounce interval so changes made during the
// run are not missed.
func (w *Watcher) fire(ctx context.Context, id uint64) {
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		w.logger.Debug("local change detected, starting sync", slog.Uint64("root_id", id))

		_, err := w.trigger(ctx, id)

		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, errs.ErrRootLocked):
			select {
			case w.retry <- id:
			case <-ctx.Done():
			}
		default:
			w.logger.Warn("triggered sync failed", slog.Uint64("root_id", id), slog.String("error", err.Error()))
		}
	}()
}

func (w *Watcher) tick() time.Duration {
	t := w.debounce / 4
	if t < 10*time.Millisecond {
		t = 10 * time.Millisecond
	}

	return t
}

// addRecursive adds dir and every directory below it, skipping ignored
// names.
func addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && localfs.Ignored(d.Name()) {
			return filepath.SkipDir
		}

		return fsw.Add(path)
	})
}

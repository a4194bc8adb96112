// Package service runs sync roots: it owns run locking, root suspension
// and the conflict and history operations exposed to the CLI and the
// control server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	errs "github.com/alexjbarnes/davsync/internal/errors"
	"github.com/alexjbarnes/davsync/internal/events"
	"github.com/alexjbarnes/davsync/internal/localfs"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/paths"
	"github.com/alexjbarnes/davsync/internal/reconcile"
	"github.com/alexjbarnes/davsync/internal/state"
	"golang.org/x/sync/errgroup"
)

// DefaultRootConcurrency bounds how many roots RunAll syncs at once.
const DefaultRootConcurrency = 2

// Options tunes a Service.
type Options struct {
	// TransferConcurrency bounds file actions per directory level.
	TransferConcurrency int
	// RootConcurrency bounds roots synced in parallel by RunAll.
	RootConcurrency int
}

// Service coordinates sync runs over every enrolled root.
type Service struct {
	store    *state.State
	remote   reconcile.ResourceClient
	engine   *reconcile.Engine
	notifier events.Notifier
	logger   *slog.Logger

	rootConcurrency int
}

// New creates a service. A nil notifier logs events through logger.
func New(store *state.State, remote reconcile.ResourceClient, notifier events.Notifier, logger *slog.Logger, opts Options) *Service {
	if notifier == nil {
		notifier = events.NewLogNotifier(logger)
	}

	if opts.RootConcurrency < 1 {
		opts.RootConcurrency = DefaultRootConcurrency
	}

	return &Service{
		store:           store,
		remote:          remote,
		engine:          reconcile.NewEngine(remote, store, logger.With(slog.String("component", "engine")), opts.TransferConcurrency),
		notifier:        notifier,
		logger:          logger,
		rootConcurrency: opts.RootConcurrency,
	}
}

// --- Roots ---

// ListRoots returns every enrolled root.
func (s *Service) ListRoots() ([]models.SyncRoot, error) {
	return s.store.ListRoots()
}

// GetRoot returns a root by id.
func (s *Service) GetRoot(id uint64) (models.SyncRoot, error) {
	root, err := s.store.GetRootByID(id)
	if err != nil {
		return models.SyncRoot{}, err
	}

	if root == nil {
		return models.SyncRoot{}, fmt.Errorf("%w: %d", errs.ErrRootNotFound, id)
	}

	return *root, nil
}

// AddRoot enrolls remotePath against localDir. Both directories are
// created when missing. Roots never nest: a remote path or local folder
// that equals or contains another root's is rejected.
func (s *Service) AddRoot(ctx context.Context, remotePath, localDir string) (models.SyncRoot, error) {
	dir, err := ExpandDir(localDir)
	if err != nil {
		return models.SyncRoot{}, err
	}

	remotePath = paths.Remote(remotePath)

	if err := s.checkOverlap(0, remotePath, dir); err != nil {
		return models.SyncRoot{}, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.SyncRoot{}, fmt.Errorf("creating local folder: %w", err)
	}

	if err := s.remote.CreateDirectory(ctx, remotePath); err != nil {
		return models.SyncRoot{}, err
	}

	root, err := s.store.SaveRoot(models.SyncRoot{RemotePath: remotePath, LocalDir: dir})
	if err != nil {
		return models.SyncRoot{}, err
	}

	s.logger.Info("sync root added",
		slog.Uint64("root_id", root.ID),
		slog.String("remote", root.RemotePath),
		slog.String("local", root.LocalDir),
	)

	return root, nil
}

// EnsureRoot returns the root for remotePath, enrolling it when new and
// pointing it at localDir when the configured folder changed.
func (s *Service) EnsureRoot(ctx context.Context, remotePath, localDir string) (models.SyncRoot, error) {
	existing, err := s.store.GetRoot(remotePath)
	if err != nil {
		return models.SyncRoot{}, err
	}

	if existing == nil {
		return s.AddRoot(ctx, remotePath, localDir)
	}

	dir, err := ExpandDir(localDir)
	if err != nil {
		return models.SyncRoot{}, err
	}

	if existing.LocalDir == dir {
		return *existing, nil
	}

	if err := s.checkOverlap(existing.ID, existing.RemotePath, dir); err != nil {
		return models.SyncRoot{}, err
	}

	s.logger.Info("sync root moved",
		slog.Uint64("root_id", existing.ID),
		slog.String("from", existing.LocalDir),
		slog.String("to", dir),
	)

	return s.store.UpdateRoot(existing.ID, func(r *models.SyncRoot) error {
		r.LocalDir = dir
		return nil
	})
}

// checkOverlap compares a candidate root with every enrolled root except
// self.
func (s *Service) checkOverlap(self uint64, remotePath, dir string) error {
	roots, err := s.store.ListRoots()
	if err != nil {
		return err
	}

	for _, r := range roots {
		if r.ID == self {
			continue
		}

		switch {
		case r.RemotePath == remotePath:
			return fmt.Errorf("%w: %s is root %d", errs.ErrRootExists, remotePath, r.ID)
		case paths.Overlaps(r.RemotePath, remotePath):
			return fmt.Errorf("%w: %s nests with %s", errs.ErrRootOverlap, remotePath, r.RemotePath)
		case paths.DirsOverlap(r.LocalDir, dir):
			return fmt.Errorf("%w: local folder %s nests with %s", errs.ErrRootOverlap, dir, r.LocalDir)
		}
	}

	return nil
}

// RemoveRoot forgets a root and all of its records. Files on either side
// are left alone. A running root cannot be removed.
func (s *Service) RemoveRoot(id uint64) error {
	root, err := s.GetRoot(id)
	if err != nil {
		return err
	}

	if root.Locked {
		return fmt.Errorf("%w: %s", errs.ErrRootLocked, root.RemotePath)
	}

	if err := s.store.DeleteRoot(id); err != nil {
		return err
	}

	s.logger.Info("sync root removed", slog.Uint64("root_id", id), slog.String("remote", root.RemotePath))

	return nil
}

// ResumeRoot clears a suspension so the root runs again.
func (s *Service) ResumeRoot(id uint64) (models.SyncRoot, error) {
	return s.store.UpdateRoot(id, func(r *models.SyncRoot) error {
		r.Suspended = false
		r.SuspendReason = ""
		return nil
	})
}

// RecoverLocks releases locks left behind by a process that exited mid
// run. Call once at startup before any run begins.
func (s *Service) RecoverLocks() ([]uint64, error) {
	ids, err := s.store.ForceUnlockAll()
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		s.logger.Warn("released stale run lock", slog.Uint64("root_id", id))
	}

	return ids, nil
}

// --- Runs ---

// StartSync runs one reconciliation of a root. It returns ErrRootLocked
// without doing anything when the root is already running and
// ErrRootSuspended when the root is suspended or its local folder has gone
// missing.
func (s *Service) StartSync(ctx context.Context, rootID uint64) (models.Summary, error) {
	root, err := s.GetRoot(rootID)
	if err != nil {
		return models.Summary{}, err
	}

	if root.Suspended {
		return models.Summary{}, fmt.Errorf("%w: %s", errs.ErrRootSuspended, root.SuspendReason)
	}

	acquired, err := s.store.Lock(rootID)
	if err != nil {
		return models.Summary{}, err
	}

	if !acquired {
		return models.Summary{}, fmt.Errorf("%w: %s", errs.ErrRootLocked, root.RemotePath)
	}

	defer func() {
		if err := s.store.Unlock(rootID); err != nil {
			s.logger.Error("releasing run lock",
				slog.Uint64("root_id", rootID),
				slog.String("error", err.Error()),
			)
		}
	}()

	local, err := localfs.New(root.LocalDir)
	if err != nil {
		return models.Summary{}, err
	}

	if err := local.Available(); err != nil {
		return models.Summary{}, s.suspend(root, fmt.Sprintf("local folder unavailable: %v", err))
	}

	s.logger.Debug("sync run starting", slog.Uint64("root_id", rootID), slog.String("remote", root.RemotePath))

	start := time.Now()
	summary, runErr := s.engine.Synchronize(ctx, root, local, "", root.RemotePath)

	if runErr == nil {
		updated, err := s.store.UpdateRoot(rootID, func(r *models.SyncRoot) error {
			r.LastSyncAt = time.Now().UTC()
			return nil
		})
		if err != nil {
			runErr = err
		} else {
			root = updated
		}
	}

	s.logger.Debug("sync run finished",
		slog.Uint64("root_id", rootID),
		slog.Duration("took", time.Since(start)),
	)

	s.notifier.RunCompleted(root, summary, runErr)

	return summary, runErr
}

func (s *Service) suspend(root models.SyncRoot, reason string) error {
	updated, err := s.store.UpdateRoot(root.ID, func(r *models.SyncRoot) error {
		r.Suspended = true
		r.SuspendReason = reason
		return nil
	})
	if err != nil {
		return err
	}

	s.notifier.RootSuspended(updated, reason)

	return fmt.Errorf("%w: %s", errs.ErrRootSuspended, reason)
}

// RunAll syncs every root that is not suspended, a bounded number at a
// time. Roots that are already running are skipped. Failures of one root
// do not stop the others; they are joined into the returned error.
func (s *Service) RunAll(ctx context.Context) (models.Summary, error) {
	roots, err := s.store.ListRoots()
	if err != nil {
		return models.Summary{}, err
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		total models.Summary
		fails []error
	)

	g.SetLimit(s.rootConcurrency)

	for _, root := range roots {
		if root.Suspended {
			continue
		}

		g.Go(func() error {
			summary, err := s.StartSync(ctx, root.ID)

			mu.Lock()
			defer mu.Unlock()

			total.Add(summary)

			switch {
			case err == nil:
			case errors.Is(err, errs.ErrRootLocked):
				s.logger.Debug("skipping running root", slog.Uint64("root_id", root.ID))
			default:
				fails = append(fails, fmt.Errorf("root %s: %w", root.RemotePath, err))
			}

			return nil
		})
	}

	_ = g.Wait()

	return total, errors.Join(fails...)
}

// --- Conflicts and history ---

// ListConflicts returns standing conflicts of one root, or of all roots
// when rootID is zero.
func (s *Service) ListConflicts(rootID uint64) ([]models.ResourceSyncRecord, error) {
	return s.store.ListConflicts(rootID)
}

// ResolveConflict records a resolution. It is applied on the next run of
// the record's root.
func (s *Service) ResolveConflict(recordID uint64, resolution models.Resolution) (models.ResourceSyncRecord, error) {
	rec, err := s.store.UpdateRecord(recordID, func(r models.ResourceSyncRecord) (models.ResourceSyncRecord, error) {
		return reconcile.Resolve(r, resolution)
	})
	if err != nil {
		return models.ResourceSyncRecord{}, err
	}

	s.logger.Info("conflict resolved",
		slog.Uint64("record_id", rec.ID),
		slog.String("path", rec.RemotePath),
		slog.String("resolution", resolution.String()),
	)

	return rec, nil
}

// FileStatus returns the record of a local path within a root, or nil when
// the path has never been reconciled.
func (s *Service) FileStatus(rootID uint64, localPath string) (*models.ResourceSyncRecord, error) {
	return s.store.GetRecordByLocalPath(rootID, paths.Local(localPath))
}

// ListHistory returns the most recent history entries, newest first.
func (s *Service) ListHistory(limit int) ([]models.SyncHistoryEntry, error) {
	return s.store.ListHistory(limit)
}

// ClearHistory removes all history entries.
func (s *Service) ClearHistory() error {
	return s.store.ClearHistory()
}

// ExpandDir resolves a leading ~ and returns an absolute, cleaned path.
func ExpandDir(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("local folder is required")
	}

	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}

		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}

	return abs, nil
}

// Package reconcile walks a remote WebDAV directory and a local folder side
// by side, classifies every file against its last reconciled record and
// carries out the resulting transfers, deletions and conflict markings.
package reconcile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"sync"
	"time"

	errs "github.com/alexjbarnes/davsync/internal/errors"
	"github.com/alexjbarnes/davsync/internal/localfs"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/paths"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of file actions run in parallel per
// directory level when no limit is configured.
const DefaultConcurrency = 4

// ResourceClient is the remote resource store. Paths are absolute remote
// paths spelled the way the server lists them. List and Download report a
// missing resource as os.ErrNotExist. Implementations own their timeout
// policy.
type ResourceClient interface {
	List(ctx context.Context, path string) ([]models.Resource, error)
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Upload(ctx context.Context, path string, r io.Reader) (etag string, err error)
	Delete(ctx context.Context, path string) error
	CreateDirectory(ctx context.Context, path string) error
	Move(ctx context.Context, src, dst string) error
}

// LocalStore is the local side of one root. Paths are slash-separated and
// relative to the root, "" being the root itself.
type LocalStore interface {
	ListFiles(dir string) ([]localfs.Entry, error)
	ListFolders(dir string) ([]localfs.Entry, error)
	ModifiedAt(path string) (time.Time, error)
	CreateFolder(dir, name string) error
	Open(path string) (io.ReadCloser, error)
	Write(path string, r io.Reader, mtime time.Time) (time.Time, error)
	DeleteFile(path string) error
	DeleteFolder(path string) error
}

// RecordStore is the subset of the state store a run needs. Every error it
// returns is treated as fatal for the run.
type RecordStore interface {
	ListChildRecords(rootID uint64, remoteDir string) ([]models.ResourceSyncRecord, error)
	SaveRecord(rec models.ResourceSyncRecord) (models.ResourceSyncRecord, error)
	DeleteRecord(rec models.ResourceSyncRecord, cascadeDescendants bool) error
	AppendHistory(entry models.SyncHistoryEntry) (models.SyncHistoryEntry, error)
}

// Engine reconciles one root per Synchronize call. It holds no state
// between runs, so one Engine can serve several roots concurrently.
type Engine struct {
	remote      ResourceClient
	store       RecordStore
	logger      *slog.Logger
	concurrency int
}

// NewEngine creates an engine. concurrency bounds the file actions in
// flight per directory level; values below 1 use DefaultConcurrency.
func NewEngine(remote ResourceClient, store RecordStore, logger *slog.Logger, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		remote:      remote,
		store:       store,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Synchronize reconciles localDir (relative to local) with remotePath and
// everything below them. The caller must hold the root's lock.
//
// Per-item transport and filesystem failures are recorded and counted
// without stopping the run. Storage failures and cancellation abort it;
// the summary returned alongside the error covers the work done so far.
func (e *Engine) Synchronize(ctx context.Context, root models.SyncRoot, local LocalStore, localDir, remotePath string) (models.Summary, error) {
	r := &run{
		Engine: e,
		root:   root,
		local:  local,
		logger: e.logger.With(slog.Uint64("root_id", root.ID), slog.String("root", root.RemotePath)),
	}

	err := r.syncLevel(ctx, level{
		key:    paths.Remote(remotePath),
		local:  paths.Raw(localDir),
		remote: paths.RawRemote(remotePath),
	})

	return r.result(), err
}

// run carries the per-call state of one Synchronize.
type run struct {
	*Engine

	root   models.SyncRoot
	local  LocalStore
	logger *slog.Logger

	mu      sync.Mutex
	summary models.Summary
}

func (r *run) result() models.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.summary
}

func (r *run) count(fn func(s *models.Summary)) {
	r.mu.Lock()
	fn(&r.summary)
	r.mu.Unlock()
}

// level locates one resource on both sides. key is the normalized remote
// path records and history are filed under; local and remote are the
// paths as they exist on disk and on the server.
type level struct {
	key    string
	local  string
	remote string
}

// child locates p below lv. Names that exist are used as found; a name
// missing on one side takes the other side's spelling.
func (lv level) child(p pair) level {
	c := level{key: paths.JoinRemote(lv.key, p.Name)}

	switch {
	case p.Remote != nil:
		c.remote = paths.JoinRawRemote(lv.remote, p.Remote.Name)
	case p.Local != nil:
		c.remote = paths.JoinRawRemote(lv.remote, p.Local.OnDisk())
	case p.Record != nil && p.Record.Href != "":
		c.remote = p.Record.Href
	default:
		c.remote = paths.JoinRawRemote(lv.remote, p.Name)
	}

	switch {
	case p.Local != nil:
		c.local = paths.JoinRaw(lv.local, p.Local.OnDisk())
	case p.Remote != nil:
		c.local = paths.JoinRaw(lv.local, p.Remote.Name)
	case p.Record != nil && p.Record.LocalPath != "":
		c.local = p.Record.LocalPath
	default:
		c.local = paths.JoinRaw(lv.local, p.Name)
	}

	return c
}

// record returns a fresh record for the resource at c.
func (r *run) record(c level) models.ResourceSyncRecord {
	return models.ResourceSyncRecord{
		RootID:     r.root.ID,
		RemotePath: c.key,
		Href:       c.remote,
		LocalPath:  c.local,
	}
}

// syncLevel reconciles one directory pair and recurses into its
// subdirectories. File actions of the level run concurrently; subtrees
// are walked one after another.
func (r *run) syncLevel(ctx context.Context, lv level) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	remote, err := r.remote.List(ctx, lv.remote)
	if err != nil {
		return r.fail(ctx, nil, lv.key, models.ActionNone, fmt.Errorf("listing remote %s: %w", lv.remote, err))
	}

	files, err := r.local.ListFiles(lv.local)
	if err != nil {
		return r.fail(ctx, nil, lv.key, models.ActionNone, fmt.Errorf("listing local files in %q: %w", lv.local, err))
	}

	folders, err := r.local.ListFolders(lv.local)
	if err != nil {
		return r.fail(ctx, nil, lv.key, models.ActionNone, fmt.Errorf("listing local folders in %q: %w", lv.local, err))
	}

	records, err := r.store.ListChildRecords(r.root.ID, lv.key)
	if err != nil {
		return err
	}

	plan := planLevel(remote, files, folders, records)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, p := range plan.Files {
		g.Go(func() error {
			return r.syncFile(gctx, lv, p)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, p := range plan.Dirs {
		if err := r.syncDir(ctx, lv, p); err != nil {
			return err
		}
	}

	return nil
}

// syncDir handles one directory name. Directories carry no content, so
// there is no conflict case: a record plus a missing side means the
// missing side was deleted on purpose.
func (r *run) syncDir(ctx context.Context, lv level, p pair) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := lv.child(p)
	dirRecord := r.record(c)
	dirRecord.IsDir = true

	switch {
	case p.Remote != nil && p.Local != nil:
		if p.Record == nil {
			if _, err := r.store.SaveRecord(dirRecord); err != nil {
				return err
			}
		}

		return r.syncLevel(ctx, c)

	case p.Remote != nil && p.Record != nil:
		r.logger.Info("reconcile: deleting remote folder removed locally", slog.String("path", c.key))

		if err := r.remote.Delete(ctx, c.remote); err != nil {
			return r.fail(ctx, p.Record, c.key, models.ActionDeleteRemote, err)
		}

		if err := r.store.DeleteRecord(*p.Record, true); err != nil {
			return err
		}

		return r.succeeded(c.key, models.ActionDeleteRemote)

	case p.Remote != nil:
		if err := r.local.CreateFolder(lv.local, p.Remote.Name); err != nil {
			return r.fail(ctx, nil, c.key, models.ActionCreateLocalDir, err)
		}

		if _, err := r.store.SaveRecord(dirRecord); err != nil {
			return err
		}

		if err := r.succeeded(c.key, models.ActionCreateLocalDir); err != nil {
			return err
		}

		return r.syncLevel(ctx, c)

	case p.Local != nil && p.Record != nil:
		r.logger.Info("reconcile: deleting local folder removed remotely", slog.String("path", c.local))

		if err := r.local.DeleteFolder(c.local); err != nil {
			return r.fail(ctx, p.Record, c.key, models.ActionDeleteLocal, err)
		}

		if err := r.store.DeleteRecord(*p.Record, true); err != nil {
			return err
		}

		return r.succeeded(c.key, models.ActionDeleteLocal)

	case p.Local != nil:
		if err := r.remote.CreateDirectory(ctx, c.remote); err != nil {
			return r.fail(ctx, nil, c.key, models.ActionCreateRemoteDir, err)
		}

		if _, err := r.store.SaveRecord(dirRecord); err != nil {
			return err
		}

		if err := r.succeeded(c.key, models.ActionCreateRemoteDir); err != nil {
			return err
		}

		return r.syncLevel(ctx, c)

	default:
		// Gone on both sides.
		return r.store.DeleteRecord(*p.Record, true)
	}
}

// syncFile classifies one file name and executes the verdict.
func (r *run) syncFile(ctx context.Context, lv level, p pair) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := lv.child(p)
	rec := p.Record

	if rec != nil && rec.InConflict() {
		// Standing conflicts wait for a resolution without noise.
		if rec.ConflictResolution == models.ResolutionUnresolved {
			return nil
		}

		v := ClassifyResolved(*rec, p.Local != nil, p.Remote != nil)

		return r.execute(ctx, p, rec, c, v)
	}

	in := Input{
		HasRecord:     rec != nil,
		LocalPresent:  p.Local != nil,
		RemotePresent: p.Remote != nil,
	}

	if rec != nil {
		if p.Remote != nil {
			in.EtagChanged = p.Remote.ETag != rec.ETag
		}

		if p.Local != nil && !p.Local.ModifiedAt.Equal(rec.ModifiedAt) {
			in.LocalChanged = true

			// A touched but byte-identical file is not a change. Keep
			// the record's timestamp in step so it is not hashed again.
			if rec.ContentHash != "" {
				sum, err := r.hashLocal(c.local)
				if err != nil {
					return r.fail(ctx, rec, c.key, models.ActionNone, err)
				}

				if sum == rec.ContentHash {
					in.LocalChanged = false

					refreshed := *rec
					refreshed.ModifiedAt = p.Local.ModifiedAt

					saved, err := r.store.SaveRecord(refreshed)
					if err != nil {
						return err
					}

					rec = &saved
				}
			}
		}
	}

	return r.execute(ctx, p, rec, c, Classify(in))
}

func (r *run) execute(ctx context.Context, p pair, rec *models.ResourceSyncRecord, c level, v Verdict) error {
	switch v.Action {
	case models.ActionNone:
		return nil
	case models.ActionDropRecord:
		return r.store.DeleteRecord(*rec, false)
	case models.ActionConflict:
		return r.markConflict(rec, c, v.Conflict)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	next, err := r.transfer(ctx, p, rec, c, v.Action)
	if err != nil {
		return r.fail(ctx, rec, c.key, v.Action, err)
	}

	// The record only moves after the transfer has completed.
	if next == nil {
		if rec != nil {
			if err := r.store.DeleteRecord(*rec, false); err != nil {
				return err
			}
		}
	} else if _, err := r.store.SaveRecord(*next); err != nil {
		return err
	}

	return r.succeeded(c.key, v.Action)
}

// transfer performs the I/O for an action and returns the record to store,
// or nil when the record should be removed.
func (r *run) transfer(ctx context.Context, p pair, rec *models.ResourceSyncRecord, c level, action models.Action) (*models.ResourceSyncRecord, error) {
	next := r.record(c)
	if rec != nil {
		next = clearConflict(*rec)
		next.Href = c.remote
		next.LocalPath = c.local
		next.LastError = ""
	}

	switch action {
	case models.ActionDownload:
		r.logger.Info("reconcile: downloading", slog.String("path", c.key))

		body, err := r.remote.Download(ctx, c.remote)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		h := newHash()

		mtime, err := r.local.Write(c.local, io.TeeReader(body, h), p.Remote.ModifiedAt)
		if err != nil {
			return nil, err
		}

		next.ETag = p.Remote.ETag
		next.ModifiedAt = mtime
		next.ContentHash = hex.EncodeToString(h.Sum(nil))

		return &next, nil

	case models.ActionUpload:
		r.logger.Info("reconcile: uploading", slog.String("path", c.key))

		// Stat before reading: an edit racing the upload leaves a newer
		// mtime on disk and is picked up by the next run.
		mtime, err := r.local.ModifiedAt(c.local)
		if err != nil {
			return nil, err
		}

		f, err := r.local.Open(c.local)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		h := newHash()

		etag, err := r.remote.Upload(ctx, c.remote, io.TeeReader(f, h))
		if err != nil {
			return nil, err
		}

		next.ETag = etag
		next.ModifiedAt = mtime
		next.ContentHash = hex.EncodeToString(h.Sum(nil))

		return &next, nil

	case models.ActionDeleteRemote:
		r.logger.Info("reconcile: deleting remote file removed locally", slog.String("path", c.key))

		return nil, r.remote.Delete(ctx, c.remote)

	case models.ActionDeleteLocal:
		r.logger.Info("reconcile: deleting local file removed remotely", slog.String("path", c.local))

		return nil, r.local.DeleteFile(c.local)
	}

	return nil, fmt.Errorf("unexpected action %s for %s", action, c.key)
}

// markConflict records a conflict without touching either side. An
// existing record keeps its ETag and timestamp as the common base.
func (r *run) markConflict(rec *models.ResourceSyncRecord, c level, ct models.ConflictType) error {
	r.logger.Warn("reconcile: conflict",
		slog.String("path", c.key),
		slog.String("conflict", ct.String()),
	)

	next := r.record(c)
	if rec != nil {
		next = *rec
		next.Href = c.remote
		next.LocalPath = c.local
	}

	next.ConflictType = ct
	next.ConflictResolution = models.ResolutionUnresolved

	if _, err := r.store.SaveRecord(next); err != nil {
		return err
	}

	if _, err := r.store.AppendHistory(models.SyncHistoryEntry{
		RootID:       r.root.ID,
		RemotePath:   c.key,
		Action:       models.ActionConflict,
		ConflictType: ct,
	}); err != nil {
		return err
	}

	r.count(func(s *models.Summary) { s.Conflicts++ })

	return nil
}

func (r *run) succeeded(remotePath string, action models.Action) error {
	if _, err := r.store.AppendHistory(models.SyncHistoryEntry{
		RootID:     r.root.ID,
		RemotePath: remotePath,
		Action:     action,
	}); err != nil {
		return err
	}

	r.count(func(s *models.Summary) { s.Changes++ })

	return nil
}

// fail records a per-item failure and lets the run continue. Cancellation
// and storage failures are returned instead so the run aborts.
func (r *run) fail(ctx context.Context, rec *models.ResourceSyncRecord, remotePath string, action models.Action, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if errors.Is(cause, errs.ErrStorageUnavailable) {
		return cause
	}

	r.logger.Warn("reconcile: item failed",
		slog.String("path", remotePath),
		slog.String("action", action.String()),
		slog.String("error", cause.Error()),
	)

	if rec != nil {
		failed := *rec
		failed.LastError = cause.Error()

		if _, err := r.store.SaveRecord(failed); err != nil {
			return err
		}
	}

	if _, err := r.store.AppendHistory(models.SyncHistoryEntry{
		RootID:     r.root.ID,
		RemotePath: remotePath,
		Action:     action,
		Error:      cause.Error(),
	}); err != nil {
		return err
	}

	r.count(func(s *models.Summary) { s.Errors++ })

	return nil
}

func (r *run) hashLocal(localPath string) (string, error) {
	f, err := r.local.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", localPath, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// newHash returns the content hash used for the timestamp tie-break.
func newHash() hash.Hash {
	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return h
}

// HashBytes returns the content hash of data in the form stored on
// records.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

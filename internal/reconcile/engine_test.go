package reconcile

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	errs "github.com/alexjbarnes/davsync/internal/errors"
	"github.com/alexjbarnes/davsync/internal/localfs"
	"github.com/alexjbarnes/davsync/internal/logging"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type harness struct {
	t      *testing.T
	remote *fakeRemote
	local  *localfs.Store
	store  *state.State
	root   models.SyncRoot
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	localDir := t.TempDir()
	local, err := localfs.New(localDir)
	require.NoError(t, err)

	root, err := store.SaveRoot(models.SyncRoot{RemotePath: "/docs", LocalDir: localDir})
	require.NoError(t, err)

	remote := newFakeRemote("/docs")

	return &harness{
		t:      t,
		remote: remote,
		local:  local,
		store:  store,
		root:   root,
		engine: NewEngine(remote, store, logging.Discard(), 2),
	}
}

func (h *harness) sync() models.Summary {
	h.t.Helper()
	summary, err := h.engine.Synchronize(context.Background(), h.root, h.local, "", "/docs")
	require.NoError(h.t, err)

	return summary
}

func (h *harness) localPath(rel string) string {
	return filepath.Join(h.local.Dir(), filepath.FromSlash(rel))
}

// writeLocal writes a local file with an explicit mtime so tests do not
// depend on filesystem timestamp granularity.
func (h *harness) writeLocal(rel, content string, mtime time.Time) {
	h.t.Helper()
	p := h.localPath(rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
	require.NoError(h.t, os.Chtimes(p, mtime, mtime))
}

func (h *harness) readLocal(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(h.localPath(rel))
	require.NoError(h.t, err)

	return string(data)
}

func (h *harness) localExists(rel string) bool {
	_, err := os.Stat(h.localPath(rel))
	return err == nil
}

func (h *harness) record(remotePath string) *models.ResourceSyncRecord {
	h.t.Helper()
	rec, err := h.store.GetRecord(h.root.ID, remotePath)
	require.NoError(h.t, err)

	return rec
}

func (h *harness) historyLen() int {
	h.t.Helper()
	entries, err := h.store.ListHistory(0)
	require.NoError(h.t, err)

	return len(entries)
}

var (
	t1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
)

// --- First sync ---

func TestSync_DownloadsNewRemoteTree(t *testing.T) {
	h := newHarness(t)
	etag := h.remote.put("/docs/a.txt", "alpha")
	h.remote.mkdir("/docs/sub")
	h.remote.put("/docs/sub/b.txt", "beta")

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 3}, summary)

	assert.Equal(t, "alpha", h.readLocal("a.txt"))
	assert.Equal(t, "beta", h.readLocal("sub/b.txt"))

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.Equal(t, etag, rec.ETag)
	assert.Equal(t, "a.txt", rec.LocalPath)
	assert.Equal(t, HashBytes([]byte("alpha")), rec.ContentHash)

	dir := h.record("/docs/sub")
	require.NotNil(t, dir)
	assert.True(t, dir.IsDir)

	assert.Equal(t, 3, h.historyLen())
}

func TestSync_UploadsNewLocalTree(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "alpha", t1)
	h.writeLocal("sub/b.txt", "beta", t1)

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 3}, summary)

	got, ok := h.remote.content("/docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, "alpha", got)
	assert.True(t, h.remote.hasDir("/docs/sub"))

	got, ok = h.remote.content("/docs/sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, "beta", got)
}

func TestSync_UploadRecordsReturnedETag(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "alpha", t1)

	h.sync()

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.Equal(t, h.remote.etag("/docs/a.txt"), rec.ETag)
	assert.True(t, t1.Equal(rec.ModifiedAt))

	listed, err := h.remote.List(context.Background(), "/docs")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, listed[0].ETag, rec.ETag)
}

// --- Idempotence ---

func TestSync_SecondRunIsNoop(t *testing.T) {
	h := newHarness(t)
	h.remote.put("/docs/a.txt", "alpha")
	h.remote.mkdir("/docs/sub")
	h.remote.put("/docs/sub/b.txt", "beta")
	h.writeLocal("c.txt", "gamma", t1)
	h.writeLocal("local/d.txt", "delta", t1)

	first := h.sync()
	assert.Equal(t, 6, first.Changes)

	before := h.historyLen()
	downloads, uploads := h.remote.transfers()

	second := h.sync()
	assert.True(t, second.IsZero(), "second run: %+v", second)
	assert.Equal(t, before, h.historyLen())

	d2, u2 := h.remote.transfers()
	assert.Equal(t, downloads, d2)
	assert.Equal(t, uploads, u2)
}

// --- Conflicts ---

func TestSync_BothNewIsConflict(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "local", t1)
	h.remote.put("/docs/a.txt", "remote")

	summary := h.sync()
	assert.Equal(t, models.Summary{Conflicts: 1}, summary)

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.Equal(t, models.ConflictBothNew, rec.ConflictType)
	assert.Equal(t, models.ResolutionUnresolved, rec.ConflictResolution)

	downloads, uploads := h.remote.transfers()
	assert.Zero(t, downloads)
	assert.Zero(t, uploads)
	assert.Equal(t, "local", h.readLocal("a.txt"))

	entries, err := h.store.ListHistory(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionConflict, entries[0].Action)
	assert.Equal(t, models.ConflictBothNew, entries[0].ConflictType)
}

func TestSync_BothChangedTransfersNothing(t *testing.T) {
	h := newHarness(t)
	h.remote.put("/docs/a.txt", "v1")
	h.sync()

	h.remote.put("/docs/a.txt", "remote edit")
	h.writeLocal("a.txt", "local edit", t2)

	downloads, uploads := h.remote.transfers()

	summary := h.sync()
	assert.Equal(t, models.Summary{Conflicts: 1}, summary)

	d2, u2 := h.remote.transfers()
	assert.Equal(t, downloads, d2)
	assert.Equal(t, uploads, u2)

	assert.Equal(t, "local edit", h.readLocal("a.txt"))
	got, _ := h.remote.content("/docs/a.txt")
	assert.Equal(t, "remote edit", got)

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.Equal(t, models.ConflictBothChanged, rec.ConflictType)
}

func TestSync_UnresolvedConflictIsSkippedSilently(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "local", t1)
	h.remote.put("/docs/a.txt", "remote")
	h.sync()

	before := h.historyLen()

	summary := h.sync()
	assert.True(t, summary.IsZero())
	assert.Equal(t, before, h.historyLen())
}

func TestSync_ResolvedPreferLocalUploads(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "local", t1)
	h.remote.put("/docs/a.txt", "remote")
	h.sync()

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	resolved, err := Resolve(*rec, models.ResolutionPreferLocal)
	require.NoError(t, err)
	_, err = h.store.SaveRecord(resolved)
	require.NoError(t, err)

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 1}, summary)

	got, _ := h.remote.content("/docs/a.txt")
	assert.Equal(t, "local", got)

	rec = h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.False(t, rec.InConflict())
	assert.Equal(t, models.ResolutionUnresolved, rec.ConflictResolution)
	assert.Equal(t, h.remote.etag("/docs/a.txt"), rec.ETag)

	assert.True(t, h.sync().IsZero())
}

func TestSync_ResolvedPreferRemoteDownloads(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "local", t1)
	h.remote.put("/docs/a.txt", "remote")
	h.sync()

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	resolved, err := Resolve(*rec, models.ResolutionPreferRemote)
	require.NoError(t, err)
	_, err = h.store.SaveRecord(resolved)
	require.NoError(t, err)

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 1}, summary)
	assert.Equal(t, "remote", h.readLocal("a.txt"))

	rec = h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.False(t, rec.InConflict())

	assert.True(t, h.sync().IsZero())
}

// --- Changes after a sync ---

func TestSync_RemoteChangeDownloads(t *testing.T) {
	h := newHarness(t)
	h.remote.put("/docs/a.txt", "abc content")
	h.sync()

	newETag := h.remote.put("/docs/a.txt", "xyz content")

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 1}, summary)
	assert.Equal(t, "xyz content", h.readLocal("a.txt"))

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.Equal(t, newETag, rec.ETag)
}

func TestSync_LocalChangeUploads(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "v1", t1)
	h.sync()

	h.writeLocal("a.txt", "v2", t2)

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 1}, summary)

	got, _ := h.remote.content("/docs/a.txt")
	assert.Equal(t, "v2", got)
	assert.True(t, t2.Equal(h.record("/docs/a.txt").ModifiedAt))
}

func TestSync_TouchedButIdenticalFileIsNotUploaded(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "same", t1)
	h.sync()

	// New mtime, same bytes.
	require.NoError(t, os.Chtimes(h.localPath("a.txt"), t2, t2))

	_, uploads := h.remote.transfers()

	summary := h.sync()
	assert.True(t, summary.IsZero())

	_, u2 := h.remote.transfers()
	assert.Equal(t, uploads, u2)

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.True(t, t2.Equal(rec.ModifiedAt), "timestamp refreshed")
}

// --- Deletion propagation ---

func TestSync_LocalDeletePropagatesToRemote(t *testing.T) {
	h := newHarness(t)
	h.remote.put("/docs/a.txt", "alpha")
	h.sync()

	require.NoError(t, os.Remove(h.localPath("a.txt")))

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 1}, summary)

	_, ok := h.remote.content("/docs/a.txt")
	assert.False(t, ok)
	assert.Nil(t, h.record("/docs/a.txt"))
}

func TestSync_LocalDeleteWithRemoteChangeIsConflict(t *testing.T) {
	h := newHarness(t)
	h.remote.put("/docs/a.txt", "alpha")
	h.sync()

	require.NoError(t, os.Remove(h.localPath("a.txt")))
	h.remote.put("/docs/a.txt", "changed")

	summary := h.sync()
	assert.Equal(t, models.Summary{Conflicts: 1}, summary)

	got, ok := h.remote.content("/docs/a.txt")
	require.True(t, ok, "remote must survive")
	assert.Equal(t, "changed", got)

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.Equal(t, models.ConflictLocalDeletedRemoteChanged, rec.ConflictType)
}

func TestSync_RemoteDeletePropagatesToLocal(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "alpha", t1)
	h.sync()

	require.NoError(t, h.remote.Delete(context.Background(), "/docs/a.txt"))

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 1}, summary)
	assert.False(t, h.localExists("a.txt"))
	assert.Nil(t, h.record("/docs/a.txt"))
}

func TestSync_RemoteDeleteWithLocalChangeIsConflict(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("a.txt", "alpha", t1)
	h.sync()

	require.NoError(t, h.remote.Delete(context.Background(), "/docs/a.txt"))
	h.writeLocal("a.txt", "edited", t2)

	summary := h.sync()
	assert.Equal(t, models.Summary{Conflicts: 1}, summary)
	assert.Equal(t, "edited", h.readLocal("a.txt"))

	rec := h.record("/docs/a.txt")
	require.NotNil(t, rec)
	assert.Equal(t, models.ConflictRemoteDeletedLocalChanged, rec.ConflictType)
}

func TestSync_RemoteFolderDeletePropagates(t *testing.T) {
	h := newHarness(t)
	h.remote.mkdir("/docs/sub")
	h.remote.put("/docs/sub/a.txt", "alpha")
	h.remote.mkdir("/docs/sub/deep")
	h.remote.put("/docs/sub/deep/b.txt", "beta")
	h.sync()

	require.NoError(t, h.remote.Delete(context.Background(), "/docs/sub"))

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 1}, summary)
	assert.False(t, h.localExists("sub"))

	recs, err := h.store.ListRecords(h.root.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSync_LocalFolderDeletePropagates(t *testing.T) {
	h := newHarness(t)
	h.writeLocal("sub/a.txt", "alpha", t1)
	h.sync()
	require.True(t, h.remote.hasDir("/docs/sub"))

	require.NoError(t, os.RemoveAll(h.localPath("sub")))

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 1}, summary)
	assert.False(t, h.remote.hasDir("/docs/sub"))

	_, ok := h.remote.content("/docs/sub/a.txt")
	assert.False(t, ok)

	recs, err := h.store.ListRecords(h.root.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSync_StaleRecordIsDropped(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.SaveRecord(models.ResourceSyncRecord{
		RootID:     h.root.ID,
		RemotePath: "/docs/ghost.txt",
		LocalPath:  "ghost.txt",
		ETag:       `"old"`,
	})
	require.NoError(t, err)

	summary := h.sync()
	assert.True(t, summary.IsZero())
	assert.Nil(t, h.record("/docs/ghost.txt"))
}

// --- Errors and cancellation ---

func TestSync_PerItemErrorDoesNotStopRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	remote := NewMockResourceClient(ctrl)
	h := newHarness(t)
	h.engine = NewEngine(remote, h.store, logging.Discard(), 2)

	// b.txt is unchanged locally and changed remotely, so it needs a download.
	h.writeLocal("b.txt", "old", t1)
	_, err := h.store.SaveRecord(models.ResourceSyncRecord{
		RootID:     h.root.ID,
		RemotePath: "/docs/b.txt",
		LocalPath:  "b.txt",
		ETag:       `"old"`,
		ModifiedAt: t1,
	})
	require.NoError(t, err)

	remote.EXPECT().List(gomock.Any(), "/docs").Return([]models.Resource{
		{Name: "a.txt", Path: "/docs/a.txt", ETag: `"a1"`},
		{Name: "b.txt", Path: "/docs/b.txt", ETag: `"b2"`},
	}, nil)
	remote.EXPECT().Download(gomock.Any(), "/docs/a.txt").Return(io.NopCloser(strings.NewReader("alpha")), nil)
	remote.EXPECT().Download(gomock.Any(), "/docs/b.txt").Return(nil, errors.New("503 service unavailable"))

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 1, Errors: 1}, summary)
	assert.Equal(t, "alpha", h.readLocal("a.txt"))

	rec := h.record("/docs/b.txt")
	require.NotNil(t, rec)
	assert.Contains(t, rec.LastError, "503")
	assert.Equal(t, `"old"`, rec.ETag, "failed transfer must not advance the record")
	assert.Equal(t, "old", h.readLocal("b.txt"))

	entries, err := h.store.ListHistory(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var failed int
	for _, e := range entries {
		if e.Error != "" {
			failed++
			assert.Equal(t, "/docs/b.txt", e.RemotePath)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestSync_RemoteListFailureDeletesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	remote := NewMockResourceClient(ctrl)
	h := newHarness(t)
	h.engine = NewEngine(remote, h.store, logging.Discard(), 2)

	h.writeLocal("a.txt", "alpha", t1)
	_, err := h.store.SaveRecord(models.ResourceSyncRecord{
		RootID:     h.root.ID,
		RemotePath: "/docs/a.txt",
		LocalPath:  "a.txt",
		ETag:       `"a1"`,
		ModifiedAt: t1,
	})
	require.NoError(t, err)

	remote.EXPECT().List(gomock.Any(), "/docs").Return(nil, errors.New("dial tcp: connection refused"))

	summary := h.sync()
	assert.Equal(t, models.Summary{Errors: 1}, summary)
	assert.True(t, h.localExists("a.txt"))
	assert.NotNil(t, h.record("/docs/a.txt"))
}

func TestSync_StorageErrorAborts(t *testing.T) {
	h := newHarness(t)
	h.remote.put("/docs/a.txt", "alpha")
	require.NoError(t, h.store.Close())

	_, err := h.engine.Synchronize(context.Background(), h.root, h.local, "", "/docs")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrStorageUnavailable)
	assert.False(t, h.localExists("a.txt"))
}

func TestSync_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.remote.put("/docs/a.txt", "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Synchronize(ctx, h.root, h.local, "", "/docs")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.localExists("a.txt"))
	assert.Nil(t, h.record("/docs/a.txt"))
	assert.Zero(t, h.historyLen())
}

func TestSync_SubtreeOnly(t *testing.T) {
	h := newHarness(t)
	h.remote.put("/docs/top.txt", "top")
	h.remote.mkdir("/docs/sub")
	h.remote.put("/docs/sub/a.txt", "alpha")
	require.NoError(t, os.MkdirAll(h.localPath("sub"), 0o755))

	summary, err := h.engine.Synchronize(context.Background(), h.root, h.local, "sub", "/docs/sub")
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Changes: 1}, summary)

	assert.True(t, h.localExists("sub/a.txt"))
	assert.False(t, h.localExists("top.txt"))
}

// --- Name spelling ---

func TestSync_UploadsUnderOnDiskNames(t *testing.T) {
	h := newHarness(t)

	nfd := "cafe\u0301.txt"
	backslash := `a\b.txt`

	h.writeLocal(nfd, "nfd", t1)
	h.writeLocal(backslash, "bs", t1)

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 2}, summary)

	got, ok := h.remote.content("/docs/" + nfd)
	require.True(t, ok, "uploaded under the decomposed name")
	assert.Equal(t, "nfd", got)

	_, ok = h.remote.content("/docs/caf\u00e9.txt")
	assert.False(t, ok, "no composed copy on the server")

	got, ok = h.remote.content("/docs/" + backslash)
	require.True(t, ok)
	assert.Equal(t, "bs", got)

	rec := h.record("/docs/caf\u00e9.txt")
	require.NotNil(t, rec, "records are keyed by the normalized name")
	assert.Equal(t, nfd, rec.LocalPath)
	assert.Equal(t, "/docs/"+nfd, rec.Href)

	rec = h.record("/docs/" + backslash)
	require.NotNil(t, rec)
	assert.Equal(t, backslash, rec.LocalPath)

	assert.Zero(t, h.sync().Changes, "second run finds nothing to do")
}

func TestSync_DownloadsUnderServerNames(t *testing.T) {
	h := newHarness(t)

	dir := "cafe\u0301"
	file := dir + "/nai\u0308ve.txt"

	h.remote.mkdir("/docs/" + dir)
	h.remote.put("/docs/"+file, "remote")

	summary := h.sync()
	assert.Equal(t, models.Summary{Changes: 2}, summary)

	assert.Equal(t, "remote", h.readLocal(file))
	assert.False(t, h.localExists("caf\u00e9/na\u00efve.txt"))

	// A local edit goes back to the same remote name.
	h.writeLocal(file, "edited", t2)

	summary = h.sync()
	assert.Equal(t, 1, summary.Changes)

	got, ok := h.remote.content("/docs/" + file)
	require.True(t, ok)
	assert.Equal(t, "edited", got)

	assert.Zero(t, h.sync().Changes)
}

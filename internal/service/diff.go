package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"unicode/utf8"

	errs "github.com/alexjbarnes/davsync/internal/errors"
	"github.com/alexjbarnes/davsync/internal/localfs"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/paths"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffSize caps each side of a conflict diff.
const maxDiffSize = 1 << 20

// ErrNotText is returned by ConflictDiff when either side is binary or too
// large to diff.
var ErrNotText = errors.New("content is not diffable text")

// ConflictDiff is the difference between the remote and the local copy of
// a conflicted file. Patch turns the remote text into the local text.
type ConflictDiff struct {
	RecordID      uint64 `json:"record_id"`
	RemotePath    string `json:"remote_path"`
	LocalPath     string `json:"local_path"`
	RemoteMissing bool   `json:"remote_missing,omitempty"`
	LocalMissing  bool   `json:"local_missing,omitempty"`
	Patch         string `json:"patch"`
}

// ConflictDiff fetches both sides of a conflicted record and diffs them.
// A side that no longer exists diffs as empty.
func (s *Service) ConflictDiff(ctx context.Context, recordID uint64) (ConflictDiff, error) {
	rec, err := s.store.GetRecordByID(recordID)
	if err != nil {
		return ConflictDiff{}, err
	}

	if rec == nil {
		return ConflictDiff{}, fmt.Errorf("%w: %d", errs.ErrRecordNotFound, recordID)
	}

	if !rec.InConflict() {
		return ConflictDiff{}, errs.ErrNotConflicted
	}

	root, err := s.GetRoot(rec.RootID)
	if err != nil {
		return ConflictDiff{}, err
	}

	out := ConflictDiff{
		RecordID:   rec.ID,
		RemotePath: rec.RemotePath,
		LocalPath:  rec.LocalPath,
	}

	remoteText, err := s.readRemote(ctx, *rec)
	switch {
	case errors.Is(err, os.ErrNotExist):
		out.RemoteMissing = true
	case err != nil:
		return ConflictDiff{}, err
	}

	localText, err := readLocal(root.LocalDir, rec.LocalPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		out.LocalMissing = true
	case err != nil:
		return ConflictDiff{}, err
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(remoteText, localText, true)
	diffs = dmp.DiffCleanupSemantic(diffs)
	out.Patch = dmp.PatchToText(dmp.PatchMake(remoteText, diffs))

	return out, nil
}

// readRemote reads the server copy of rec. The parent is listed first so a
// resource that is gone, together with its folder or alone, reads as
// os.ErrNotExist. Children match by normalized name, so a server that
// spells the name differently from the record still resolves.
func (s *Service) readRemote(ctx context.Context, rec models.ResourceSyncRecord) (string, error) {
	href := rec.Href
	if href == "" {
		href = rec.RemotePath
	}

	list, err := s.remote.List(ctx, path.Dir(href))
	if err != nil {
		return "", err
	}

	want := paths.Name(rec.RemotePath)
	target := ""

	for _, r := range list {
		if !r.IsDir && paths.Local(r.Name) == want {
			target = r.Path
			break
		}
	}

	if target == "" {
		return "", os.ErrNotExist
	}

	rc, err := s.remote.Download(ctx, target)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	return readText(rc)
}

func readLocal(dir, localPath string) (string, error) {
	store, err := localfs.New(dir)
	if err != nil {
		return "", err
	}

	rc, err := store.Open(localPath)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	return readText(rc)
}

func readText(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDiffSize+1))
	if err != nil {
		return "", err
	}

	if len(data) > maxDiffSize || !utf8.Valid(data) {
		return "", ErrNotText
	}

	return string(data), nil
}

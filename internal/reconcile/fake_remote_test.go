package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/paths"
)

type fakeFile struct {
	data  []byte
	etag  string
	mtime time.Time
}

// fakeRemote is an in-memory WebDAV store. Every write gets a fresh ETag,
// like a real server.
type fakeRemote struct {
	mu    sync.Mutex
	files map[string]*fakeFile
	dirs  map[string]bool
	seq   int

	downloads int
	uploads   int
	deletes   int
}

func newFakeRemote(dirs ...string) *fakeRemote {
	f := &fakeRemote{
		files: make(map[string]*fakeFile),
		dirs:  map[string]bool{"/": true},
	}

	for _, d := range dirs {
		f.dirs[paths.RawRemote(d)] = true
	}

	return f
}

// put stores content at p and returns the new ETag.
func (f *fakeRemote) put(p, content string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.putLocked(paths.RawRemote(p), []byte(content))
}

func (f *fakeRemote) putLocked(p string, data []byte) string {
	f.seq++
	etag := fmt.Sprintf(`"v%d"`, f.seq)
	f.files[p] = &fakeFile{data: data, etag: etag, mtime: time.Date(2024, 3, 1, 0, 0, f.seq, 0, time.UTC)}

	return etag
}

func (f *fakeRemote) mkdir(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[paths.RawRemote(p)] = true
}

func (f *fakeRemote) content(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[paths.RawRemote(p)]
	if !ok {
		return "", false
	}

	return string(file.data), true
}

func (f *fakeRemote) etag(p string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if file, ok := f.files[paths.RawRemote(p)]; ok {
		return file.etag
	}

	return ""
}

func (f *fakeRemote) hasDir(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dirs[paths.RawRemote(p)]
}

func (f *fakeRemote) transfers() (downloads, uploads int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.downloads, f.uploads
}

func (f *fakeRemote) List(_ context.Context, p string) ([]models.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p = paths.RawRemote(p)
	if !f.dirs[p] {
		return nil, fmt.Errorf("404 not found: %s: %w", p, os.ErrNotExist)
	}

	var out []models.Resource

	for d := range f.dirs {
		if d != "/" && path.Dir(d) == p {
			out = append(out, models.Resource{Name: path.Base(d), Path: d, IsDir: true})
		}
	}

	for fp, file := range f.files {
		if path.Dir(fp) == p {
			out = append(out, models.Resource{
				Name:       path.Base(fp),
				Path:       fp,
				ETag:       file.etag,
				Size:       int64(len(file.data)),
				ModifiedAt: file.mtime,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (f *fakeRemote) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[paths.RawRemote(p)]
	if !ok {
		return nil, fmt.Errorf("404 not found: %s: %w", p, os.ErrNotExist)
	}

	f.downloads++

	return io.NopCloser(bytes.NewReader(file.data)), nil
}

func (f *fakeRemote) Upload(ctx context.Context, p string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	p = paths.RawRemote(p)
	if !f.dirs[path.Dir(p)] {
		return "", fmt.Errorf("409 conflict: parent of %s missing", p)
	}

	f.uploads++

	return f.putLocked(p, data), nil
}

func (f *fakeRemote) Delete(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p = paths.RawRemote(p)
	f.deletes++

	delete(f.files, p)
	delete(f.dirs, p)

	for fp := range f.files {
		if strings.HasPrefix(fp, p+"/") {
			delete(f.files, fp)
		}
	}

	for d := range f.dirs {
		if strings.HasPrefix(d, p+"/") {
			delete(f.dirs, d)
		}
	}

	return nil
}

func (f *fakeRemote) CreateDirectory(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p = paths.RawRemote(p)
	if !f.dirs[path.Dir(p)] {
		return fmt.Errorf("409 conflict: parent of %s missing", p)
	}

	f.dirs[p] = true

	return nil
}

func (f *fakeRemote) Move(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, dst = paths.RawRemote(src), paths.RawRemote(dst)

	file, ok := f.files[src]
	if !ok {
		return os.ErrNotExist
	}

	delete(f.files, src)
	f.files[dst] = file

	return nil
}

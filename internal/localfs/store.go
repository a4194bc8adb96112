// Package localfs provides the local side of a sync root: a directory
// tree addressed by slash-separated, root-relative paths.
package localfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/davsync/internal/paths"
)

const (
	dirPerm  = fs.FileMode(0o755)
	filePerm = fs.FileMode(0o644)

	// TempPrefix marks in-flight downloads. Entries carrying it are never
	// listed, so an interrupted write is invisible to reconciliation.
	TempPrefix = paths.TempPrefix
)

// Entry describes one child of a local directory. Name is the normalized
// name used to match the entry against remote resources and records;
// DiskName is the name as stored and is what I/O must use.
type Entry struct {
	Name       string
	DiskName   string
	ModifiedAt time.Time
	Size       int64
}

// OnDisk returns the name to address the entry by, falling back to Name
// for entries built without a DiskName.
func (e Entry) OnDisk() string {
	if e.DiskName != "" {
		return e.DiskName
	}

	return e.Name
}

// Store provides filesystem operations rooted at one directory. Renames
// into place and deletes are serialized by an exclusive lock; listings
// and stats take a shared lock so they never observe a half-finished
// replace.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// New returns a Store rooted at dir. The directory does not have to exist
// yet; Available reports whether it does.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}

	return &Store{dir: filepath.Clean(abs)}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Available returns an error unless the root directory exists and is a
// directory.
func (s *Store) Available() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}

	return nil
}

// ListFiles returns the regular files directly inside dir, sorted by name.
func (s *Store) ListFiles(dir string) ([]Entry, error) {
	return s.list(dir, false)
}

// ListFolders returns the subdirectories directly inside dir, sorted by
// name.
func (s *Store) ListFolders(dir string) ([]Entry, error) {
	return s.list(dir, true)
}

func (s *Store) list(dir string, folders bool) ([]Entry, error) {
	absDir, err := s.resolveDir(dir)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dirents, err := os.ReadDir(absDir)
	if err != nil {
		return nil, err
	}

	var out []Entry

	for _, d := range dirents {
		name := d.Name()
		if Ignored(name) || d.IsDir() != folders {
			continue
		}

		if !d.IsDir() && !d.Type().IsRegular() {
			continue
		}

		info, err := d.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, err
		}

		out = append(out, Entry{
			Name:       paths.Local(name),
			DiskName:   name,
			ModifiedAt: info.ModTime(),
			Size:       info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// ModifiedAt returns the modification time of a file or folder.
func (s *Store) ModifiedAt(relPath string) (time.Time, error) {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(absPath)
	if err != nil {
		return time.Time{}, err
	}

	return info.ModTime(), nil
}

// CreateFolder creates name inside dir, including missing parents.
// Creating a folder that already exists is not an error.
func (s *Store) CreateFolder(dir, name string) error {
	absPath, err := s.resolve(paths.JoinRaw(dir, name))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return os.MkdirAll(absPath, dirPerm)
}

// Open opens a file for reading. The caller closes it.
func (s *Store) Open(relPath string) (io.ReadCloser, error) {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return os.Open(absPath)
}

// Write creates or replaces a file with the contents of r. Data is
// streamed into a temporary sibling and renamed over the target only
// after the copy completes, so a failed or cancelled transfer leaves the
// previous content untouched. A non-zero mtime is applied to the result.
// The returned time is the file's modification time as stored.
func (s *Store) Write(relPath string, r io.Reader, mtime time.Time) (time.Time, error) {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return time.Time{}, err
	}

	parent := filepath.Dir(absPath)
	if err := os.MkdirAll(parent, dirPerm); err != nil {
		return time.Time{}, fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	tmp, err := os.CreateTemp(parent, TempPrefix+"*")
	if err != nil {
		return time.Time{}, fmt.Errorf("creating temp file for %s: %w", relPath, err)
	}

	tmpPath := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return time.Time{}, fmt.Errorf("writing %s: %w", relPath, err)
	}

	if err := tmp.Close(); err != nil {
		return time.Time{}, fmt.Errorf("closing temp file for %s: %w", relPath, err)
	}

	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return time.Time{}, fmt.Errorf("setting permissions for %s: %w", relPath, err)
	}

	if !mtime.IsZero() {
		if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
			return time.Time{}, fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Rename(tmpPath, absPath); err != nil {
		return time.Time{}, fmt.Errorf("replacing %s: %w", relPath, err)
	}

	committed = true

	info, err := os.Stat(absPath)
	if err != nil {
		return time.Time{}, err
	}

	return info.ModTime(), nil
}

// DeleteFile removes a file. A missing file is not an error.
func (s *Store) DeleteFile(relPath string) error {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

// DeleteFolder removes a folder and everything below it. A missing folder
// is not an error.
func (s *Store) DeleteFolder(relPath string) error {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.RemoveAll(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing directory %s: %w", relPath, err)
	}

	return nil
}

// Rel converts an absolute path under the root into a root-relative
// slash path. ok is false for paths outside the root.
func (s *Store) Rel(absPath string) (string, bool) {
	rel, err := filepath.Rel(s.dir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", false
	}

	if rel == "." {
		return "", true
	}

	return paths.Raw(filepath.ToSlash(rel)), true
}

// Ignored reports whether a directory entry name is never synced.
func Ignored(name string) bool {
	return paths.IsTemp(name)
}

// resolveDir is resolve but accepts "" for the root itself.
func (s *Store) resolveDir(relPath string) (string, error) {
	if paths.Raw(relPath) == "" {
		return s.dir, nil
	}

	return s.resolve(relPath)
}

// resolve converts a relative path to an absolute path within the root,
// rejecting empty paths and traversal outside it. Names are used as given;
// normalizing them would address a different file.
func (s *Store) resolve(relPath string) (string, error) {
	relPath = paths.Raw(relPath)
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	absPath := filepath.Join(s.dir, filepath.FromSlash(relPath))
	if !strings.HasPrefix(absPath, s.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside %s", relPath, s.dir)
	}

	return absPath, nil
}

package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	errs "github.com/alexjbarnes/davsync/internal/errors"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/paths"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.davsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// DefaultHistoryLimit bounds the history bucket when no limit is set.
	DefaultHistoryLimit = 1000
)

var (
	rootsBucket          = []byte("roots")
	rootsByPathBucket    = []byte("roots_by_path")
	recordsBucket        = []byte("records")
	recordsByPathBucket  = []byte("records_by_path")
	recordsByLocalBucket = []byte("records_by_local")
	historyBucket        = []byte("history")
)

var allBuckets = [][]byte{
	rootsBucket,
	rootsByPathBucket,
	recordsBucket,
	recordsByPathBucket,
	recordsByLocalBucket,
	historyBucket,
}

// State wraps a bbolt database holding sync roots, per-resource sync
// records and the bounded history log. Every exported method runs in a
// single bbolt transaction, so concurrent readers observe either the old
// or the new row, never a partial write.
type State struct {
	db           *bolt.DB
	historyLimit int
}

// DefaultPath returns ~/.davsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".davsync", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, historyLimit: DefaultHistoryLimit}, nil
}

// SetHistoryLimit changes how many history entries are retained. Values
// below 1 fall back to DefaultHistoryLimit.
func (s *State) SetHistoryLimit(n int) {
	if n < 1 {
		n = DefaultHistoryLimit
	}

	s.historyLimit = n
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// storageErr marks err as a storage failure unless it is already one of
// the lookup sentinels callers are expected to branch on.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, errs.ErrRootNotFound) || errors.Is(err, errs.ErrRecordNotFound) {
		return err
	}

	return fmt.Errorf("%w: %s: %w", errs.ErrStorageUnavailable, op, err)
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)

	return k
}

func keyID(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

// pathKey scopes a path to its root: 8-byte big-endian root id followed
// by the path bytes. Keys of one root sort together, so prefix scans
// cover a root or a directory subtree.
func pathKey(rootID uint64, p string) []byte {
	return append(idKey(rootID), p...)
}

// --- Roots ---

// GetRoot returns the root enrolled for remotePath, or nil if none.
func (s *State) GetRoot(remotePath string) (*models.SyncRoot, error) {
	var root *models.SyncRoot

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(rootsByPathBucket).Get([]byte(paths.Remote(remotePath)))
		if id == nil {
			return nil
		}

		var err error
		root, err = getRoot(tx, keyID(id))

		return err
	})

	return root, storageErr("get root", err)
}

// GetRootByID returns a root by id, or nil if none.
func (s *State) GetRootByID(id uint64) (*models.SyncRoot, error) {
	var root *models.SyncRoot

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		root, err = getRoot(tx, id)

		return err
	})

	return root, storageErr("get root", err)
}

// ListRoots returns all roots ordered by id.
func (s *State) ListRoots() ([]models.SyncRoot, error) {
	var roots []models.SyncRoot

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(rootsBucket).ForEach(func(_, v []byte) error {
			var r models.SyncRoot
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			roots = append(roots, r)

			return nil
		})
	})

	return roots, storageErr("list roots", err)
}

// SaveRoot inserts the root when its ID is zero and updates it otherwise.
// The remote path is normalized and must be unique across roots.
func (s *State) SaveRoot(root models.SyncRoot) (models.SyncRoot, error) {
	root.RemotePath = paths.Remote(root.RemotePath)

	err := s.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(rootsByPathBucket)

		if existing := byPath.Get([]byte(root.RemotePath)); existing != nil && keyID(existing) != root.ID {
			return &abortError{err: fmt.Errorf("%w: %s is root %d", errs.ErrRootExists, root.RemotePath, keyID(existing))}
		}

		if root.ID == 0 {
			id, err := tx.Bucket(rootsBucket).NextSequence()
			if err != nil {
				return err
			}

			root.ID = id
		} else {
			prev, err := getRoot(tx, root.ID)
			if err != nil {
				return err
			}

			if prev == nil {
				return errs.ErrRootNotFound
			}

			if prev.RemotePath != root.RemotePath {
				if err := byPath.Delete([]byte(prev.RemotePath)); err != nil {
					return err
				}
			}
		}

		if err := putRoot(tx, root); err != nil {
			return err
		}

		return byPath.Put([]byte(root.RemotePath), idKey(root.ID))
	})

	var abort *abortError
	if errors.As(err, &abort) {
		return root, abort.err
	}

	return root, storageErr("save root", err)
}

// UpdateRoot applies fn to the stored root inside one write transaction.
// An error returned by fn aborts the update and is returned unchanged.
func (s *State) UpdateRoot(id uint64, fn func(r *models.SyncRoot) error) (models.SyncRoot, error) {
	var out models.SyncRoot

	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := getRoot(tx, id)
		if err != nil {
			return err
		}

		if root == nil {
			return errs.ErrRootNotFound
		}

		if err := fn(root); err != nil {
			return &abortError{err: err}
		}

		root.ID = id
		out = *root

		return putRoot(tx, *root)
	})

	var abort *abortError
	if errors.As(err, &abort) {
		return out, abort.err
	}

	return out, storageErr("update root", err)
}

// abortError carries a caller's error out of an update transaction
// without classifying it as a storage failure.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// DeleteRoot removes a root and every record that belongs to it.
func (s *State) DeleteRoot(id uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := getRoot(tx, id)
		if err != nil {
			return err
		}

		if root == nil {
			return errs.ErrRootNotFound
		}

		if err := deleteRecordsWithPrefix(tx, idKey(id)); err != nil {
			return err
		}

		if err := tx.Bucket(rootsByPathBucket).Delete([]byte(root.RemotePath)); err != nil {
			return err
		}

		return tx.Bucket(rootsBucket).Delete(idKey(id))
	})

	return storageErr("delete root", err)
}

// Lock marks the root as running. It returns false without changing
// anything when the root is already locked. bbolt runs one write
// transaction at a time, which makes the check-and-set atomic.
func (s *State) Lock(id uint64) (bool, error) {
	acquired := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := getRoot(tx, id)
		if err != nil {
			return err
		}

		if root == nil {
			return errs.ErrRootNotFound
		}

		if root.Locked {
			return nil
		}

		root.Locked = true
		root.LockedAt = time.Now().UTC()
		acquired = true

		return putRoot(tx, *root)
	})
	if err != nil {
		acquired = false
	}

	return acquired, storageErr("lock root", err)
}

// Unlock clears the running flag of a root.
func (s *State) Unlock(id uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := getRoot(tx, id)
		if err != nil {
			return err
		}

		if root == nil {
			return errs.ErrRootNotFound
		}

		root.Locked = false
		root.LockedAt = time.Time{}

		return putRoot(tx, *root)
	})

	return storageErr("unlock root", err)
}

// ForceUnlockAll clears the running flag on every root and returns the
// ids that were locked. Only safe when no other process uses the database,
// which bbolt's file lock already guarantees.
func (s *State) ForceUnlockAll() ([]uint64, error) {
	var unlocked []uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		var stale []models.SyncRoot

		err := tx.Bucket(rootsBucket).ForEach(func(_, v []byte) error {
			var r models.SyncRoot
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			if r.Locked {
				stale = append(stale, r)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, r := range stale {
			r.Locked = false
			r.LockedAt = time.Time{}

			if err := putRoot(tx, r); err != nil {
				return err
			}

			unlocked = append(unlocked, r.ID)
		}

		return nil
	})

	return unlocked, storageErr("force unlock", err)
}

func getRoot(tx *bolt.Tx, id uint64) (*models.SyncRoot, error) {
	v := tx.Bucket(rootsBucket).Get(idKey(id))
	if v == nil {
		return nil, nil
	}

	root := &models.SyncRoot{}
	if err := json.Unmarshal(v, root); err != nil {
		return nil, err
	}

	return root, nil
}

func putRoot(tx *bolt.Tx, root models.SyncRoot) error {
	data, err := json.Marshal(root)
	if err != nil {
		return err
	}

	return tx.Bucket(rootsBucket).Put(idKey(root.ID), data)
}

// --- Records ---

// GetRecord returns the record for (rootID, remotePath), or nil if none.
func (s *State) GetRecord(rootID uint64, remotePath string) (*models.ResourceSyncRecord, error) {
	return s.lookupRecord("get record", recordsByPathBucket, pathKey(rootID, paths.Remote(remotePath)))
}

// GetRecordByLocalPath returns the record whose local path matches, or nil.
func (s *State) GetRecordByLocalPath(rootID uint64, localPath string) (*models.ResourceSyncRecord, error) {
	return s.lookupRecord("get record by local path", recordsByLocalBucket, pathKey(rootID, paths.Local(localPath)))
}

// GetRecordByID returns a record by id, or nil.
func (s *State) GetRecordByID(id uint64) (*models.ResourceSyncRecord, error) {
	var rec *models.ResourceSyncRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)

		return err
	})

	return rec, storageErr("get record", err)
}

func (s *State) lookupRecord(op string, index []byte, key []byte) (*models.ResourceSyncRecord, error) {
	var rec *models.ResourceSyncRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(index).Get(key)
		if id == nil {
			return nil
		}

		var err error
		rec, err = getRecord(tx, keyID(id))

		return err
	})

	return rec, storageErr(op, err)
}

// ListRecords returns every record of a root ordered by remote path.
func (s *State) ListRecords(rootID uint64) ([]models.ResourceSyncRecord, error) {
	var out []models.ResourceSyncRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return scanPrefix(tx, idKey(rootID), func(rec models.ResourceSyncRecord) {
			out = append(out, rec)
		})
	})

	return out, storageErr("list records", err)
}

// ListChildRecords returns the records of a root that sit directly inside
// remoteDir, ordered by remote path.
func (s *State) ListChildRecords(rootID uint64, remoteDir string) ([]models.ResourceSyncRecord, error) {
	var out []models.ResourceSyncRecord

	remoteDir = paths.Remote(remoteDir)

	prefix := remoteDir + "/"
	if remoteDir == "/" {
		prefix = "/"
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return scanPrefix(tx, pathKey(rootID, prefix), func(rec models.ResourceSyncRecord) {
			if path.Dir(rec.RemotePath) == remoteDir {
				out = append(out, rec)
			}
		})
	})

	return out, storageErr("list child records", err)
}

// ListConflicts returns records with a standing conflict. A rootID of 0
// lists conflicts across all roots.
func (s *State) ListConflicts(rootID uint64) ([]models.ResourceSyncRecord, error) {
	var out []models.ResourceSyncRecord

	var prefix []byte
	if rootID != 0 {
		prefix = idKey(rootID)
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return scanPrefix(tx, prefix, func(rec models.ResourceSyncRecord) {
			if rec.InConflict() {
				out = append(out, rec)
			}
		})
	})

	return out, storageErr("list conflicts", err)
}

// SaveRecord upserts a record by its unique (RootID, RemotePath) key and
// returns the stored value with ID and UpdatedAt filled in.
func (s *State) SaveRecord(rec models.ResourceSyncRecord) (models.ResourceSyncRecord, error) {
	rec.RemotePath = paths.Remote(rec.RemotePath)
	rec.LocalPath = paths.Raw(rec.LocalPath)

	if rec.Href != "" {
		rec.Href = paths.RawRemote(rec.Href)
	}

	rec.UpdatedAt = time.Now().UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, &rec)
	})

	return rec, storageErr("save record", err)
}

// UpdateRecord applies fn to the stored record inside one write
// transaction. fn receives a copy and returns the value to store, so a
// concurrent run never observes a half-applied change.
func (s *State) UpdateRecord(id uint64, fn func(models.ResourceSyncRecord) (models.ResourceSyncRecord, error)) (models.ResourceSyncRecord, error) {
	var out models.ResourceSyncRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := getRecord(tx, id)
		if err != nil {
			return err
		}

		if cur == nil {
			return errs.ErrRecordNotFound
		}

		next, err := fn(*cur)
		if err != nil {
			return &abortError{err: err}
		}

		next.ID = cur.ID
		next.UpdatedAt = time.Now().UTC()

		if err := putRecord(tx, &next); err != nil {
			return err
		}

		out = next

		return nil
	})

	var abort *abortError
	if errors.As(err, &abort) {
		return out, abort.err
	}

	return out, storageErr("update record", err)
}

// DeleteRecord removes a record. With cascadeDescendants set, every record
// of the same root whose remote path lies below rec.RemotePath goes too.
func (s *State) DeleteRecord(rec models.ResourceSyncRecord, cascadeDescendants bool) error {
	remotePath := paths.Remote(rec.RemotePath)

	err := s.db.Update(func(tx *bolt.Tx) error {
		if id := tx.Bucket(recordsByPathBucket).Get(pathKey(rec.RootID, remotePath)); id != nil {
			if err := deleteRecord(tx, keyID(id)); err != nil {
				return err
			}
		}

		if !cascadeDescendants {
			return nil
		}

		prefix := remotePath + "/"
		if remotePath == "/" {
			prefix = "/"
		}

		return deleteRecordsWithPrefix(tx, pathKey(rec.RootID, prefix))
	})

	return storageErr("delete record", err)
}

func getRecord(tx *bolt.Tx, id uint64) (*models.ResourceSyncRecord, error) {
	v := tx.Bucket(recordsBucket).Get(idKey(id))
	if v == nil {
		return nil, nil
	}

	rec := &models.ResourceSyncRecord{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

func putRecord(tx *bolt.Tx, rec *models.ResourceSyncRecord) error {
	records := tx.Bucket(recordsBucket)
	byPath := tx.Bucket(recordsByPathBucket)
	byLocal := tx.Bucket(recordsByLocalBucket)

	key := pathKey(rec.RootID, rec.RemotePath)
	existing := byPath.Get(key)

	switch {
	case rec.ID == 0 && existing != nil:
		rec.ID = keyID(existing)
	case rec.ID == 0:
		id, err := records.NextSequence()
		if err != nil {
			return err
		}

		rec.ID = id
	case existing != nil && keyID(existing) != rec.ID:
		return fmt.Errorf("record %d would duplicate record %d for %s", rec.ID, keyID(existing), rec.RemotePath)
	}

	prev, err := getRecord(tx, rec.ID)
	if err != nil {
		return err
	}

	if prev == nil && existing != nil {
		return errs.ErrRecordNotFound
	}

	if prev != nil {
		if prev.RootID != rec.RootID || prev.RemotePath != rec.RemotePath {
			if err := byPath.Delete(pathKey(prev.RootID, prev.RemotePath)); err != nil {
				return err
			}
		}

		if !bytes.Equal(localKey(*prev), localKey(*rec)) {
			if err := byLocal.Delete(localKey(*prev)); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := records.Put(idKey(rec.ID), data); err != nil {
		return err
	}

	if err := byPath.Put(key, idKey(rec.ID)); err != nil {
		return err
	}

	return byLocal.Put(localKey(*rec), idKey(rec.ID))
}

// localKey indexes a record by its normalized local path; the stored
// LocalPath keeps the on-disk spelling.
func localKey(rec models.ResourceSyncRecord) []byte {
	return pathKey(rec.RootID, paths.Local(rec.LocalPath))
}

func deleteRecord(tx *bolt.Tx, id uint64) error {
	rec, err := getRecord(tx, id)
	if err != nil || rec == nil {
		return err
	}

	if err := tx.Bucket(recordsByPathBucket).Delete(pathKey(rec.RootID, rec.RemotePath)); err != nil {
		return err
	}

	lk := localKey(*rec)
	if v := tx.Bucket(recordsByLocalBucket).Get(lk); v != nil && keyID(v) == id {
		if err := tx.Bucket(recordsByLocalBucket).Delete(lk); err != nil {
			return err
		}
	}

	return tx.Bucket(recordsBucket).Delete(idKey(id))
}

// deleteRecordsWithPrefix deletes every record whose path-index key
// starts with prefix. Ids are collected before deleting because deleting
// from a bucket while a cursor walks it skips keys.
func deleteRecordsWithPrefix(tx *bolt.Tx, prefix []byte) error {
	var ids []uint64

	c := tx.Bucket(recordsByPathBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ids = append(ids, keyID(v))
	}

	for _, id := range ids {
		if err := deleteRecord(tx, id); err != nil {
			return err
		}
	}

	return nil
}

func scanPrefix(tx *bolt.Tx, prefix []byte, fn func(models.ResourceSyncRecord)) error {
	c := tx.Bucket(recordsByPathBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rec, err := getRecord(tx, keyID(v))
		if err != nil {
			return err
		}

		if rec != nil {
			fn(*rec)
		}
	}

	return nil
}

// --- History ---

// AppendHistory stores an entry and evicts the oldest entries beyond the
// history limit.
func (s *State) AppendHistory(entry models.SyncHistoryEntry) (models.SyncHistoryEntry, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	entry.RemotePath = paths.Remote(entry.RemotePath)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		entry.ID = seq

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		if err := b.Put(idKey(seq), data); err != nil {
			return err
		}

		_, err = pruneHistory(b, s.historyLimit)

		return err
	})

	return entry, storageErr("append history", err)
}

// ListHistory returns up to limit entries, newest first. A limit below 1
// returns everything retained.
func (s *State) ListHistory(limit int) ([]models.SyncHistoryEntry, error) {
	var out []models.SyncHistoryEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(historyBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}

			var e models.SyncHistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			out = append(out, e)
		}

		return nil
	})

	return out, storageErr("list history", err)
}

// PruneHistory evicts entries beyond the history limit and returns how
// many were removed.
func (s *State) PruneHistory() (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = pruneHistory(tx.Bucket(historyBucket), s.historyLimit)

		return err
	})

	return removed, storageErr("prune history", err)
}

// ClearHistory removes every history entry. Sequence numbers keep growing
// so ids are never reused.
func (s *State) ClearHistory() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}

		return nil
	})

	return storageErr("clear history", err)
}

// pruneHistory deletes entries whose sequence is at or below
// current-limit. Sequences are assigned monotonically, so that window is
// exactly the oldest entries.
func pruneHistory(b *bolt.Bucket, limit int) (int, error) {
	seq := b.Sequence()
	if limit < 1 || seq <= uint64(limit) {
		return 0, nil
	}

	cutoff := seq - uint64(limit)
	removed := 0

	c := b.Cursor()
	for k, _ := c.First(); k != nil && keyID(k) <= cutoff; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return removed, err
		}

		removed++
	}

	return removed, nil
}

// Package dirstore is the on-disk document arena shared by the conductor stores.
// Each document lives in its own directory as meta.json.
package dirstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when a document directory or its meta.json is missing.
var ErrNotFound = errors.New("not found")

const metaFile = "meta.json"

// DirStore provides locking and atomic JSON primitives for directory-based stores.
type DirStore struct {
	mu         sync.RWMutex
	baseDir    string
	entityName string // for error messages: "team", "schedule"
}

// NewDirStore creates a DirStore rooted at baseDir.
func NewDirStore(baseDir, entityName string) *DirStore {
	return &DirStore{baseDir: baseDir, entityName: entityName}
}

// Lock acquires an exclusive lock.
func (ds *DirStore) Lock() { ds.mu.Lock() }

// Unlock releases an exclusive lock.
func (ds *DirStore) Unlock() { ds.mu.Unlock() }

// RLock acquires a shared read lock.
func (ds *DirStore) RLock() { ds.mu.RLock() }

// RUnlock releases a shared read lock.
func (ds *DirStore) RUnlock() { ds.mu.RUnlock() }

// BaseDir returns the root directory of the store.
func (ds *DirStore) BaseDir() string { return ds.baseDir }

// Dir returns the directory path for a given document ID.
func (ds *DirStore) Dir(id string) string {
	return filepath.Join(ds.baseDir, id)
}

// EnsureDir creates the document directory (and parents) if it doesn't exist.
func (ds *DirStore) EnsureDir(id string) error {
	if err := os.MkdirAll(ds.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", ds.entityName, err)
	}
	return nil
}

// RemoveDir removes the document directory and all its contents.
func (ds *DirStore) RemoveDir(id string) error {
	return os.RemoveAll(ds.Dir(id))
}

// Exists reports whether the document has a readable meta.json.
func (ds *DirStore) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(ds.Dir(id), metaFile))
	return err == nil
}

// ListDirs returns the names of all subdirectories in baseDir.
func (ds *DirStore) ListDirs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %ss dir: %w", ds.entityName, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// WriteMeta atomically writes meta.json using a temp file + rename.
func (ds *DirStore) WriteMeta(id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ds.entityName, err)
	}

	path := filepath.Join(ds.Dir(id), metaFile)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", ds.entityName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s meta: %w", ds.entityName, err)
	}
	return nil
}

// ReadMeta reads and unmarshals meta.json into out.
// A missing document yields an error wrapping ErrNotFound.
func (ds *DirStore) ReadMeta(id string, out any) error {
	data, err := os.ReadFile(filepath.Join(ds.Dir(id), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %w: %s", ds.entityName, ErrNotFound, id)
		}
		return fmt.Errorf("read %s: %w", ds.entityName, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s %s: %w", ds.entityName, id, err)
	}
	return nil
}

// ListMeta reads every document in the store, skipping corrupted ones.
// Caller must hold at least a read lock.
func ListMeta[T any](ds *DirStore) ([]*T, error) {
	dirs, err := ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var out []*T
	for _, name := range dirs {
		var v T
		if err := ds.ReadMeta(name, &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

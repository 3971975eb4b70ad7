package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// DefaultLockTimeout bounds how long OpenJSONFile waits for the file lock.
const DefaultLockTimeout = 5 * time.Second

// JSONFile is a JSON document on disk that is always replaced whole. The file
// lock is held from Open until Close.
type JSONFile struct {
	path   string
	entity string
	lock   *FileLock
}

// OpenJSONFile locks path for exclusive use, creating its directory first.
// entity names the document in errors ("jobs", "credentials").
func OpenJSONFile(path, entity string) (*JSONFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "open", Entity: entity, ID: path, Err: err}
	}
	f := &JSONFile{path: path, entity: entity, lock: NewFileLock(path)}
	if err := f.lock.Lock(DefaultLockTimeout); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the document location.
func (f *JSONFile) Path() string { return f.path }

// Load decodes the document into v. It reports false, with v untouched, when
// the file does not exist yet.
func (f *JSONFile) Load(v any) (bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &StorageError{Op: "read", Entity: f.entity, Err: err}
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &StorageError{Op: "read", Entity: f.entity, Err: errors.Join(ErrStorageCorrupt, err)}
	}
	return true, nil
}

// Save atomically rewrites the document with v.
func (f *JSONFile) Save(v any) error {
	w, err := NewAtomicWriter(f.path)
	if err != nil {
		return &StorageError{Op: "write", Entity: f.entity, Err: err}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		w.Abort()
		return &StorageError{Op: "write", Entity: f.entity, Err: err}
	}
	if err := w.Commit(); err != nil {
		return &StorageError{Op: "write", Entity: f.entity, Err: err}
	}
	return nil
}

// Close releases the file lock.
func (f *JSONFile) Close() error {
	return f.lock.Unlock()
}

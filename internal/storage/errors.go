// Package storage holds the persistence primitives shared by the job table and
// the credential pool: atomic whole-file writes, advisory locks, and a JSON
// document file that is rewritten on every save.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates a record with the same identity exists.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrStorageCorrupt indicates a state file could not be decoded.
	ErrStorageCorrupt = errors.New("storage: data corruption detected")
	// ErrLockTimeout indicates another process holds the state file lock.
	ErrLockTimeout = errors.New("storage: lock acquisition timeout")
)

// StorageError wraps a persistence failure with what was being done to what.
//
//	var se *storage.StorageError
//	if errors.As(err, &se) {
//		fmt.Printf("%s %s %s: %v\n", se.Op, se.Entity, se.ID, se.Err)
//	}
type StorageError struct {
	// Op is the operation that failed ("read", "write", "lock", "update").
	Op string
	// Entity is the record kind ("job", "credential", "file").
	Entity string
	// ID identifies the record when there is one.
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

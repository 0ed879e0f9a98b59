package storage

import (
	"errors"
	"fmt"
)

// StorageError wraps a backend read/write failure. It is fatal for the
// operation that hit it and is never silently swallowed.
type StorageError struct {
	Tier    Tier
	Op      string
	EntryID string
	Err     error
}

func (e *StorageError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("storage %s %s (entry %s): %v", e.Tier, e.Op, e.EntryID, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Tier, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

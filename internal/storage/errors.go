package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrObjectNotFound indicates the object doesn't exist in the store
	ErrObjectNotFound = errors.New("object not found in store")

	// ErrUnauthorized indicates the store rejected the credentials
	ErrUnauthorized = errors.New("store authentication failed")
)

// StoreError represents a backend-specific failure
type StoreError struct {
	Op      string // upload, download, make public, exists
	Backend string
	Key     string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

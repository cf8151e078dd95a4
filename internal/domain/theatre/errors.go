package theatre

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("theatre patient not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotesRequired     = errors.New("notes are required for this transition")
	ErrInvalidInput      = errors.New("invalid input")
	ErrArchived          = errors.New("theatre patient is archived")
	ErrResourceAllocated = errors.New("resource already allocated")
	ErrResourceNotFound  = errors.New("resource not allocated")
	ErrStoreUnavailable  = errors.New("store unavailable")
	// ErrConcurrentUpdate is returned when the status changed between read
	// and write; the caller re-reads and retries.
	ErrConcurrentUpdate = errors.New("status changed concurrently")
)

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

package discharge

import (
	"errors"
	"fmt"

	"github.com/hms/ipd/internal/platform/recordstore"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed is returned when a gate pass is requested for a
	// visit without a discharge date.
	ErrPreconditionFailed = errors.New("discharge date is not set")
	ErrAlreadyIssued      = errors.New("gate pass already issued")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrInvalidField       = errors.New("invalid checklist field")
	ErrInvalidInput       = errors.New("invalid input")
	// ErrIssuanceInProgress is returned when another request holds the
	// issuance lock for the same visit.
	ErrIssuanceInProgress = errors.New("gate pass issuance already in progress")
)

// AlreadyIssuedError carries the number of the pass that already exists.
type AlreadyIssuedError struct {
	GatePassNumber string
}

func (e *AlreadyIssuedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAlreadyIssued, e.GatePassNumber)
}

func (e *AlreadyIssuedError) Unwrap() error { return ErrAlreadyIssued }

// storeError wraps a record store failure. Conflicts pass through so callers
// can react to them; everything else is reported as ErrStoreUnavailable.
func storeError(op string, err error) error {
	if errors.Is(err, recordstore.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

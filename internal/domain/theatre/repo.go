package theatre

import (
	"context"
	"time"
)

type PatientRepository interface {
	Create(ctx context.Context, p *TheatrePatient) error
	// GetByID returns ErrNotFound for an unknown id.
	GetByID(ctx context.Context, id string) (*TheatrePatient, error)
	// UpdateStatus moves a patient from one status to another and reports
	// false when the stored status no longer equals from.
	UpdateStatus(ctx context.Context, id string, from, to Status, archived bool, at time.Time) (bool, error)
	UpdatePreOp(ctx context.Context, id string, c PreOpChecklist, at time.Time) error
	UpdateIntraOpNotes(ctx context.Context, id, notes string, at time.Time) error
	// UpdateResources replaces the resource list if it is still at version
	// and reports false otherwise.
	UpdateResources(ctx context.Context, id string, resources []Resource, version int, at time.Time) (bool, error)
	// ListActive returns every patient that is not archived.
	ListActive(ctx context.Context) ([]*TheatrePatient, error)
}

type HistoryRepository interface {
	Append(ctx context.Context, c *StatusChange) error
	// ListByPatient returns the trail oldest first.
	ListByPatient(ctx context.Context, patientID string) ([]*StatusChange, error)
}

// TxRunner runs fn atomically when the backing store can, and reports
// whether it did.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) (bool, error)

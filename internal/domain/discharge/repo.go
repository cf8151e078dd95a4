package discharge

import (
	"context"
	"time"
)

type VisitRepository interface {
	Create(ctx context.Context, v *Visit) error
	// GetByID returns ErrNotFound for an unknown visit.
	GetByID(ctx context.Context, visitID string) (*Visit, error)
	SetDischargeDate(ctx context.Context, visitID string, at *time.Time) error
}

type ChecklistRepository interface {
	// Get returns nil, nil when the visit has no checklist row yet.
	Get(ctx context.Context, visitID string) (*DischargeChecklist, error)
	Insert(ctx context.Context, c *DischargeChecklist) error
	// UpdateField writes a single column and reports whether a row existed.
	UpdateField(ctx context.Context, visitID, field string, value any, at time.Time) (bool, error)
}

type GatePassRepository interface {
	NextNumber(ctx context.Context) (string, error)
	Create(ctx context.Context, gp *GatePass) error
	// GetByVisit returns nil, nil when no pass was issued for the visit.
	GetByVisit(ctx context.Context, visitID string) (*GatePass, error)
	// List returns passes newest first.
	List(ctx context.Context, limit, offset int) ([]*GatePass, int, error)
}

type BillRepository interface {
	// GetByVisit returns nil, nil when billing has no record for the visit.
	GetByVisit(ctx context.Context, visitID string) (*Bill, error)
}

// TxRunner runs fn atomically when the backing store can, and reports
// whether it did.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) (bool, error)

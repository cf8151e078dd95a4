package discharge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hms/ipd/internal/platform/recordstore"
	"github.com/hms/ipd/pkg/pagination"
)

// Repositories bundles the record store backed repositories of this package.
type Repositories struct {
	Visits     VisitRepository
	Checklists ChecklistRepository
	GatePasses GatePassRepository
	Bills      BillRepository
	InTx       TxRunner
}

// NewStoreRepositories wires every repository to one record store.
func NewStoreRepositories(store recordstore.Store) Repositories {
	return Repositories{
		Visits:     &visitRepoStore{store: store},
		Checklists: &checklistRepoStore{store: store},
		GatePasses: &gatePassRepoStore{store: store},
		Bills:      &billRepoStore{store: store},
		InTx: func(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
			return recordstore.RunInTx(ctx, store, fn)
		},
	}
}

// =========== Visit Repository ===========

type visitRepoStore struct{ store recordstore.Store }

func (r *visitRepoStore) Create(ctx context.Context, v *Visit) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := r.store.Insert(ctx, recordstore.TableVisits, v.row())
	return err
}

func (r *visitRepoStore) GetByID(ctx context.Context, visitID string) (*Visit, error) {
	rows, err := r.store.Select(ctx, recordstore.TableVisits, recordstore.Filter{"visit_id": visitID})
	if err != nil {
		return nil, err
	}
	row := recordstore.First(rows)
	if row == nil {
		return nil, fmt.Errorf("visit %s: %w", visitID, ErrNotFound)
	}
	var v Visit
	if err := recordstore.Decode(row, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *visitRepoStore) SetDischargeDate(ctx context.Context, visitID string, at *time.Time) error {
	n, err := r.store.Update(ctx, recordstore.TableVisits,
		recordstore.Filter{"visit_id": visitID},
		recordstore.Row{"discharge_date": timeOrNil(at)})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("visit %s: %w", visitID, ErrNotFound)
	}
	return nil
}

// =========== Checklist Repository ===========

type checklistRepoStore struct{ store recordstore.Store }

func (r *checklistRepoStore) Get(ctx context.Context, visitID string) (*DischargeChecklist, error) {
	rows, err := r.store.Select(ctx, recordstore.TableDischargeChecklist, recordstore.Filter{"visit_id": visitID})
	if err != nil {
		return nil, err
	}
	row := recordstore.First(rows)
	if row == nil {
		return nil, nil
	}
	c := NewChecklist(visitID)
	if err := recordstore.Decode(row, c); err != nil {
		return nil, err
	}
	if c.DischargeMode == "" {
		c.DischargeMode = ModeRecovery
	}
	return c, nil
}

func (r *checklistRepoStore) Insert(ctx context.Context, c *DischargeChecklist) error {
	_, err := r.store.Insert(ctx, recordstore.TableDischargeChecklist, c.row())
	return err
}

func (r *checklistRepoStore) UpdateField(ctx context.Context, visitID, field string, value any, at time.Time) (bool, error) {
	n, err := r.store.Update(ctx, recordstore.TableDischargeChecklist,
		recordstore.Filter{"visit_id": visitID},
		recordstore.Row{field: value, "updated_at": at.UTC()})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// =========== Gate Pass Repository ===========

type gatePassRepoStore struct{ store recordstore.Store }

func (r *gatePassRepoStore) NextNumber(ctx context.Context) (string, error) {
	v, err := r.store.Call(ctx, recordstore.FnGenerateGatePassNumber, nil)
	if err != nil {
		return "", err
	}
	number, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s returned %T, want string", recordstore.FnGenerateGatePassNumber, v)
	}
	number = strings.TrimSpace(number)
	if number == "" || strings.ContainsAny(number, " \t\r\n") {
		return "", fmt.Errorf("%s returned malformed number %q", recordstore.FnGenerateGatePassNumber, number)
	}
	return number, nil
}

func (r *gatePassRepoStore) Create(ctx context.Context, gp *GatePass) error {
	_, err := r.store.Insert(ctx, recordstore.TableGatePasses, gp.row())
	return err
}

func (r *gatePassRepoStore) GetByVisit(ctx context.Context, visitID string) (*GatePass, error) {
	rows, err := r.store.Select(ctx, recordstore.TableGatePasses, recordstore.Filter{"visit_id": visitID})
	if err != nil {
		return nil, err
	}
	row := recordstore.First(rows)
	if row == nil {
		return nil, nil
	}
	var gp GatePass
	if err := recordstore.Decode(row, &gp); err != nil {
		return nil, err
	}
	return &gp, nil
}

func (r *gatePassRepoStore) List(ctx context.Context, limit, offset int) ([]*GatePass, int, error) {
	rows, err := r.store.Select(ctx, recordstore.TableGatePasses, nil)
	if err != nil {
		return nil, 0, err
	}
	all, err := recordstore.DecodeAll[*GatePass](rows)
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	return pagination.Slice(all, limit, offset), len(all), nil
}

// =========== Bill Repository ===========

type billRepoStore struct{ store recordstore.Store }

func (r *billRepoStore) GetByVisit(ctx context.Context, visitID string) (*Bill, error) {
	rows, err := r.store.Select(ctx, recordstore.TableBills, recordstore.Filter{"visit_id": visitID})
	if err != nil {
		return nil, err
	}
	row := recordstore.First(rows)
	if row == nil {
		return nil, nil
	}
	var b Bill
	if err := recordstore.Decode(row, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

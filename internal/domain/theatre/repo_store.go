package theatre

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hms/ipd/internal/platform/recordstore"
)

// Repositories bundles the record store backed repositories of this package.
type Repositories struct {
	Patients PatientRepository
	History  HistoryRepository
	InTx     TxRunner
}

func NewStoreRepositories(store recordstore.Store) Repositories {
	return Repositories{
		Patients: &patientRepoStore{store: store},
		History:  &historyRepoStore{store: store},
		InTx: func(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
			return recordstore.RunInTx(ctx, store, fn)
		},
	}
}

// =========== Patient Repository ===========

type patientRepoStore struct{ store recordstore.Store }

func (r *patientRepoStore) Create(ctx context.Context, p *TheatrePatient) error {
	_, err := r.store.Insert(ctx, recordstore.TableTheatrePatients, p.row())
	return err
}

func (r *patientRepoStore) GetByID(ctx context.Context, id string) (*TheatrePatient, error) {
	rows, err := r.store.Select(ctx, recordstore.TableTheatrePatients, recordstore.Filter{"id": id})
	if err != nil {
		return nil, err
	}
	row := recordstore.First(rows)
	if row == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	var p TheatrePatient
	if err := recordstore.Decode(row, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoStore) UpdateStatus(ctx context.Context, id string, from, to Status, archived bool, at time.Time) (bool, error) {
	n, err := r.store.Update(ctx, recordstore.TableTheatrePatients,
		recordstore.Filter{"id": id, "status": string(from)},
		recordstore.Row{"status": string(to), "archived": archived, "updated_at": at.UTC()})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *patientRepoStore) update(ctx context.Context, id string, patch recordstore.Row) error {
	n, err := r.store.Update(ctx, recordstore.TableTheatrePatients, recordstore.Filter{"id": id}, patch)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// The updates below leave updated_at alone: it marks entry into the current
// status and drives the time-in-state display.

func (r *patientRepoStore) UpdatePreOp(ctx context.Context, id string, c PreOpChecklist, _ time.Time) error {
	return r.update(ctx, id, recordstore.Row{"pre_op_checklist": c})
}

func (r *patientRepoStore) UpdateIntraOpNotes(ctx context.Context, id, notes string, _ time.Time) error {
	return r.update(ctx, id, recordstore.Row{"intra_op_notes": notes})
}

func (r *patientRepoStore) UpdateResources(ctx context.Context, id string, resources []Resource, version int, _ time.Time) (bool, error) {
	if resources == nil {
		resources = []Resource{}
	}
	n, err := r.store.Update(ctx, recordstore.TableTheatrePatients,
		recordstore.Filter{"id": id, "resources_version": version},
		recordstore.Row{"resources": resources, "resources_version": version + 1})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *patientRepoStore) ListActive(ctx context.Context) ([]*TheatrePatient, error) {
	rows, err := r.store.Select(ctx, recordstore.TableTheatrePatients, recordstore.Filter{"archived": false})
	if err != nil {
		return nil, err
	}
	return recordstore.DecodeAll[*TheatrePatient](rows)
}

// =========== History Repository ===========

type historyRepoStore struct{ store recordstore.Store }

func (r *historyRepoStore) Append(ctx context.Context, c *StatusChange) error {
	_, err := r.store.Insert(ctx, recordstore.TableTheatreStatusHistory, c.row())
	return err
}

func (r *historyRepoStore) ListByPatient(ctx context.Context, patientID string) ([]*StatusChange, error) {
	rows, err := r.store.Select(ctx, recordstore.TableTheatreStatusHistory,
		recordstore.Filter{"theatre_patient_id": patientID})
	if err != nil {
		return nil, err
	}
	out, err := recordstore.DecodeAll[*StatusChange](rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ChangedAt.Before(out[j].ChangedAt)
	})
	return out, nil
}

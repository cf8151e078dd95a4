package theatre

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/ipd/internal/platform/db"
	"github.com/hms/ipd/internal/platform/events"
)

// Service runs the operating-theatre board.
type Service struct {
	patients  PatientRepository
	history   HistoryRepository
	inTx      TxRunner
	publisher events.Publisher
	logger    zerolog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(repos Repositories, pub events.Publisher, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	inTx := repos.InTx
	if inTx == nil {
		inTx = func(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
			return false, fn(ctx)
		}
	}
	return &Service{
		patients:  repos.Patients,
		history:   repos.History,
		inTx:      inTx,
		publisher: pub,
		logger:    logger.With().Str("component", "theatre").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
}

// CreatePatient schedules a patient onto the board.
func (s *Service) CreatePatient(ctx context.Context, p *TheatrePatient) error {
	if strings.TrimSpace(p.PatientID) == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if !p.Priority.Valid() {
		return fmt.Errorf("%w: priority must be one of Emergency, Urgent, Routine", ErrInvalidInput)
	}
	if p.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: scheduled_at is required", ErrInvalidInput)
	}

	now := s.now()
	p.ID = s.newID()
	p.Status = StatusScheduled
	p.Archived = false
	p.ScheduledAt = p.ScheduledAt.UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Resources == nil {
		p.Resources = []Resource{}
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return storeError("create theatre patient", err)
	}
	s.logger.Info().Str("theatre_patient_id", p.ID).Str("priority", string(p.Priority)).Msg("patient scheduled")
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id string) (*TheatrePatient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storeError("get theatre patient", err)
	}
	return p, nil
}

// ListBoard returns the active board: emergencies first, then by scheduled time.
func (s *Service) ListBoard(ctx context.Context) ([]*TheatrePatient, error) {
	items, err := s.patients.ListActive(ctx)
	if err != nil {
		return nil, storeError("list theatre board", err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Priority.rank(), items[j].Priority.rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].ScheduledAt.Before(items[j].ScheduledAt)
	})
	return items, nil
}

// Transition moves a patient to target. The edge must exist in the workflow
// and critical targets need notes. Nothing is written when either check fails.
func (s *Service) Transition(ctx context.Context, id string, target Status, notes, changedBy string) (*TheatrePatient, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, target)
	}
	p, err := s.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	from := p.Status
	if !CanTransition(from, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, target)
	}
	notes = strings.TrimSpace(notes)
	if IsCritical(target) && notes == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotesRequired, target)
	}

	now := s.now()
	archived := target == StatusDischargedFromOT
	change := &StatusChange{
		ID:               s.newID(),
		TheatrePatientID: id,
		FromStatus:       from,
		ToStatus:         target,
		Notes:            notes,
		ChangedBy:        changedBy,
		ChangedAt:        now,
	}

	var updated bool
	atomic, err := s.inTx(ctx, func(ctx context.Context) error {
		ok, err := s.patients.UpdateStatus(ctx, id, from, target, archived, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrentUpdate
		}
		updated = true
		return s.history.Append(ctx, change)
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			return nil, fmt.Errorf("%s -> %s: %w", from, target, err)
		}
		if !(updated && !atomic) {
			s.logger.Error().Err(err).Str("theatre_patient_id", id).Msg("status transition failed")
			return nil, storeError("transition", err)
		}
		// The status moved but its audit entry was lost.
		s.logger.Error().Err(err).
			Str("theatre_patient_id", id).
			Str("from", string(from)).
			Str("to", string(target)).
			Msg("status history append failed after status update")
	}

	p.Status = target
	p.Archived = archived
	p.UpdatedAt = now
	s.logger.Info().
		Str("theatre_patient_id", id).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("changed_by", changedBy).
		Msg("theatre status changed")
	s.publish(ctx, id, change)
	return p, nil
}

// History returns the status trail of a patient, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]*StatusChange, error) {
	if _, err := s.GetPatient(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.history.ListByPatient(ctx, id)
	if err != nil {
		return nil, storeError("list status history", err)
	}
	return items, nil
}

// editable loads a patient that can still be changed.
func (s *Service) editable(ctx context.Context, id string) (*TheatrePatient, error) {
	p, err := s.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Archived {
		return nil, fmt.Errorf("%s: %w", id, ErrArchived)
	}
	return p, nil
}

func (s *Service) UpdatePreOpChecklist(ctx context.Context, id string, c PreOpChecklist) (*TheatrePatient, error) {
	p, err := s.editable(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.patients.UpdatePreOp(ctx, id, c, s.now()); err != nil {
		return nil, s.writeError("update pre-op checklist", err)
	}
	p.PreOpChecklist = c
	return p, nil
}

func (s *Service) UpdateIntraOpNotes(ctx context.Context, id, notes string) (*TheatrePatient, error) {
	p, err := s.editable(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.patients.UpdateIntraOpNotes(ctx, id, notes, s.now()); err != nil {
		return nil, s.writeError("update intra-op notes", err)
	}
	p.IntraOpNotes = &notes
	return p, nil
}

// AllocateResource adds r to the patient. A name can be held once per patient.
func (s *Service) AllocateResource(ctx context.Context, id string, r Resource) (*TheatrePatient, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return nil, fmt.Errorf("%w: resource name is required", ErrInvalidInput)
	}
	p, err := s.editable(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, held := range p.Resources {
		if strings.EqualFold(held.Name, r.Name) {
			return nil, fmt.Errorf("%s: %w", r.Name, ErrResourceAllocated)
		}
	}
	r.AllocatedAt = s.now()
	next := append(append([]Resource{}, p.Resources...), r)
	if err := s.writeResources(ctx, p, next, "allocate resource"); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ReleaseResource(ctx context.Context, id, name string) (*TheatrePatient, error) {
	p, err := s.editable(ctx, id)
	if err != nil {
		return nil, err
	}
	next := make([]Resource, 0, len(p.Resources))
	for _, held := range p.Resources {
		if !strings.EqualFold(held.Name, name) {
			next = append(next, held)
		}
	}
	if len(next) == len(p.Resources) {
		return nil, fmt.Errorf("%s: %w", name, ErrResourceNotFound)
	}
	if err := s.writeResources(ctx, p, next, "release resource"); err != nil {
		return nil, err
	}
	return p, nil
}

// writeResources stores next over the list p was read with. A list changed
// in between fails with ErrConcurrentUpdate.
func (s *Service) writeResources(ctx context.Context, p *TheatrePatient, next []Resource, op string) error {
	ok, err := s.patients.UpdateResources(ctx, p.ID, next, p.ResourcesVersion, s.now())
	if err != nil {
		return s.writeError(op, err)
	}
	if !ok {
		return fmt.Errorf("%s: resources of %s changed: %w", op, p.ID, ErrConcurrentUpdate)
	}
	p.Resources = next
	p.ResourcesVersion++
	return nil
}

// View decorates p with the derived board fields.
func (s *Service) View(p *TheatrePatient) PatientView {
	return NewPatientView(p, s.now())
}

func (s *Service) writeError(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	s.logger.Error().Err(err).Str("op", op).Msg("theatre write failed")
	return storeError(op, err)
}

func (s *Service) publish(ctx context.Context, id string, change *StatusChange) {
	ev, err := events.New(events.TypeTheatreStatusChanged, id, change)
	if err != nil {
		s.logger.Error().Err(err).Msg("build event failed")
		return
	}
	ev.Tenant = db.TenantFromContext(ctx)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("theatre_patient_id", id).Msg("publish event failed")
	}
}

package discharge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/ipd/internal/platform/blobstore"
	"github.com/hms/ipd/internal/platform/cache"
	"github.com/hms/ipd/internal/platform/db"
	"github.com/hms/ipd/internal/platform/events"
	"github.com/hms/ipd/internal/platform/recordstore"
)

// Options tunes the discharge service.
type Options struct {
	// FetchAttempts and FetchBackoff bound the gate pass fetch retry.
	FetchAttempts int
	FetchBackoff  time.Duration
	ReadinessTTL  time.Duration
	// LockTTL bounds how long a crashed issuer can block a visit.
	LockTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.FetchAttempts < 1 {
		o.FetchAttempts = 3
	}
	if o.FetchBackoff <= 0 {
		o.FetchBackoff = time.Second
	}
	if o.ReadinessTTL <= 0 {
		o.ReadinessTTL = 5 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	return o
}

// Service owns the discharge checklist, readiness and gate pass issuance.
type Service struct {
	visits     VisitRepository
	checklists ChecklistRepository
	passes     GatePassRepository
	bills      BillRepository
	inTx       TxRunner

	cache     cache.Cache
	locker    cache.Locker
	publisher events.Publisher
	blobs     blobstore.BlobStore
	logger    zerolog.Logger
	opts      Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService wires the service. Nil collaborators fall back to in-process
// implementations.
func NewService(repos Repositories, c cache.Cache, locker cache.Locker, pub events.Publisher,
	blobs blobstore.BlobStore, logger zerolog.Logger, opts Options) *Service {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	if locker == nil {
		locker = cache.NewLocalLocker()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if blobs == nil {
		blobs = blobstore.NewInMemoryBlobStore()
	}
	inTx := repos.InTx
	if inTx == nil {
		inTx = func(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
			return false, fn(ctx)
		}
	}
	return &Service{
		visits:     repos.Visits,
		checklists: repos.Checklists,
		passes:     repos.GatePasses,
		bills:      repos.Bills,
		inTx:       inTx,
		cache:      c,
		locker:     locker,
		publisher:  pub,
		blobs:      blobs,
		logger:     logger.With().Str("component", "discharge").Logger(),
		opts:       opts.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// -- Visits --

func (s *Service) CreateVisit(ctx context.Context, v *Visit) error {
	v.VisitID = strings.TrimSpace(v.VisitID)
	if v.VisitID == "" {
		return fmt.Errorf("%w: visit_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(v.PatientID) == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	if err := s.visits.Create(ctx, v); err != nil {
		return storeError("create visit", err)
	}
	return nil
}

func (s *Service) GetVisit(ctx context.Context, visitID string) (*Visit, error) {
	v, err := s.visits.GetByID(ctx, visitID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storeError("get visit", err)
	}
	return v, nil
}

// SetDischargeDate sets or, with a nil at, clears the discharge date.
func (s *Service) SetDischargeDate(ctx context.Context, visitID string, at *time.Time) (*Visit, error) {
	before, err := s.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	checklist, err := s.checklists.Get(ctx, visitID)
	if err != nil {
		return nil, storeError("get checklist", err)
	}

	if at != nil {
		utc := at.UTC()
		at = &utc
	}
	if err := s.visits.SetDischargeDate(ctx, visitID, at); err != nil {
		s.logger.Error().Err(err).Str("visit_id", visitID).Msg("set discharge date failed")
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storeError("set discharge date", err)
	}

	after := *before
	after.DischargeDate = at
	s.changed(ctx, visitID, ComputeReadiness(checklist, before.DischargeDate), ComputeReadiness(checklist, at),
		map[string]any{"field": "discharge_date", "value": at})
	return &after, nil
}

// -- Checklist --

// GetChecklist returns the visit's checklist, or nil when none was created yet.
func (s *Service) GetChecklist(ctx context.Context, visitID string) (*DischargeChecklist, error) {
	c, err := s.checklists.Get(ctx, visitID)
	if err != nil {
		return nil, storeError("get checklist", err)
	}
	return c, nil
}

// SetField writes one checklist field, creating the checklist with defaults
// on first use. On failure the checklist as it was before the call is
// returned with the error so the caller can roll back.
func (s *Service) SetField(ctx context.Context, visitID, field string, value any) (*DischargeChecklist, error) {
	stored, err := normalizeField(field, value)
	if err != nil {
		return nil, err
	}

	visit, err := s.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	prev, err := s.checklists.Get(ctx, visitID)
	if err != nil {
		return nil, storeError("get checklist", err)
	}
	previous := prev
	if previous == nil {
		previous = NewChecklist(visitID)
	}

	next, err := s.writeField(ctx, prev, visitID, field, stored)
	if err != nil {
		s.logger.Error().Err(err).
			Str("visit_id", visitID).
			Str("field", field).
			Msg("checklist update failed; returning previous state")
		return previous.clone(), storeError("set "+field, err)
	}

	s.changed(ctx, visitID,
		ComputeReadiness(previous, visit.DischargeDate),
		ComputeReadiness(next, visit.DischargeDate),
		map[string]any{"field": field, "value": stored})
	return next, nil
}

// writeField upserts a single field. Only that column is written when the
// row exists, so concurrent writers of different fields do not clobber each
// other.
func (s *Service) writeField(ctx context.Context, prev *DischargeChecklist, visitID, field string, value any) (*DischargeChecklist, error) {
	now := s.now()

	if prev != nil {
		ok, err := s.checklists.UpdateField(ctx, visitID, field, value, now)
		if err != nil {
			return nil, err
		}
		if ok {
			next := prev.clone()
			next.apply(field, value)
			next.UpdatedAt = &now
			return next, nil
		}
	}

	next := NewChecklist(visitID)
	next.apply(field, value)
	next.UpdatedAt = &now
	err := s.checklists.Insert(ctx, next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, recordstore.ErrConflict) {
		return nil, err
	}

	// Lost the insert race: the row exists now, write the field onto it.
	if _, err := s.checklists.UpdateField(ctx, visitID, field, value, now); err != nil {
		return nil, err
	}
	cur, err := s.checklists.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return next, nil
	}
	return cur, nil
}

// GetReadiness returns the cached readiness view of a visit, computing it on
// a miss. Views are cached under the visit's current generation, read before
// the store, so a view computed from rows a concurrent write has since
// replaced lands under a generation nobody reads again.
func (s *Service) GetReadiness(ctx context.Context, visitID string) (*ReadinessView, error) {
	gen, genErr := s.readinessGeneration(ctx, visitID)
	if genErr != nil {
		s.logger.Warn().Err(genErr).Str("visit_id", visitID).Msg("readiness generation read failed; bypassing cache")
	}
	key := s.readinessKey(ctx, visitID, gen)

	if genErr == nil {
		var cached ReadinessView
		hit, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.logger.Warn().Err(err).Str("visit_id", visitID).Msg("readiness cache read failed")
		}
		if hit {
			return &cached, nil
		}
	}

	visit, err := s.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	checklist, err := s.checklists.Get(ctx, visitID)
	if err != nil {
		return nil, storeError("get checklist", err)
	}

	view := &ReadinessView{
		VisitID:         visitID,
		DischargeDate:   visit.DischargeDate,
		ChecklistExists: checklist != nil,
		ChecklistLocked: visit.DischargeDate == nil,
		Readiness:       ComputeReadiness(checklist, visit.DischargeDate),
	}
	if checklist != nil {
		view.GatePassGenerated = checklist.GatePassGenerated
	}

	if genErr == nil {
		if err := s.cache.Set(ctx, key, view, s.opts.ReadinessTTL); err != nil {
			s.logger.Warn().Err(err).Str("visit_id", visitID).Msg("readiness cache write failed")
		}
	}
	return view, nil
}

func (s *Service) readinessGenKey(ctx context.Context, visitID string) string {
	return "readiness-gen:" + db.TenantFromContext(ctx) + ":" + visitID
}

func (s *Service) readinessGeneration(ctx context.Context, visitID string) (int64, error) {
	var gen int64
	if _, err := s.cache.Get(ctx, s.readinessGenKey(ctx, visitID), &gen); err != nil {
		return 0, err
	}
	return gen, nil
}

func (s *Service) readinessKey(ctx context.Context, visitID string, gen int64) string {
	return fmt.Sprintf("readiness:%s:%s:%d", db.TenantFromContext(ctx), visitID, gen)
}

// invalidate moves the visit to a new generation. It must run after the
// write it covers.
func (s *Service) invalidate(ctx context.Context, visitID string) {
	if _, err := s.cache.Incr(ctx, s.readinessGenKey(ctx, visitID)); err != nil {
		s.logger.Warn().Err(err).Str("visit_id", visitID).Msg("readiness cache invalidation failed")
	}
}

// changed runs after every successful checklist or discharge date write.
func (s *Service) changed(ctx context.Context, visitID string, before, after Readiness, change map[string]any) {
	s.invalidate(ctx, visitID)

	change["readiness"] = after
	s.publish(ctx, events.TypeChecklistUpdated, visitID, change)

	if !before.IsReady && after.IsReady {
		s.logger.Info().Str("visit_id", visitID).Msg("visit ready for discharge")
		s.publish(ctx, events.TypeVisitDischarged, visitID, after)
	}
}

func (s *Service) publish(ctx context.Context, eventType, subjectID string, data any) {
	ev, err := events.New(eventType, subjectID, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("build event failed")
		return
	}
	ev.Tenant = db.TenantFromContext(ctx)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("subject_id", subjectID).Msg("publish event failed")
	}
}

package discharge

import (
	"context"
	"errors"
	"fmt"

	"github.com/hms/ipd/internal/platform/db"
	"github.com/hms/ipd/internal/platform/events"
	"github.com/hms/ipd/internal/platform/recordstore"
)

// GenerateGatePass issues the gate pass of a visit and returns it. A visit
// without a discharge date gets ErrPreconditionFailed; a visit that already
// has a pass gets an *AlreadyIssuedError carrying the existing number.
func (s *Service) GenerateGatePass(ctx context.Context, visitID, issuedBy string) (*GatePass, error) {
	lockKey := "gatepass:" + db.TenantFromContext(ctx) + ":" + visitID
	acquired, owner, err := s.locker.TryLock(ctx, lockKey, s.opts.LockTTL)
	switch {
	case err != nil:
		// The unique visit_id constraint still guards issuance.
		s.logger.Warn().Err(err).Str("visit_id", visitID).Msg("issuance lock unavailable; continuing without it")
	case !acquired:
		return nil, fmt.Errorf("visit %s: %w", visitID, ErrIssuanceInProgress)
	default:
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), lockKey, owner); err != nil {
				s.logger.Warn().Err(err).Str("visit_id", visitID).Msg("release issuance lock failed")
			}
		}()
	}

	visit, err := s.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if visit.DischargeDate == nil {
		return nil, fmt.Errorf("visit %s: %w", visitID, ErrPreconditionFailed)
	}

	existing, err := s.passes.GetByVisit(ctx, visitID)
	if err != nil {
		return nil, storeError("get gate pass", err)
	}
	if existing != nil {
		return nil, &AlreadyIssuedError{GatePassNumber: existing.GatePassNumber}
	}

	checklist, err := s.checklists.Get(ctx, visitID)
	if err != nil {
		return nil, storeError("get checklist", err)
	}
	if checklist == nil {
		checklist = NewChecklist(visitID)
	}
	bill, err := s.bills.GetByVisit(ctx, visitID)
	if err != nil {
		return nil, storeError("get bill", err)
	}

	number, err := s.passes.NextNumber(ctx)
	if err != nil {
		return nil, storeError("allocate gate pass number", err)
	}

	gp := &GatePass{
		GatePassNumber: number,
		VisitID:        visit.VisitID,
		PatientID:      visit.PatientID,
		PatientName:    visit.PatientName,
		DischargeDate:  *visit.DischargeDate,
		DischargeMode:  checklist.DischargeMode,
		BillPaid:       checklist.PaymentVerified,
		BarcodeData:    BarcodeData(number, visit.VisitID),
		Signatures: Signatures{
			Doctor:   checklist.DoctorSignature,
			Patient:  checklist.PatientSignature,
			Nurse:    checklist.NurseClearance,
			Pharmacy: checklist.PharmacyClearance,
			Security: checklist.SecurityVerification,
			Issuer:   issuedBy,
		},
		CreatedAt: s.now(),
	}
	if bill != nil {
		gp.BillPaid = gp.BillPaid || bill.IsPaid
		gp.PaymentAmount = bill.PaidAmount
	}

	inserted := false
	atomic, err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.passes.Create(ctx, gp); err != nil {
			return err
		}
		inserted = true
		return s.markGatePassGenerated(ctx, visitID)
	})
	if err != nil {
		if errors.Is(err, recordstore.ErrConflict) && !inserted {
			if cur, getErr := s.passes.GetByVisit(ctx, visitID); getErr == nil && cur != nil {
				return nil, &AlreadyIssuedError{GatePassNumber: cur.GatePassNumber}
			}
		}
		if inserted && !atomic {
			// The pass exists; the reconciler sets the flag later.
			s.logger.Warn().Err(err).
				Str("visit_id", visitID).
				Str("gate_pass_number", number).
				Msg("gate pass issued but checklist flag not set")
		} else {
			s.logger.Error().Err(err).Str("visit_id", visitID).Msg("gate pass issuance failed")
			return nil, storeError("issue gate pass", err)
		}
	}

	s.logger.Info().Str("visit_id", visitID).Str("gate_pass_number", number).Msg("gate pass issued")
	s.invalidate(ctx, visitID)
	s.publish(ctx, events.TypeChecklistUpdated, visitID, map[string]any{"field": FieldGatePassGenerated, "value": true})
	s.publish(ctx, events.TypeGatePassIssued, visitID, gp)
	return gp, nil
}

// markGatePassGenerated sets gate_pass_generated, creating the checklist if
// the visit never had one.
func (s *Service) markGatePassGenerated(ctx context.Context, visitID string) error {
	now := s.now()
	ok, err := s.checklists.UpdateField(ctx, visitID, FieldGatePassGenerated, true, now)
	if err != nil || ok {
		return err
	}
	c := NewChecklist(visitID)
	c.GatePassGenerated = true
	c.UpdatedAt = &now
	err = s.checklists.Insert(ctx, c)
	if errors.Is(err, recordstore.ErrConflict) {
		_, err = s.checklists.UpdateField(ctx, visitID, FieldGatePassGenerated, true, now)
	}
	return err
}

// FetchGatePass loads a visit's gate pass for printing. A freshly issued pass
// may not be visible yet on a replicated store, so missing rows and store
// failures are retried with a fixed backoff before the last error is returned.
func (s *Service) FetchGatePass(ctx context.Context, visitID string) (*GatePassPrint, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.FetchAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.opts.FetchBackoff); err != nil {
				return nil, err
			}
		}

		p, err := s.fetchGatePassOnce(ctx, visitID)
		if err == nil {
			return p, nil
		}
		lastErr = err
		s.logger.Debug().Err(err).Str("visit_id", visitID).Int("attempt", attempt).Msg("gate pass fetch failed")
	}
	return nil, lastErr
}

func (s *Service) fetchGatePassOnce(ctx context.Context, visitID string) (*GatePassPrint, error) {
	gp, err := s.passes.GetByVisit(ctx, visitID)
	if err != nil {
		return nil, storeError("get gate pass", err)
	}
	if gp == nil {
		return nil, fmt.Errorf("gate pass for visit %s: %w", visitID, ErrNotFound)
	}
	visit, err := s.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	return &GatePassPrint{GatePass: *gp, AdmittedAt: visit.CreatedAt, Visit: visit}, nil
}

// ListGatePasses returns issued passes, newest first.
func (s *Service) ListGatePasses(ctx context.Context, limit, offset int) ([]*GatePass, int, error) {
	items, total, err := s.passes.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, storeError("list gate passes", err)
	}
	return items, total, nil
}

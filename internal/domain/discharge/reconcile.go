package discharge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const reconcilePageSize = 500

// ReconcileGatePasses finds gate passes whose checklist does not record
// gate_pass_generated (an issuance interrupted between its two writes on a
// non-transactional store) and sets the flag. It returns the number repaired.
func (s *Service) ReconcileGatePasses(ctx context.Context) (int, error) {
	repaired := 0
	for offset := 0; ; offset += reconcilePageSize {
		passes, total, err := s.passes.List(ctx, reconcilePageSize, offset)
		if err != nil {
			return repaired, storeError("list gate passes", err)
		}

		for _, gp := range passes {
			c, err := s.checklists.Get(ctx, gp.VisitID)
			if err != nil {
				return repaired, storeError("get checklist", err)
			}
			if c != nil && c.GatePassGenerated {
				continue
			}
			if err := s.markGatePassGenerated(ctx, gp.VisitID); err != nil {
				return repaired, storeError("repair gate_pass_generated", err)
			}
			s.invalidate(ctx, gp.VisitID)
			s.logger.Warn().
				Str("visit_id", gp.VisitID).
				Str("gate_pass_number", gp.GatePassNumber).
				Msg("repaired orphaned gate pass")
			repaired++
		}

		if offset+reconcilePageSize >= total || len(passes) == 0 {
			return repaired, nil
		}
	}
}

// Scope prepares the context for one reconcile run, such as binding a
// tenant connection. release is called when the run ends.
type Scope func(ctx context.Context) (scoped context.Context, release func(), err error)

// Reconciler runs ReconcileGatePasses on a fixed interval. Each run gets a
// fresh scope, so nothing is held between ticks.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	scope    Scope
	logger   zerolog.Logger
}

func NewReconciler(svc *Service, interval time.Duration, scope Scope, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if scope == nil {
		scope = func(ctx context.Context) (context.Context, func(), error) { return ctx, func() {}, nil }
	}
	return &Reconciler{
		svc:      svc,
		interval: interval,
		scope:    scope,
		logger:   logger.With().Str("component", "gatepass-reconciler").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	scoped, release, err := r.scope(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconcile run skipped")
		return
	}
	defer release()

	n, err := r.svc.ReconcileGatePasses(scoped)
	if err != nil {
		r.logger.Error().Err(err).Int("repaired", n).Msg("reconcile run failed")
		return
	}
	if n > 0 {
		r.logger.Info().Int("repaired", n).Msg("reconcile run complete")
	}
}

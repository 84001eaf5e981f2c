package coordinator

import (
	"context"
	"errors"

	"pkt.systems/lra/internal/lra"
	"pkt.systems/lra/internal/recovery"
)

var _ recovery.Module = (*Service)(nil)

// Name implements recovery.Module.
func (s *Service) Name() string { return ModuleName }

// Pass implements recovery.Module. It adopts log records this process does
// not yet hold, cancels active actions whose time limit elapsed, and re-drives
// every recovering action whose lock is free. Busy actions are skipped until
// the next pass.
func (s *Service) Pass(ctx context.Context) error {
	ctx = lra.Suspend(ctx)
	var errs []error
	if n, err := s.importLog(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		s.logger.Info("coordinator.recovery.imported", "count", n)
	}
	now := s.clock.Now()
	for _, p := range []*partition{s.active, s.recovering} {
		for _, a := range p.snapshot() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if a.Expired(now) {
				s.expire(ctx, a)
			}
		}
	}
	for _, a := range s.recovering.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.replay(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// expire cancels an active action whose deadline passed.
func (s *Service) expire(ctx context.Context, a *lra.Action) {
	l := s.locks.tryAcquire(a.ID())
	if l == nil {
		return
	}
	if !s.registered(a) {
		s.abandon(a, l)
		return
	}
	if !a.Expired(s.clock.Now()) {
		l.Release()
		return
	}
	s.logger.Info("coordinator.time_limit.expired", "lra_id", a.ID(), "deadline", a.Deadline())
	err := a.End(ctx, true)
	l.Release()
	if err != nil {
		s.logger.Warn("coordinator.time_limit.cancel_failed", "lra_id", a.ID(), "error", err)
		return
	}
	s.trace(a, "cancelled on time limit")
	s.settled(ctx, a, false)
}

// replay re-drives a recovering action. Active actions are left to their
// owners and their time limit; everything else is ended again in the
// direction it was already heading.
func (s *Service) replay(ctx context.Context, a *lra.Action) error {
	l := s.locks.tryAcquire(a.ID())
	if l == nil {
		s.logger.Trace("coordinator.recovery.busy", "lra_id", a.ID())
		return nil
	}
	if !s.registered(a) {
		s.abandon(a, l)
		return nil
	}
	if a.Status() == lra.StatusActive {
		l.Release()
		return nil
	}
	err := a.End(ctx, a.Status().Compensating())
	l.Release()
	if err != nil {
		s.logger.Warn("coordinator.recovery.replay_failed", "lra_id", a.ID(), "status", a.Status(), "error", err)
		return err
	}
	s.trace(a, "replayed")
	if a.IsRecovering() || a.HasPendingActions() {
		return nil
	}
	if !a.IsTopLevel() && !a.Status().Failed() && !s.parentGone(a) {
		// Still owned by a parent that may compensate it later.
		return nil
	}
	return s.remove(ctx, a)
}

// parentGone reports whether the parent of a nested action is no longer
// held, in which case nothing will end the child from above.
func (s *Service) parentGone(a *lra.Action) bool {
	_, err := s.Resolve(a.ParentID())
	return err != nil
}

package coordinator

import (
	"context"
	"errors"

	"pkt.systems/lra/internal/lra"
)

// hierarchyNotifier ends nested actions in process and hands every other
// participant to next.
type hierarchyNotifier struct {
	svc  *Service
	next lra.Notifier
}

func (h *hierarchyNotifier) Settle(ctx context.Context, a lra.Data, p *lra.Participant, compensate bool) (lra.ParticipantStatus, error) {
	if p.Nested == "" {
		return h.next.Settle(ctx, a, p, compensate)
	}
	done, pending, failed := lra.Outcome(compensate)
	child, err := h.svc.EndLRA(ctx, p.Nested, compensate, true)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPreconditionFailed):
		// Already finished and evicted.
		return done, nil
	case err != nil:
		return "", err
	}
	switch {
	case child.Status.Failed():
		return failed, nil
	case child.Status.Terminal():
		return done, nil
	default:
		return pending, nil
	}
}

func (h *hierarchyNotifier) AfterLRA(ctx context.Context, a lra.Data, p *lra.Participant) error {
	if p.Nested != "" {
		return nil
	}
	return h.next.AfterLRA(ctx, a, p)
}

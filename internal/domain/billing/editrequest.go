package billing

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxUnlockMinutes = 24 * 60

type EditRequestInput struct {
	Reason        string `json:"reason"`
	UnlockMinutes int    `json:"unlock_minutes,omitempty"`
}

// RequestEdit asks for a time-boxed unlock of an APPROVED invoice. An
// invoice has at most one pending request.
func (s *Service) RequestEdit(ctx context.Context, op Op, invoiceID uuid.UUID, in EditRequestInput) (*EditRequest, error) {
	if err := checkReason(in.Reason); err != nil {
		return nil, err
	}
	if in.UnlockMinutes < 0 || in.UnlockMinutes > maxUnlockMinutes {
		return nil, validationErr("unlock_minutes", "unlock_minutes must be between 1 and %d", maxUnlockMinutes)
	}
	if in.UnlockMinutes == 0 {
		in.UnlockMinutes = int(s.unlockWindow / time.Minute)
	}

	var req *EditRequest
	_, err := s.invoiceMutation(ctx, op, invoiceID, func(ctx context.Context, u *unitOfWork, inv *Invoice) error {
		if inv.Superseded || inv.Status != StatusApproved {
			current := string(inv.Status)
			if inv.Superseded {
				current = "SUPERSEDED"
			}
			return invalidStateErr(entityInvoice, inv.ID, "REQUEST_EDIT", current)
		}
		existing, err := s.repos.EditRequests.ListByInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		for _, r := range existing {
			if r.Status == EditPending {
				return invalidStateErr(entityEditRequest, r.ID, "REQUEST_EDIT", string(r.Status))
			}
		}
		req = &EditRequest{
			ID:            uuid.New(),
			CaseID:        inv.CaseID,
			InvoiceID:     inv.ID,
			Status:        EditPending,
			Reason:        strings.TrimSpace(in.Reason),
			UnlockMinutes: in.UnlockMinutes,
			RequestedBy:   u.actor.ID,
			CreatedAt:     u.now,
			UpdatedAt:     u.now,
		}
		if err := s.repos.EditRequests.Create(ctx, req); err != nil {
			return err
		}
		u.record(entityEditRequest, req.ID, "request", req.Reason, nil, req)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) ListEditRequests(ctx context.Context, invoiceID uuid.UUID) ([]*EditRequest, error) {
	if _, err := s.caseOfInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repos.EditRequests.ListByInvoice(ctx, invoiceID)
}

func (s *Service) editRequestMutation(ctx context.Context, op Op, id uuid.UUID, fn func(ctx context.Context, u *unitOfWork, r *EditRequest) error) (*EditRequest, error) {
	r, err := s.repos.EditRequests.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(entityEditRequest, id, err)
	}
	var out *EditRequest
	err = s.mutate(ctx, r.CaseID, op, func(ctx context.Context, u *unitOfWork) error {
		r, err := s.repos.EditRequests.GetByID(ctx, id)
		if err != nil {
			return mapStoreErr(entityEditRequest, id, err)
		}
		if err := fn(ctx, u, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveEditRequest reopens the invoice to DRAFT and schedules the
// automatic re-lock at the end of the requested window.
func (s *Service) ApproveEditRequest(ctx context.Context, op Op, id uuid.UUID, reason string) (*EditRequest, error) {
	if err := checkReason(reason); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, op.Actor, ActionDecideEditRequest); err != nil {
		return nil, err
	}
	return s.editRequestMutation(ctx, op, id, func(ctx context.Context, u *unitOfWork, r *EditRequest) error {
		if r.Status != EditPending {
			return invalidStateErr(entityEditRequest, r.ID, "APPROVE", string(r.Status))
		}
		inv, err := s.lockedInvoice(ctx, u, r.InvoiceID)
		if err != nil {
			return err
		}
		r2 := strings.TrimSpace(reason)
		if err := s.reopen(ctx, u, inv, r2); err != nil {
			return err
		}
		before := *r
		relockAt := u.now.Add(time.Duration(r.UnlockMinutes) * time.Minute)
		decidedAt := u.now
		by := u.actor.ID
		r.Status = EditApproved
		r.DecidedBy = &by
		r.DecisionReason = &r2
		r.DecidedAt = &decidedAt
		r.RelockAt = &relockAt
		r.UpdatedAt = u.now
		if err := s.repos.EditRequests.Update(ctx, r); err != nil {
			return err
		}
		u.record(entityEditRequest, r.ID, "approve", r2, before, r)
		reqID := r.ID
		u.afterCommit(func() { s.scheduleRelock(reqID, relockAt) })
		return nil
	})
}

func (s *Service) RejectEditRequest(ctx context.Context, op Op, id uuid.UUID, reason string) (*EditRequest, error) {
	if err := checkReason(reason); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, op.Actor, ActionDecideEditRequest); err != nil {
		return nil, err
	}
	return s.editRequestMutation(ctx, op, id, func(ctx context.Context, u *unitOfWork, r *EditRequest) error {
		if r.Status != EditPending {
			return invalidStateErr(entityEditRequest, r.ID, "REJECT", string(r.Status))
		}
		before := *r
		r2 := strings.TrimSpace(reason)
		decidedAt := u.now
		by := u.actor.ID
		r.Status = EditRejected
		r.DecidedBy = &by
		r.DecisionReason = &r2
		r.DecidedAt = &decidedAt
		r.UpdatedAt = u.now
		if err := s.repos.EditRequests.Update(ctx, r); err != nil {
			return err
		}
		u.record(entityEditRequest, r.ID, "reject", r2, before, r)
		return nil
	})
}

func relockKey(id uuid.UUID) string { return "relock:" + id.String() }

func (s *Service) scheduleRelock(id uuid.UUID, at time.Time) {
	if s.relocks == nil {
		s.logger.Warn().Str("edit_request_id", id.String()).Msg("no relock scheduler configured")
		return
	}
	s.relocks.Schedule(relockKey(id), at, func(ctx context.Context) error {
		return s.Relock(ctx, id)
	})
}

// closeEditWindows ends every open edit window of an invoice. It runs when
// the invoice is approved or voided by hand, so a pending re-lock task would
// have nothing left to do.
func (s *Service) closeEditWindows(ctx context.Context, u *unitOfWork, invoiceID uuid.UUID) error {
	reqs, err := s.repos.EditRequests.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if r.Status != EditApproved {
			continue
		}
		before := *r
		at := u.now
		r.Status = EditRelocked
		r.RelockedAt = &at
		r.UpdatedAt = u.now
		if err := s.repos.EditRequests.Update(ctx, r); err != nil {
			return err
		}
		u.record(entityEditRequest, r.ID, "close_window", "invoice locked before the edit window expired", before, r)
		key := relockKey(r.ID)
		u.afterCommit(func() {
			if s.relocks != nil {
				s.relocks.Cancel(key)
			}
		})
	}
	return nil
}

// Relock closes the edit window of an approved request. A DRAFT invoice
// with active lines is approved again; one without lines stays in DRAFT and
// is logged for follow-up.
func (s *Service) Relock(ctx context.Context, id uuid.UUID) error {
	log := s.log(ctx).With().Str("edit_request_id", id.String()).Logger()
	_, err := s.editRequestMutation(ctx, Op{Actor: SystemActor}, id, func(ctx context.Context, u *unitOfWork, r *EditRequest) error {
		if r.Status != EditApproved {
			log.Info().Str("status", string(r.Status)).Msg("relock skipped, window already closed")
			return nil
		}
		before := *r
		at := u.now
		r.Status = EditRelocked
		r.RelockedAt = &at
		r.UpdatedAt = u.now
		if err := s.repos.EditRequests.Update(ctx, r); err != nil {
			return err
		}
		u.record(entityEditRequest, r.ID, "relock", "edit window expired", before, r)

		inv, err := s.lockedInvoice(ctx, u, r.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft || inv.Superseded {
			return nil
		}
		lines, err := s.repos.Lines.ListByInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			log.Warn().Str("invoice_id", inv.ID.String()).Msg("edit window expired on an invoice without lines, left in DRAFT")
			return nil
		}
		if err := s.approve(ctx, u, inv, "edit window expired"); err != nil {
			return err
		}
		log.Info().Str("invoice_id", inv.ID.String()).Msg("invoice re-locked")
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("relock failed")
	}
	return err
}

// RestoreRelocks reschedules re-locks that were pending when the process
// stopped. Overdue windows run right away.
func (s *Service) RestoreRelocks(ctx context.Context) (int, error) {
	reqs, err := s.repos.EditRequests.ListAwaitingRelock(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range reqs {
		if r.RelockAt == nil {
			continue
		}
		s.scheduleRelock(r.ID, *r.RelockAt)
		n++
	}
	return n, nil
}

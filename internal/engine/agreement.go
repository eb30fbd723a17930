package engine

import (
	"context"
	"time"

	"github.com/canonical/sqlair"

	"marketline/internal/domain"
	"marketline/internal/events"
	"marketline/internal/metrics"
	"marketline/internal/repo"
)

// TransitionRequest asks for one agreement state machine action.
type TransitionRequest struct {
	AgreementID string
	Action      domain.AgreementAction
	Actor       domain.Actor
	Reason      string
	// FinalAmountPaidCents is only read by complete and defaults to the
	// agreed amount.
	FinalAmountPaidCents *int64
	Note                 string
}

// TransitionAgreement applies req.Action to the agreement. The agreement,
// its offer, its execution, notes and events change together or not at all.
func (e Engine) TransitionAgreement(ctx context.Context, req TransitionRequest) (domain.ServiceAgreement, error) {
	start := time.Now()
	ag, err := e.transitionAgreement(ctx, req)
	metrics.OperationLatency.WithLabelValues("transition").Observe(time.Since(start).Seconds())
	metrics.Transitions.WithLabelValues(string(req.Action), metrics.Outcome(err)).Inc()
	if err == nil {
		logger.Infof("agreement %s: %s by %s %s -> %s", ag.ID, req.Action, req.Actor.Kind, req.Actor.ID, ag.Status)
	}
	return ag, err
}

func (e Engine) transitionAgreement(ctx context.Context, req TransitionRequest) (domain.ServiceAgreement, error) {
	if err := validateActor(req.Actor); err != nil {
		return domain.ServiceAgreement{}, err
	}
	t, ok := domain.AgreementTransitions[req.Action]
	if !ok {
		return domain.ServiceAgreement{}, domain.Validationf("action", "unknown agreement action %q", req.Action)
	}
	now := e.now()
	var ag domain.ServiceAgreement
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		var err error
		ag, err = e.Repo.GetAgreement(ctx, tx, req.AgreementID)
		if err != nil {
			return err
		}
		next, err := domain.NextAgreementStatus(ag.Status, req.Action)
		if err != nil {
			return err
		}
		offer, err := e.Repo.GetOffer(ctx, tx, ag.OfferID)
		if err != nil {
			return err
		}
		if err := authorize(req.Actor, t.Authority, offer, ag); err != nil {
			return err
		}

		from := ag.Status
		ag.Status = next
		ag.UpdatedAt = now
		switch req.Action {
		case domain.ActionApprove:
			ag.ApprovedBy = strPtr(req.Actor.ID)
			ag.ApprovedAt = timePtr(now)
		case domain.ActionReject, domain.ActionCancel:
			ag.CancelledBy = strPtr(req.Actor.ID)
			ag.CancelledAt = timePtr(now)
			ag.CancellationReason = strPtr(req.Reason)
		case domain.ActionStart:
			ag.ActualStartTime = timePtr(now)
		case domain.ActionComplete:
			ag.CompletedAt = timePtr(now)
			paid := ag.AgreedAmountCents
			if req.FinalAmountPaidCents != nil {
				if *req.FinalAmountPaidCents < 0 {
					return domain.Validationf("final_amount_paid_cents", "final amount must not be negative")
				}
				paid = *req.FinalAmountPaidCents
			}
			ag.FinalAmountPaidCents = &paid
		}
		if err := e.Repo.UpdateAgreement(ctx, tx, ag); err != nil {
			return err
		}
		ag.Version++

		if err := e.applyOfferEffect(ctx, tx, req, &ag, offer); err != nil {
			return err
		}

		if req.Note != "" {
			entry, err := e.Repo.AppendNote(ctx, tx, ag.ID, req.Actor.ID, now, map[string]any{
				"text":   req.Note,
				"action": req.Action,
			})
			if err != nil {
				return err
			}
			ag.NegotiationNotes = append(ag.NegotiationNotes, entry)
		}

		payload := events.EventPayload{"from": from, "to": next, "offer_id": ag.OfferID}
		if req.Reason != "" {
			payload["reason"] = req.Reason
		}
		return e.Events.Append(ctx, tx, "agreement."+string(req.Action), "agreement", ag.ID, req.Actor.ID, payload)
	})
	if err != nil {
		return domain.ServiceAgreement{}, err
	}
	return ag, nil
}

// applyOfferEffect carries out the offer and execution side of a transition
// that has already been written to the agreement row.
func (e Engine) applyOfferEffect(ctx context.Context, tx *sqlair.TX, req TransitionRequest, ag *domain.ServiceAgreement, offer domain.ServiceOffer) error {
	now := e.now()
	switch req.Action {
	case domain.ActionApprove:
		if offer.Status == domain.OfferOpen || offer.Status == domain.OfferPending {
			return e.setOfferStatus(ctx, tx, &offer, domain.OfferAccepted, req.Actor, "approve")
		}
		return nil

	case domain.ActionReject, domain.ActionCancel:
		_, err := e.release(ctx, tx, offer.ID, ag.ID, true, req.Actor)
		return err

	case domain.ActionStart:
		x := domain.ServiceExecution{
			ID:          newID(),
			AgreementID: ag.ID,
			StartedAt:   now,
			Version:     1,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertExecution(ctx, tx, x); err != nil {
			return err
		}
		switch offer.Status {
		case domain.OfferOpen, domain.OfferPending, domain.OfferAccepted, domain.OfferExpired:
			return e.setOfferStatus(ctx, tx, &offer, domain.OfferInProgress, req.Actor, "start")
		}
		return nil

	case domain.ActionComplete:
		x, err := e.Repo.GetExecution(ctx, tx, ag.ID)
		if err != nil {
			return err
		}
		x.CompletionPercentage = 100
		x.CompletedAt = timePtr(now)
		if x.Paused {
			x.Paused = false
			x.ResumedAt = timePtr(now)
		}
		x.UpdatedAt = now
		if err := e.Repo.UpdateExecution(ctx, tx, x); err != nil {
			return err
		}
		offer, err = e.release(ctx, tx, offer.ID, ag.ID, false, req.Actor)
		if err != nil {
			return err
		}
		others, err := e.Repo.CountCommitted(ctx, tx, offer.ID, ag.ID)
		if err != nil {
			return err
		}
		if others == 0 && offer.Status != domain.OfferCompleted {
			return e.setOfferStatus(ctx, tx, &offer, domain.OfferCompleted, req.Actor, "complete")
		}
		return nil
	}
	return nil
}

// CancelAgreement cancels a PROPOSED or ACCEPTED agreement.
func (e Engine) CancelAgreement(ctx context.Context, id, reason string, actor domain.Actor) (domain.ServiceAgreement, error) {
	return e.TransitionAgreement(ctx, TransitionRequest{
		AgreementID: id,
		Action:      domain.ActionCancel,
		Actor:       actor,
		Reason:      reason,
	})
}

// AddNegotiationNote appends text to the agreement's negotiation log.
func (e Engine) AddNegotiationNote(ctx context.Context, id string, author domain.Actor, text string) (domain.LogEntry, error) {
	if text == "" {
		return domain.LogEntry{}, domain.Validationf("text", "note text is required")
	}
	if err := validateActor(author); err != nil {
		return domain.LogEntry{}, err
	}
	var entry domain.LogEntry
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		ag, err := e.Repo.GetAgreement(ctx, tx, id)
		if err != nil {
			return err
		}
		if ag.Status.Terminal() {
			return domain.InvalidStatef(string(ag.Status), "agreement %s is %s", ag.ID, ag.Status)
		}
		offer, err := e.Repo.GetOffer(ctx, tx, ag.OfferID)
		if err != nil {
			return err
		}
		if err := authorize(author, domain.ByEither, offer, ag); err != nil {
			return err
		}
		entry, err = e.Repo.AppendNote(ctx, tx, ag.ID, author.ID, e.now(), map[string]any{"text": text})
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "agreement.note", "agreement", ag.ID, author.ID, events.EventPayload{
			"seq": entry.Seq,
		})
	})
	if err != nil {
		return domain.LogEntry{}, err
	}
	return entry, nil
}

func (e Engine) GetAgreement(ctx context.Context, id string) (domain.ServiceAgreement, error) {
	return e.Repo.GetAgreement(ctx, e.DB, id)
}

func (e Engine) ListAgreements(ctx context.Context, f repo.AgreementFilters) ([]domain.ServiceAgreement, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Validationf("status", "unknown agreement status %q", f.Status)
	}
	return e.Repo.ListAgreements(ctx, e.DB, f)
}

package engine

import (
	"context"
	"time"

	"github.com/canonical/sqlair"

	"marketline/internal/domain"
	"marketline/internal/eligibility"
	"marketline/internal/events"
	"marketline/internal/metrics"
)

// ApplyRequest carries an associate's proposed terms for an offer.
type ApplyRequest struct {
	OfferID           string
	AssociateID       string
	AgreedAmountCents int64
	AgreedStartTime   time.Time
	// DurationHours overrides the offer and service duration estimates.
	DurationHours *float64
	Deliverables  []string
	Instructions  string
	Note          string
}

// withinVariance reports whether agreed is within bps basis points of
// offered.
func withinVariance(agreed, offered, bps int64) bool {
	diff := agreed - offered
	if diff < 0 {
		diff = -diff
	}
	return diff*10000 <= bps*offered
}

// maxDurationHours caps duration overrides for services without their own
// maximum.
const maxDurationHours = 24 * 366

// durationLimit is the largest duration override accepted for the service.
func (e Engine) durationLimit(ctx context.Context, tx *sqlair.TX, serviceID string) (float64, error) {
	svc, err := e.Repo.GetService(ctx, tx, serviceID)
	if err != nil {
		return 0, err
	}
	if svc.MaxDurationHours > 0 && svc.MaxDurationHours < maxDurationHours {
		return svc.MaxDurationHours, nil
	}
	return maxDurationHours, nil
}

func durationOf(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

// ApplyForOffer creates a PROPOSED agreement for the associate and takes one
// of the offer's applicant slots. Either both happen or neither does.
func (e Engine) ApplyForOffer(ctx context.Context, req ApplyRequest) (domain.ServiceAgreement, error) {
	start := time.Now()
	ag, err := e.applyForOffer(ctx, req)
	metrics.OperationLatency.WithLabelValues("apply").Observe(time.Since(start).Seconds())
	outcome := metrics.Outcome(err)
	if err == nil {
		outcome = "accepted"
	}
	metrics.Applications.WithLabelValues(outcome).Inc()
	return ag, err
}

func (e Engine) applyForOffer(ctx context.Context, req ApplyRequest) (domain.ServiceAgreement, error) {
	if req.OfferID == "" {
		return domain.ServiceAgreement{}, domain.Validationf("offer_id", "offer_id is required")
	}
	if req.AssociateID == "" {
		return domain.ServiceAgreement{}, domain.Validationf("associate_id", "associate_id is required")
	}
	now := e.now()
	var ag domain.ServiceAgreement
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		offer, err := e.Repo.GetOffer(ctx, tx, req.OfferID)
		if err != nil {
			return err
		}
		if offer.Status == domain.OfferExpired {
			return expiredError(offer)
		}
		if offer.Status == domain.OfferPending {
			if offer.ExpiredAt(now) {
				return expiredError(offer)
			}
			return capacityError(offer)
		}
		if offer.Status != domain.OfferOpen {
			return domain.InvalidStatef(string(offer.Status), "offer %s is %s and not accepting applications", offer.ID, offer.Status)
		}
		if flipped, err := e.expireIfDue(ctx, tx, &offer); err != nil {
			return err
		} else if flipped {
			metrics.OffersExpired.WithLabelValues("lazy").Inc()
			return commitAnd{err: expiredError(offer)}
		}

		if _, found, err := e.Repo.FindAgreement(ctx, tx, offer.ID, req.AssociateID); err != nil {
			return err
		} else if found {
			return domain.Conflictf("associate %s already applied to offer %s", req.AssociateID, offer.ID)
		}
		holders, err := e.Repo.CountSlotHolders(ctx, tx, offer.ID)
		if err != nil {
			return err
		}
		if holders >= offer.MaxApplicants {
			return capacityError(offer)
		}

		profile, err := e.Repo.GetProfile(ctx, tx, req.AssociateID)
		if err != nil {
			return err
		}
		if reason, ok := eligibility.Check(offer, req.AssociateID, profile); !ok {
			return eligibility.Error(reason, offer.ID, req.AssociateID)
		}

		if req.AgreedAmountCents <= 0 {
			return domain.Validationf("agreed_amount_cents", "agreed amount must be positive")
		}
		if !withinVariance(req.AgreedAmountCents, offer.OfferedAmountCents, e.rateVarianceBps()) {
			return &domain.Error{
				Kind:  domain.ErrOutOfRange,
				Field: "agreed_amount_cents",
				Message: "agreed amount " + formatCents(req.AgreedAmountCents) +
					" is outside the allowed range around " + formatCents(offer.OfferedAmountCents),
			}
		}
		if req.AgreedStartTime.IsZero() {
			return domain.Validationf("agreed_start_time", "agreed_start_time is required")
		}
		if req.AgreedStartTime.Before(now) {
			return &domain.Error{
				Kind:    domain.ErrInvalidStartTime,
				Field:   "agreed_start_time",
				Message: "agreed start time is in the past",
			}
		}

		var hours float64
		switch {
		case req.DurationHours != nil:
			if !(*req.DurationHours > 0) {
				return domain.Validationf("duration_hours", "duration must be positive")
			}
			limit, err := e.durationLimit(ctx, tx, offer.ServiceID)
			if err != nil {
				return err
			}
			if *req.DurationHours > limit {
				return domain.Validationf("duration_hours", "duration %g hours exceeds the %g hour limit", *req.DurationHours, limit)
			}
			hours = *req.DurationHours
		case offer.EstimatedDurationHours != nil:
			hours = *offer.EstimatedDurationHours
		default:
			svc, err := e.Repo.GetService(ctx, tx, offer.ServiceID)
			if err != nil {
				return err
			}
			hours = svc.EstimatedDurationHours
		}

		if _, err := e.reserve(ctx, tx, offer.ID); err != nil {
			return err
		}

		startAt := req.AgreedStartTime.UTC()
		ag = domain.ServiceAgreement{
			ID:                      newID(),
			OfferID:                 offer.ID,
			AssociateID:             req.AssociateID,
			AgreedAmountCents:       req.AgreedAmountCents,
			AgreedStartTime:         startAt,
			EstimatedCompletionTime: startAt.Add(durationOf(hours)),
			Deliverables:            emptyIfNil(req.Deliverables),
			Instructions:            req.Instructions,
			Status:                  domain.AgreementProposed,
			NegotiationNotes:        []domain.LogEntry{},
			Version:                 1,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if err := e.Repo.InsertAgreement(ctx, tx, ag); err != nil {
			return err
		}
		if req.Note != "" {
			entry, err := e.Repo.AppendNote(ctx, tx, ag.ID, req.AssociateID, now, map[string]any{"text": req.Note})
			if err != nil {
				return err
			}
			ag.NegotiationNotes = append(ag.NegotiationNotes, entry)
		}
		return e.Events.Append(ctx, tx, "agreement.proposed", "agreement", ag.ID, req.AssociateID, events.EventPayload{
			"offer_id":      offer.ID,
			"agreed_amount": ag.AgreedAmountCents,
		})
	})
	if err != nil {
		return domain.ServiceAgreement{}, err
	}
	logger.Debugf("associate %s applied to offer %s (agreement %s)", req.AssociateID, req.OfferID, ag.ID)
	return ag, nil
}

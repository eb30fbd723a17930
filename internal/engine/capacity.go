package engine

import (
	"context"
	"fmt"

	"github.com/canonical/sqlair"

	"marketline/internal/domain"
	"marketline/internal/events"
	"marketline/internal/repo"
)

// reserve takes one applicant slot on the offer. The conditional update is
// the compare-and-increment: losing a race affects zero rows.
func (e Engine) reserve(ctx context.Context, tx *sqlair.TX, offerID string) (domain.ServiceOffer, error) {
	now := e.now()
	ok, err := e.Repo.ReserveSlot(ctx, tx, offerID, now)
	if err != nil {
		return domain.ServiceOffer{}, err
	}
	offer, err := e.Repo.GetOffer(ctx, tx, offerID)
	if err != nil {
		return domain.ServiceOffer{}, err
	}
	if !ok {
		if offer.Status != domain.OfferOpen && offer.Status != domain.OfferPending {
			return offer, domain.InvalidStatef(string(offer.Status), "offer %s is %s", offer.ID, offer.Status)
		}
		logger.Infof("offer %s: no free slot (%d/%d)", offer.ID, offer.CurrentApplicants, offer.MaxApplicants)
		return offer, capacityError(offer)
	}
	return offer, nil
}

// capacityError reports a full offer. PENDING means every slot is held.
func capacityError(offer domain.ServiceOffer) error {
	return &domain.Error{
		Kind:    domain.ErrCapacityExceeded,
		State:   string(offer.Status),
		Message: fmt.Sprintf("offer %s has no free applicant slots (%d/%d)", offer.ID, offer.CurrentApplicants, offer.MaxApplicants),
	}
}

// release frees the slot held by agreementID and recomputes the offer status.
// With reopen set, an ACCEPTED offer left without committed agreements goes
// back to OPEN, or to PENDING if it is still full.
func (e Engine) release(ctx context.Context, tx *sqlair.TX, offerID, agreementID string, reopen bool, actor domain.Actor) (domain.ServiceOffer, error) {
	now := e.now()
	if err := e.Repo.ReleaseSlot(ctx, tx, offerID, now); err != nil {
		return domain.ServiceOffer{}, err
	}
	offer, err := e.Repo.GetOffer(ctx, tx, offerID)
	if err != nil {
		return domain.ServiceOffer{}, err
	}

	target := offer.Status
	switch offer.Status {
	case domain.OfferPending:
		if offer.HasCapacity() {
			target = domain.OfferOpen
		}
	case domain.OfferAccepted:
		if !reopen {
			break
		}
		committed, err := e.Repo.CountCommitted(ctx, tx, offerID, agreementID)
		if err != nil {
			return domain.ServiceOffer{}, err
		}
		if committed == 0 {
			if offer.HasCapacity() {
				target = domain.OfferOpen
			} else {
				target = domain.OfferPending
			}
		}
	}
	if target == domain.OfferOpen && offer.ExpiredAt(now) {
		target = domain.OfferExpired
	}
	if target == offer.Status {
		return offer, nil
	}
	if err := e.setOfferStatus(ctx, tx, &offer, target, actor, "release"); err != nil {
		return domain.ServiceOffer{}, err
	}
	return offer, nil
}

// setOfferStatus moves offer to status and records an offer.status event.
func (e Engine) setOfferStatus(ctx context.Context, tx *sqlair.TX, offer *domain.ServiceOffer, to domain.OfferStatus, actor domain.Actor, cause string) error {
	now := e.now()
	from := offer.Status
	ok, err := e.Repo.SetOfferStatus(ctx, tx, offer.ID, from, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Conflictf("offer %s changed status concurrently", offer.ID)
	}
	offer.Status = to
	offer.UpdatedAt = now
	offer.Version++
	evt := "offer.status"
	if to == domain.OfferExpired {
		evt = "offer.expired"
	}
	return e.Events.Append(ctx, tx, evt, "offer", offer.ID, actor.ID, events.EventPayload{
		"from":  from,
		"to":    to,
		"cause": cause,
	})
}

// AuditCapacity reports offers whose applicant count disagrees with the
// agreements holding their slots. A healthy store returns none.
func (e Engine) AuditCapacity(ctx context.Context) ([]repo.CapacityDrift, error) {
	return e.Repo.CapacityDrifts(ctx, e.DB)
}

package engine

import (
	"context"
	"time"

	"github.com/canonical/sqlair"

	"marketline/internal/domain"
	"marketline/internal/metrics"
)

func expiredError(offer domain.ServiceOffer) error {
	msg := "offer " + offer.ID + " has expired"
	if offer.ExpiresAt != nil {
		msg += " at " + offer.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return &domain.Error{Kind: domain.ErrExpired, State: string(domain.OfferExpired), Message: msg}
}

// expireIfDue persists EXPIRED for an OPEN offer whose expiry has passed.
func (e Engine) expireIfDue(ctx context.Context, tx *sqlair.TX, offer *domain.ServiceOffer) (bool, error) {
	if offer.Status != domain.OfferOpen || !offer.ExpiredAt(e.now()) {
		return false, nil
	}
	if err := e.setOfferStatus(ctx, tx, offer, domain.OfferExpired, domain.System, "expiry"); err != nil {
		return false, err
	}
	logger.Debugf("offer %s expired", offer.ID)
	return true, nil
}

// expireDue flips up to limit due offers and returns their ids. A limit of
// zero or less means no limit.
func (e Engine) expireDue(ctx context.Context, tx *sqlair.TX, limit int) ([]string, error) {
	ids, err := e.Repo.OffersDueForExpiry(ctx, tx, e.now(), limit)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		offer, err := e.Repo.GetOffer(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if _, err := e.expireIfDue(ctx, tx, &offer); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ExpireOffers moves every OPEN offer past its expiry to EXPIRED, at most
// limit per call. It returns the number of offers expired.
func (e Engine) ExpireOffers(ctx context.Context, limit int) (int, error) {
	var ids []string
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		var err error
		ids, err = e.expireDue(ctx, tx, limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.OffersExpired.WithLabelValues("sweep").Add(float64(len(ids)))
	if len(ids) > 0 {
		logger.Infof("expired %d offers", len(ids))
	}
	return len(ids), nil
}

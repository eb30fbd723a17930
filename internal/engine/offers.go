package engine

import (
	"context"
	"time"

	"github.com/canonical/sqlair"

	"marketline/internal/domain"
	"marketline/internal/eligibility"
	"marketline/internal/events"
	"marketline/internal/metrics"
	"marketline/internal/repo"
)

// OfferSpec are parameters for posting a new offer.
type OfferSpec struct {
	ID                     string
	ServiceID              string
	LocationID             string
	Title                  string
	Description            string
	Urgency                domain.Urgency
	PreferredStartDate     time.Time
	LatestStartDate        *time.Time
	MustCompleteBy         *time.Time
	ExpiresAt              *time.Time
	OfferedAmountCents     int64
	PaymentStructure       domain.PaymentStructure
	EstimatedDurationHours *float64
	Instructions           string
	PreferredAssociates    []string
	ExcludedAssociates     []string
	MinimumExperienceLevel int
	RequiredCertifications []string
	MaxApplicants          int
	CreatedBy              string
}

// OfferPatch holds the fields UpdateOffer may change. Nil means unchanged.
type OfferPatch struct {
	Title                  *string
	Description            *string
	Urgency                *domain.Urgency
	PreferredStartDate     *time.Time
	LatestStartDate        *time.Time
	MustCompleteBy         *time.Time
	ExpiresAt              *time.Time
	OfferedAmountCents     *int64
	PaymentStructure       *domain.PaymentStructure
	EstimatedDurationHours *float64
	Instructions           *string
	PreferredAssociates    *[]string
	ExcludedAssociates     *[]string
	MinimumExperienceLevel *int
	RequiredCertifications *[]string
	MaxApplicants          *int
}

// OfferQuery filters ListOffers. When AssociateID is set only offers that
// associate is eligible for are returned.
type OfferQuery struct {
	repo.OfferFilters
	AssociateID string
}

type offerChecks struct {
	startDate bool
	expiry    bool
}

func validateOffer(o domain.ServiceOffer, now time.Time, checks offerChecks) error {
	if o.ServiceID == "" {
		return domain.Validationf("service_id", "service_id is required")
	}
	if o.LocationID == "" {
		return domain.Validationf("location_id", "location_id is required")
	}
	if o.Title == "" {
		return domain.Validationf("title", "title is required")
	}
	switch o.Urgency {
	case domain.UrgencyLow, domain.UrgencyNormal, domain.UrgencyHigh, domain.UrgencyUrgent:
	default:
		return domain.Validationf("urgency", "unknown urgency %q", o.Urgency)
	}
	switch o.PaymentStructure {
	case domain.PaymentFixed, domain.PaymentHourly, domain.PaymentMilestone:
	default:
		return domain.Validationf("payment_structure", "unknown payment structure %q", o.PaymentStructure)
	}
	if o.OfferedAmountCents <= 0 {
		return domain.Validationf("offered_amount_cents", "offered amount must be positive")
	}
	if o.MaxApplicants < 1 {
		return domain.Validationf("max_applicants", "max_applicants must be at least 1")
	}
	if o.MinimumExperienceLevel < 0 {
		return domain.Validationf("minimum_experience_level", "minimum experience level must not be negative")
	}
	if o.EstimatedDurationHours != nil && *o.EstimatedDurationHours <= 0 {
		return domain.Validationf("estimated_duration_hours", "estimated duration must be positive")
	}
	if o.PreferredStartDate.IsZero() {
		return domain.Validationf("preferred_start_date", "preferred_start_date is required")
	}
	if checks.startDate && o.PreferredStartDate.Before(now) {
		return domain.Validationf("preferred_start_date", "preferred start date is in the past")
	}
	if o.LatestStartDate != nil && o.LatestStartDate.Before(o.PreferredStartDate) {
		return domain.Validationf("latest_start_date", "latest start date is before the preferred start date")
	}
	if o.MustCompleteBy != nil && o.MustCompleteBy.Before(o.PreferredStartDate) {
		return domain.Validationf("must_complete_by", "completion deadline is before the preferred start date")
	}
	if checks.expiry && o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
		return domain.Validationf("expires_at", "expiry must be in the future")
	}
	return nil
}

func emptyIfNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// CreateOffer posts a new OPEN offer for an active service.
func (e Engine) CreateOffer(ctx context.Context, spec OfferSpec) (domain.ServiceOffer, error) {
	now := e.now()
	o := domain.ServiceOffer{
		ID:                     spec.ID,
		ServiceID:              spec.ServiceID,
		LocationID:             spec.LocationID,
		Title:                  spec.Title,
		Description:            spec.Description,
		Urgency:                spec.Urgency,
		PreferredStartDate:     spec.PreferredStartDate.UTC(),
		LatestStartDate:        spec.LatestStartDate,
		MustCompleteBy:         spec.MustCompleteBy,
		ExpiresAt:              spec.ExpiresAt,
		OfferedAmountCents:     spec.OfferedAmountCents,
		PaymentStructure:       spec.PaymentStructure,
		EstimatedDurationHours: spec.EstimatedDurationHours,
		Instructions:           spec.Instructions,
		PreferredAssociates:    emptyIfNil(spec.PreferredAssociates),
		ExcludedAssociates:     emptyIfNil(spec.ExcludedAssociates),
		MinimumExperienceLevel: spec.MinimumExperienceLevel,
		RequiredCertifications: emptyIfNil(spec.RequiredCertifications),
		MaxApplicants:          spec.MaxApplicants,
		CurrentApplicants:      0,
		Status:                 domain.OfferOpen,
		Version:                1,
		CreatedBy:              spec.CreatedBy,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if o.ID == "" {
		o.ID = newID()
	}
	if o.Urgency == "" {
		o.Urgency = domain.UrgencyNormal
	}
	if o.PaymentStructure == "" {
		o.PaymentStructure = domain.PaymentFixed
	}
	if o.MaxApplicants == 0 {
		o.MaxApplicants = e.defaultMaxApplicants()
	}
	if o.CreatedBy == "" {
		o.CreatedBy = o.LocationID
	}
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		if o.ServiceID == "" {
			return domain.Validationf("service_id", "service_id is required")
		}
		svc, err := e.Repo.GetService(ctx, tx, o.ServiceID)
		if err != nil {
			return err
		}
		if !svc.Active {
			return domain.Validationf("service_id", "service %s is not active", svc.ID)
		}
		if o.Title == "" {
			o.Title = svc.Name
		}
		if err := validateOffer(o, now, offerChecks{startDate: true, expiry: true}); err != nil {
			return err
		}
		if err := e.Repo.InsertOffer(ctx, tx, o); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "offer.created", "offer", o.ID, o.CreatedBy, events.EventPayload{
			"service_id":     o.ServiceID,
			"location_id":    o.LocationID,
			"max_applicants": o.MaxApplicants,
			"offered_amount": o.OfferedAmountCents,
		})
	})
	if err != nil {
		return domain.ServiceOffer{}, err
	}
	logger.Debugf("offer %s created by %s", o.ID, o.CreatedBy)
	return o, nil
}

// GetOffer returns an offer with its effective status. An OPEN offer past
// its expiry is persisted as EXPIRED before it is returned.
func (e Engine) GetOffer(ctx context.Context, id string) (domain.ServiceOffer, error) {
	var offer domain.ServiceOffer
	expired := 0
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		var err error
		offer, err = e.Repo.GetOffer(ctx, tx, id)
		if err != nil {
			return err
		}
		flipped, err := e.expireIfDue(ctx, tx, &offer)
		if flipped {
			expired++
		}
		return err
	})
	if err != nil {
		return domain.ServiceOffer{}, err
	}
	metrics.OffersExpired.WithLabelValues("lazy").Add(float64(expired))
	return offer, nil
}

// ListOffers flips every due OPEN offer to EXPIRED and returns the matching
// offers, newest first. EXPIRED offers are only included on request.
func (e Engine) ListOffers(ctx context.Context, q OfferQuery) ([]domain.ServiceOffer, error) {
	page, err := e.listOffers(ctx, q, false)
	return page.Offers, err
}

// OfferPage is one page of offers.
type OfferPage struct {
	Offers []domain.ServiceOffer
	// After is the last offer scanned for this page. It is nil on the last
	// page.
	After *domain.ServiceOffer
}

// ListOffersPage is ListOffers with a continuation point. With an associate
// filter a page may hold fewer than q.Limit offers even when more follow.
func (e Engine) ListOffersPage(ctx context.Context, q OfferQuery) (OfferPage, error) {
	return e.listOffers(ctx, q, true)
}

func (e Engine) listOffers(ctx context.Context, q OfferQuery, paged bool) (OfferPage, error) {
	var page OfferPage
	var expired []string
	filters := q.OfferFilters
	if paged && filters.Limit > 0 {
		filters.Limit++
	}
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		var err error
		if expired, err = e.expireDue(ctx, tx, -1); err != nil {
			return err
		}
		offers, err := e.Repo.ListOffers(ctx, tx, filters)
		if err != nil {
			return err
		}
		if paged && q.Limit > 0 && len(offers) > q.Limit {
			offers = offers[:q.Limit]
			last := offers[len(offers)-1]
			page.After = &last
		}
		if q.AssociateID != "" {
			profile, err := e.Repo.GetProfile(ctx, tx, q.AssociateID)
			if err != nil {
				return err
			}
			offers = eligibility.Filter(offers, q.AssociateID, profile)
		}
		page.Offers = offers
		return nil
	})
	if err != nil {
		return OfferPage{}, err
	}
	metrics.OffersExpired.WithLabelValues("lazy").Add(float64(len(expired)))
	return page, nil
}

// UpdateOffer applies patch to an OPEN or PENDING offer that has no
// accepted or active agreements.
func (e Engine) UpdateOffer(ctx context.Context, id string, actor domain.Actor, patch OfferPatch) (domain.ServiceOffer, error) {
	now := e.now()
	var offer domain.ServiceOffer
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		var err error
		offer, err = e.Repo.GetOffer(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := requireOfferOwner(actor, offer); err != nil {
			return err
		}
		if flipped, err := e.expireIfDue(ctx, tx, &offer); err != nil {
			return err
		} else if flipped {
			metrics.OffersExpired.WithLabelValues("lazy").Inc()
			return commitAnd{err: expiredError(offer)}
		}
		if offer.Status.Terminal() {
			return domain.InvalidStatef(string(offer.Status), "offer %s is %s and cannot be updated", offer.ID, offer.Status)
		}
		committed, err := e.Repo.CountCommitted(ctx, tx, offer.ID, "")
		if err != nil {
			return err
		}
		if committed > 0 {
			return domain.Conflictf("offer %s has %d accepted or active agreements", offer.ID, committed)
		}
		if offer.Status != domain.OfferOpen && offer.Status != domain.OfferPending {
			return domain.InvalidStatef(string(offer.Status), "offer %s is %s and cannot be updated", offer.ID, offer.Status)
		}
		updated := applyOfferPatch(offer, patch)
		checks := offerChecks{
			startDate: patch.PreferredStartDate != nil,
			expiry:    patch.ExpiresAt != nil,
		}
		if err := validateOffer(updated, now, checks); err != nil {
			return err
		}
		if updated.MaxApplicants < updated.CurrentApplicants {
			return domain.Validationf("max_applicants", "max_applicants %d is below the %d current applicants",
				updated.MaxApplicants, updated.CurrentApplicants)
		}
		if updated.HasCapacity() {
			updated.Status = domain.OfferOpen
		} else {
			updated.Status = domain.OfferPending
		}
		updated.UpdatedAt = now
		if err := e.Repo.UpdateOffer(ctx, tx, updated); err != nil {
			return err
		}
		updated.Version++
		offer = updated
		return e.Events.Append(ctx, tx, "offer.updated", "offer", offer.ID, actor.ID, events.EventPayload{
			"status":         offer.Status,
			"max_applicants": offer.MaxApplicants,
		})
	})
	if err != nil {
		return domain.ServiceOffer{}, err
	}
	return offer, nil
}

func applyOfferPatch(o domain.ServiceOffer, p OfferPatch) domain.ServiceOffer {
	if p.Title != nil {
		o.Title = *p.Title
	}
	if p.Description != nil {
		o.Description = *p.Description
	}
	if p.Urgency != nil {
		o.Urgency = *p.Urgency
	}
	if p.PreferredStartDate != nil {
		o.PreferredStartDate = p.PreferredStartDate.UTC()
	}
	if p.LatestStartDate != nil {
		o.LatestStartDate = p.LatestStartDate
	}
	if p.MustCompleteBy != nil {
		o.MustCompleteBy = p.MustCompleteBy
	}
	if p.ExpiresAt != nil {
		o.ExpiresAt = p.ExpiresAt
	}
	if p.OfferedAmountCents != nil {
		o.OfferedAmountCents = *p.OfferedAmountCents
	}
	if p.PaymentStructure != nil {
		o.PaymentStructure = *p.PaymentStructure
	}
	if p.EstimatedDurationHours != nil {
		o.EstimatedDurationHours = p.EstimatedDurationHours
	}
	if p.Instructions != nil {
		o.Instructions = *p.Instructions
	}
	if p.PreferredAssociates != nil {
		o.PreferredAssociates = emptyIfNil(*p.PreferredAssociates)
	}
	if p.ExcludedAssociates != nil {
		o.ExcludedAssociates = emptyIfNil(*p.ExcludedAssociates)
	}
	if p.MinimumExperienceLevel != nil {
		o.MinimumExperienceLevel = *p.MinimumExperienceLevel
	}
	if p.RequiredCertifications != nil {
		o.RequiredCertifications = emptyIfNil(*p.RequiredCertifications)
	}
	if p.MaxApplicants != nil {
		o.MaxApplicants = *p.MaxApplicants
	}
	return o
}

// CancelOffer withdraws an offer. Pending proposals are cancelled with it.
// Cancelling an already cancelled offer returns it unchanged.
func (e Engine) CancelOffer(ctx context.Context, id string, actor domain.Actor, reason string) (domain.ServiceOffer, error) {
	now := e.now()
	var offer domain.ServiceOffer
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		var err error
		offer, err = e.Repo.GetOffer(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := requireOfferOwner(actor, offer); err != nil {
			return err
		}
		if offer.Status == domain.OfferCancelled {
			return nil
		}
		if offer.Status == domain.OfferCompleted {
			return domain.InvalidStatef(string(offer.Status), "offer %s is already completed", offer.ID)
		}
		committed, err := e.Repo.CountCommitted(ctx, tx, offer.ID, "")
		if err != nil {
			return err
		}
		if committed > 0 {
			return domain.Conflictf("offer %s has %d accepted or active agreements", offer.ID, committed)
		}
		proposed, err := e.Repo.ListAgreements(ctx, tx, repo.AgreementFilters{
			OfferID: offer.ID,
			Status:  domain.AgreementProposed,
		})
		if err != nil {
			return err
		}
		cascadeReason := "offer cancelled"
		if reason != "" {
			cascadeReason = "offer cancelled: " + reason
		}
		for _, ag := range proposed {
			ag.Status = domain.AgreementCancelled
			ag.CancelledBy = strPtr(actor.ID)
			ag.CancelledAt = timePtr(now)
			ag.CancellationReason = strPtr(cascadeReason)
			ag.UpdatedAt = now
			if err := e.Repo.UpdateAgreement(ctx, tx, ag); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "agreement.cancelled", "agreement", ag.ID, actor.ID, events.EventPayload{
				"offer_id": offer.ID,
				"reason":   cascadeReason,
			}); err != nil {
				return err
			}
		}
		if err := e.Repo.ResetSlots(ctx, tx, offer.ID, now); err != nil {
			return err
		}
		from := offer.Status
		if ok, err := e.Repo.SetOfferStatus(ctx, tx, offer.ID, from, domain.OfferCancelled, now); err != nil {
			return err
		} else if !ok {
			return domain.Conflictf("offer %s changed status concurrently", offer.ID)
		}
		offer.Status = domain.OfferCancelled
		offer.CurrentApplicants = 0
		offer.UpdatedAt = now
		offer.Version += 2
		return e.Events.Append(ctx, tx, "offer.cancelled", "offer", offer.ID, actor.ID, events.EventPayload{
			"from_status":         from,
			"reason":              reason,
			"cancelled_proposals": len(proposed),
		})
	})
	if err != nil {
		return domain.ServiceOffer{}, err
	}
	return offer, nil
}

// Package eligibility decides whether an associate may see and apply for a
// service offer.
package eligibility

import (
	"github.com/juju/collections/set"

	"marketline/internal/domain"
)

// Reason explains why an associate is not eligible.
type Reason string

const (
	Eligible               Reason = ""
	Excluded               Reason = "excluded"
	NotPreferred           Reason = "not_preferred"
	InsufficientExperience Reason = "insufficient_experience"
	MissingCertification   Reason = "missing_certification"
)

// Check evaluates every eligibility condition and returns the first failing
// reason. The conditions are independent; order only affects which reason is
// reported.
func Check(offer domain.ServiceOffer, associateID string, profile domain.AssociateProfile) (Reason, bool) {
	if set.NewStrings(offer.ExcludedAssociates...).Contains(associateID) {
		return Excluded, false
	}
	if len(offer.PreferredAssociates) > 0 && !set.NewStrings(offer.PreferredAssociates...).Contains(associateID) {
		return NotPreferred, false
	}
	if profile.ExperienceLevel < offer.MinimumExperienceLevel {
		return InsufficientExperience, false
	}
	if missing := MissingCertifications(offer, profile); len(missing) > 0 {
		return MissingCertification, false
	}
	return Eligible, true
}

// IsEligible is Check without the reason.
func IsEligible(offer domain.ServiceOffer, associateID string, profile domain.AssociateProfile) bool {
	_, ok := Check(offer, associateID, profile)
	return ok
}

// MissingCertifications lists the offer's required certifications the
// associate does not hold, sorted.
func MissingCertifications(offer domain.ServiceOffer, profile domain.AssociateProfile) []string {
	if len(offer.RequiredCertifications) == 0 {
		return nil
	}
	held := set.NewStrings(profile.Certifications...)
	return set.NewStrings(offer.RequiredCertifications...).Difference(held).SortedValues()
}

// Filter keeps the offers the associate is eligible for.
func Filter(offers []domain.ServiceOffer, associateID string, profile domain.AssociateProfile) []domain.ServiceOffer {
	out := make([]domain.ServiceOffer, 0, len(offers))
	for _, o := range offers {
		if IsEligible(o, associateID, profile) {
			out = append(out, o)
		}
	}
	return out
}

// Error converts a failed check into a classified engine error.
func Error(reason Reason, offerID, associateID string) error {
	return &domain.Error{
		Kind:    domain.ErrNotEligible,
		Reason:  string(reason),
		Message: "associate " + associateID + " is not eligible for offer " + offerID + ": " + string(reason),
	}
}

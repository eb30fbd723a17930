package engine

import (
	"context"

	"github.com/canonical/sqlair"

	"marketline/internal/domain"
	"marketline/internal/events"
)

func validateService(s domain.Service) error {
	if s.ID == "" {
		return domain.Validationf("id", "service id is required")
	}
	if s.Name == "" {
		return domain.Validationf("name", "service name is required")
	}
	if s.Code == "" {
		return domain.Validationf("code", "service code is required")
	}
	switch s.ComplexityTier {
	case domain.TierBasic, domain.TierStandard, domain.TierAdvanced, domain.TierExpert:
	default:
		return domain.Validationf("complexity_tier", "unknown complexity tier %q", s.ComplexityTier)
	}
	if s.EstimatedDurationHours <= 0 {
		return domain.Validationf("estimated_duration_hours", "estimated duration must be positive")
	}
	if s.MinDurationHours < 0 || s.MaxDurationHours < 0 {
		return domain.Validationf("duration", "duration bounds must not be negative")
	}
	if s.MinDurationHours > 0 && s.MinDurationHours > s.EstimatedDurationHours {
		return domain.Validationf("min_duration_hours", "minimum duration exceeds the estimate")
	}
	if s.MaxDurationHours > 0 && s.MaxDurationHours < s.EstimatedDurationHours {
		return domain.Validationf("max_duration_hours", "maximum duration is below the estimate")
	}
	if s.SuggestedBaseRateCents < 0 {
		return domain.Validationf("suggested_base_rate_cents", "suggested rate must not be negative")
	}
	return nil
}

// UpsertService creates or replaces service definitions. All services are
// written in one transaction.
func (e Engine) UpsertService(ctx context.Context, services ...domain.Service) error {
	for _, s := range services {
		if err := validateService(s); err != nil {
			return err
		}
	}
	now := e.now()
	return e.withTx(ctx, func(tx *sqlair.TX) error {
		for _, s := range services {
			s.RequiredSkills = emptyIfNil(s.RequiredSkills)
			s.RequiredCertifications = emptyIfNil(s.RequiredCertifications)
			s.UpdatedAt = now
			if err := e.Repo.UpsertService(ctx, tx, s); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "service.upserted", "service", s.ID, domain.System.ID, events.EventPayload{
				"code":   s.Code,
				"active": s.Active,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e Engine) GetService(ctx context.Context, id string) (domain.Service, error) {
	return e.Repo.GetService(ctx, e.DB, id)
}

func (e Engine) ListServices(ctx context.Context, activeOnly bool) ([]domain.Service, error) {
	return e.Repo.ListServices(ctx, activeOnly)
}

// UpsertProfile stores the externally supplied facts about an associate.
func (e Engine) UpsertProfile(ctx context.Context, p domain.AssociateProfile) (domain.AssociateProfile, error) {
	if p.AssociateID == "" {
		return p, domain.Validationf("associate_id", "associate_id is required")
	}
	if p.ExperienceLevel < 0 {
		return p, domain.Validationf("experience_level", "experience level must not be negative")
	}
	p.Certifications = emptyIfNil(p.Certifications)
	p.UpdatedAt = e.now()
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		if err := e.Repo.UpsertProfile(ctx, tx, p); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "profile.upserted", "associate", p.AssociateID, p.AssociateID, events.EventPayload{
			"experience_level": p.ExperienceLevel,
			"certifications":   p.Certifications,
		})
	})
	if err != nil {
		return domain.AssociateProfile{}, err
	}
	return p, nil
}

func (e Engine) GetProfile(ctx context.Context, associateID string) (domain.AssociateProfile, error) {
	return e.Repo.GetProfile(ctx, e.DB, associateID)
}

package repo

import (
	"context"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"marketline/internal/domain"
)

type serviceRow struct {
	ID                     string  `db:"id"`
	Name                   string  `db:"name"`
	Code                   string  `db:"code"`
	Category               string  `db:"category"`
	ComplexityTier         string  `db:"complexity_tier"`
	EstimatedDurationHours float64 `db:"estimated_duration_hours"`
	MinDurationHours       float64 `db:"min_duration_hours"`
	MaxDurationHours       float64 `db:"max_duration_hours"`
	RequiredSkills         string  `db:"required_skills_json"`
	RequiredCertifications string  `db:"required_certifications_json"`
	SuggestedBaseRateCents int64   `db:"suggested_base_rate_cents"`
	Active                 int     `db:"active"`
	UpdatedAt              string  `db:"updated_at"`
}

type profileRow struct {
	AssociateID     string `db:"associate_id"`
	ExperienceLevel int    `db:"experience_level"`
	Certifications  string `db:"certifications_json"`
	UpdatedAt       string `db:"updated_at"`
}

var (
	upsertServiceStmt = sqlair.MustPrepare(`
INSERT INTO services (*) VALUES ($serviceRow.*)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    code = excluded.code,
    category = excluded.category,
    complexity_tier = excluded.complexity_tier,
    estimated_duration_hours = excluded.estimated_duration_hours,
    min_duration_hours = excluded.min_duration_hours,
    max_duration_hours = excluded.max_duration_hours,
    required_skills_json = excluded.required_skills_json,
    required_certifications_json = excluded.required_certifications_json,
    suggested_base_rate_cents = excluded.suggested_base_rate_cents,
    active = excluded.active,
    updated_at = excluded.updated_at`, serviceRow{})

	getServiceStmt = sqlair.MustPrepare(`
SELECT &serviceRow.* FROM services WHERE id = $M.id`, serviceRow{}, sqlair.M{})

	listServicesStmt = sqlair.MustPrepare(`
SELECT &serviceRow.* FROM services
WHERE ($M.active_only = 0 OR active = 1)
ORDER BY code`, serviceRow{}, sqlair.M{})

	upsertProfileStmt = sqlair.MustPrepare(`
INSERT INTO associate_profiles (*) VALUES ($profileRow.*)
ON CONFLICT(associate_id) DO UPDATE SET
    experience_level = excluded.experience_level,
    certifications_json = excluded.certifications_json,
    updated_at = excluded.updated_at`, profileRow{})

	getProfileStmt = sqlair.MustPrepare(`
SELECT &profileRow.* FROM associate_profiles WHERE associate_id = $M.id`, profileRow{}, sqlair.M{})
)

func serviceToRow(s domain.Service) serviceRow {
	return serviceRow{
		ID:                     s.ID,
		Name:                   s.Name,
		Code:                   s.Code,
		Category:               s.Category,
		ComplexityTier:         string(s.ComplexityTier),
		EstimatedDurationHours: s.EstimatedDurationHours,
		MinDurationHours:       s.MinDurationHours,
		MaxDurationHours:       s.MaxDurationHours,
		RequiredSkills:         encodeList(s.RequiredSkills),
		RequiredCertifications: encodeList(s.RequiredCertifications),
		SuggestedBaseRateCents: s.SuggestedBaseRateCents,
		Active:                 boolInt(s.Active),
		UpdatedAt:              formatTime(s.UpdatedAt),
	}
}

func (row serviceRow) toDomain() (domain.Service, error) {
	s := domain.Service{
		ID:                     row.ID,
		Name:                   row.Name,
		Code:                   row.Code,
		Category:               row.Category,
		ComplexityTier:         domain.ComplexityTier(row.ComplexityTier),
		EstimatedDurationHours: row.EstimatedDurationHours,
		MinDurationHours:       row.MinDurationHours,
		MaxDurationHours:       row.MaxDurationHours,
		SuggestedBaseRateCents: row.SuggestedBaseRateCents,
		Active:                 row.Active != 0,
	}
	var err error
	if s.RequiredSkills, err = decodeList(row.RequiredSkills); err != nil {
		return s, err
	}
	if s.RequiredCertifications, err = decodeList(row.RequiredCertifications); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) UpsertService(ctx context.Context, q Querier, s domain.Service) error {
	if err := q.Query(ctx, upsertServiceStmt, serviceToRow(s)).Run(); err != nil {
		if IsUniqueViolation(err) {
			return domain.Conflictf("service code %q already used by another service", s.Code)
		}
		return errors.Annotatef(err, "upsert service %s", s.ID)
	}
	return nil
}

func (r Repo) GetService(ctx context.Context, q Querier, id string) (domain.Service, error) {
	var row serviceRow
	err := q.Query(ctx, getServiceStmt, sqlair.M{"id": id}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return domain.Service{}, domain.NotFoundf("service %q not found", id)
	} else if err != nil {
		return domain.Service{}, errors.Annotatef(err, "get service %s", id)
	}
	return row.toDomain()
}

func (r Repo) ListServices(ctx context.Context, activeOnly bool) ([]domain.Service, error) {
	var rows []serviceRow
	err := r.DB.Query(ctx, listServicesStmt, sqlair.M{"active_only": boolInt(activeOnly)}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return []domain.Service{}, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "list services")
	}
	res := make([]domain.Service, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) UpsertProfile(ctx context.Context, q Querier, p domain.AssociateProfile) error {
	row := profileRow{
		AssociateID:     p.AssociateID,
		ExperienceLevel: p.ExperienceLevel,
		Certifications:  encodeList(p.Certifications),
		UpdatedAt:       formatTime(p.UpdatedAt),
	}
	if err := q.Query(ctx, upsertProfileStmt, row).Run(); err != nil {
		return errors.Annotatef(err, "upsert profile %s", p.AssociateID)
	}
	return nil
}

// GetProfile returns the stored profile for an associate. Associates without
// a profile get a zero profile: experience level 0, no certifications.
func (r Repo) GetProfile(ctx context.Context, q Querier, associateID string) (domain.AssociateProfile, error) {
	var row profileRow
	err := q.Query(ctx, getProfileStmt, sqlair.M{"id": associateID}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return domain.AssociateProfile{AssociateID: associateID, Certifications: []string{}}, nil
	} else if err != nil {
		return domain.AssociateProfile{}, errors.Annotatef(err, "get profile %s", associateID)
	}
	p := domain.AssociateProfile{AssociateID: row.AssociateID, ExperienceLevel: row.ExperienceLevel}
	if p.Certifications, err = decodeList(row.Certifications); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return p, err
	}
	return p, nil
}

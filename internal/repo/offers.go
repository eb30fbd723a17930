package repo

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"marketline/internal/domain"
)

type offerRow struct {
	ID                     string  `db:"id"`
	ServiceID              string  `db:"service_id"`
	LocationID             string  `db:"location_id"`
	Title                  string  `db:"title"`
	Description            string  `db:"description"`
	Urgency                string  `db:"urgency"`
	PreferredStartDate     string  `db:"preferred_start_date"`
	LatestStartDate        string  `db:"latest_start_date"`
	MustCompleteBy         string  `db:"must_complete_by"`
	ExpiresAt              string  `db:"expires_at"`
	OfferedAmountCents     int64   `db:"offered_amount_cents"`
	PaymentStructure       string  `db:"payment_structure"`
	EstimatedDurationHours float64 `db:"estimated_duration_hours"`
	Instructions           string  `db:"instructions"`
	PreferredAssociates    string  `db:"preferred_associates_json"`
	ExcludedAssociates     string  `db:"excluded_associates_json"`
	MinimumExperienceLevel int     `db:"minimum_experience_level"`
	RequiredCertifications string  `db:"required_certifications_json"`
	MaxApplicants          int     `db:"max_applicants"`
	CurrentApplicants      int     `db:"current_applicants"`
	Status                 string  `db:"offer_status"`
	Version                int64   `db:"version"`
	CreatedBy              string  `db:"created_by"`
	CreatedAt              string  `db:"created_at"`
	UpdatedAt              string  `db:"updated_at"`
}

type offerIDRow struct {
	ID string `db:"id"`
}

// OfferFilters narrows ListOffers. Zero values mean "any".
type OfferFilters struct {
	LocationID      string
	ServiceID       string
	Status          domain.OfferStatus
	Urgency         domain.Urgency
	IncludeExpired  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

var (
	insertOfferStmt = sqlair.MustPrepare(`
INSERT INTO service_offers (*) VALUES ($offerRow.*)`, offerRow{})

	getOfferStmt = sqlair.MustPrepare(`
SELECT &offerRow.* FROM service_offers WHERE id = $M.id`, offerRow{}, sqlair.M{})

	listOffersStmt = sqlair.MustPrepare(`
SELECT &offerRow.* FROM service_offers
WHERE ($M.location_id = '' OR location_id = $M.location_id)
AND   ($M.service_id = '' OR service_id = $M.service_id)
AND   ($M.status = '' OR offer_status = $M.status)
AND   ($M.urgency = '' OR urgency = $M.urgency)
AND   ($M.include_expired = 1 OR $M.status = 'EXPIRED' OR offer_status != 'EXPIRED')
AND   ($M.cursor_created_at = '' OR created_at < $M.cursor_created_at
       OR (created_at = $M.cursor_created_at AND id < $M.cursor_id))
ORDER BY created_at DESC, id DESC
LIMIT $M.limit`, offerRow{}, sqlair.M{})

	// Only the non-capacity fields; capacity changes go through the slot
	// statements below.
	updateOfferStmt = sqlair.MustPrepare(`
UPDATE service_offers SET
    title = $offerRow.title,
    description = $offerRow.description,
    urgency = $offerRow.urgency,
    preferred_start_date = $offerRow.preferred_start_date,
    latest_start_date = $offerRow.latest_start_date,
    must_complete_by = $offerRow.must_complete_by,
    expires_at = $offerRow.expires_at,
    offered_amount_cents = $offerRow.offered_amount_cents,
    payment_structure = $offerRow.payment_structure,
    estimated_duration_hours = $offerRow.estimated_duration_hours,
    instructions = $offerRow.instructions,
    preferred_associates_json = $offerRow.preferred_associates_json,
    excluded_associates_json = $offerRow.excluded_associates_json,
    minimum_experience_level = $offerRow.minimum_experience_level,
    required_certifications_json = $offerRow.required_certifications_json,
    max_applicants = $offerRow.max_applicants,
    offer_status = $offerRow.offer_status,
    updated_at = $offerRow.updated_at,
    version = version + 1
WHERE id = $offerRow.id AND version = $offerRow.version`, offerRow{})

	setOfferStatusStmt = sqlair.MustPrepare(`
UPDATE service_offers SET
    offer_status = $M.to,
    updated_at = $M.now,
    version = version + 1
WHERE id = $M.id AND offer_status = $M.from`, sqlair.M{})

	reserveSlotStmt = sqlair.MustPrepare(`
UPDATE service_offers SET
    current_applicants = current_applicants + 1,
    offer_status = CASE WHEN current_applicants + 1 >= max_applicants THEN 'PENDING' ELSE offer_status END,
    updated_at = $M.now,
    version = version + 1
WHERE id = $M.id
AND   offer_status = 'OPEN'
AND   current_applicants < max_applicants`, sqlair.M{})

	releaseSlotStmt = sqlair.MustPrepare(`
UPDATE service_offers SET
    current_applicants = MAX(current_applicants - 1, 0),
    updated_at = $M.now,
    version = version + 1
WHERE id = $M.id`, sqlair.M{})

	resetSlotsStmt = sqlair.MustPrepare(`
UPDATE service_offers SET
    current_applicants = 0,
    updated_at = $M.now,
    version = version + 1
WHERE id = $M.id`, sqlair.M{})

	dueForExpiryStmt = sqlair.MustPrepare(`
SELECT &offerIDRow.id FROM service_offers
WHERE offer_status = 'OPEN'
AND   expires_at != ''
AND   expires_at < $M.now
ORDER BY expires_at
LIMIT $M.limit`, offerIDRow{}, sqlair.M{})
)

func offerToRow(o domain.ServiceOffer) offerRow {
	var est float64
	if o.EstimatedDurationHours != nil {
		est = *o.EstimatedDurationHours
	}
	return offerRow{
		ID:                     o.ID,
		ServiceID:              o.ServiceID,
		LocationID:             o.LocationID,
		Title:                  o.Title,
		Description:            o.Description,
		Urgency:                string(o.Urgency),
		PreferredStartDate:     formatTime(o.PreferredStartDate),
		LatestStartDate:        formatOptTime(o.LatestStartDate),
		MustCompleteBy:         formatOptTime(o.MustCompleteBy),
		ExpiresAt:              formatOptTime(o.ExpiresAt),
		OfferedAmountCents:     o.OfferedAmountCents,
		PaymentStructure:       string(o.PaymentStructure),
		EstimatedDurationHours: est,
		Instructions:           o.Instructions,
		PreferredAssociates:    encodeList(o.PreferredAssociates),
		ExcludedAssociates:     encodeList(o.ExcludedAssociates),
		MinimumExperienceLevel: o.MinimumExperienceLevel,
		RequiredCertifications: encodeList(o.RequiredCertifications),
		MaxApplicants:          o.MaxApplicants,
		CurrentApplicants:      o.CurrentApplicants,
		Status:                 string(o.Status),
		Version:                o.Version,
		CreatedBy:              o.CreatedBy,
		CreatedAt:              formatTime(o.CreatedAt),
		UpdatedAt:              formatTime(o.UpdatedAt),
	}
}

func (row offerRow) toDomain() (domain.ServiceOffer, error) {
	o := domain.ServiceOffer{
		ID:                     row.ID,
		ServiceID:              row.ServiceID,
		LocationID:             row.LocationID,
		Title:                  row.Title,
		Description:            row.Description,
		Urgency:                domain.Urgency(row.Urgency),
		OfferedAmountCents:     row.OfferedAmountCents,
		PaymentStructure:       domain.PaymentStructure(row.PaymentStructure),
		Instructions:           row.Instructions,
		MinimumExperienceLevel: row.MinimumExperienceLevel,
		MaxApplicants:          row.MaxApplicants,
		CurrentApplicants:      row.CurrentApplicants,
		Status:                 domain.OfferStatus(row.Status),
		Version:                row.Version,
		CreatedBy:              row.CreatedBy,
	}
	if row.EstimatedDurationHours > 0 {
		est := row.EstimatedDurationHours
		o.EstimatedDurationHours = &est
	}
	var err error
	if o.PreferredStartDate, err = parseTime(row.PreferredStartDate); err != nil {
		return o, err
	}
	if o.LatestStartDate, err = parseOptTime(row.LatestStartDate); err != nil {
		return o, err
	}
	if o.MustCompleteBy, err = parseOptTime(row.MustCompleteBy); err != nil {
		return o, err
	}
	if o.ExpiresAt, err = parseOptTime(row.ExpiresAt); err != nil {
		return o, err
	}
	if o.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return o, err
	}
	if o.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return o, err
	}
	if o.PreferredAssociates, err = decodeList(row.PreferredAssociates); err != nil {
		return o, err
	}
	if o.ExcludedAssociates, err = decodeList(row.ExcludedAssociates); err != nil {
		return o, err
	}
	if o.RequiredCertifications, err = decodeList(row.RequiredCertifications); err != nil {
		return o, err
	}
	return o, nil
}

func (r Repo) InsertOffer(ctx context.Context, tx *sqlair.TX, o domain.ServiceOffer) error {
	if err := tx.Query(ctx, insertOfferStmt, offerToRow(o)).Run(); err != nil {
		return errors.Annotatef(err, "insert offer %s", o.ID)
	}
	return nil
}

func (r Repo) GetOffer(ctx context.Context, q Querier, id string) (domain.ServiceOffer, error) {
	var row offerRow
	err := q.Query(ctx, getOfferStmt, sqlair.M{"id": id}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return domain.ServiceOffer{}, domain.NotFoundf("offer %q not found", id)
	} else if err != nil {
		return domain.ServiceOffer{}, errors.Annotatef(err, "get offer %s", id)
	}
	return row.toDomain()
}

func (r Repo) ListOffers(ctx context.Context, q Querier, f OfferFilters) ([]domain.ServiceOffer, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args := sqlair.M{
		"location_id":       f.LocationID,
		"service_id":        f.ServiceID,
		"status":            string(f.Status),
		"urgency":           string(f.Urgency),
		"include_expired":   boolInt(f.IncludeExpired),
		"cursor_created_at": "",
		"cursor_id":         "",
		"limit":             limit,
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		args["cursor_created_at"] = f.CursorCreatedAt
		args["cursor_id"] = f.CursorID
	}
	var rows []offerRow
	err := q.Query(ctx, listOffersStmt, args).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return []domain.ServiceOffer{}, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "list offers")
	}
	res := make([]domain.ServiceOffer, 0, len(rows))
	for _, row := range rows {
		o, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, nil
}

// UpdateOffer writes the offer's mutable fields, guarded by its version.
func (r Repo) UpdateOffer(ctx context.Context, tx *sqlair.TX, o domain.ServiceOffer) error {
	var outcome sqlair.Outcome
	if err := tx.Query(ctx, updateOfferStmt, offerToRow(o)).Get(&outcome); err != nil {
		return errors.Annotatef(err, "update offer %s", o.ID)
	}
	return expectOneRow(outcome, "offer %q was modified concurrently", o.ID)
}

// SetOfferStatus moves an offer from one status to another. It reports
// false if the offer was no longer in the from status.
func (r Repo) SetOfferStatus(ctx context.Context, tx *sqlair.TX, id string, from, to domain.OfferStatus, now time.Time) (bool, error) {
	var outcome sqlair.Outcome
	err := tx.Query(ctx, setOfferStatusStmt, sqlair.M{
		"id": id, "from": string(from), "to": string(to), "now": formatTime(now),
	}).Get(&outcome)
	if err != nil {
		return false, errors.Annotatef(err, "set offer %s status", id)
	}
	n, err := outcome.Result().RowsAffected()
	if err != nil {
		return false, errors.Trace(err)
	}
	return n == 1, nil
}

// ReserveSlot atomically takes one applicant slot on an OPEN offer with free
// capacity, moving it to PENDING when the last slot is taken. It reports
// false when no slot could be taken.
func (r Repo) ReserveSlot(ctx context.Context, tx *sqlair.TX, id string, now time.Time) (bool, error) {
	var outcome sqlair.Outcome
	err := tx.Query(ctx, reserveSlotStmt, sqlair.M{"id": id, "now": formatTime(now)}).Get(&outcome)
	if err != nil {
		return false, errors.Annotatef(err, "reserve slot on offer %s", id)
	}
	n, err := outcome.Result().RowsAffected()
	if err != nil {
		return false, errors.Trace(err)
	}
	return n == 1, nil
}

// ReleaseSlot frees one applicant slot, never going below zero.
func (r Repo) ReleaseSlot(ctx context.Context, tx *sqlair.TX, id string, now time.Time) error {
	if err := tx.Query(ctx, releaseSlotStmt, sqlair.M{"id": id, "now": formatTime(now)}).Run(); err != nil {
		return errors.Annotatef(err, "release slot on offer %s", id)
	}
	return nil
}

func (r Repo) ResetSlots(ctx context.Context, tx *sqlair.TX, id string, now time.Time) error {
	if err := tx.Query(ctx, resetSlotsStmt, sqlair.M{"id": id, "now": formatTime(now)}).Run(); err != nil {
		return errors.Annotatef(err, "reset slots on offer %s", id)
	}
	return nil
}

// OffersDueForExpiry lists OPEN offers whose expiry instant is before now.
func (r Repo) OffersDueForExpiry(ctx context.Context, q Querier, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []offerIDRow
	err := q.Query(ctx, dueForExpiryStmt, sqlair.M{"now": formatTime(now), "limit": limit}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "list offers due for expiry")
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// CursorFor returns the composite pagination cursor for an offer.
func CursorFor(o domain.ServiceOffer) (string, string) {
	return formatTime(o.CreatedAt), o.ID
}

func expectOneRow(outcome sqlair.Outcome, format string, args ...any) error {
	n, err := outcome.Result().RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n != 1 {
		return domain.Conflictf(format, args...)
	}
	return nil
}

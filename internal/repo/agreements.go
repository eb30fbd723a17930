package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"marketline/internal/domain"
)

type agreementRow struct {
	ID                      string        `db:"id"`
	OfferID                 string        `db:"offer_id"`
	AssociateID             string        `db:"associate_id"`
	AgreedAmountCents       int64         `db:"agreed_amount_cents"`
	AgreedStartTime         string        `db:"agreed_start_time"`
	EstimatedCompletionTime string        `db:"estimated_completion_time"`
	Deliverables            string        `db:"deliverables_json"`
	Instructions            string        `db:"instructions"`
	Status                  string        `db:"agreement_status"`
	ApprovedBy              string        `db:"approved_by"`
	ApprovedAt              string        `db:"approved_at"`
	ActualStartTime         string        `db:"actual_start_time"`
	CompletedAt             string        `db:"completed_at"`
	FinalAmountPaidCents    sql.NullInt64 `db:"final_amount_paid_cents"`
	CancelledBy             string        `db:"cancelled_by"`
	CancelledAt             string        `db:"cancelled_at"`
	CancellationReason      string        `db:"cancellation_reason"`
	Version                 int64         `db:"version"`
	CreatedAt               string        `db:"created_at"`
	UpdatedAt               string        `db:"updated_at"`
}

type noteRow struct {
	AgreementID string `db:"agreement_id"`
	Seq         int64  `db:"seq"`
	At          string `db:"at"`
	Author      string `db:"author"`
	Payload     string `db:"payload_json"`
}

// AgreementFilters narrows ListAgreements. Zero values mean "any".
type AgreementFilters struct {
	OfferID     string
	AssociateID string
	Status      domain.AgreementStatus
	Limit       int
}

var (
	insertAgreementStmt = sqlair.MustPrepare(`
INSERT INTO service_agreements (*) VALUES ($agreementRow.*)`, agreementRow{})

	getAgreementStmt = sqlair.MustPrepare(`
SELECT &agreementRow.* FROM service_agreements WHERE id = $M.id`, agreementRow{}, sqlair.M{})

	findAgreementStmt = sqlair.MustPrepare(`
SELECT &agreementRow.* FROM service_agreements
WHERE offer_id = $M.offer_id AND associate_id = $M.associate_id`, agreementRow{}, sqlair.M{})

	listAgreementsStmt = sqlair.MustPrepare(`
SELECT &agreementRow.* FROM service_agreements
WHERE ($M.offer_id = '' OR offer_id = $M.offer_id)
AND   ($M.associate_id = '' OR associate_id = $M.associate_id)
AND   ($M.status = '' OR agreement_status = $M.status)
ORDER BY created_at, id
LIMIT $M.limit`, agreementRow{}, sqlair.M{})

	countSlotHoldersStmt = sqlair.MustPrepare(`
SELECT COUNT(*) AS &countRow.n FROM service_agreements
WHERE offer_id = $M.offer_id
AND   agreement_status IN ('PROPOSED', 'ACCEPTED', 'ACTIVE')`, countRow{}, sqlair.M{})

	countCommittedStmt = sqlair.MustPrepare(`
SELECT COUNT(*) AS &countRow.n FROM service_agreements
WHERE offer_id = $M.offer_id
AND   id != $M.exclude_id
AND   agreement_status IN ('ACCEPTED', 'ACTIVE')`, countRow{}, sqlair.M{})

	updateAgreementStmt = sqlair.MustPrepare(`
UPDATE service_agreements SET
    agreement_status = $agreementRow.agreement_status,
    approved_by = $agreementRow.approved_by,
    approved_at = $agreementRow.approved_at,
    actual_start_time = $agreementRow.actual_start_time,
    completed_at = $agreementRow.completed_at,
    final_amount_paid_cents = $agreementRow.final_amount_paid_cents,
    cancelled_by = $agreementRow.cancelled_by,
    cancelled_at = $agreementRow.cancelled_at,
    cancellation_reason = $agreementRow.cancellation_reason,
    updated_at = $agreementRow.updated_at,
    version = version + 1
WHERE id = $agreementRow.id AND version = $agreementRow.version`, agreementRow{})

	// Notes are never deleted, so the count is the last sequence number.
	noteCountStmt = sqlair.MustPrepare(`
SELECT COUNT(*) AS &countRow.n FROM agreement_notes
WHERE agreement_id = $M.id`, countRow{}, sqlair.M{})

	insertNoteStmt = sqlair.MustPrepare(`
INSERT INTO agreement_notes (*) VALUES ($noteRow.*)`, noteRow{})

	listNotesStmt = sqlair.MustPrepare(`
SELECT &noteRow.* FROM agreement_notes
WHERE agreement_id = $M.id
ORDER BY seq`, noteRow{}, sqlair.M{})
)

func agreementToRow(a domain.ServiceAgreement) agreementRow {
	row := agreementRow{
		ID:                      a.ID,
		OfferID:                 a.OfferID,
		AssociateID:             a.AssociateID,
		AgreedAmountCents:       a.AgreedAmountCents,
		AgreedStartTime:         formatTime(a.AgreedStartTime),
		EstimatedCompletionTime: formatTime(a.EstimatedCompletionTime),
		Deliverables:            encodeList(a.Deliverables),
		Instructions:            a.Instructions,
		Status:                  string(a.Status),
		ApprovedBy:              derefString(a.ApprovedBy),
		ApprovedAt:              formatOptTime(a.ApprovedAt),
		ActualStartTime:         formatOptTime(a.ActualStartTime),
		CompletedAt:             formatOptTime(a.CompletedAt),
		CancelledBy:             derefString(a.CancelledBy),
		CancelledAt:             formatOptTime(a.CancelledAt),
		CancellationReason:      derefString(a.CancellationReason),
		Version:                 a.Version,
		CreatedAt:               formatTime(a.CreatedAt),
		UpdatedAt:               formatTime(a.UpdatedAt),
	}
	if a.FinalAmountPaidCents != nil {
		row.FinalAmountPaidCents = sql.NullInt64{Int64: *a.FinalAmountPaidCents, Valid: true}
	}
	return row
}

func (row agreementRow) toDomain() (domain.ServiceAgreement, error) {
	a := domain.ServiceAgreement{
		ID:                 row.ID,
		OfferID:            row.OfferID,
		AssociateID:        row.AssociateID,
		AgreedAmountCents:  row.AgreedAmountCents,
		Instructions:       row.Instructions,
		Status:             domain.AgreementStatus(row.Status),
		ApprovedBy:         optString(row.ApprovedBy),
		CancelledBy:        optString(row.CancelledBy),
		CancellationReason: optString(row.CancellationReason),
		NegotiationNotes:   []domain.LogEntry{},
		Version:            row.Version,
	}
	if row.FinalAmountPaidCents.Valid {
		v := row.FinalAmountPaidCents.Int64
		a.FinalAmountPaidCents = &v
	}
	var err error
	if a.Deliverables, err = decodeList(row.Deliverables); err != nil {
		return a, err
	}
	if a.AgreedStartTime, err = parseTime(row.AgreedStartTime); err != nil {
		return a, err
	}
	if a.EstimatedCompletionTime, err = parseTime(row.EstimatedCompletionTime); err != nil {
		return a, err
	}
	if a.ApprovedAt, err = parseOptTime(row.ApprovedAt); err != nil {
		return a, err
	}
	if a.ActualStartTime, err = parseOptTime(row.ActualStartTime); err != nil {
		return a, err
	}
	if a.CompletedAt, err = parseOptTime(row.CompletedAt); err != nil {
		return a, err
	}
	if a.CancelledAt, err = parseOptTime(row.CancelledAt); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return a, err
	}
	return a, nil
}

// InsertAgreement inserts a new agreement. A second agreement for the same
// offer and associate fails with a conflict.
func (r Repo) InsertAgreement(ctx context.Context, tx *sqlair.TX, a domain.ServiceAgreement) error {
	if err := tx.Query(ctx, insertAgreementStmt, agreementToRow(a)).Run(); err != nil {
		if IsUniqueViolation(err) {
			return domain.Conflictf("associate %q already applied to offer %q", a.AssociateID, a.OfferID)
		}
		return errors.Annotatef(err, "insert agreement %s", a.ID)
	}
	return nil
}

// GetAgreement loads an agreement with its negotiation notes.
func (r Repo) GetAgreement(ctx context.Context, q Querier, id string) (domain.ServiceAgreement, error) {
	var row agreementRow
	err := q.Query(ctx, getAgreementStmt, sqlair.M{"id": id}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return domain.ServiceAgreement{}, domain.NotFoundf("agreement %q not found", id)
	} else if err != nil {
		return domain.ServiceAgreement{}, errors.Annotatef(err, "get agreement %s", id)
	}
	a, err := row.toDomain()
	if err != nil {
		return a, err
	}
	if a.NegotiationNotes, err = r.ListNotes(ctx, q, id); err != nil {
		return a, err
	}
	return a, nil
}

// FindAgreement returns the agreement for an offer and associate, if any.
func (r Repo) FindAgreement(ctx context.Context, q Querier, offerID, associateID string) (domain.ServiceAgreement, bool, error) {
	var row agreementRow
	err := q.Query(ctx, findAgreementStmt, sqlair.M{"offer_id": offerID, "associate_id": associateID}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return domain.ServiceAgreement{}, false, nil
	} else if err != nil {
		return domain.ServiceAgreement{}, false, errors.Annotate(err, "find agreement")
	}
	a, err := row.toDomain()
	return a, err == nil, err
}

func (r Repo) ListAgreements(ctx context.Context, q Querier, f AgreementFilters) ([]domain.ServiceAgreement, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	var rows []agreementRow
	err := q.Query(ctx, listAgreementsStmt, sqlair.M{
		"offer_id":     f.OfferID,
		"associate_id": f.AssociateID,
		"status":       string(f.Status),
		"limit":        limit,
	}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return []domain.ServiceAgreement{}, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "list agreements")
	}
	res := make([]domain.ServiceAgreement, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// CountSlotHolders counts the offer's agreements that occupy capacity.
func (r Repo) CountSlotHolders(ctx context.Context, q Querier, offerID string) (int, error) {
	var c countRow
	if err := q.Query(ctx, countSlotHoldersStmt, sqlair.M{"offer_id": offerID}).Get(&c); err != nil {
		return 0, errors.Annotatef(err, "count agreements for offer %s", offerID)
	}
	return int(c.N), nil
}

// CountCommitted counts ACCEPTED or ACTIVE agreements on the offer other
// than excludeID.
func (r Repo) CountCommitted(ctx context.Context, q Querier, offerID, excludeID string) (int, error) {
	var c countRow
	if err := q.Query(ctx, countCommittedStmt, sqlair.M{"offer_id": offerID, "exclude_id": excludeID}).Get(&c); err != nil {
		return 0, errors.Annotatef(err, "count committed agreements for offer %s", offerID)
	}
	return int(c.N), nil
}

// UpdateAgreement writes the agreement's lifecycle fields, guarded by its
// version.
func (r Repo) UpdateAgreement(ctx context.Context, tx *sqlair.TX, a domain.ServiceAgreement) error {
	var outcome sqlair.Outcome
	if err := tx.Query(ctx, updateAgreementStmt, agreementToRow(a)).Get(&outcome); err != nil {
		return errors.Annotatef(err, "update agreement %s", a.ID)
	}
	return expectOneRow(outcome, "agreement %q was modified concurrently", a.ID)
}

// AppendNote adds an entry to the agreement's negotiation log.
func (r Repo) AppendNote(ctx context.Context, tx *sqlair.TX, agreementID, author string, at time.Time, payload any) (domain.LogEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.LogEntry{}, errors.Annotate(err, "marshal note")
	}
	var last countRow
	if err := tx.Query(ctx, noteCountStmt, sqlair.M{"id": agreementID}).Get(&last); err != nil {
		return domain.LogEntry{}, errors.Annotate(err, "next note sequence")
	}
	seq := last.N + 1
	row := noteRow{AgreementID: agreementID, Seq: seq, At: formatTime(at), Author: author, Payload: string(data)}
	if err := tx.Query(ctx, insertNoteStmt, row).Run(); err != nil {
		return domain.LogEntry{}, errors.Annotatef(err, "append note to agreement %s", agreementID)
	}
	return domain.LogEntry{
		Seq: seq, Kind: domain.LogNegotiation, At: at.UTC(), Author: author, Payload: data,
	}, nil
}

func (r Repo) ListNotes(ctx context.Context, q Querier, agreementID string) ([]domain.LogEntry, error) {
	var rows []noteRow
	err := q.Query(ctx, listNotesStmt, sqlair.M{"id": agreementID}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return []domain.LogEntry{}, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "list notes for agreement %s", agreementID)
	}
	res := make([]domain.LogEntry, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row.At)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.LogEntry{
			Seq: row.Seq, Kind: domain.LogNegotiation, At: at, Author: row.Author, Payload: json.RawMessage(row.Payload),
		})
	}
	return res, nil
}

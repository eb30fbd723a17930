package repo

import (
	"context"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"marketline/internal/domain"
)

type eventListRow struct {
	ID         int64  `db:"id"`
	TS         string `db:"ts"`
	Type       string `db:"type"`
	EntityKind string `db:"entity_kind"`
	EntityID   string `db:"entity_id"`
	ActorID    string `db:"actor_id"`
	Payload    string `db:"payload_json"`
}

type eventCursorRow struct {
	ID int64 `db:"id"`
}

type capacityRow struct {
	OfferID       string `db:"offer_id"`
	Recorded      int    `db:"recorded"`
	MaxApplicants int    `db:"max_applicants"`
	Actual        int    `db:"actual"`
}

// EventFilters narrows LatestEvents. Cursor is an exclusive upper bound on
// event id.
type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

// CapacityDrift describes an offer whose recorded applicant count disagrees
// with its agreements.
type CapacityDrift struct {
	OfferID       string `json:"offer_id"`
	Recorded      int    `json:"recorded"`
	Actual        int    `json:"actual"`
	MaxApplicants int    `json:"max_applicants"`
}

var (
	latestEventsStmt = sqlair.MustPrepare(`
SELECT &eventListRow.* FROM events
WHERE ($M.type = '' OR type = $M.type)
AND   ($M.entity_kind = '' OR entity_kind = $M.entity_kind)
AND   ($M.entity_id = '' OR entity_id = $M.entity_id)
AND   ($M.cursor = 0 OR id < $M.cursor)
ORDER BY id DESC
LIMIT $M.limit`, eventListRow{}, sqlair.M{})

	eventsAfterStmt = sqlair.MustPrepare(`
SELECT &eventListRow.* FROM events
WHERE id > $M.after
ORDER BY id ASC
LIMIT $M.limit`, eventListRow{}, sqlair.M{})

	latestEventIDStmt = sqlair.MustPrepare(`
SELECT COALESCE(MAX(id), 0) AS &eventCursorRow.id FROM events`, eventCursorRow{})

	capacityAuditStmt = sqlair.MustPrepare(`
SELECT o.id AS &capacityRow.offer_id,
       o.current_applicants AS &capacityRow.recorded,
       o.max_applicants AS &capacityRow.max_applicants,
       COUNT(a.id) AS &capacityRow.actual
FROM service_offers o
LEFT JOIN service_agreements a
       ON a.offer_id = o.id
      AND a.agreement_status IN ('PROPOSED', 'ACCEPTED', 'ACTIVE')
GROUP BY o.id, o.current_applicants, o.max_applicants`, capacityRow{})
)

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var rows []eventListRow
	err := r.DB.Query(ctx, latestEventsStmt, sqlair.M{
		"type":        f.Type,
		"entity_kind": f.EntityKind,
		"entity_id":   f.EntityID,
		"cursor":      f.Cursor,
		"limit":       limit,
	}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return []domain.Event{}, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "list events")
	}
	return eventsFromRows(rows)
}

// EventsAfter returns up to limit events with an id greater than after, in
// append order.
func (r Repo) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventListRow
	err := r.DB.Query(ctx, eventsAfterStmt, sqlair.M{"after": after, "limit": limit}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return []domain.Event{}, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "list events")
	}
	return eventsFromRows(rows)
}

// LatestEventID returns the id of the newest event, or 0.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var row eventCursorRow
	if err := r.DB.Query(ctx, latestEventIDStmt).Get(&row); err != nil {
		return 0, errors.Annotate(err, "latest event id")
	}
	return row.ID, nil
}

func eventsFromRows(rows []eventListRow) ([]domain.Event, error) {
	res := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		ts, err := parseTime(row.TS)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.Event{
			ID:         row.ID,
			TS:         ts,
			Type:       row.Type,
			EntityKind: row.EntityKind,
			EntityID:   row.EntityID,
			ActorID:    row.ActorID,
			Payload:    row.Payload,
		})
	}
	return res, nil
}

// CapacityDrifts returns every offer whose current_applicants differs from
// the number of agreements holding a slot, or exceeds max_applicants.
func (r Repo) CapacityDrifts(ctx context.Context, q Querier) ([]CapacityDrift, error) {
	var rows []capacityRow
	err := q.Query(ctx, capacityAuditStmt).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "audit capacity")
	}
	var drifts []CapacityDrift
	for _, row := range rows {
		if row.Recorded != row.Actual || row.Actual > row.MaxApplicants {
			drifts = append(drifts, CapacityDrift{
				OfferID:       row.OfferID,
				Recorded:      row.Recorded,
				Actual:        row.Actual,
				MaxApplicants: row.MaxApplicants,
			})
		}
	}
	return drifts, nil
}

package events

import (
	"context"
	"encoding/json"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"marketline/internal/domain"
)

type Writer struct {
	Clock clock.Clock
}

type EventPayload map[string]any

type eventRow struct {
	TS         string `db:"ts"`
	Type       string `db:"type"`
	EntityKind string `db:"entity_kind"`
	EntityID   string `db:"entity_id"`
	ActorID    string `db:"actor_id"`
	Payload    string `db:"payload_json"`
}

var insertEvent = sqlair.MustPrepare(`
INSERT INTO events (ts, type, entity_kind, entity_id, actor_id, payload_json)
VALUES ($eventRow.*)`, eventRow{})

// Append records an event inside tx so that it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sqlair.TX, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	clk := w.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Annotate(err, "marshal event payload")
	}
	row := eventRow{
		TS:         clk.Now().UTC().Format(domain.TimeFormat),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}
	if err := tx.Query(ctx, insertEvent, row).Run(); err != nil {
		return errors.Annotatef(err, "append event %s", evtType)
	}
	return nil
}

package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"marketline/internal/config"
	"marketline/internal/domain"
	"marketline/internal/events"
	"marketline/internal/repo"
)

var logger = loggo.GetLogger("marketline.engine")

// Engine coordinates offers, agreements and executions. Every write runs in
// a single database transaction.
type Engine struct {
	DB     *sqlair.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Clock  clock.Clock
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	db := sqlair.NewDB(conn)
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Clock: clock.WallClock},
		Config: cfg,
		Clock:  clock.WallClock,
	}
}

// WithClock returns a copy of the engine that reads time from c.
func (e Engine) WithClock(c clock.Clock) Engine {
	e.Clock = c
	e.Events.Clock = c
	return e
}

func (e Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func newID() string {
	return uuid.NewString()
}

// commitAnd asks withTx to commit the transaction and then return err. It is
// used when a call fails but must still persist a side effect, such as
// flipping an offer to EXPIRED.
type commitAnd struct {
	err error
}

func (c commitAnd) Error() string { return c.err.Error() }

func (e Engine) withTx(ctx context.Context, fn func(tx *sqlair.TX) error) error {
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		var ca commitAnd
		if errors.As(err, &ca) {
			if cerr := tx.Commit(); cerr != nil {
				return errors.Annotate(cerr, "commit")
			}
			return ca.err
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Annotate(err, "commit")
	}
	return nil
}

func (e Engine) rateVarianceBps() int64 {
	if e.Config == nil {
		return 1500
	}
	return int64(e.Config.Engine.RateVarianceBps)
}

func (e Engine) defaultMaxApplicants() int {
	if e.Config == nil || e.Config.Engine.DefaultMaxApplicants < 1 {
		return 5
	}
	return e.Config.Engine.DefaultMaxApplicants
}

func validateActor(actor domain.Actor) error {
	if actor.ID == "" {
		return domain.Validationf("actor", "actor id is required")
	}
	switch actor.Kind {
	case domain.ActorAssociate, domain.ActorLocation, domain.ActorSystem:
		return nil
	}
	return domain.Validationf("actor", "unknown actor kind %q", actor.Kind)
}

// authorize checks that actor may act on an agreement of offer with the
// given authority.
func authorize(actor domain.Actor, authority domain.Authority, offer domain.ServiceOffer, ag domain.ServiceAgreement) error {
	isLocation := actor.Kind == domain.ActorLocation && actor.ID == offer.LocationID
	isAssociate := actor.Kind == domain.ActorAssociate && actor.ID == ag.AssociateID
	var ok bool
	switch authority {
	case domain.ByLocation:
		ok = isLocation
	case domain.ByAssociate:
		ok = isAssociate
	case domain.ByEither:
		ok = isLocation || isAssociate
	}
	if !ok {
		return domain.Forbiddenf("%s %s may not act on agreement %s", actor.Kind, actor.ID, ag.ID)
	}
	return nil
}

func requireOfferOwner(actor domain.Actor, offer domain.ServiceOffer) error {
	if actor.Kind == domain.ActorLocation && actor.ID == offer.LocationID {
		return nil
	}
	return domain.Forbiddenf("only location %s may modify offer %s", offer.LocationID, offer.ID)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

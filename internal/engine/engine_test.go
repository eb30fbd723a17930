package engine_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/migrate"
	"marketline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Clock  *testclock.Clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := testclock.NewClock(t0)
	eng := engine.New(conn, config.Default()).WithClock(clk)
	ctx := context.Background()
	err = eng.UpsertService(ctx, domain.Service{
		ID:                     "svc-1",
		Name:                   "Shelf reset",
		Code:                   "SHELF",
		Category:               "merchandising",
		ComplexityTier:         domain.TierStandard,
		EstimatedDurationHours: 4,
		Active:                 true,
	}, domain.Service{
		ID:                     "svc-old",
		Name:                   "Retired",
		Code:                   "OLD",
		ComplexityTier:         domain.TierBasic,
		EstimatedDurationHours: 1,
		Active:                 false,
	})
	if err != nil {
		t.Fatalf("seed services: %v", err)
	}
	return testEnv{Engine: eng, Clock: clk, Ctx: ctx}
}

func (env testEnv) offer(t *testing.T, mutate func(*engine.OfferSpec)) domain.ServiceOffer {
	t.Helper()
	spec := engine.OfferSpec{
		ServiceID:          "svc-1",
		LocationID:         "loc-1",
		PreferredStartDate: t0.Add(48 * time.Hour),
		OfferedAmountCents: 10000,
		MaxApplicants:      2,
	}
	if mutate != nil {
		mutate(&spec)
	}
	o, err := env.Engine.CreateOffer(env.Ctx, spec)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return o
}

func (env testEnv) applyReq(offerID, associateID string) engine.ApplyRequest {
	return engine.ApplyRequest{
		OfferID:           offerID,
		AssociateID:       associateID,
		AgreedAmountCents: 10000,
		AgreedStartTime:   t0.Add(48 * time.Hour),
	}
}

func (env testEnv) apply(t *testing.T, offerID, associateID string) domain.ServiceAgreement {
	t.Helper()
	ag, err := env.Engine.ApplyForOffer(env.Ctx, env.applyReq(offerID, associateID))
	if err != nil {
		t.Fatalf("apply %s: %v", associateID, err)
	}
	return ag
}

func (env testEnv) transition(t *testing.T, ag domain.ServiceAgreement, action domain.AgreementAction, actor domain.Actor) domain.ServiceAgreement {
	t.Helper()
	out, err := env.Engine.TransitionAgreement(env.Ctx, engine.TransitionRequest{
		AgreementID: ag.ID, Action: action, Actor: actor,
	})
	if err != nil {
		t.Fatalf("%s: %v", action, err)
	}
	return out
}

func (env testEnv) mustOffer(t *testing.T, id string) domain.ServiceOffer {
	t.Helper()
	o, err := env.Engine.GetOffer(env.Ctx, id)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	return o
}

func (env testEnv) assertNoDrift(t *testing.T) {
	t.Helper()
	drifts, err := env.Engine.AuditCapacity(env.Ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(drifts) != 0 {
		t.Fatalf("capacity drift: %+v", drifts)
	}
}

func expectKind(t *testing.T, err error, kind errors.ConstError) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if got := domain.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, got, err)
	}
}

func TestCreateOfferValidation(t *testing.T) {
	env := newTestEnv(t)
	past := t0.Add(-time.Hour)
	cases := []struct {
		name   string
		mutate func(*engine.OfferSpec)
		kind   errors.ConstError
	}{
		{"missing service", func(s *engine.OfferSpec) { s.ServiceID = "nope" }, domain.ErrNotFound},
		{"inactive service", func(s *engine.OfferSpec) { s.ServiceID = "svc-old" }, domain.ErrValidation},
		{"start in past", func(s *engine.OfferSpec) { s.PreferredStartDate = past }, domain.ErrValidation},
		{"latest before preferred", func(s *engine.OfferSpec) {
			l := s.PreferredStartDate.Add(-time.Minute)
			s.LatestStartDate = &l
		}, domain.ErrValidation},
		{"deadline before start", func(s *engine.OfferSpec) {
			d := s.PreferredStartDate.Add(-time.Minute)
			s.MustCompleteBy = &d
		}, domain.ErrValidation},
		{"expiry not in future", func(s *engine.OfferSpec) {
			e := t0
			s.ExpiresAt = &e
		}, domain.ErrValidation},
		{"zero amount", func(s *engine.OfferSpec) { s.OfferedAmountCents = 0 }, domain.ErrValidation},
		{"negative capacity", func(s *engine.OfferSpec) { s.MaxApplicants = -1 }, domain.ErrValidation},
		{"missing location", func(s *engine.OfferSpec) { s.LocationID = "" }, domain.ErrValidation},
		{"bad urgency", func(s *engine.OfferSpec) { s.Urgency = "SOON" }, domain.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := engine.OfferSpec{
				ServiceID:          "svc-1",
				LocationID:         "loc-1",
				PreferredStartDate: t0.Add(24 * time.Hour),
				OfferedAmountCents: 5000,
			}
			tc.mutate(&spec)
			_, err := env.Engine.CreateOffer(env.Ctx, spec)
			expectKind(t, err, tc.kind)
		})
	}
}

func TestCreateOfferDefaults(t *testing.T) {
	env := newTestEnv(t)
	o := env.offer(t, func(s *engine.OfferSpec) { s.MaxApplicants = 0 })
	if o.Status != domain.OfferOpen || o.CurrentApplicants != 0 || o.Version != 1 {
		t.Fatalf("unexpected initial state: %+v", o)
	}
	if o.MaxApplicants != config.Default().Engine.DefaultMaxApplicants {
		t.Fatalf("max applicants = %d", o.MaxApplicants)
	}
	if o.Title != "Shelf reset" || o.Urgency != domain.UrgencyNormal || o.PaymentStructure != domain.PaymentFixed {
		t.Fatalf("defaults not applied: %+v", o)
	}
	got := env.mustOffer(t, o.ID)
	if got.ID != o.ID || !got.PreferredStartDate.Equal(o.PreferredStartDate) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

// Scenario A.
func TestApplyRateVariance(t *testing.T) {
	env := newTestEnv(t)
	o := env.offer(t, func(s *engine.OfferSpec) { s.OfferedAmountCents = 100 })

	req := env.applyReq(o.ID, "a-1")
	req.AgreedAmountCents = 116
	_, err := env.Engine.ApplyForOffer(env.Ctx, req)
	expectKind(t, err, domain.ErrOutOfRange)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("out of range should also match ErrValidation")
	}

	req.AgreedAmountCents = 85
	if _, err := env.Engine.ApplyForOffer(env.Ctx, req); err != nil {
		t.Fatalf("85 of 100 should be within range: %v", err)
	}
	req = env.applyReq(o.ID, "a-2")
	req.AgreedAmountCents = 115
	if _, err := env.Engine.ApplyForOffer(env.Ctx, req); err != nil {
		t.Fatalf("115 of 100 should be within range: %v", err)
	}
	env.assertNoDrift(t)
}

// Scenario B.
func TestCapacityAndReopen(t *testing.T) {
	env := newTestEnv(t)
	o := env.offer(t, nil)

	first := env.apply(t, o.ID, "a-1")
	env.apply(t, o.ID, "a-2")
	o = env.mustOffer(t, o.ID)
	if o.CurrentApplicants != 2 || o.Status != domain.OfferPending {
		t.Fatalf("after two applications: %d %s", o.CurrentApplicants, o.Status)
	}

	_, err := env.Engine.ApplyForOffer(env.Ctx, env.applyReq(o.ID, "a-3"))
	expectKind(t, err, domain.ErrCapacityExceeded)

	env.transition(t, first, domain.ActionReject, domain.Location("loc-1"))
	o = env.mustOffer(t, o.ID)
	if o.CurrentApplicants != 1 || o.Status != domain.OfferOpen {
		t.Fatalf("after reject: %d %s", o.CurrentApplicants, o.Status)
	}
	env.assertNoDrift(t)
}

func TestApplyPrechecks(t *testing.T) {
	env := newTestEnv(t)
	o := env.offer(t, func(s *engine.OfferSpec) {
		s.ExcludedAssociates = []string{"a-bad"}
		s.RequiredCertifications = []string{"safety"}
	})
	if _, err := env.Engine.UpsertProfile(env.Ctx, domain.AssociateProfile{
		AssociateID: "a-1", Certifications: []string{"safety"},
	}); err != nil {
		t.Fatalf("profile: %v", err)
	}

	_, err := env.Engine.ApplyForOffer(env.Ctx, env.applyReq("missing", "a-1"))
	expectKind(t, err, domain.ErrNotFound)

	_, err = env.Engine.ApplyForOffer(env.Ctx, env.applyReq(o.ID, "a-bad"))
	expectKind(t, err, domain.ErrNotEligible)

	_, err = env.Engine.ApplyForOffer(env.Ctx, env.applyReq(o.ID, "a-nocert"))
	expectKind(t, err, domain.ErrNotEligible)
	var de *domain.Error
	if !errors.As(err, &de) || de.Reason != "missing_certification" {
		t.Fatalf("reason = %+v", de)
	}

	req := env.applyReq(o.ID, "a-1")
	req.AgreedStartTime = t0.Add(-time.Minute)
	_, err = env.Engine.ApplyForOffer(env.Ctx, req)
	expectKind(t, err, domain.ErrInvalidStartTime)

	req = env.applyReq(o.ID, "a-1")
	zero := 0.0
	req.DurationHours = &zero
	_, err = env.Engine.ApplyForOffer(env.Ctx, req)
	expectKind(t, err, domain.ErrValidation)

	ag := env.apply(t, o.ID, "a-1")
	if want := ag.AgreedStartTime.Add(4 * time.Hour); !ag.EstimatedCompletionTime.Equal(want) {
		t.Fatalf("completion = %s, want %s", ag.EstimatedCompletionTime, want)
	}
	_, err = env.Engine.ApplyForOffer(env.Ctx, env.applyReq(o.ID, "a-1"))
	expectKind(t, err, domain.ErrConflict)

	o = env.mustOffer(t, o.ID)
	if o.CurrentApplicants != 1 {
		t.Fatalf("failed applications must not take slots: %d", o.CurrentApplicants)
	}
	env.assertNoDrift(t)
}

func TestApplyDurationOverride(t *testing.T) {
	env := newTestEnv(t)
	est := 6.0
	o := env.offer(t, func(s *engine.OfferSpec) { s.EstimatedDurationHours = &est })
	ag := env.apply(t, o.ID, "a-1")
	if got := ag.EstimatedCompletionTime.Sub(ag.AgreedStartTime); got != 6*time.Hour {
		t.Fatalf("offer estimate not used: %s", got)
	}
	req := env.applyReq(o.ID, "a-2")
	override := 1.5
	req.DurationHours = &override
	req.Note = "can start early"
	ag, err := env.Engine.ApplyForOffer(env.Ctx, req)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := ag.EstimatedCompletionTime.Sub(ag.AgreedStartTime); got != 90*time.Minute {
		t.Fatalf("override not used: %s", got)
	}
	stored, err := env.Engine.GetAgreement(env.Ctx, ag.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if len(stored.NegotiationNotes) != 1 || stored.NegotiationNotes[0].Seq != 1 {
		t.Fatalf("notes = %+v", stored.NegotiationNotes)
	}
}

func TestApplyDurationLimit(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.UpsertService(env.Ctx, domain.Service{
		ID:                     "svc-capped",
		Name:                   "Endcap build",
		Code:                   "ENDCAP",
		ComplexityTier:         domain.TierStandard,
		EstimatedDurationHours: 4,
		MaxDurationHours:       8,
		Active:                 true,
	})
	if err != nil {
		t.Fatalf("upsert service: %v", err)
	}

	o := env.offer(t, nil)
	req := env.applyReq(o.ID, "a-1")
	huge := 1e10
	req.DurationHours = &huge
	_, err = env.Engine.ApplyForOffer(env.Ctx, req)
	expectKind(t, err, domain.ErrValidation)
	var de *domain.Error
	if !errors.As(err, &de) || de.Field != "duration_hours" {
		t.Fatalf("field = %+v", de)
	}

	capped := env.offer(t, func(s *engine.OfferSpec) { s.ServiceID = "svc-capped" })
	req = env.applyReq(capped.ID, "a-1")
	over := 9.0
	req.DurationHours = &over
	_, err = env.Engine.ApplyForOffer(env.Ctx, req)
	expectKind(t, err, domain.ErrValidation)

	atMax := 8.0
	req.DurationHours = &atMax
	ag, err := env.Engine.ApplyForOffer(env.Ctx, req)
	if err != nil {
		t.Fatalf("apply at service maximum: %v", err)
	}
	if !ag.EstimatedCompletionTime.After(ag.AgreedStartTime) {
		t.Fatalf("completion %s not after start %s", ag.EstimatedCompletionTime, ag.AgreedStartTime)
	}
	if got := env.mustOffer(t, o.ID); got.CurrentApplicants != 0 {
		t.Fatalf("rejected override took a slot: %d", got.CurrentApplicants)
	}
}

// Scenario D.
func TestExpiryOnTouch(t *testing.T) {
	env := newTestEnv(t)
	exp := t0.Add(time.Hour)
	o := env.offer(t, func(s *engine.OfferSpec) { s.ExpiresAt = &exp })
	other := env.offer(t, nil)

	env.Clock.Advance(2 * time.Hour)

	offers, err := env.Engine.ListOffers(env.Ctx, engine.OfferQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(offers) != 1 || offers[0].ID != other.ID {
		t.Fatalf("expired offer should be excluded: %+v", offers)
	}

	_, err = env.Engine.ApplyForOffer(env.Ctx, env.applyReq(o.ID, "a-1"))
	expectKind(t, err, domain.ErrExpired)

	all, err := env.Engine.ListOffers(env.Ctx, engine.OfferQuery{OfferFilters: repo.OfferFilters{IncludeExpired: true}})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("include_expired should return both offers, got %d", len(all))
	}
	if got := env.mustOffer(t, o.ID); got.Status != domain.OfferExpired {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestApplyToFullOfferPastExpiry(t *testing.T) {
	env := newTestEnv(t)
	exp := t0.Add(time.Hour)
	o := env.offer(t, func(s *engine.OfferSpec) {
		s.ExpiresAt = &exp
		s.MaxApplicants = 1
	})
	env.apply(t, o.ID, "a-1")
	if got := env.mustOffer(t, o.ID); got.Status != domain.OfferPending {
		t.Fatalf("status = %s", got.Status)
	}

	_, err := env.Engine.ApplyForOffer(env.Ctx, env.applyReq(o.ID, "a-2"))
	expectKind(t, err, domain.ErrCapacityExceeded)

	env.Clock.Advance(2 * time.Hour)
	_, err = env.Engine.ApplyForOffer(env.Ctx, env.applyReq(o.ID, "a-2"))
	expectKind(t, err, domain.ErrExpired)
	if domain.Retryable(err) {
		t.Fatalf("expired offer reported retryable")
	}
	env.assertNoDrift(t)
}

func TestApplyFlipsExpiredOffer(t *testing.T) {
	env := newTestEnv(t)
	exp := t0.Add(time.Hour)
	o := env.offer(t, func(s *engine.OfferSpec) { s.ExpiresAt = &exp })
	env.Clock.Advance(2 * time.Hour)

	req := env.applyReq(o.ID, "a-1")
	req.AgreedStartTime = t0.Add(72 * time.Hour)
	_, err := env.Engine.ApplyForOffer(env.Ctx, req)
	expectKind(t, err, domain.ErrExpired)

	// The flip is committed even though the application failed.
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "offer.expired", EntityID: o.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one expiry event, got %d", len(evts))
	}
}

func TestExpireOffers(t *testing.T) {
	env := newTestEnv(t)
	exp := t0.Add(time.Hour)
	for i := 0; i < 3; i++ {
		env.offer(t, func(s *engine.OfferSpec) { s.ExpiresAt = &exp })
	}
	env.offer(t, nil)
	env.Clock.Advance(90 * time.Minute)

	n, err := env.Engine.ExpireOffers(env.Ctx, 2)
	if err != nil || n != 2 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	n, err = env.Engine.ExpireOffers(env.Ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	n, err = env.Engine.ExpireOffers(env.Ctx, 0)
	if err != nil || n != 0 {
		t.Fatalf("third sweep: n=%d err=%v", n, err)
	}
}

func TestConcurrentApplyLastSlot(t *testing.T) {
	env := newTestEnv(t)
	o := env.offer(t, func(s *engine.OfferSpec) { s.MaxApplicants = 1 })

	errs := make([]error, 2)
	var g errgroup.Group
	for i, who := range []string{"a-1", "a-2"} {
		g.Go(func() error {
			_, errs[i] = env.Engine.ApplyForOffer(env.Ctx, env.applyReq(o.ID, who))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	var ok, capacity int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrCapacityExceeded):
			capacity++
			if !domain.Retryable(err) {
				t.Fatalf("capacity errors should be retryable")
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || capacity != 1 {
		t.Fatalf("ok=%d capacity=%d", ok, capacity)
	}
	o = env.mustOffer(t, o.ID)
	if o.CurrentApplicants != 1 || o.Status != domain.OfferPending {
		t.Fatalf("offer after race: %d %s", o.CurrentApplicants, o.Status)
	}
	env.assertNoDrift(t)
}

func TestAgreementLifecycle(t *testing.T) {
	env := newTestEnv(t)
	loc := domain.Location("loc-1")
	me := domain.Associate("a-1")
	o := env.offer(t, nil)
	ag := env.apply(t, o.ID, me.ID)

	ag = env.transition(t, ag, domain.ActionApprove, loc)
	if ag.Status != domain.AgreementAccepted || ag.ApprovedBy == nil || *ag.ApprovedBy != loc.ID {
		t.Fatalf("after approve: %+v", ag)
	}
	if got := env.mustOffer(t, o.ID); got.Status != domain.OfferAccepted {
		t.Fatalf("offer after approve: %s", got.Status)
	}

	ag = env.transition(t, ag, domain.ActionStart, me)
	if ag.Status != domain.AgreementActive || ag.ActualStartTime == nil {
		t.Fatalf("after start: %+v", ag)
	}
	if got := env.mustOffer(t, o.ID); got.Status != domain.OfferInProgress {
		t.Fatalf("offer after start: %s", got.Status)
	}
	if _, err := env.Engine.GetExecution(env.Ctx, ag.ID); err != nil {
		t.Fatalf("execution not created: %v", err)
	}

	env.Clock.Advance(3 * time.Hour)
	ag = env.transition(t, ag, domain.ActionComplete, me)
	if ag.Status != domain.AgreementCompleted || ag.FinalAmountPaidCents == nil || *ag.FinalAmountPaidCents != ag.AgreedAmountCents {
		t.Fatalf("after complete: %+v", ag)
	}
	got := env.mustOffer(t, o.ID)
	if got.Status != domain.OfferCompleted || got.CurrentApplicants != 0 {
		t.Fatalf("offer after complete: %s %d", got.Status, got.CurrentApplicants)
	}
	x, err := env.Engine.GetExecution(env.Ctx, ag.ID)
	if err != nil {
		t.Fatalf("execution: %v", err)
	}
	if x.CompletionPercentage != 100 || x.CompletedAt == nil {
		t.Fatalf("execution not closed: %+v", x)
	}
	_, err = env.Engine.AddNegotiationNote(env.Ctx, ag.ID, me, "thanks")
	expectKind(t, err, domain.ErrInvalidState)
	env.assertNoDrift(t)
}

func TestCancelAcceptedReopensOffer(t *testing.T) {
	env := newTestEnv(t)
	o := env.offer(t, func(s *engine.OfferSpec) { s.MaxApplicants = 1 })
	ag := env.apply(t, o.ID, "a-1")
	env.transition(t, ag, domain.ActionApprove, domain.Location("loc-1"))

	ag, err := env.Engine.CancelAgreement(env.Ctx, ag.ID, "sick", domain.Associate("a-1"))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ag.CancellationReason == nil || *ag.CancellationReason != "sick" {
		t.Fatalf("reason not recorded: %+v", ag)
	}
	got := env.mustOffer(t, o.ID)
	if got.Status != domain.OfferOpen || got.CurrentApplicants != 0 {
		t.Fatalf("offer after cancel: %s %d", got.Status, got.CurrentApplicants)
	}
	env.assertNoDrift(t)
}

func TestTransitionAuthority(t *testing.T) {
	env := newTestEnv(t)
	o := env.offer(t, nil)
	ag := env.apply(t, o.ID, "a-1")

	_, err := env.Engine.TransitionAgreement(env.Ctx, engine.TransitionRequest{
		AgreementID: ag.ID, Action: domain.ActionApprove, Actor: domain.Associate("a-1"),
	})
	expectKind(t, err, domain.ErrForbidden)
	_, err = env.Engine.TransitionAgreement(env.Ctx, engine.TransitionRequest{
		AgreementID: ag.ID, Action: domain.ActionApprove, Actor: domain.Location("loc-2"),
	})
	expectKind(t, err, domain.ErrForbidden)
	_, err = env.Engine.TransitionAgreement(env.Ctx, engine.TransitionRequest{
		AgreementID: ag.ID, Action: domain.ActionCancel, Actor: domain.Associate("a-2"),
	})
	expectKind(t, err, domain.ErrForbidden)
	_, err = env.Engine.TransitionAgreement(env.Ctx, engine.TransitionRequest{
		AgreementID: ag.ID, Action: "archive", Actor: domain.Location("loc-1"),
	})
	expectKind(t, err, domain.ErrValidation)
}

type snapshot struct {
	Agreement domain.ServiceAgreement
	Offer     domain.ServiceOffer
	Events    int
}

func (env testEnv) snapshot(t *testing.T, agreementID string) snapshot {
	t.Helper()
	ag, err := env.Engine.GetAgreement(env.Ctx, agreementID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	o, err := env.Engine.Repo.GetOffer(env.Ctx, env.Engine.DB, ag.OfferID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Limit: 10000})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return snapshot{Agreement: ag, Offer: o, Events: len(evts)}
}

// Every action that the transition table does not list for a state fails
// with InvalidTransition and changes nothing.
func TestIllegalTransitionsHaveNoSideEffects(t *testing.T) {
	loc := domain.Location("loc-1")
	me := domain.Associate("a-1")
	reach := map[domain.AgreementStatus][]domain.AgreementAction{
		domain.AgreementProposed:  nil,
		domain.AgreementAccepted:  {domain.ActionApprove},
		domain.AgreementActive:    {domain.ActionApprove, domain.ActionStart},
		domain.AgreementCompleted: {domain.ActionApprove, domain.ActionStart, domain.ActionComplete},
		domain.AgreementCancelled: {domain.ActionReject},
	}
	actorFor := func(a domain.AgreementAction) domain.Actor {
		if domain.AgreementTransitions[a].Authority == domain.ByLocation {
			return loc
		}
		return me
	}
	for state, path := range reach {
		for _, action := range domain.AgreementActions {
			if _, err := domain.NextAgreementStatus(state, action); err == nil {
				continue
			}
			t.Run(string(state)+"/"+string(action), func(t *testing.T) {
				env := newTestEnv(t)
				o := env.offer(t, nil)
				ag := env.apply(t, o.ID, me.ID)
				for _, step := range path {
					ag = env.transition(t, ag, step, actorFor(step))
				}
				if ag.Status != state {
					t.Fatalf("setup reached %s, want %s", ag.Status, state)
				}
				before := env.snapshot(t, ag.ID)

				_, err := env.Engine.TransitionAgreement(env.Ctx, engine.TransitionRequest{
					AgreementID: ag.ID, Action: action, Actor: actorFor(action), Note: "should not stick",
				})
				expectKind(t, err, domain.ErrInvalidTransition)
				var de *domain.Error
				if !errors.As(err, &de) || de.State != string(state) || de.Action != string(action) {
					t.Fatalf("error details = %+v", de)
				}

				after := env.snapshot(t, ag.ID)
				if !reflect.DeepEqual(before, after) {
					t.Fatalf("side effects:\nbefore %+v\nafter  %+v", before, after)
				}
			})
		}
	}
}

func TestUpdateOffer(t *testing.T) {
	env := newTestEnv(t)
	loc := domain.Location("loc-1")
	o := env.offer(t, func(s *engine.OfferSpec) { s.MaxApplicants = 3 })
	env.apply(t, o.ID, "a-1")
	env.apply(t, o.ID, "a-2")

	two := 2
	updated, err := env.Engine.UpdateOffer(env.Ctx, o.ID, loc, engine.OfferPatch{MaxApplicants: &two})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != domain.OfferPending || updated.MaxApplicants != 2 {
		t.Fatalf("after shrink: %s %d", updated.Status, updated.MaxApplicants)
	}

	one := 1
	_, err = env.Engine.UpdateOffer(env.Ctx, o.ID, loc, engine.OfferPatch{MaxApplicants: &one})
	expectKind(t, err, domain.ErrValidation)

	_, err = env.Engine.UpdateOffer(env.Ctx, o.ID, domain.Location("loc-2"), engine.OfferPatch{MaxApplicants: &two})
	expectKind(t, err, domain.ErrForbidden)

	title := "Night shelf reset"
	updated, err = env.Engine.UpdateOffer(env.Ctx, o.ID, loc, engine.OfferPatch{Title: &title})
	if err != nil || updated.Title != title {
		t.Fatalf("title update: %v %+v", err, updated)
	}

	ags, err := env.Engine.ListAgreements(env.Ctx, repo.AgreementFilters{OfferID: o.ID})
	if err != nil || len(ags) != 2 {
		t.Fatalf("list agreements: %v %d", err, len(ags))
	}
	accepted := env.transition(t, ags[0], domain.ActionApprove, loc)
	_, err = env.Engine.UpdateOffer(env.Ctx, o.ID, loc, engine.OfferPatch{Title: &title})
	if k := domain.KindOf(err); k != domain.ErrConflict {
		t.Fatalf("update with accepted agreement: %v", err)
	}

	env.transition(t, accepted, domain.ActionStart, domain.Associate(accepted.AssociateID))
	if got := env.mustOffer(t, o.ID); got.Status != domain.OfferInProgress {
		t.Fatalf("offer status after start = %s", got.Status)
	}
	_, err = env.Engine.UpdateOffer(env.Ctx, o.ID, loc, engine.OfferPatch{Title: &title})
	if k := domain.KindOf(err); k != domain.ErrConflict {
		t.Fatalf("update with active agreement: %v", err)
	}
	_, err = env.Engine.CancelOffer(env.Ctx, o.ID, loc, "")
	expectKind(t, err, domain.ErrConflict)
}

func TestCancelOffer(t *testing.T) {
	env := newTestEnv(t)
	loc := domain.Location("loc-1")
	o := env.offer(t, nil)
	a1 := env.apply(t, o.ID, "a-1")
	env.apply(t, o.ID, "a-2")

	cancelled, err := env.Engine.CancelOffer(env.Ctx, o.ID, loc, "store closed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OfferCancelled || cancelled.CurrentApplicants != 0 {
		t.Fatalf("after cancel: %s %d", cancelled.Status, cancelled.CurrentApplicants)
	}
	ag, err := env.Engine.GetAgreement(env.Ctx, a1.ID)
	if err != nil || ag.Status != domain.AgreementCancelled {
		t.Fatalf("proposal not cancelled: %v %s", err, ag.Status)
	}

	before, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	again, err := env.Engine.CancelOffer(env.Ctx, o.ID, loc, "again")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if !reflect.DeepEqual(again, env.mustOffer(t, o.ID)) {
		t.Fatalf("second cancel changed the offer")
	}
	after, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("idempotent cancel wrote %d events", len(after)-len(before))
	}
	env.assertNoDrift(t)
}

func TestCancelOfferWithAcceptedAgreement(t *testing.T) {
	env := newTestEnv(t)
	loc := domain.Location("loc-1")
	o := env.offer(t, nil)
	ag := env.apply(t, o.ID, "a-1")
	env.transition(t, ag, domain.ActionApprove, loc)

	_, err := env.Engine.CancelOffer(env.Ctx, o.ID, loc, "")
	expectKind(t, err, domain.ErrConflict)
}

func activeAgreement(t *testing.T, env testEnv) domain.ServiceAgreement {
	t.Helper()
	o := env.offer(t, nil)
	ag := env.apply(t, o.ID, "a-1")
	ag = env.transition(t, ag, domain.ActionApprove, domain.Location("loc-1"))
	return env.transition(t, ag, domain.ActionStart, domain.Associate("a-1"))
}

// Scenario C.
func TestUpdateProgressOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	ag := activeAgreement(t, env)
	before, err := env.Engine.GetExecution(env.Ctx, ag.ID)
	if err != nil {
		t.Fatal(err)
	}
	pct := 150
	_, err = env.Engine.UpdateExecution(env.Ctx, engine.ExecutionParams{
		AgreementID: ag.ID, Action: domain.ExecUpdateProgress, Actor: domain.Associate("a-1"), Percentage: &pct,
	})
	expectKind(t, err, domain.ErrValidation)
	after, err := env.Engine.GetExecution(env.Ctx, ag.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("execution changed:\n%+v\n%+v", before, after)
	}
}

func TestExecutionTracker(t *testing.T) {
	env := newTestEnv(t)
	me := domain.Associate("a-1")
	loc := domain.Location("loc-1")
	ag := activeAgreement(t, env)
	do := func(p engine.ExecutionParams) (domain.ServiceExecution, error) {
		p.AgreementID = ag.ID
		if p.Actor.ID == "" {
			p.Actor = me
		}
		return env.Engine.UpdateExecution(env.Ctx, p)
	}

	pct := 40
	x, err := do(engine.ExecutionParams{Action: domain.ExecUpdateProgress, Percentage: &pct, Phase: "unpacking"})
	if err != nil || x.CompletionPercentage != 40 || x.CurrentPhase != "unpacking" || len(x.ProgressReports) != 1 {
		t.Fatalf("progress: %v %+v", err, x)
	}
	if _, err := do(engine.ExecutionParams{Action: domain.ExecLogTime, Hours: 1.5}); err != nil {
		t.Fatal(err)
	}
	x, err = do(engine.ExecutionParams{Action: domain.ExecLogTime, Hours: 2})
	if err != nil || x.HoursLogged != 3.5 || len(x.TimeEntries) != 2 {
		t.Fatalf("time: %v %+v", err, x)
	}
	x, err = do(engine.ExecutionParams{Action: domain.ExecAddExpense, AmountCents: 1250, Category: "supplies"})
	if err != nil || x.ExpensesIncurredCents != 1250 || len(x.Expenses) != 1 {
		t.Fatalf("expense: %v %+v", err, x)
	}
	_, err = do(engine.ExecutionParams{Action: domain.ExecAddExpense, AmountCents: 0})
	expectKind(t, err, domain.ErrValidation)
	_, err = do(engine.ExecutionParams{Action: domain.ExecLogTime, Hours: -1})
	expectKind(t, err, domain.ErrValidation)

	x, err = do(engine.ExecutionParams{Action: domain.ExecReportIssue, Text: "missing labels"})
	if err != nil || len(x.IssuesEncountered) != 1 {
		t.Fatalf("issue: %v", err)
	}
	var issue struct {
		Severity string `json:"severity"`
	}
	if err := x.IssuesEncountered[0].Decode(&issue); err != nil || issue.Severity != "MEDIUM" {
		t.Fatalf("default severity: %v %q", err, issue.Severity)
	}
	if _, err := do(engine.ExecutionParams{Action: domain.ExecAddMilestone, Text: "aisle 1 done"}); err != nil {
		t.Fatal(err)
	}

	x, err = do(engine.ExecutionParams{Action: domain.ExecPause})
	if err != nil || !x.Paused || x.PausedAt == nil {
		t.Fatalf("pause: %v %+v", err, x)
	}
	_, err = do(engine.ExecutionParams{Action: domain.ExecPause})
	expectKind(t, err, domain.ErrInvalidState)
	x, err = do(engine.ExecutionParams{Action: domain.ExecResume})
	if err != nil || x.Paused || x.ResumedAt == nil {
		t.Fatalf("resume: %v %+v", err, x)
	}
	_, err = do(engine.ExecutionParams{Action: domain.ExecResume})
	expectKind(t, err, domain.ErrInvalidState)

	_, err = do(engine.ExecutionParams{Action: domain.ExecQualityCheck, CheckName: "facings", QualityStatus: domain.QualityPassed})
	expectKind(t, err, domain.ErrForbidden)
	x, err = do(engine.ExecutionParams{Action: domain.ExecQualityCheck, Actor: loc, CheckName: "facings", QualityStatus: domain.QualityPassed})
	if err != nil || len(x.QualityCheckpoints) != 1 {
		t.Fatalf("quality: %v", err)
	}
	bad := 6
	_, err = do(engine.ExecutionParams{Action: domain.ExecLocationFeedback, Actor: loc, Text: "great", Rating: &bad})
	expectKind(t, err, domain.ErrValidation)
	good := 5
	x, err = do(engine.ExecutionParams{Action: domain.ExecLocationFeedback, Actor: loc, Text: "great", Rating: &good})
	if err != nil || len(x.LocationFeedback) != 1 {
		t.Fatalf("feedback: %v", err)
	}

	_, err = do(engine.ExecutionParams{Action: domain.ExecAddMilestone, Actor: domain.Associate("a-2"), Text: "not mine"})
	expectKind(t, err, domain.ErrForbidden)

	entry, err := env.Engine.AddProgressReport(env.Ctx, ag.ID, me, domain.ReportDaily, map[string]any{"aisles": 3})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if entry.Kind != domain.LogProgress {
		t.Fatalf("report kind = %s", entry.Kind)
	}
	_, err = env.Engine.AddProgressReport(env.Ctx, ag.ID, me, "HOURLY", nil)
	expectKind(t, err, domain.ErrValidation)

	list, err := env.Engine.ListExecutions(env.Ctx, me.ID)
	if err != nil || len(list) != 1 || len(list[0].ProgressReports) != 2 {
		t.Fatalf("list executions: %v %+v", err, list)
	}
	for i, e := range list[0].ProgressReports {
		if i > 0 && e.Seq <= list[0].ProgressReports[i-1].Seq {
			t.Fatalf("log sequence not increasing")
		}
	}
}

func TestExecutionRequiresActiveAgreement(t *testing.T) {
	env := newTestEnv(t)
	o := env.offer(t, nil)
	ag := env.apply(t, o.ID, "a-1")
	_, err := env.Engine.UpdateExecution(env.Ctx, engine.ExecutionParams{
		AgreementID: ag.ID, Action: domain.ExecAddMilestone, Actor: domain.Associate("a-1"), Text: "early",
	})
	expectKind(t, err, domain.ErrInvalidState)
}

func TestListOffersForAssociate(t *testing.T) {
	env := newTestEnv(t)
	env.offer(t, func(s *engine.OfferSpec) { s.ExcludedAssociates = []string{"a-1"} })
	open := env.offer(t, nil)
	env.offer(t, func(s *engine.OfferSpec) { s.MinimumExperienceLevel = 2 })

	offers, err := env.Engine.ListOffers(env.Ctx, engine.OfferQuery{AssociateID: "a-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(offers) != 1 || offers[0].ID != open.ID {
		t.Fatalf("eligible offers = %+v", offers)
	}
	if _, err := env.Engine.UpsertProfile(env.Ctx, domain.AssociateProfile{AssociateID: "a-1", ExperienceLevel: 2}); err != nil {
		t.Fatal(err)
	}
	offers, err = env.Engine.ListOffers(env.Ctx, engine.OfferQuery{AssociateID: "a-1"})
	if err != nil || len(offers) != 2 {
		t.Fatalf("after profile update: %v %d", err, len(offers))
	}
}

func TestListOffersPaging(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, env.offer(t, nil).ID)
		env.Clock.Advance(time.Second)
	}
	page, err := env.Engine.ListOffers(env.Ctx, engine.OfferQuery{OfferFilters: repo.OfferFilters{Limit: 2}})
	if err != nil || len(page) != 2 || page[0].ID != ids[4] {
		t.Fatalf("first page: %v %+v", err, page)
	}
	createdAt, id := repo.CursorFor(page[1])
	page, err = env.Engine.ListOffers(env.Ctx, engine.OfferQuery{OfferFilters: repo.OfferFilters{
		Limit: 10, CursorCreatedAt: createdAt, CursorID: id,
	}})
	if err != nil || len(page) != 3 || page[0].ID != ids[2] {
		t.Fatalf("second page: %v %+v", err, page)
	}
}

func TestListOffersPageSkipsIneligible(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 4; i++ {
		i := i
		ids = append(ids, env.offer(t, func(s *engine.OfferSpec) {
			if i%2 == 1 {
				s.ExcludedAssociates = []string{"a-1"}
			}
		}).ID)
		env.Clock.Advance(time.Second)
	}
	// Newest first: ids[3] (excluded), ids[2], ids[1] (excluded), ids[0].
	q := engine.OfferQuery{OfferFilters: repo.OfferFilters{Limit: 2}, AssociateID: "a-1"}
	page, err := env.Engine.ListOffersPage(env.Ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Offers) != 1 || page.Offers[0].ID != ids[2] {
		t.Fatalf("first page = %+v", page.Offers)
	}
	if page.After == nil || page.After.ID != ids[2] {
		t.Fatalf("first page continues after %+v", page.After)
	}
	q.CursorCreatedAt, q.CursorID = repo.CursorFor(*page.After)
	page, err = env.Engine.ListOffersPage(env.Ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Offers) != 1 || page.Offers[0].ID != ids[0] || page.After != nil {
		t.Fatalf("last page = %+v after %+v", page.Offers, page.After)
	}
}

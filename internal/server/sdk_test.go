package server

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	marketlinesdk "marketline/sdk/go"
)

func sdkClient(t *testing.T, srv *testServer, who string, kind string) *marketlinesdk.Client {
	t.Helper()
	c := marketlinesdk.New(srv.URL)
	actor := loc
	if kind == "associate" {
		actor = alice
	}
	actor.ID = who
	token, err := IssueToken(testSecret, actor, jwt.RegisteredClaims{})
	if err != nil {
		t.Fatal(err)
	}
	c.BearerToken = token
	return c
}

func TestSDKRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	location := sdkClient(t, srv, "loc-1", "location")
	associate := sdkClient(t, srv, "alice", "associate")

	if err := location.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	offer, err := location.CreateOffer(ctx, marketlinesdk.OfferInput{
		ServiceID:          "svc-1",
		PreferredStartDate: future,
		OfferedAmountCents: 20000,
		MaxApplicants:      1,
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if offer.Title != "Shelf reset" || offer.LocationID != "loc-1" {
		t.Fatalf("offer = %+v", offer)
	}

	ag, err := associate.Apply(ctx, offer.ID, marketlinesdk.Application{
		AgreedAmountCents: 20000,
		AgreedStartTime:   future,
		Note:              "available all day",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	_, err = sdkClient(t, srv, "bob", "associate").Apply(ctx, offer.ID, marketlinesdk.Application{
		AgreedAmountCents: 20000,
		AgreedStartTime:   future,
	})
	var apiErr *marketlinesdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "capacity_exceeded" {
		t.Fatalf("second apply err = %v", err)
	}

	if _, err := location.Transition(ctx, ag.ID, "approve", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := associate.Transition(ctx, ag.ID, "start", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	pct := 40
	x, err := associate.UpdateExecution(ctx, ag.ID, marketlinesdk.ExecutionAction{Action: "update_progress", Percentage: &pct})
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if x.CompletionPercentage != 40 {
		t.Fatalf("completion = %d", x.CompletionPercentage)
	}

	got, err := location.GetAgreement(ctx, ag.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if got.Status != "ACTIVE" || len(got.NegotiationNotes) != 1 {
		t.Fatalf("agreement = %+v", got)
	}

	page, err := location.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("events page = %+v", page)
	}
	if page.Items[0].ID <= page.Items[1].ID {
		t.Fatalf("events not newest first: %d, %d", page.Items[0].ID, page.Items[1].ID)
	}
}

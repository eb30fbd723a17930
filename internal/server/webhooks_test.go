package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"marketline/internal/config"
	"marketline/internal/domain"
)

type receiver struct {
	mu      sync.Mutex
	fail    bool
	got     []webhookEvent
	secrets []string
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(req.Body)
	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Header.Get("X-Marketline-Event") != evt.Type {
		http.Error(w, "event header mismatch", http.StatusBadRequest)
		return
	}
	r.got = append(r.got, evt)
	r.secrets = append(r.secrets, req.Header.Get("X-Marketline-Secret"))
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, evt := range r.got {
		out = append(out, evt.Type)
	}
	return out
}

func (r *receiver) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	all := &receiver{}
	filtered := &receiver{}
	allSrv := httptest.NewServer(all)
	defer allSrv.Close()
	filteredSrv := httptest.NewServer(filtered)
	defer filteredSrv.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{
		{URL: allSrv.URL, Secret: "s3cret"},
		{URL: filteredSrv.URL, Events: []string{"agreement.proposed"}},
	}, srv.Clock)

	// The service seeded before the first pass is not delivered.
	d.DispatchAll(ctx)
	if got := all.types(); len(got) != 0 {
		t.Fatalf("initial pass delivered %v", got)
	}

	offer := createOffer(t, srv, nil)
	apply(t, srv, offer.ID, alice)
	d.DispatchAll(ctx)

	got := all.types()
	if len(got) != 2 || got[0] != "offer.created" || got[1] != "agreement.proposed" {
		t.Fatalf("all hook got %v", got)
	}
	if all.secrets[0] != "s3cret" {
		t.Fatalf("secret header = %q", all.secrets[0])
	}
	if all.got[0].EntityID != offer.ID || all.got[0].EntityKind != "offer" {
		t.Fatalf("offer event = %+v", all.got[0])
	}
	if got := filtered.types(); len(got) != 1 || got[0] != "agreement.proposed" {
		t.Fatalf("filtered hook got %v", got)
	}

	// Nothing new: nothing re-sent.
	d.DispatchAll(ctx)
	if got := all.types(); len(got) != 2 {
		t.Fatalf("redelivered: %v", got)
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	rcv := &receiver{}
	rcvSrv := httptest.NewServer(rcv)
	defer rcvSrv.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: rcvSrv.URL}}, srv.Clock)
	d.DispatchAll(ctx)

	rcv.setFail(true)
	offer := createOffer(t, srv, nil)
	d.DispatchAll(ctx)
	if got := rcv.types(); len(got) != 0 {
		t.Fatalf("failed hook recorded %v", got)
	}

	rcv.setFail(false)
	if _, err := srv.Engine.CancelOffer(ctx, offer.ID, loc, "changed plans"); err != nil {
		t.Fatalf("cancel offer: %v", err)
	}
	d.DispatchAll(ctx)
	got := rcv.types()
	if len(got) != 2 || got[0] != "offer.created" || got[1] != "offer.cancelled" {
		t.Fatalf("after recovery got %v", got)
	}
}

func TestWebhookDisabledIsSkipped(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	rcv := &receiver{}
	rcvSrv := httptest.NewServer(rcv)
	defer rcvSrv.Close()

	disabled := false
	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: rcvSrv.URL, Enabled: &disabled}}, srv.Clock)
	d.DispatchAll(ctx)
	if err := srv.Engine.UpsertService(ctx, domain.Service{
		ID:                     "svc-2",
		Name:                   "Inventory count",
		Code:                   "COUNT",
		ComplexityTier:         domain.TierStandard,
		EstimatedDurationHours: 2,
		Active:                 true,
	}); err != nil {
		t.Fatalf("upsert service: %v", err)
	}
	d.DispatchAll(ctx)
	if got := rcv.types(); len(got) != 0 {
		t.Fatalf("disabled hook got %v", got)
	}
}

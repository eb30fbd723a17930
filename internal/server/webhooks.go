package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"

	"marketline/internal/config"
	"marketline/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventSource reads the event log in append order.
type EventSource interface {
	EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// WebhookDispatcher posts new events to the configured webhooks. Each hook
// starts at the newest event present when it is first polled and keeps its
// own cursor; a failed delivery is retried on the next poll.
type WebhookDispatcher struct {
	source   EventSource
	webhooks []config.WebhookConfig
	clock    clock.Clock
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(source EventSource, webhooks []config.WebhookConfig, clk clock.Clock) *WebhookDispatcher {
	if clk == nil {
		clk = clock.WallClock
	}
	return &WebhookDispatcher{
		source:   source,
		webhooks: webhooks,
		clock:    clk,
		interval: defaultWebhookInterval,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if len(d.webhooks) == 0 {
		return nil
	}
	timer := d.clock.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
			d.DispatchAll(ctx)
			timer.Reset(d.interval)
		}
	}
}

// DispatchAll runs one delivery pass over every enabled webhook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	events, err := d.source.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		logger.Warningf("webhook: fetch events failed: %v", err)
		return
	}
	wanted := set.NewStrings(hook.Events...)
	for _, evt := range events {
		if wanted.Size() > 0 && !wanted.Contains(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			logger.Warningf("webhook: deliver %d to %s failed: %v", evt.ID, hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		logger.Warningf("webhook: init cursor failed: %v", err)
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Marketline-Event", evt.Type)
	req.Header.Set("X-Marketline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Marketline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

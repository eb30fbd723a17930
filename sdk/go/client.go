package marketlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketline/internal/domain"
)

// Client is a minimal marketline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID and ActorKind are sent as legacy identity headers when no
	// bearer token is set. The server must allow them.
	ActorID    string
	ActorKind  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type (
	Offer     = domain.ServiceOffer
	Agreement = domain.ServiceAgreement
	Execution = domain.ServiceExecution
	Service   = domain.Service
	Profile   = domain.AssociateProfile
	LogEntry  = domain.LogEntry
)

// OfferInput is the body of CreateOffer. Zero values take server defaults.
type OfferInput struct {
	ServiceID              string     `json:"service_id"`
	LocationID             string     `json:"location_id,omitempty"`
	Title                  string     `json:"title,omitempty"`
	Description            string     `json:"description,omitempty"`
	Urgency                string     `json:"urgency,omitempty"`
	PreferredStartDate     time.Time  `json:"preferred_start_date"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	OfferedAmountCents     int64      `json:"offered_amount_cents"`
	PaymentStructure       string     `json:"payment_structure,omitempty"`
	EstimatedDurationHours *float64   `json:"estimated_duration_hours,omitempty"`
	Instructions           string     `json:"instructions,omitempty"`
	PreferredAssociates    []string   `json:"preferred_associates,omitempty"`
	ExcludedAssociates     []string   `json:"excluded_associates,omitempty"`
	MinimumExperienceLevel int        `json:"minimum_experience_level,omitempty"`
	RequiredCertifications []string   `json:"required_certifications,omitempty"`
	MaxApplicants          int        `json:"max_applicants,omitempty"`
}

// Application is the body of Apply.
type Application struct {
	AgreedAmountCents int64     `json:"agreed_amount_cents"`
	AgreedStartTime   time.Time `json:"agreed_start_time"`
	DurationHours     *float64  `json:"duration_hours,omitempty"`
	Deliverables      []string  `json:"deliverables,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Note              string    `json:"note,omitempty"`
}

// ExecutionAction is the body of UpdateExecution. Only the fields the
// action reads need to be set.
type ExecutionAction struct {
	Action        string  `json:"action"`
	Percentage    *int    `json:"percentage,omitempty"`
	Phase         string  `json:"phase,omitempty"`
	Note          string  `json:"note,omitempty"`
	Text          string  `json:"text,omitempty"`
	Hours         float64 `json:"hours,omitempty"`
	Description   string  `json:"description,omitempty"`
	AmountCents   int64   `json:"amount_cents,omitempty"`
	Category      string  `json:"category,omitempty"`
	Severity      string  `json:"severity,omitempty"`
	CheckName     string  `json:"check_name,omitempty"`
	QualityStatus string  `json:"quality_status,omitempty"`
	Rating        *int    `json:"rating,omitempty"`
}

// OfferFilter narrows ListOffers.
type OfferFilter struct {
	LocationID     string
	ServiceID      string
	Status         string
	AssociateID    string
	IncludeExpired bool
	Limit          int
	Cursor         string
}

// OfferPage wraps list responses with cursors.
type OfferPage struct {
	Items      []Offer `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// CreateOffer posts an offer as the calling location.
func (c *Client) CreateOffer(ctx context.Context, in OfferInput) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodPost, "offers", in, &resp)
	return resp, err
}

// GetOffer fetches an offer by id.
func (c *Client) GetOffer(ctx context.Context, id string) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodGet, "offers/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListOffers returns one page of offers.
func (c *Client) ListOffers(ctx context.Context, f OfferFilter) (OfferPage, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"location_id":  f.LocationID,
		"service_id":   f.ServiceID,
		"status":       f.Status,
		"associate_id": f.AssociateID,
		"cursor":       f.Cursor,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if f.IncludeExpired {
		q.Set("include_expired", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	endpoint := "offers"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp OfferPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelOffer cancels an offer.
func (c *Client) CancelOffer(ctx context.Context, id, reason string) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodPost, "offers/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Apply applies for an offer as the calling associate.
func (c *Client) Apply(ctx context.Context, offerID string, in Application) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "offers/"+url.PathEscape(offerID)+"/applications", in, &resp)
	return resp, err
}

// GetAgreement fetches an agreement with its notes.
func (c *Client) GetAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodGet, "agreements/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition applies approve, reject, start, complete or cancel.
func (c *Client) Transition(ctx context.Context, agreementID, action, reason string) (Agreement, error) {
	body := map[string]any{"action": action}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "agreements/"+url.PathEscape(agreementID)+"/transitions", body, &resp)
	return resp, err
}

// AddNote appends a negotiation note.
func (c *Client) AddNote(ctx context.Context, agreementID, text string) (LogEntry, error) {
	var resp LogEntry
	err := c.do(ctx, http.MethodPost, "agreements/"+url.PathEscape(agreementID)+"/notes", map[string]any{"text": text}, &resp)
	return resp, err
}

// GetExecution fetches the execution of an agreement.
func (c *Client) GetExecution(ctx context.Context, agreementID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "agreements/"+url.PathEscape(agreementID)+"/execution", nil, &resp)
	return resp, err
}

// UpdateExecution records an execution action.
func (c *Client) UpdateExecution(ctx context.Context, agreementID string, in ExecutionAction) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "agreements/"+url.PathEscape(agreementID)+"/execution/actions", in, &resp)
	return resp, err
}

// PutServices creates or replaces catalog services.
func (c *Client) PutServices(ctx context.Context, services ...map[string]any) ([]Service, error) {
	var resp struct {
		Items []Service `json:"items"`
	}
	err := c.do(ctx, http.MethodPut, "services", map[string]any{"services": services}, &resp)
	return resp.Items, err
}

// SetProfile stores the calling associate's profile.
func (c *Client) SetProfile(ctx context.Context, associateID string, experience int, certifications []string) (Profile, error) {
	var resp Profile
	body := map[string]any{"experience_level": experience, "certifications": certifications}
	err := c.do(ctx, http.MethodPut, "associates/"+url.PathEscape(associateID)+"/profile", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		req.Header.Set("X-Actor-Kind", c.ActorKind)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

package server

import (
	"encoding/json"
	"time"

	"marketline/internal/domain"
	"marketline/internal/engine"
)

// Request payloads

type CreateOfferRequest struct {
	ID                     string     `json:"id,omitempty"`
	ServiceID              string     `json:"service_id"`
	LocationID             string     `json:"location_id,omitempty" doc:"Defaults to the calling location"`
	Title                  string     `json:"title,omitempty"`
	Description            string     `json:"description,omitempty"`
	Urgency                string     `json:"urgency,omitempty" enum:"LOW,NORMAL,HIGH,URGENT"`
	PreferredStartDate     time.Time  `json:"preferred_start_date"`
	LatestStartDate        *time.Time `json:"latest_start_date,omitempty"`
	MustCompleteBy         *time.Time `json:"must_complete_by,omitempty"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	OfferedAmountCents     int64      `json:"offered_amount_cents"`
	PaymentStructure       string     `json:"payment_structure,omitempty" enum:"FIXED,HOURLY,MILESTONE"`
	EstimatedDurationHours *float64   `json:"estimated_duration_hours,omitempty"`
	Instructions           string     `json:"instructions,omitempty"`
	PreferredAssociates    []string   `json:"preferred_associates,omitempty"`
	ExcludedAssociates     []string   `json:"excluded_associates,omitempty"`
	MinimumExperienceLevel int        `json:"minimum_experience_level,omitempty"`
	RequiredCertifications []string   `json:"required_certifications,omitempty"`
	MaxApplicants          int        `json:"max_applicants,omitempty"`
}

type UpdateOfferRequest struct {
	Title                  *string    `json:"title,omitempty"`
	Description            *string    `json:"description,omitempty"`
	Urgency                *string    `json:"urgency,omitempty" enum:"LOW,NORMAL,HIGH,URGENT"`
	PreferredStartDate     *time.Time `json:"preferred_start_date,omitempty"`
	LatestStartDate        *time.Time `json:"latest_start_date,omitempty"`
	MustCompleteBy         *time.Time `json:"must_complete_by,omitempty"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	OfferedAmountCents     *int64     `json:"offered_amount_cents,omitempty"`
	PaymentStructure       *string    `json:"payment_structure,omitempty" enum:"FIXED,HOURLY,MILESTONE"`
	EstimatedDurationHours *float64   `json:"estimated_duration_hours,omitempty"`
	Instructions           *string    `json:"instructions,omitempty"`
	PreferredAssociates    *[]string  `json:"preferred_associates,omitempty"`
	ExcludedAssociates     *[]string  `json:"excluded_associates,omitempty"`
	MinimumExperienceLevel *int       `json:"minimum_experience_level,omitempty"`
	RequiredCertifications *[]string  `json:"required_certifications,omitempty"`
	MaxApplicants          *int       `json:"max_applicants,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ApplyRequest struct {
	AgreedAmountCents int64     `json:"agreed_amount_cents"`
	AgreedStartTime   time.Time `json:"agreed_start_time"`
	DurationHours     *float64  `json:"duration_hours,omitempty"`
	Deliverables      []string  `json:"deliverables,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Note              string    `json:"note,omitempty"`
}

type TransitionRequest struct {
	Action               string `json:"action" enum:"approve,reject,start,complete,cancel"`
	Reason               string `json:"reason,omitempty"`
	FinalAmountPaidCents *int64 `json:"final_amount_paid_cents,omitempty"`
	Note                 string `json:"note,omitempty"`
}

type NoteRequest struct {
	Text string `json:"text"`
}

type ExecutionActionRequest struct {
	Action        string  `json:"action" enum:"update_progress,add_milestone,log_time,report_issue,add_expense,pause,resume,quality_check,location_feedback"`
	Percentage    *int    `json:"percentage,omitempty"`
	Phase         string  `json:"phase,omitempty"`
	Note          string  `json:"note,omitempty"`
	Text          string  `json:"text,omitempty"`
	Hours         float64 `json:"hours,omitempty"`
	Description   string  `json:"description,omitempty"`
	AmountCents   int64   `json:"amount_cents,omitempty"`
	Category      string  `json:"category,omitempty"`
	Severity      string  `json:"severity,omitempty" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	CheckName     string  `json:"check_name,omitempty"`
	QualityStatus string  `json:"quality_status,omitempty" enum:"PASSED,FAILED,NEEDS_REVIEW"`
	Rating        *int    `json:"rating,omitempty"`
}

type ProgressReportRequest struct {
	ReportType string         `json:"report_type" enum:"DAILY,WEEKLY,MILESTONE,FINAL,ADHOC"`
	Data       map[string]any `json:"data"`
}

type ProfileRequest struct {
	ExperienceLevel int      `json:"experience_level"`
	Certifications  []string `json:"certifications,omitempty"`
}

type ServiceRequest struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Code                   string   `json:"code"`
	Category               string   `json:"category,omitempty"`
	ComplexityTier         string   `json:"complexity_tier" enum:"BASIC,STANDARD,ADVANCED,EXPERT"`
	EstimatedDurationHours float64  `json:"estimated_duration_hours"`
	MinDurationHours       float64  `json:"min_duration_hours,omitempty"`
	MaxDurationHours       float64  `json:"max_duration_hours,omitempty"`
	RequiredSkills         []string `json:"required_skills,omitempty"`
	RequiredCertifications []string `json:"required_certifications,omitempty"`
	SuggestedBaseRateCents int64    `json:"suggested_base_rate_cents,omitempty"`
	Active                 *bool    `json:"active,omitempty" doc:"Defaults to true"`
}

type ServicesRequest struct {
	Services []ServiceRequest `json:"services"`
}

// Responses

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedOffers struct {
	Items      []domain.ServiceOffer `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type agreementList struct {
	Items []domain.ServiceAgreement `json:"items"`
}

type executionList struct {
	Items []domain.ServiceExecution `json:"items"`
}

type serviceList struct {
	Items []domain.Service `json:"items"`
}

func (r CreateOfferRequest) spec(actor domain.Actor) engine.OfferSpec {
	locationID := r.LocationID
	if locationID == "" {
		locationID = actor.ID
	}
	return engine.OfferSpec{
		ID:                     r.ID,
		ServiceID:              r.ServiceID,
		LocationID:             locationID,
		Title:                  r.Title,
		Description:            r.Description,
		Urgency:                domain.Urgency(r.Urgency),
		PreferredStartDate:     r.PreferredStartDate,
		LatestStartDate:        r.LatestStartDate,
		MustCompleteBy:         r.MustCompleteBy,
		ExpiresAt:              r.ExpiresAt,
		OfferedAmountCents:     r.OfferedAmountCents,
		PaymentStructure:       domain.PaymentStructure(r.PaymentStructure),
		EstimatedDurationHours: r.EstimatedDurationHours,
		Instructions:           r.Instructions,
		PreferredAssociates:    r.PreferredAssociates,
		ExcludedAssociates:     r.ExcludedAssociates,
		MinimumExperienceLevel: r.MinimumExperienceLevel,
		RequiredCertifications: r.RequiredCertifications,
		MaxApplicants:          r.MaxApplicants,
		CreatedBy:              actor.ID,
	}
}

func (r UpdateOfferRequest) patch() engine.OfferPatch {
	p := engine.OfferPatch{
		Title:                  r.Title,
		Description:            r.Description,
		PreferredStartDate:     r.PreferredStartDate,
		LatestStartDate:        r.LatestStartDate,
		MustCompleteBy:         r.MustCompleteBy,
		ExpiresAt:              r.ExpiresAt,
		OfferedAmountCents:     r.OfferedAmountCents,
		EstimatedDurationHours: r.EstimatedDurationHours,
		Instructions:           r.Instructions,
		PreferredAssociates:    r.PreferredAssociates,
		ExcludedAssociates:     r.ExcludedAssociates,
		MinimumExperienceLevel: r.MinimumExperienceLevel,
		RequiredCertifications: r.RequiredCertifications,
		MaxApplicants:          r.MaxApplicants,
	}
	if r.Urgency != nil {
		u := domain.Urgency(*r.Urgency)
		p.Urgency = &u
	}
	if r.PaymentStructure != nil {
		ps := domain.PaymentStructure(*r.PaymentStructure)
		p.PaymentStructure = &ps
	}
	return p
}

func (r ExecutionActionRequest) params(agreementID string, actor domain.Actor) engine.ExecutionParams {
	return engine.ExecutionParams{
		AgreementID:   agreementID,
		Action:        domain.ExecutionAction(r.Action),
		Actor:         actor,
		Percentage:    r.Percentage,
		Phase:         r.Phase,
		Note:          r.Note,
		Text:          r.Text,
		Hours:         r.Hours,
		Description:   r.Description,
		AmountCents:   r.AmountCents,
		Category:      r.Category,
		Severity:      domain.IssueSeverity(r.Severity),
		CheckName:     r.CheckName,
		QualityStatus: domain.QualityStatus(r.QualityStatus),
		Rating:        r.Rating,
	}
}

func (r ServiceRequest) service() domain.Service {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return domain.Service{
		ID:                     r.ID,
		Name:                   r.Name,
		Code:                   r.Code,
		Category:               r.Category,
		ComplexityTier:         domain.ComplexityTier(r.ComplexityTier),
		EstimatedDurationHours: r.EstimatedDurationHours,
		MinDurationHours:       r.MinDurationHours,
		MaxDurationHours:       r.MaxDurationHours,
		RequiredSkills:         nonNilSlice(r.RequiredSkills),
		RequiredCertifications: nonNilSlice(r.RequiredCertifications),
		SuggestedBaseRateCents: r.SuggestedBaseRateCents,
		Active:                 active,
	}
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

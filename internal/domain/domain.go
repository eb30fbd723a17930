package domain

import (
	"encoding/json"
	"time"
)

// TimeFormat is the fixed-width UTC layout used for persisted timestamps so
// that text ordering matches chronological ordering.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

type ComplexityTier string

const (
	TierBasic    ComplexityTier = "BASIC"
	TierStandard ComplexityTier = "STANDARD"
	TierAdvanced ComplexityTier = "ADVANCED"
	TierExpert   ComplexityTier = "EXPERT"
)

type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyNormal Urgency = "NORMAL"
	UrgencyHigh   Urgency = "HIGH"
	UrgencyUrgent Urgency = "URGENT"
)

type PaymentStructure string

const (
	PaymentFixed     PaymentStructure = "FIXED"
	PaymentHourly    PaymentStructure = "HOURLY"
	PaymentMilestone PaymentStructure = "MILESTONE"
)

type Service struct {
	ID                     string         `json:"id"`
	Name                   string         `json:"name"`
	Code                   string         `json:"code"`
	Category               string         `json:"category"`
	ComplexityTier         ComplexityTier `json:"complexity_tier" enum:"BASIC,STANDARD,ADVANCED,EXPERT"`
	EstimatedDurationHours float64        `json:"estimated_duration_hours"`
	MinDurationHours       float64        `json:"min_duration_hours,omitempty"`
	MaxDurationHours       float64        `json:"max_duration_hours,omitempty"`
	RequiredSkills         []string       `json:"required_skills"`
	RequiredCertifications []string       `json:"required_certifications"`
	SuggestedBaseRateCents int64          `json:"suggested_base_rate_cents"`
	Active                 bool           `json:"active"`
	UpdatedAt              time.Time      `json:"updated_at" format:"date-time"`
}

// AssociateProfile carries externally supplied facts about an associate.
type AssociateProfile struct {
	AssociateID     string    `json:"associate_id"`
	ExperienceLevel int       `json:"experience_level"`
	Certifications  []string  `json:"certifications"`
	UpdatedAt       time.Time `json:"updated_at" format:"date-time"`
}

type ServiceOffer struct {
	ID                     string           `json:"id"`
	ServiceID              string           `json:"service_id"`
	LocationID             string           `json:"location_id"`
	Title                  string           `json:"title"`
	Description            string           `json:"description,omitempty"`
	Urgency                Urgency          `json:"urgency" enum:"LOW,NORMAL,HIGH,URGENT"`
	PreferredStartDate     time.Time        `json:"preferred_start_date" format:"date-time"`
	LatestStartDate        *time.Time       `json:"latest_start_date,omitempty" format:"date-time"`
	MustCompleteBy         *time.Time       `json:"must_complete_by,omitempty" format:"date-time"`
	ExpiresAt              *time.Time       `json:"expires_at,omitempty" format:"date-time"`
	OfferedAmountCents     int64            `json:"offered_amount_cents"`
	PaymentStructure       PaymentStructure `json:"payment_structure" enum:"FIXED,HOURLY,MILESTONE"`
	EstimatedDurationHours *float64         `json:"estimated_duration_hours,omitempty"`
	Instructions           string           `json:"instructions,omitempty"`
	PreferredAssociates    []string         `json:"preferred_associates"`
	ExcludedAssociates     []string         `json:"excluded_associates"`
	MinimumExperienceLevel int              `json:"minimum_experience_level"`
	RequiredCertifications []string         `json:"required_certifications"`
	MaxApplicants          int              `json:"max_applicants"`
	CurrentApplicants      int              `json:"current_applicants"`
	Status                 OfferStatus      `json:"offer_status" enum:"OPEN,PENDING,ACCEPTED,IN_PROGRESS,COMPLETED,EXPIRED,CANCELLED"`
	Version                int64            `json:"version"`
	CreatedBy              string           `json:"created_by"`
	CreatedAt              time.Time        `json:"created_at" format:"date-time"`
	UpdatedAt              time.Time        `json:"updated_at" format:"date-time"`
}

// ExpiredAt reports whether the offer's expiry instant has passed at now.
func (o ServiceOffer) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// HasCapacity reports whether another applicant slot is free.
func (o ServiceOffer) HasCapacity() bool {
	return o.CurrentApplicants < o.MaxApplicants
}

type ServiceAgreement struct {
	ID                      string          `json:"id"`
	OfferID                 string          `json:"offer_id"`
	AssociateID             string          `json:"associate_id"`
	AgreedAmountCents       int64           `json:"agreed_amount_cents"`
	AgreedStartTime         time.Time       `json:"agreed_start_time" format:"date-time"`
	EstimatedCompletionTime time.Time       `json:"estimated_completion_time" format:"date-time"`
	Deliverables            []string        `json:"deliverables"`
	Instructions            string          `json:"instructions,omitempty"`
	Status                  AgreementStatus `json:"agreement_status" enum:"PROPOSED,ACCEPTED,ACTIVE,COMPLETED,CANCELLED"`
	ApprovedBy              *string         `json:"approved_by,omitempty"`
	ApprovedAt              *time.Time      `json:"approved_at,omitempty" format:"date-time"`
	ActualStartTime         *time.Time      `json:"actual_start_time,omitempty" format:"date-time"`
	CompletedAt             *time.Time      `json:"completed_at,omitempty" format:"date-time"`
	FinalAmountPaidCents    *int64          `json:"final_amount_paid_cents,omitempty"`
	CancelledBy             *string         `json:"cancelled_by,omitempty"`
	CancelledAt             *time.Time      `json:"cancelled_at,omitempty" format:"date-time"`
	CancellationReason      *string         `json:"cancellation_reason,omitempty"`
	NegotiationNotes        []LogEntry      `json:"negotiation_notes"`
	Version                 int64           `json:"version"`
	CreatedAt               time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt               time.Time       `json:"updated_at" format:"date-time"`
}

type ServiceExecution struct {
	ID                    string     `json:"id"`
	AgreementID           string     `json:"agreement_id"`
	CompletionPercentage  int        `json:"completion_percentage"`
	CurrentPhase          string     `json:"current_phase,omitempty"`
	HoursLogged           float64    `json:"hours_logged"`
	ExpensesIncurredCents int64      `json:"expenses_incurred_cents"`
	Paused                bool       `json:"paused"`
	PausedAt              *time.Time `json:"paused_at,omitempty" format:"date-time"`
	ResumedAt             *time.Time `json:"resumed_at,omitempty" format:"date-time"`
	StartedAt             time.Time  `json:"started_at" format:"date-time"`
	CompletedAt           *time.Time `json:"completed_at,omitempty" format:"date-time"`
	Version               int64      `json:"version"`
	UpdatedAt             time.Time  `json:"updated_at" format:"date-time"`

	MilestonesCompleted []LogEntry `json:"milestones_completed"`
	IssuesEncountered   []LogEntry `json:"issues_encountered"`
	ProgressReports     []LogEntry `json:"progress_reports"`
	QualityCheckpoints  []LogEntry `json:"quality_checkpoints"`
	LocationFeedback    []LogEntry `json:"location_feedback"`
	TimeEntries         []LogEntry `json:"time_entries"`
	Expenses            []LogEntry `json:"expenses"`
}

// LogKind names an append-only log attached to an agreement or execution.
type LogKind string

const (
	LogNegotiation LogKind = "negotiation"
	LogMilestone   LogKind = "milestone"
	LogIssue       LogKind = "issue"
	LogProgress    LogKind = "progress"
	LogQuality     LogKind = "quality"
	LogFeedback    LogKind = "feedback"
	LogTime        LogKind = "time"
	LogExpense     LogKind = "expense"
)

// LogEntry is an immutable, timestamped entry in an append-only log.
type LogEntry struct {
	Seq     int64           `json:"seq"`
	Kind    LogKind         `json:"kind"`
	At      time.Time       `json:"at" format:"date-time"`
	Author  string          `json:"author"`
	Payload json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

// Decode unmarshals the entry payload into v.
func (l LogEntry) Decode(v any) error {
	return json.Unmarshal(l.Payload, v)
}

// Attach sorts a flat list of execution log entries into the execution's
// per-kind slices. Entries are expected in sequence order.
func (x *ServiceExecution) Attach(entries []LogEntry) {
	x.MilestonesCompleted = []LogEntry{}
	x.IssuesEncountered = []LogEntry{}
	x.ProgressReports = []LogEntry{}
	x.QualityCheckpoints = []LogEntry{}
	x.LocationFeedback = []LogEntry{}
	x.TimeEntries = []LogEntry{}
	x.Expenses = []LogEntry{}
	for _, e := range entries {
		switch e.Kind {
		case LogMilestone:
			x.MilestonesCompleted = append(x.MilestonesCompleted, e)
		case LogIssue:
			x.IssuesEncountered = append(x.IssuesEncountered, e)
		case LogProgress:
			x.ProgressReports = append(x.ProgressReports, e)
		case LogQuality:
			x.QualityCheckpoints = append(x.QualityCheckpoints, e)
		case LogFeedback:
			x.LocationFeedback = append(x.LocationFeedback, e)
		case LogTime:
			x.TimeEntries = append(x.TimeEntries, e)
		case LogExpense:
			x.Expenses = append(x.Expenses, e)
		}
	}
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload,omitempty"`
}

// ActorKind distinguishes the two parties of a marketplace agreement.
type ActorKind string

const (
	ActorAssociate ActorKind = "associate"
	ActorLocation  ActorKind = "location"
	ActorSystem    ActorKind = "system"
)

// Actor identifies who is performing an operation.
type Actor struct {
	ID   string    `json:"id"`
	Kind ActorKind `json:"kind" enum:"associate,location,system"`
}

func Associate(id string) Actor { return Actor{ID: id, Kind: ActorAssociate} }
func Location(id string) Actor  { return Actor{ID: id, Kind: ActorLocation} }

// System is used for engine-initiated changes such as expiry sweeps.
var System = Actor{ID: "system", Kind: ActorSystem}

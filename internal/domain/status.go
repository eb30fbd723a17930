package domain

type OfferStatus string

const (
	OfferOpen       OfferStatus = "OPEN"
	OfferPending    OfferStatus = "PENDING"
	OfferAccepted   OfferStatus = "ACCEPTED"
	OfferInProgress OfferStatus = "IN_PROGRESS"
	OfferCompleted  OfferStatus = "COMPLETED"
	OfferExpired    OfferStatus = "EXPIRED"
	OfferCancelled  OfferStatus = "CANCELLED"
)

var OfferStatuses = []OfferStatus{
	OfferOpen, OfferPending, OfferAccepted, OfferInProgress, OfferCompleted, OfferExpired, OfferCancelled,
}

func (s OfferStatus) Valid() bool {
	for _, v := range OfferStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal offers accept no further changes.
func (s OfferStatus) Terminal() bool {
	return s == OfferCompleted || s == OfferExpired || s == OfferCancelled
}

type AgreementStatus string

const (
	AgreementProposed  AgreementStatus = "PROPOSED"
	AgreementAccepted  AgreementStatus = "ACCEPTED"
	AgreementActive    AgreementStatus = "ACTIVE"
	AgreementCompleted AgreementStatus = "COMPLETED"
	AgreementCancelled AgreementStatus = "CANCELLED"
)

var AgreementStatuses = []AgreementStatus{
	AgreementProposed, AgreementAccepted, AgreementActive, AgreementCompleted, AgreementCancelled,
}

func (s AgreementStatus) Valid() bool {
	for _, v := range AgreementStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s AgreementStatus) Terminal() bool {
	return s == AgreementCompleted || s == AgreementCancelled
}

// HoldsSlot reports whether an agreement in this status counts against the
// offer's applicant capacity.
func (s AgreementStatus) HoldsSlot() bool {
	return s == AgreementProposed || s == AgreementAccepted || s == AgreementActive
}

// Committed reports whether the location has approved the agreement and it
// has not yet finished.
func (s AgreementStatus) Committed() bool {
	return s == AgreementAccepted || s == AgreementActive
}

type AgreementAction string

const (
	ActionApprove  AgreementAction = "approve"
	ActionReject   AgreementAction = "reject"
	ActionStart    AgreementAction = "start"
	ActionComplete AgreementAction = "complete"
	ActionCancel   AgreementAction = "cancel"
)

var AgreementActions = []AgreementAction{
	ActionApprove, ActionReject, ActionStart, ActionComplete, ActionCancel,
}

// Authority names which party may perform an agreement action.
type Authority int

const (
	ByLocation Authority = iota
	ByAssociate
	ByEither
)

// Transition is one row of the agreement state machine.
type Transition struct {
	From      []AgreementStatus
	To        AgreementStatus
	Authority Authority
}

// AgreementTransitions is the full agreement state machine. Any action not
// listed for the current status is an invalid transition.
var AgreementTransitions = map[AgreementAction]Transition{
	ActionApprove:  {From: []AgreementStatus{AgreementProposed}, To: AgreementAccepted, Authority: ByLocation},
	ActionReject:   {From: []AgreementStatus{AgreementProposed}, To: AgreementCancelled, Authority: ByLocation},
	ActionStart:    {From: []AgreementStatus{AgreementAccepted}, To: AgreementActive, Authority: ByAssociate},
	ActionComplete: {From: []AgreementStatus{AgreementActive}, To: AgreementCompleted, Authority: ByAssociate},
	ActionCancel:   {From: []AgreementStatus{AgreementProposed, AgreementAccepted}, To: AgreementCancelled, Authority: ByEither},
}

// NextAgreementStatus resolves the target status for action from the current
// status, or returns an error of kind ErrInvalidTransition.
func NextAgreementStatus(current AgreementStatus, action AgreementAction) (AgreementStatus, error) {
	t, ok := AgreementTransitions[action]
	if !ok {
		return "", Validationf("action", "unknown agreement action %q", action)
	}
	for _, from := range t.From {
		if from == current {
			return t.To, nil
		}
	}
	return "", &Error{
		Kind:    ErrInvalidTransition,
		State:   string(current),
		Action:  string(action),
		Message: "cannot " + string(action) + " an agreement in state " + string(current),
	}
}

type ExecutionAction string

const (
	ExecUpdateProgress   ExecutionAction = "update_progress"
	ExecAddMilestone     ExecutionAction = "add_milestone"
	ExecLogTime          ExecutionAction = "log_time"
	ExecReportIssue      ExecutionAction = "report_issue"
	ExecAddExpense       ExecutionAction = "add_expense"
	ExecPause            ExecutionAction = "pause"
	ExecResume           ExecutionAction = "resume"
	ExecQualityCheck     ExecutionAction = "quality_check"
	ExecLocationFeedback ExecutionAction = "location_feedback"
)

var ExecutionActions = []ExecutionAction{
	ExecUpdateProgress, ExecAddMilestone, ExecLogTime, ExecReportIssue, ExecAddExpense,
	ExecPause, ExecResume, ExecQualityCheck, ExecLocationFeedback,
}

// ExecutionAuthority reports which party may perform an execution action.
func ExecutionAuthority(a ExecutionAction) Authority {
	switch a {
	case ExecQualityCheck, ExecLocationFeedback:
		return ByLocation
	default:
		return ByAssociate
	}
}

type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "LOW"
	SeverityMedium   IssueSeverity = "MEDIUM"
	SeverityHigh     IssueSeverity = "HIGH"
	SeverityCritical IssueSeverity = "CRITICAL"
)

type QualityStatus string

const (
	QualityPassed      QualityStatus = "PASSED"
	QualityFailed      QualityStatus = "FAILED"
	QualityNeedsReview QualityStatus = "NEEDS_REVIEW"
)

type ReportType string

const (
	ReportDaily     ReportType = "DAILY"
	ReportWeekly    ReportType = "WEEKLY"
	ReportMilestone ReportType = "MILESTONE"
	ReportFinal     ReportType = "FINAL"
	ReportAdhoc     ReportType = "ADHOC"
)

func (r ReportType) Valid() bool {
	switch r {
	case ReportDaily, ReportWeekly, ReportMilestone, ReportFinal, ReportAdhoc:
		return true
	}
	return false
}

package engine

import (
	"context"

	"github.com/canonical/sqlair"

	"marketline/internal/domain"
	"marketline/internal/events"
	"marketline/internal/metrics"
)

// ExecutionParams carries the arguments of an execution action. Each action
// reads only the fields it needs.
type ExecutionParams struct {
	AgreementID string
	Action      domain.ExecutionAction
	Actor       domain.Actor

	Percentage    *int
	Phase         string
	Note          string
	Text          string
	Hours         float64
	Description   string
	AmountCents   int64
	Category      string
	Severity      domain.IssueSeverity
	CheckName     string
	QualityStatus domain.QualityStatus
	Rating        *int
}

// UpdateExecution applies one tracker action to the execution of an ACTIVE
// agreement and returns the execution as it stands afterwards.
func (e Engine) UpdateExecution(ctx context.Context, p ExecutionParams) (domain.ServiceExecution, error) {
	x, err := e.updateExecution(ctx, p)
	metrics.ExecutionMutations.WithLabelValues(string(p.Action), metrics.Outcome(err)).Inc()
	return x, err
}

func (e Engine) updateExecution(ctx context.Context, p ExecutionParams) (domain.ServiceExecution, error) {
	if err := validateActor(p.Actor); err != nil {
		return domain.ServiceExecution{}, err
	}
	if err := validateExecutionParams(p); err != nil {
		return domain.ServiceExecution{}, err
	}
	var out domain.ServiceExecution
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		x, err := e.activeExecution(ctx, tx, p.AgreementID, p.Actor, domain.ExecutionAuthority(p.Action))
		if err != nil {
			return err
		}
		now := e.now()
		author := p.Actor.ID
		appendLog := func(kind domain.LogKind, payload map[string]any) error {
			_, err := e.Repo.AppendExecutionLog(ctx, tx, x.ID, kind, author, now, payload)
			return err
		}

		switch p.Action {
		case domain.ExecUpdateProgress:
			x.CompletionPercentage = *p.Percentage
			if p.Phase != "" {
				x.CurrentPhase = p.Phase
			}
			x.UpdatedAt = now
			if err := e.Repo.UpdateExecution(ctx, tx, x); err != nil {
				return err
			}
			err = appendLog(domain.LogProgress, map[string]any{
				"percentage": *p.Percentage,
				"phase":      x.CurrentPhase,
				"note":       p.Note,
			})

		case domain.ExecAddMilestone:
			err = appendLog(domain.LogMilestone, map[string]any{"text": p.Text})

		case domain.ExecLogTime:
			if err := e.Repo.AddHours(ctx, tx, x.ID, p.Hours, now); err != nil {
				return err
			}
			err = appendLog(domain.LogTime, map[string]any{
				"hours":       p.Hours,
				"description": p.Description,
			})

		case domain.ExecReportIssue:
			severity := p.Severity
			if severity == "" {
				severity = domain.SeverityMedium
			}
			err = appendLog(domain.LogIssue, map[string]any{
				"text":     p.Text,
				"severity": severity,
			})

		case domain.ExecAddExpense:
			if err := e.Repo.AddExpense(ctx, tx, x.ID, p.AmountCents, now); err != nil {
				return err
			}
			err = appendLog(domain.LogExpense, map[string]any{
				"amount_cents": p.AmountCents,
				"description":  p.Description,
				"category":     p.Category,
			})

		case domain.ExecPause:
			if x.Paused {
				return domain.InvalidStatef("paused", "execution for agreement %s is already paused", p.AgreementID)
			}
			x.Paused = true
			x.PausedAt = timePtr(now)
			x.UpdatedAt = now
			err = e.Repo.UpdateExecution(ctx, tx, x)

		case domain.ExecResume:
			if !x.Paused {
				return domain.InvalidStatef("running", "execution for agreement %s is not paused", p.AgreementID)
			}
			x.Paused = false
			x.ResumedAt = timePtr(now)
			x.UpdatedAt = now
			err = e.Repo.UpdateExecution(ctx, tx, x)

		case domain.ExecQualityCheck:
			err = appendLog(domain.LogQuality, map[string]any{
				"name":   p.CheckName,
				"status": p.QualityStatus,
				"notes":  p.Note,
			})

		case domain.ExecLocationFeedback:
			payload := map[string]any{"text": p.Text}
			if p.Rating != nil {
				payload["rating"] = *p.Rating
			}
			err = appendLog(domain.LogFeedback, payload)
		}
		if err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "execution."+string(p.Action), "execution", x.ID, author, events.EventPayload{
			"agreement_id": p.AgreementID,
		}); err != nil {
			return err
		}
		out, err = e.Repo.GetExecution(ctx, tx, p.AgreementID)
		return err
	})
	if err != nil {
		return domain.ServiceExecution{}, err
	}
	return out, nil
}

func validateExecutionParams(p ExecutionParams) error {
	switch p.Action {
	case domain.ExecUpdateProgress:
		if p.Percentage == nil {
			return domain.Validationf("percentage", "percentage is required")
		}
		if *p.Percentage < 0 || *p.Percentage > 100 {
			return domain.Validationf("percentage", "percentage %d is outside 0-100", *p.Percentage)
		}
	case domain.ExecAddMilestone:
		if p.Text == "" {
			return domain.Validationf("text", "milestone text is required")
		}
	case domain.ExecLogTime:
		if p.Hours <= 0 {
			return domain.Validationf("hours", "hours must be positive")
		}
	case domain.ExecReportIssue:
		if p.Text == "" {
			return domain.Validationf("text", "issue text is required")
		}
		switch p.Severity {
		case "", domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		default:
			return domain.Validationf("severity", "unknown severity %q", p.Severity)
		}
	case domain.ExecAddExpense:
		if p.AmountCents <= 0 {
			return domain.Validationf("amount_cents", "expense amount must be positive")
		}
	case domain.ExecPause, domain.ExecResume:
	case domain.ExecQualityCheck:
		if p.CheckName == "" {
			return domain.Validationf("check_name", "quality check name is required")
		}
		switch p.QualityStatus {
		case domain.QualityPassed, domain.QualityFailed, domain.QualityNeedsReview:
		default:
			return domain.Validationf("quality_status", "unknown quality status %q", p.QualityStatus)
		}
	case domain.ExecLocationFeedback:
		if p.Text == "" {
			return domain.Validationf("text", "feedback text is required")
		}
		if p.Rating != nil && (*p.Rating < 1 || *p.Rating > 5) {
			return domain.Validationf("rating", "rating %d is outside 1-5", *p.Rating)
		}
	default:
		return domain.Validationf("action", "unknown execution action %q", p.Action)
	}
	return nil
}

// activeExecution loads the execution of an ACTIVE agreement after checking
// the actor holds authority over it.
func (e Engine) activeExecution(ctx context.Context, tx *sqlair.TX, agreementID string, actor domain.Actor, authority domain.Authority) (domain.ServiceExecution, error) {
	ag, err := e.Repo.GetAgreement(ctx, tx, agreementID)
	if err != nil {
		return domain.ServiceExecution{}, err
	}
	if ag.Status != domain.AgreementActive {
		return domain.ServiceExecution{}, domain.InvalidStatef(string(ag.Status), "agreement %s is %s, not ACTIVE", ag.ID, ag.Status)
	}
	offer, err := e.Repo.GetOffer(ctx, tx, ag.OfferID)
	if err != nil {
		return domain.ServiceExecution{}, err
	}
	if err := authorize(actor, authority, offer, ag); err != nil {
		return domain.ServiceExecution{}, err
	}
	return e.Repo.GetExecution(ctx, tx, agreementID)
}

// AddProgressReport attaches a structured report to the execution's
// progress log.
func (e Engine) AddProgressReport(ctx context.Context, agreementID string, actor domain.Actor, reportType domain.ReportType, data map[string]any) (domain.LogEntry, error) {
	if err := validateActor(actor); err != nil {
		return domain.LogEntry{}, err
	}
	if !reportType.Valid() {
		return domain.LogEntry{}, domain.Validationf("report_type", "unknown report type %q", reportType)
	}
	if data == nil {
		data = map[string]any{}
	}
	var entry domain.LogEntry
	err := e.withTx(ctx, func(tx *sqlair.TX) error {
		x, err := e.activeExecution(ctx, tx, agreementID, actor, domain.ByAssociate)
		if err != nil {
			return err
		}
		now := e.now()
		entry, err = e.Repo.AppendExecutionLog(ctx, tx, x.ID, domain.LogProgress, actor.ID, now, map[string]any{
			"report_type":  reportType,
			"data":         data,
			"submitted_by": actor.ID,
		})
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "execution.report", "execution", x.ID, actor.ID, events.EventPayload{
			"agreement_id": agreementID,
			"report_type":  reportType,
		})
	})
	metrics.ExecutionMutations.WithLabelValues("progress_report", metrics.Outcome(err)).Inc()
	if err != nil {
		return domain.LogEntry{}, err
	}
	return entry, nil
}

func (e Engine) GetExecution(ctx context.Context, agreementID string) (domain.ServiceExecution, error) {
	return e.Repo.GetExecution(ctx, e.DB, agreementID)
}

func (e Engine) ListExecutions(ctx context.Context, associateID string) ([]domain.ServiceExecution, error) {
	if associateID == "" {
		return nil, domain.Validationf("associate_id", "associate_id is required")
	}
	return e.Repo.ListExecutionsByAssociate(ctx, e.DB, associateID)
}

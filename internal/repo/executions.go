package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"marketline/internal/domain"
)

type executionRow struct {
	ID                    string  `db:"id"`
	AgreementID           string  `db:"agreement_id"`
	CompletionPercentage  int     `db:"completion_percentage"`
	CurrentPhase          string  `db:"current_phase"`
	HoursLogged           float64 `db:"hours_logged"`
	ExpensesIncurredCents int64   `db:"expenses_incurred_cents"`
	Paused                int     `db:"paused"`
	PausedAt              string  `db:"paused_at"`
	ResumedAt             string  `db:"resumed_at"`
	StartedAt             string  `db:"started_at"`
	CompletedAt           string  `db:"completed_at"`
	Version               int64   `db:"version"`
	UpdatedAt             string  `db:"updated_at"`
}

type executionLogRow struct {
	ExecutionID string `db:"execution_id"`
	Seq         int64  `db:"seq"`
	Kind        string `db:"kind"`
	At          string `db:"at"`
	Author      string `db:"author"`
	Payload     string `db:"payload_json"`
}

var (
	insertExecutionStmt = sqlair.MustPrepare(`
INSERT INTO service_executions (*) VALUES ($executionRow.*)`, executionRow{})

	getExecutionStmt = sqlair.MustPrepare(`
SELECT &executionRow.* FROM service_executions WHERE agreement_id = $M.agreement_id`, executionRow{}, sqlair.M{})

	listExecutionsByAssociateStmt = sqlair.MustPrepare(`
SELECT &executionRow.* FROM service_executions
WHERE agreement_id IN (
    SELECT id FROM service_agreements WHERE associate_id = $M.associate_id
)
ORDER BY started_at DESC, id DESC`, executionRow{}, sqlair.M{})

	// Scalars are last-writer-wins; accumulators are relative so concurrent
	// increments are never lost.
	updateExecutionStmt = sqlair.MustPrepare(`
UPDATE service_executions SET
    completion_percentage = $executionRow.completion_percentage,
    current_phase = $executionRow.current_phase,
    paused = $executionRow.paused,
    paused_at = $executionRow.paused_at,
    resumed_at = $executionRow.resumed_at,
    completed_at = $executionRow.completed_at,
    updated_at = $executionRow.updated_at,
    version = version + 1
WHERE id = $executionRow.id`, executionRow{})

	addHoursStmt = sqlair.MustPrepare(`
UPDATE service_executions SET
    hours_logged = hours_logged + $M.hours,
    updated_at = $M.now,
    version = version + 1
WHERE id = $M.id`, sqlair.M{})

	addExpenseStmt = sqlair.MustPrepare(`
UPDATE service_executions SET
    expenses_incurred_cents = expenses_incurred_cents + $M.cents,
    updated_at = $M.now,
    version = version + 1
WHERE id = $M.id`, sqlair.M{})

	executionLogCountStmt = sqlair.MustPrepare(`
SELECT COUNT(*) AS &countRow.n FROM execution_log WHERE execution_id = $M.id`, countRow{}, sqlair.M{})

	insertExecutionLogStmt = sqlair.MustPrepare(`
INSERT INTO execution_log (*) VALUES ($executionLogRow.*)`, executionLogRow{})

	listExecutionLogStmt = sqlair.MustPrepare(`
SELECT &executionLogRow.* FROM execution_log
WHERE execution_id = $M.id
ORDER BY seq`, executionLogRow{}, sqlair.M{})
)

func executionToRow(x domain.ServiceExecution) executionRow {
	return executionRow{
		ID:                    x.ID,
		AgreementID:           x.AgreementID,
		CompletionPercentage:  x.CompletionPercentage,
		CurrentPhase:          x.CurrentPhase,
		HoursLogged:           x.HoursLogged,
		ExpensesIncurredCents: x.ExpensesIncurredCents,
		Paused:                boolInt(x.Paused),
		PausedAt:              formatOptTime(x.PausedAt),
		ResumedAt:             formatOptTime(x.ResumedAt),
		StartedAt:             formatTime(x.StartedAt),
		CompletedAt:           formatOptTime(x.CompletedAt),
		Version:               x.Version,
		UpdatedAt:             formatTime(x.UpdatedAt),
	}
}

func (row executionRow) toDomain() (domain.ServiceExecution, error) {
	x := domain.ServiceExecution{
		ID:                    row.ID,
		AgreementID:           row.AgreementID,
		CompletionPercentage:  row.CompletionPercentage,
		CurrentPhase:          row.CurrentPhase,
		HoursLogged:           row.HoursLogged,
		ExpensesIncurredCents: row.ExpensesIncurredCents,
		Paused:                row.Paused != 0,
		Version:               row.Version,
	}
	var err error
	if x.PausedAt, err = parseOptTime(row.PausedAt); err != nil {
		return x, err
	}
	if x.ResumedAt, err = parseOptTime(row.ResumedAt); err != nil {
		return x, err
	}
	if x.StartedAt, err = parseTime(row.StartedAt); err != nil {
		return x, err
	}
	if x.CompletedAt, err = parseOptTime(row.CompletedAt); err != nil {
		return x, err
	}
	if x.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return x, err
	}
	return x, nil
}

func (r Repo) InsertExecution(ctx context.Context, tx *sqlair.TX, x domain.ServiceExecution) error {
	if err := tx.Query(ctx, insertExecutionStmt, executionToRow(x)).Run(); err != nil {
		if IsUniqueViolation(err) {
			return domain.Conflictf("agreement %q already has an execution", x.AgreementID)
		}
		return errors.Annotatef(err, "insert execution for agreement %s", x.AgreementID)
	}
	return nil
}

// GetExecution loads the execution of an agreement with all of its logs.
func (r Repo) GetExecution(ctx context.Context, q Querier, agreementID string) (domain.ServiceExecution, error) {
	var row executionRow
	err := q.Query(ctx, getExecutionStmt, sqlair.M{"agreement_id": agreementID}).Get(&row)
	if errors.Is(err, sqlair.ErrNoRows) {
		return domain.ServiceExecution{}, domain.NotFoundf("agreement %q has no execution", agreementID)
	} else if err != nil {
		return domain.ServiceExecution{}, errors.Annotatef(err, "get execution for agreement %s", agreementID)
	}
	return r.hydrateExecution(ctx, q, row)
}

func (r Repo) ListExecutionsByAssociate(ctx context.Context, q Querier, associateID string) ([]domain.ServiceExecution, error) {
	var rows []executionRow
	err := q.Query(ctx, listExecutionsByAssociateStmt, sqlair.M{"associate_id": associateID}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return []domain.ServiceExecution{}, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "list executions for associate %s", associateID)
	}
	res := make([]domain.ServiceExecution, 0, len(rows))
	for _, row := range rows {
		x, err := r.hydrateExecution(ctx, q, row)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, nil
}

func (r Repo) hydrateExecution(ctx context.Context, q Querier, row executionRow) (domain.ServiceExecution, error) {
	x, err := row.toDomain()
	if err != nil {
		return x, err
	}
	entries, err := r.ListExecutionLog(ctx, q, x.ID)
	if err != nil {
		return x, err
	}
	x.Attach(entries)
	return x, nil
}

// UpdateExecution writes the execution's scalar fields.
func (r Repo) UpdateExecution(ctx context.Context, tx *sqlair.TX, x domain.ServiceExecution) error {
	var outcome sqlair.Outcome
	if err := tx.Query(ctx, updateExecutionStmt, executionToRow(x)).Get(&outcome); err != nil {
		return errors.Annotatef(err, "update execution %s", x.ID)
	}
	n, err := outcome.Result().RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n != 1 {
		return domain.NotFoundf("execution %q not found", x.ID)
	}
	return nil
}

func (r Repo) AddHours(ctx context.Context, tx *sqlair.TX, executionID string, hours float64, now time.Time) error {
	if err := tx.Query(ctx, addHoursStmt, sqlair.M{"id": executionID, "hours": hours, "now": formatTime(now)}).Run(); err != nil {
		return errors.Annotatef(err, "log hours on execution %s", executionID)
	}
	return nil
}

func (r Repo) AddExpense(ctx context.Context, tx *sqlair.TX, executionID string, cents int64, now time.Time) error {
	if err := tx.Query(ctx, addExpenseStmt, sqlair.M{"id": executionID, "cents": cents, "now": formatTime(now)}).Run(); err != nil {
		return errors.Annotatef(err, "add expense on execution %s", executionID)
	}
	return nil
}

// AppendExecutionLog adds an entry to one of the execution's logs.
func (r Repo) AppendExecutionLog(ctx context.Context, tx *sqlair.TX, executionID string, kind domain.LogKind, author string, at time.Time, payload any) (domain.LogEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.LogEntry{}, errors.Annotate(err, "marshal log entry")
	}
	var last countRow
	if err := tx.Query(ctx, executionLogCountStmt, sqlair.M{"id": executionID}).Get(&last); err != nil {
		return domain.LogEntry{}, errors.Annotate(err, "next log sequence")
	}
	row := executionLogRow{
		ExecutionID: executionID,
		Seq:         last.N + 1,
		Kind:        string(kind),
		At:          formatTime(at),
		Author:      author,
		Payload:     string(data),
	}
	if err := tx.Query(ctx, insertExecutionLogStmt, row).Run(); err != nil {
		return domain.LogEntry{}, errors.Annotatef(err, "append %s entry to execution %s", kind, executionID)
	}
	return domain.LogEntry{Seq: row.Seq, Kind: kind, At: at.UTC(), Author: author, Payload: data}, nil
}

func (r Repo) ListExecutionLog(ctx context.Context, q Querier, executionID string) ([]domain.LogEntry, error) {
	var rows []executionLogRow
	err := q.Query(ctx, listExecutionLogStmt, sqlair.M{"id": executionID}).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "list log for execution %s", executionID)
	}
	res := make([]domain.LogEntry, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row.At)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.LogEntry{
			Seq: row.Seq, Kind: domain.LogKind(row.Kind), At: at, Author: row.Author, Payload: json.RawMessage(row.Payload),
		})
	}
	return res, nil
}

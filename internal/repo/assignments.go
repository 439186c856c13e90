package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marketline/internal/domain"
)

const assignmentColumns = `id,task_id,executor_id,customer_id,status,assigned_at,start_deadline_at,started_at,
execution_base_deadline_at,execution_extension_ms,execution_deadline_at,submitted_at,accepted_at,overdue_at,
auto_dispute_at,pause_used,pause_requested_at,pause_auto_accept_at,pause_reason_id,pause_requested_duration_ms,
pause_decision,paused_at,paused_until,force_majeure_event_ids,revision,updated_at`

// scanAssignment is the single decoding point for persisted assignments.
// Records with an unknown status or malformed event ids are rejected here.
func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var (
		a                                                    domain.Assignment
		status, fmIDs                                        string
		assignedAt, startDeadline, extensionMS, durationMS   int64
		pauseUsed                                            int64
		updatedAt                                            int64
		startedAt, baseDeadline, execDeadline, submittedAt   sql.NullInt64
		acceptedAt, overdueAt, autoDisputeAt                 sql.NullInt64
		pauseRequestedAt, pauseAutoAcceptAt, pausedAt, until sql.NullInt64
		reasonID, decision                                   sql.NullString
	)
	err := row.Scan(&a.ID, &a.TaskID, &a.ExecutorID, &a.CustomerID, &status, &assignedAt, &startDeadline, &startedAt,
		&baseDeadline, &extensionMS, &execDeadline, &submittedAt, &acceptedAt, &overdueAt,
		&autoDisputeAt, &pauseUsed, &pauseRequestedAt, &pauseAutoAcceptAt, &reasonID, &durationMS,
		&decision, &pausedAt, &until, &fmIDs, &a.Revision, &updatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	st, err := domain.ParseAssignmentStatus(status)
	if err != nil {
		return a, fmt.Errorf("assignment %s: %w", a.ID, err)
	}
	a.Status = st
	a.AssignedAt = fromMS(assignedAt)
	a.StartDeadlineAt = fromMS(startDeadline)
	a.StartedAt = optionalTime(startedAt)
	a.ExecutionBaseDeadlineAt = optionalTime(baseDeadline)
	a.ExecutionExtension = time.Duration(extensionMS) * time.Millisecond
	a.ExecutionDeadlineAt = optionalTime(execDeadline)
	a.SubmittedAt = optionalTime(submittedAt)
	a.AcceptedAt = optionalTime(acceptedAt)
	a.OverdueAt = optionalTime(overdueAt)
	a.AutoDisputeAt = optionalTime(autoDisputeAt)
	a.PauseUsed = pauseUsed != 0
	a.PauseRequestedAt = optionalTime(pauseRequestedAt)
	a.PauseAutoAcceptAt = optionalTime(pauseAutoAcceptAt)
	a.PauseReasonID = reasonID.String
	a.PauseRequestedDuration = time.Duration(durationMS) * time.Millisecond
	a.PauseDecision = domain.PauseDecision(decision.String)
	a.PausedAt = optionalTime(pausedAt)
	a.PausedUntil = optionalTime(until)
	a.UpdatedAt = fromMS(updatedAt)
	if fmIDs != "" {
		if err := json.Unmarshal([]byte(fmIDs), &a.ForceMajeureEventIDs); err != nil {
			return a, fmt.Errorf("assignment %s: force majeure ids: %w", a.ID, err)
		}
	}
	// The stored execution deadline is a cache of base+extension.
	a.DeriveExecutionDeadline()
	return a, nil
}

func assignmentArgs(a domain.Assignment) ([]any, error) {
	ids := a.ForceMajeureEventIDs
	if ids == nil {
		ids = []string{}
	}
	fm, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return []any{
		a.CustomerID, string(a.Status), toMS(a.AssignedAt), toMS(a.StartDeadlineAt), msOrNil(a.StartedAt),
		msOrNil(a.ExecutionBaseDeadlineAt), a.ExecutionExtension.Milliseconds(), msOrNil(a.ExecutionDeadlineAt),
		msOrNil(a.SubmittedAt), msOrNil(a.AcceptedAt), msOrNil(a.OverdueAt), msOrNil(a.AutoDisputeAt),
		boolInt(a.PauseUsed), msOrNil(a.PauseRequestedAt), msOrNil(a.PauseAutoAcceptAt), nullable(a.PauseReasonID),
		a.PauseRequestedDuration.Milliseconds(), nullable(string(a.PauseDecision)), msOrNil(a.PausedAt),
		msOrNil(a.PausedUntil), string(fm), toMS(a.UpdatedAt),
	}, nil
}

// InsertAssignmentTx creates the assignment unless one already exists for the pair.
func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) (bool, error) {
	args, err := assignmentArgs(a)
	if err != nil {
		return false, err
	}
	args = append([]any{a.ID, a.TaskID, a.ExecutorID}, args...)
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO assignments(id,task_id,executor_id,customer_id,status,assigned_at,start_deadline_at,started_at,
execution_base_deadline_at,execution_extension_ms,execution_deadline_at,submitted_at,accepted_at,overdue_at,auto_dispute_at,
pause_used,pause_requested_at,pause_auto_accept_at,pause_reason_id,pause_requested_duration_ms,pause_decision,paused_at,
paused_until,force_majeure_event_ids,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT DO NOTHING`), args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateAssignmentTx writes a only if the stored revision still equals expected.
// It reports false when another writer got there first.
func (r Repo) UpdateAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment, expected int64) (bool, error) {
	args, err := assignmentArgs(a)
	if err != nil {
		return false, err
	}
	args = append(args, a.ID, expected)
	res, err := tx.ExecContext(ctx, r.q(`UPDATE assignments SET customer_id=?, status=?, assigned_at=?, start_deadline_at=?, started_at=?,
execution_base_deadline_at=?, execution_extension_ms=?, execution_deadline_at=?, submitted_at=?, accepted_at=?, overdue_at=?,
auto_dispute_at=?, pause_used=?, pause_requested_at=?, pause_auto_accept_at=?, pause_reason_id=?, pause_requested_duration_ms=?,
pause_decision=?, paused_at=?, paused_until=?, force_majeure_event_ids=?, updated_at=?, revision=revision+1
WHERE id=? AND revision=?`), args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetAssignment(ctx context.Context, taskID, executorID string) (domain.Assignment, error) {
	return r.getAssignment(ctx, r.DB, taskID, executorID)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, taskID, executorID string) (domain.Assignment, error) {
	return r.getAssignment(ctx, tx, taskID, executorID)
}

func (r Repo) getAssignment(ctx context.Context, q querier, taskID, executorID string) (domain.Assignment, error) {
	return scanAssignment(q.QueryRowContext(ctx, r.q(`SELECT `+assignmentColumns+` FROM assignments WHERE task_id=? AND executor_id=?`), taskID, executorID))
}

type AssignmentFilters struct {
	TaskID     string
	ExecutorID string
	Statuses   []domain.AssignmentStatus
	Limit      int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.ExecutorID != "" {
		clauses = append(clauses, "executor_id=?")
		args = append(args, f.ExecutorID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assignmentColumns + ` FROM assignments ` + where + ` ORDER BY assigned_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListForceMajeureRequests returns every force-majeure pause request made in
// [since, until], oldest first.
func (r Repo) ListForceMajeureRequests(ctx context.Context, since, until time.Time) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+assignmentColumns+` FROM assignments
WHERE pause_reason_id=? AND pause_requested_at IS NOT NULL AND pause_requested_at>=? AND pause_requested_at<=?
ORDER BY pause_requested_at ASC, id ASC`), domain.PauseReasonForceMajeure, toMS(since), toMS(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListForceMajeurePauses returns the executor's force-majeure pause requests made in
// [since, until], oldest first.
func (r Repo) ListForceMajeurePauses(ctx context.Context, executorID string, since, until time.Time) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+assignmentColumns+` FROM assignments
WHERE executor_id=? AND pause_reason_id=? AND pause_requested_at IS NOT NULL AND pause_requested_at>=? AND pause_requested_at<=?
ORDER BY pause_requested_at ASC, id ASC`), executorID, domain.PauseReasonForceMajeure, toMS(since), toMS(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

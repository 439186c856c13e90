package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"marketline/internal/domain"
)

const disputeColumns = `id,task_id,executor_id,customer_id,opened_by,reason,status,assigned_arbiter_id,version,opened_at,
sla_due_at,locked_decision_at,decision,decision_comment,decided_by,executor_amount,customer_amount,auto_decided,
settled_at,closed_at,updated_at`

func scanDispute(row rowScanner) (domain.Dispute, error) {
	var (
		d                                  domain.Dispute
		status                             string
		reason, arbiter, decision, comment sql.NullString
		decidedBy                          sql.NullString
		openedAt, updatedAt, autoDecided   int64
		slaDue, locked, settled, closed    sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.TaskID, &d.ExecutorID, &d.CustomerID, &d.OpenedBy, &reason, &status, &arbiter, &d.Version, &openedAt,
		&slaDue, &locked, &decision, &comment, &decidedBy, &d.ExecutorAmount, &d.CustomerAmount, &autoDecided,
		&settled, &closed, &updatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	st, err := domain.ParseDisputeStatus(status)
	if err != nil {
		return d, fmt.Errorf("dispute %s: %w", d.ID, err)
	}
	d.Status = st
	if decision.Valid && decision.String != "" {
		k, err := domain.ParseDecisionKind(decision.String)
		if err != nil {
			return d, fmt.Errorf("dispute %s: %w", d.ID, err)
		}
		d.Decision = k
	}
	d.Reason = reason.String
	d.AssignedArbiterID = arbiter.String
	d.DecisionComment = comment.String
	d.DecidedBy = decidedBy.String
	d.OpenedAt = fromMS(openedAt)
	d.SLADueAt = optionalTime(slaDue)
	d.LockedDecisionAt = optionalTime(locked)
	d.AutoDecided = autoDecided != 0
	d.SettledAt = optionalTime(settled)
	d.ClosedAt = optionalTime(closed)
	d.UpdatedAt = fromMS(updatedAt)
	return d, nil
}

// InsertDisputeTx returns ErrDuplicate when the contract already has a dispute that is not closed.
func (r Repo) InsertDisputeTx(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO disputes(id,task_id,executor_id,customer_id,opened_by,reason,status,version,opened_at,sla_due_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.TaskID, d.ExecutorID, d.CustomerID, d.OpenedBy, nullable(d.Reason), string(d.Status), d.Version,
		toMS(d.OpenedAt), msOrNil(d.SLADueAt), toMS(d.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// UpdateDisputeTx persists d if the stored version still equals expected and bumps the version.
func (r Repo) UpdateDisputeTx(ctx context.Context, tx *sql.Tx, d domain.Dispute, expected int64) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE disputes SET status=?, assigned_arbiter_id=?, sla_due_at=?, locked_decision_at=?, decision=?,
decision_comment=?, decided_by=?, executor_amount=?, customer_amount=?, auto_decided=?, settled_at=?, closed_at=?, updated_at=?,
version=version+1 WHERE id=? AND version=?`),
		string(d.Status), nullable(d.AssignedArbiterID), msOrNil(d.SLADueAt), msOrNil(d.LockedDecisionAt), nullable(string(d.Decision)),
		nullable(d.DecisionComment), nullable(d.DecidedBy), d.ExecutorAmount, d.CustomerAmount, boolInt(d.AutoDecided),
		msOrNil(d.SettledAt), msOrNil(d.ClosedAt), toMS(d.UpdatedAt), d.ID, expected)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return scanDispute(r.DB.QueryRowContext(ctx, r.q(`SELECT `+disputeColumns+` FROM disputes WHERE id=?`), id))
}

func (r Repo) GetDisputeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dispute, error) {
	return scanDispute(tx.QueryRowContext(ctx, r.q(`SELECT `+disputeColumns+` FROM disputes WHERE id=?`), id))
}

// ActiveDisputeFor returns the contract's dispute that is not closed yet.
func (r Repo) ActiveDisputeFor(ctx context.Context, taskID, executorID string) (domain.Dispute, error) {
	return scanDispute(r.DB.QueryRowContext(ctx, r.q(`SELECT `+disputeColumns+` FROM disputes WHERE task_id=? AND executor_id=? AND status<>?`),
		taskID, executorID, string(domain.DisputeClosed)))
}

func (r Repo) ListDisputes(ctx context.Context, statuses ...domain.DisputeStatus) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY opened_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListUnsettledDecisions returns decided disputes whose funds have not moved yet.
func (r Repo) ListUnsettledDecisions(ctx context.Context) ([]domain.Dispute, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+disputeColumns+` FROM disputes WHERE locked_decision_at IS NOT NULL AND settled_at IS NULL ORDER BY opened_at ASC, id ASC`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// RecordSLASignal marks the threshold as emitted and reports whether it was new.
func (r Repo) RecordSLASignal(ctx context.Context, disputeID string, thresholdHours int, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO dispute_sla_signals(dispute_id,threshold_hours,emitted_at) VALUES (?,?,?)
ON CONFLICT(dispute_id, threshold_hours) DO NOTHING`), disputeID, thresholdHours, toMS(at))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListSLASignals(ctx context.Context, disputeID string) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT threshold_hours FROM dispute_sla_signals WHERE dispute_id=? ORDER BY threshold_hours DESC`), disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []int
	for rows.Next() {
		var h int
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

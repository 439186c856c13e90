package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"marketline/internal/domain"
)

// InsertViolation records v. The (assignment_id, type) unique key makes the insert the
// idempotency guard: a second insert for the same pair returns ErrDuplicate and leaves
// the surrounding transaction usable.
func (r Repo) InsertViolation(ctx context.Context, v domain.Violation) error {
	return r.insertViolation(ctx, r.DB, v)
}

func (r Repo) InsertViolationTx(ctx context.Context, tx *sql.Tx, v domain.Violation) error {
	return r.insertViolation(ctx, tx, v)
}

func (r Repo) insertViolation(ctx context.Context, q querier, v domain.Violation) error {
	res, err := q.ExecContext(ctx, r.q(`INSERT INTO violations(id,executor_id,type,task_id,assignment_id,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT DO NOTHING`),
		v.ID, v.ExecutorID, string(v.Type), v.TaskID, v.AssignmentID, toMS(v.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

const violationColumns = `id,executor_id,type,task_id,assignment_id,created_at,sanctioned_at`

func scanViolation(row rowScanner) (domain.Violation, error) {
	var v domain.Violation
	var typ string
	var created int64
	var sanctioned sql.NullInt64
	if err := row.Scan(&v.ID, &v.ExecutorID, &typ, &v.TaskID, &v.AssignmentID, &created, &sanctioned); err != nil {
		if err == sql.ErrNoRows {
			return v, ErrNotFound
		}
		return v, err
	}
	t, err := domain.ParseViolationType(typ)
	if err != nil {
		return v, fmt.Errorf("violation %s: %w", v.ID, err)
	}
	v.Type = t
	v.CreatedAt = fromMS(created)
	v.SanctionedAt = optionalTime(sanctioned)
	return v, nil
}

func (r Repo) GetViolationFor(ctx context.Context, assignmentID string, typ domain.ViolationType) (domain.Violation, error) {
	return scanViolation(r.DB.QueryRowContext(ctx, r.q(`SELECT `+violationColumns+` FROM violations WHERE assignment_id=? AND type=?`),
		assignmentID, string(typ)))
}

// ListViolations returns the executor's violations of typ (all types when empty)
// created in [since, until], oldest first.
func (r Repo) ListViolations(ctx context.Context, executorID string, typ domain.ViolationType, since, until time.Time) ([]domain.Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM violations WHERE executor_id=? AND created_at>=? AND created_at<=?`
	args := []any{executorID, toMS(since), toMS(until)}
	if typ != "" {
		query += ` AND type=?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListUnsanctionedViolations returns violations whose ladder action has not been
// recorded yet, oldest first.
func (r Repo) ListUnsanctionedViolations(ctx context.Context) ([]domain.Violation, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+violationColumns+` FROM violations WHERE sanctioned_at IS NULL ORDER BY created_at ASC, id ASC`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// MarkViolationSanctioned stamps the violation once its ladder action ran. It reports
// false when another caller stamped it first.
func (r Repo) MarkViolationSanctioned(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE violations SET sanctioned_at=? WHERE id=? AND sanctioned_at IS NULL`), toMS(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) CountViolations(ctx context.Context, executorID string, typ domain.ViolationType, since time.Time) (int, error) {
	query := `SELECT count(*) FROM violations WHERE executor_id=? AND created_at>=?`
	args := []any{executorID, toMS(since)}
	if typ != "" {
		query += ` AND type=?`
		args = append(args, string(typ))
	}
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(query), args...).Scan(&n)
	return n, err
}

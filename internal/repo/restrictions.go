package repo

import (
	"context"
	"database/sql"
	"time"

	"marketline/internal/domain"
)

func scanRestriction(row rowScanner) (domain.Restriction, error) {
	var r domain.Restriction
	var status string
	var blocked sql.NullInt64
	var updated int64
	if err := row.Scan(&r.ExecutorID, &status, &blocked, &updated); err != nil {
		if err == sql.ErrNoRows {
			return r, ErrNotFound
		}
		return r, err
	}
	r.AccountStatus = domain.AccountStatus(status)
	if r.AccountStatus != domain.AccountBanned {
		r.AccountStatus = domain.AccountActive
	}
	r.RespondBlockedUntil = optionalTime(blocked)
	r.UpdatedAt = fromMS(updated)
	return r, nil
}

// GetRestriction returns the executor's restriction, defaulting to an active account.
func (r Repo) GetRestriction(ctx context.Context, executorID string) (domain.Restriction, error) {
	res, err := scanRestriction(r.DB.QueryRowContext(ctx, r.q(`SELECT executor_id,account_status,respond_blocked_until,updated_at FROM restrictions WHERE executor_id=?`), executorID))
	if err == ErrNotFound {
		return domain.Restriction{ExecutorID: executorID, AccountStatus: domain.AccountActive}, nil
	}
	return res, err
}

// ExtendBlock moves respond_blocked_until to max(current, until). It never shortens a block.
func (r Repo) ExtendBlock(ctx context.Context, executorID string, until, now time.Time) (domain.Restriction, error) {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO restrictions(executor_id,account_status,respond_blocked_until,updated_at) VALUES (?,?,?,?)
ON CONFLICT(executor_id) DO UPDATE SET
  respond_blocked_until = CASE
    WHEN restrictions.respond_blocked_until IS NULL OR restrictions.respond_blocked_until < excluded.respond_blocked_until
    THEN excluded.respond_blocked_until ELSE restrictions.respond_blocked_until END,
  updated_at = excluded.updated_at`), executorID, string(domain.AccountActive), toMS(until), toMS(now))
	if err != nil {
		return domain.Restriction{}, err
	}
	return r.GetRestriction(ctx, executorID)
}

func (r Repo) Ban(ctx context.Context, executorID string, now time.Time) (domain.Restriction, error) {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO restrictions(executor_id,account_status,respond_blocked_until,updated_at) VALUES (?,?,NULL,?)
ON CONFLICT(executor_id) DO UPDATE SET account_status=excluded.account_status, updated_at=excluded.updated_at`),
		executorID, string(domain.AccountBanned), toMS(now))
	if err != nil {
		return domain.Restriction{}, err
	}
	return r.GetRestriction(ctx, executorID)
}

func (r Repo) ListBanned(ctx context.Context) ([]domain.Restriction, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT executor_id,account_status,respond_blocked_until,updated_at FROM restrictions WHERE account_status=? ORDER BY updated_at DESC, executor_id ASC`),
		string(domain.AccountBanned))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Restriction
	for rows.Next() {
		rs, err := scanRestriction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rs)
	}
	return res, rows.Err()
}

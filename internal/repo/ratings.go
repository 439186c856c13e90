package repo

import (
	"context"
	"time"
)

// AdjustRating records a percentage adjustment once per violation.
func (r Repo) AdjustRating(ctx context.Context, executorID, violationID string, deltaPercent int, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO rating_adjustments(violation_id,executor_id,delta_percent,created_at) VALUES (?,?,?,?)
ON CONFLICT(violation_id) DO NOTHING`), violationID, executorID, deltaPercent, toMS(at))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RatingDelta sums all adjustments recorded for the executor.
func (r Repo) RatingDelta(ctx context.Context, executorID string) (int, error) {
	var total int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COALESCE(SUM(delta_percent),0) FROM rating_adjustments WHERE executor_id=?`), executorID).Scan(&total)
	return total, err
}

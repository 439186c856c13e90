package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketline/internal/domain"
)

func (r Repo) InsertDisruption(ctx context.Context, d domain.Disruption) error {
	affected := d.AffectedTaskIDs
	if affected == nil {
		affected = []string{}
	}
	data, err := json.Marshal(affected)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO disruptions(id,kind,start_at,end_at,affected_task_ids) VALUES (?,?,?,?,?)`),
		d.ID, d.Kind, toMS(d.StartAt), msOrNil(d.EndAt), string(data))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// EndDisruption closes an open window. An already finished window is left as is.
func (r Repo) EndDisruption(ctx context.Context, id string, endAt time.Time) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE disruptions SET end_at=? WHERE id=? AND end_at IS NULL`), toMS(endAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetDisruption(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetDisruption(ctx context.Context, id string) (domain.Disruption, error) {
	return scanDisruption(r.DB.QueryRowContext(ctx, r.q(`SELECT id,kind,start_at,end_at,affected_task_ids FROM disruptions WHERE id=?`), id))
}

func scanDisruption(row rowScanner) (domain.Disruption, error) {
	var d domain.Disruption
	var start int64
	var end sql.NullInt64
	var affected string
	if err := row.Scan(&d.ID, &d.Kind, &start, &end, &affected); err != nil {
		if err == sql.ErrNoRows {
			return d, ErrNotFound
		}
		return d, err
	}
	d.StartAt = fromMS(start)
	d.EndAt = optionalTime(end)
	if affected != "" {
		if err := json.Unmarshal([]byte(affected), &d.AffectedTaskIDs); err != nil {
			return d, fmt.Errorf("disruption %s: %w", d.ID, err)
		}
	}
	if len(d.AffectedTaskIDs) == 0 {
		d.AffectedTaskIDs = nil
	}
	return d, nil
}

func (r Repo) ListDisruptions(ctx context.Context) ([]domain.Disruption, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,kind,start_at,end_at,affected_task_ids FROM disruptions ORDER BY start_at ASC, id ASC`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Disruption
	for rows.Next() {
		d, err := scanDisruption(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

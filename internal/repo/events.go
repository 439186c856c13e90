package repo

import (
	"context"
	"database/sql"

	"marketline/internal/domain"
)

type EventFilters struct {
	EntityKind string
	EntityID   string
	Type       string
	Limit      int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if f.EntityKind != "" {
		query += " AND entity_kind=?"
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += " AND entity_id=?"
		args = append(args, f.EntityID)
	}
	if f.Type != "" {
		query += " AND type=?"
		args = append(args, f.Type)
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.EntityKind, &entityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, err
		}
		ev.EntityID = entityID.String
		res = append(res, ev)
	}
	return res, rows.Err()
}

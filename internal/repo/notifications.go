package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketline/internal/domain"
	"marketline/internal/ids"
)

// Outbox stores notifications for later delivery. Writes are not part of the
// transition that produced them.
type Outbox struct {
	Repo Repo
	Now  func() time.Time
}

func (o Outbox) Notify(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = ids.New()
	}
	if n.CreatedAt.IsZero() {
		if o.Now != nil {
			n.CreatedAt = o.Now()
		} else {
			n.CreatedAt = time.Now()
		}
	}
	payload := n.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	r := o.Repo
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO notifications(id,type,recipient_id,task_id,executor_id,dispute_id,payload_json,created_at) VALUES (?,?,?,?,?,?,?,?)`),
		n.ID, string(n.Type), n.RecipientID, nullable(n.TaskID), nullable(n.ExecutorID), nullable(n.DisputeID), string(data), toMS(n.CreatedAt))
	return err
}

// ListNotificationsAfter returns notifications with an id greater than afterID, oldest first.
func (r Repo) ListNotificationsAfter(ctx context.Context, afterID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,type,recipient_id,COALESCE(task_id,''),COALESCE(executor_id,''),COALESCE(dispute_id,''),payload_json,created_at
FROM notifications WHERE id>? ORDER BY id ASC LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var typ, payload string
		var created int64
		if err := rows.Scan(&n.ID, &typ, &n.RecipientID, &n.TaskID, &n.ExecutorID, &n.DisputeID, &payload, &created); err != nil {
			return nil, err
		}
		n.Type = domain.NotificationType(typ)
		n.CreatedAt = fromMS(created)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
				return nil, fmt.Errorf("notification %s: %w", n.ID, err)
			}
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) ListNotificationsFor(ctx context.Context, recipientID string) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,type FROM notifications WHERE recipient_id=? ORDER BY id ASC`), recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var typ string
		if err := rows.Scan(&n.ID, &typ); err != nil {
			return nil, err
		}
		n.Type = domain.NotificationType(typ)
		n.RecipientID = recipientID
		res = append(res, n)
	}
	return res, rows.Err()
}

// LatestNotificationID is the newest outbox id, or "" when the outbox is empty.
func (r Repo) LatestNotificationID(ctx context.Context) (string, error) {
	var id sql.NullString
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM notifications`).Scan(&id); err != nil {
		return "", err
	}
	return id.String, nil
}

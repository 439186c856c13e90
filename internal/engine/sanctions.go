package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketline/internal/domain"
	"marketline/internal/events"
	"marketline/internal/ids"
	"marketline/internal/obs"
	"marketline/internal/repo"
	"marketline/internal/sanction"
)

func violationFor(a domain.Assignment, typ domain.ViolationType, at time.Time) domain.Violation {
	return domain.Violation{
		ID:           ids.Stable(a.ID, string(typ)),
		ExecutorID:   a.ExecutorID,
		Type:         typ,
		TaskID:       a.TaskID,
		AssignmentID: a.ID,
		CreatedAt:    at.UTC(),
	}
}

// recordViolationTx inserts the violation unless the assignment already has one of
// that type. ok is false for the duplicate.
func (e Engine) recordViolationTx(ctx context.Context, tx *sql.Tx, a domain.Assignment, typ domain.ViolationType, at time.Time) (domain.Violation, bool, error) {
	v := violationFor(a, typ, at)
	err := e.Repo.InsertViolationTx(ctx, tx, v)
	if errors.Is(err, repo.ErrDuplicate) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("insert violation: %w", err)
	}
	return v, true, nil
}

// ApplySanction dispatches the ladder action for a violation that has not been
// sanctioned yet. The level is computed at the violation's own timestamp. The
// violation is stamped only after the action's write succeeded, so an interrupted
// dispatch is picked up again by the next sweep.
func (e Engine) ApplySanction(ctx context.Context, v domain.Violation) (sanction.Action, error) {
	if v.SanctionedAt != nil {
		return sanction.Action{}, nil
	}
	level, err := e.LevelForExecutor(ctx, v.ExecutorID, v.Type, v.CreatedAt)
	if err != nil {
		return sanction.Action{}, err
	}
	now := e.now()
	action, ok := sanction.For(v.Type, level)
	if !ok {
		_, err := e.Repo.MarkViolationSanctioned(ctx, v.ID, now)
		return action, err
	}
	log := e.logger().With("executor_id", v.ExecutorID, "violation_id", v.ID, "type", v.Type, "level", level)
	switch action.Kind {
	case sanction.ActionRatingPenalty:
		if e.Ratings != nil {
			if _, err := e.Ratings.AdjustRating(ctx, v.ExecutorID, v.ID, action.RatingPercent, now); err != nil {
				return action, fmt.Errorf("adjust rating: %w", err)
			}
		}
	case sanction.ActionBlock:
		if _, err := e.Repo.ExtendBlock(ctx, v.ExecutorID, now.Add(action.Block), now); err != nil {
			return action, fmt.Errorf("extend block: %w", err)
		}
	case sanction.ActionBan:
		if _, err := e.Repo.Ban(ctx, v.ExecutorID, now); err != nil {
			return action, fmt.Errorf("ban: %w", err)
		}
	}
	claimed, err := e.Repo.MarkViolationSanctioned(ctx, v.ID, now)
	if err != nil {
		return action, fmt.Errorf("mark sanctioned: %w", err)
	}
	if !claimed {
		return action, nil
	}
	obs.SanctionActions.WithLabelValues(string(v.Type), string(action.Kind)).Inc()
	log.InfoContext(ctx, "sanction applied", "action", action.Kind)
	if err := e.appendAudit(ctx, "sanction.applied", "executor", v.ExecutorID, events.EventPayload{
		"violation_id": v.ID, "type": v.Type, "level": level, "action": action.Kind, "block_ms": action.Block.Milliseconds(),
	}); err != nil {
		log.WarnContext(ctx, "audit append failed", "err", err)
	}
	e.notify(ctx, domain.Notification{
		Type:        action.Notification(),
		RecipientID: v.ExecutorID,
		TaskID:      v.TaskID,
		ExecutorID:  v.ExecutorID,
		Payload: map[string]any{
			"violation_type": v.Type,
			"level":          level,
			"block_hours":    int(action.Block / time.Hour),
			"rating_percent": action.RatingPercent,
		},
	})
	return action, nil
}

// appendAudit writes a standalone audit entry for effects that happen after a commit.
func (e Engine) appendAudit(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, events.SystemActor, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(domain.Change{EntityKind: entityKind, EntityID: entityID, Type: evtType})
	return nil
}

// LevelForExecutor replays the executor's violations of typ up to at.
func (e Engine) LevelForExecutor(ctx context.Context, executorID string, typ domain.ViolationType, at time.Time) (int, error) {
	history, err := e.Repo.ListViolations(ctx, executorID, typ, time.Unix(0, 0).UTC(), at)
	if err != nil {
		return 0, err
	}
	return sanction.LevelOf(history, at), nil
}

func (e Engine) CanRespond(ctx context.Context, executorID string, at time.Time) (bool, domain.Restriction, error) {
	r, err := e.Repo.GetRestriction(ctx, executorID)
	if err != nil {
		return false, r, err
	}
	return r.CanRespond(at), r, nil
}

func (e Engine) ListBanned(ctx context.Context) ([]domain.Restriction, error) {
	return e.Repo.ListBanned(ctx)
}

// ViolationsSince lists the executor's violations of typ (all types when empty) since t.
func (e Engine) ViolationsSince(ctx context.Context, executorID string, typ domain.ViolationType, since time.Time) ([]domain.Violation, error) {
	return e.Repo.ListViolations(ctx, executorID, typ, since, e.now())
}

func (e Engine) CountSince(ctx context.Context, executorID string, typ domain.ViolationType, since time.Time) (int, error) {
	return e.Repo.CountViolations(ctx, executorID, typ, since)
}

package engine

import (
	"context"
	"strings"
	"time"

	"marketline/internal/domain"
	"marketline/internal/ids"
	"marketline/internal/repo"
)

func (e Engine) GetAssignment(ctx context.Context, taskID, executorID string) (domain.Assignment, error) {
	return e.Repo.GetAssignment(ctx, taskID, executorID)
}

func (e Engine) ListAssignments(ctx context.Context, f repo.AssignmentFilters) ([]domain.Assignment, error) {
	return e.Repo.ListAssignments(ctx, f)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, f)
}

// RatingDelta is the executor's accumulated rating adjustment in percent.
func (e Engine) RatingDelta(ctx context.Context, executorID string) (int, error) {
	return e.Repo.RatingDelta(ctx, executorID)
}

// DeclareDisruption opens a disruption window. Deadlines that fall inside an open window
// are not enforced; the shift is applied once the window ends.
func (e Engine) DeclareDisruption(ctx context.Context, kind string, start time.Time, taskIDs []string) (domain.Disruption, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = domain.PauseReasonForceMajeure
	}
	if start.IsZero() {
		start = e.now()
	}
	d := domain.Disruption{
		ID:              ids.New(),
		Kind:            kind,
		StartAt:         start.UTC(),
		AffectedTaskIDs: taskIDs,
	}
	if err := e.Repo.InsertDisruption(ctx, d); err != nil {
		return d, err
	}
	if err := e.appendAudit(ctx, "disruption.declared", "disruption", d.ID, map[string]any{
		"kind": d.Kind, "start_at": d.StartAt, "tasks": len(taskIDs),
	}); err != nil {
		e.logger().WarnContext(ctx, "audit append failed", "disruption_id", d.ID, "err", err)
	}
	return d, nil
}

// EndDisruption closes the window at end (now when zero).
func (e Engine) EndDisruption(ctx context.Context, id string, end time.Time) (domain.Disruption, error) {
	if end.IsZero() {
		end = e.now()
	}
	d, err := e.Repo.GetDisruption(ctx, id)
	if err != nil {
		return d, err
	}
	if end.Before(d.StartAt) {
		return d, invalid("end_at", "before the window start")
	}
	if err := e.Repo.EndDisruption(ctx, id, end.UTC()); err != nil {
		return d, err
	}
	if err := e.appendAudit(ctx, "disruption.ended", "disruption", id, map[string]any{"end_at": end.UTC()}); err != nil {
		e.logger().WarnContext(ctx, "audit append failed", "disruption_id", id, "err", err)
	}
	return e.Repo.GetDisruption(ctx, id)
}

func (e Engine) ListDisruptions(ctx context.Context) ([]domain.Disruption, error) {
	return e.Repo.ListDisruptions(ctx)
}

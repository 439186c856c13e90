package engine

import (
	"context"
	"errors"
	"time"

	"marketline/internal/domain"
	"marketline/internal/repo"
)

// DetectForceMajeureAbuse counts the executor's force-majeure pause requests over the
// trailing window ending at a's request. When a completes a batch of three, one
// force_majeure_abuse violation is recorded at the request time and sanctioned.
func (e Engine) DetectForceMajeureAbuse(ctx context.Context, a domain.Assignment) (bool, error) {
	if a.PauseReasonID != domain.PauseReasonForceMajeure || a.PauseRequestedAt == nil {
		return false, nil
	}
	at := *a.PauseRequestedAt
	window, err := e.Repo.ListForceMajeurePauses(ctx, a.ExecutorID, at.Add(-domain.ForceMajeureWindow), at)
	if err != nil {
		return false, err
	}
	count := len(window)
	if count == 0 || count%domain.ForceMajeureBatch != 0 || window[count-1].ID != a.ID {
		return false, nil
	}
	v := violationFor(a, domain.ViolationForceMajeureAbuse, at)
	if err := e.Repo.InsertViolation(ctx, v); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	e.logger().InfoContext(ctx, "force majeure abuse detected", "executor_id", a.ExecutorID, "count", count)
	if _, err := e.ApplySanction(ctx, v); err != nil {
		return true, err
	}
	return true, nil
}

// ForceMajeureShift is how far a finished disruption moves the assignment's deadlines:
// the part of the window that overlaps the assignment's life. ok is false when the
// window does not apply.
func ForceMajeureShift(d domain.Disruption, a domain.Assignment) (time.Duration, bool) {
	if !d.Finished() || !d.Covers(a.TaskID) || a.Status.Terminal() {
		return 0, false
	}
	end := *d.EndAt
	if !a.AssignedAt.Before(end) {
		return 0, false
	}
	from := d.StartAt
	if a.AssignedAt.After(from) {
		from = a.AssignedAt
	}
	shift := end.Sub(from)
	if shift <= 0 {
		return 0, false
	}
	return shift, true
}

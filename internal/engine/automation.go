package engine

import (
	"context"
	"errors"
	"time"

	"marketline/internal/domain"
	"marketline/internal/events"
	"marketline/internal/repo"
)

// AutoAcceptSubmission accepts a submission the customer left unreviewed for a day. The
// contract must still be submitted and no dispute may be open for the pair.
func (e Engine) AutoAcceptSubmission(ctx context.Context, taskID, executorID string, now time.Time) (domain.Assignment, bool, error) {
	a, err := e.Repo.GetAssignment(ctx, taskID, executorID)
	if err != nil {
		return a, false, err
	}
	if a.Status != domain.AssignmentSubmitted || a.SubmittedAt == nil || now.Sub(*a.SubmittedAt) < domain.SubmissionReviewWait {
		return a, false, nil
	}
	c, err := e.Contracts.GetContract(ctx, taskID, executorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return a, false, nil
		}
		return a, false, err
	}
	if c.Status != domain.ContractSubmitted {
		return a, false, nil
	}
	if _, err := e.Repo.ActiveDisputeFor(ctx, taskID, executorID); err == nil {
		return a, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return a, false, err
	}
	accepted, changed, err := e.markAccepted(ctx, taskID, executorID, events.SystemActor, domain.AssignmentSubmitted)
	if err != nil || !changed {
		return accepted, changed, err
	}
	if err := e.payExecutor(ctx, accepted); err != nil {
		return accepted, true, err
	}
	for _, recipient := range []string{accepted.CustomerID, accepted.ExecutorID} {
		e.notify(ctx, domain.Notification{
			Type: domain.NotifySubmissionAuto, RecipientID: recipient, TaskID: taskID, ExecutorID: executorID,
		})
	}
	return accepted, true, nil
}

// AutoAcceptPause grants a pause the customer did not answer. The decision is dated at the
// auto-accept deadline rather than at the sweep that notices it.
func (e Engine) AutoAcceptPause(ctx context.Context, taskID, executorID string, now time.Time) (domain.Assignment, bool, error) {
	a, err := e.Repo.GetAssignment(ctx, taskID, executorID)
	if err != nil {
		return a, false, err
	}
	if a.Status != domain.AssignmentPauseRequested || a.PauseAutoAcceptAt == nil || now.Before(*a.PauseAutoAcceptAt) {
		return a, false, nil
	}
	next, changed, err := e.acceptPause(ctx, taskID, executorID, *a.PauseAutoAcceptAt, domain.PauseDecisionAuto, events.SystemActor)
	if err != nil || !changed {
		return next, changed, err
	}
	e.notify(ctx, domain.Notification{
		Type: domain.NotifyPauseAuto, RecipientID: next.ExecutorID, TaskID: taskID, ExecutorID: executorID,
		Payload: map[string]any{"paused_until": next.PausedUntil},
	})
	return next, true, nil
}

// AutoOpenDispute escalates an overdue assignment the customer did nothing about, provided
// there is submission activity to adjudicate.
func (e Engine) AutoOpenDispute(ctx context.Context, taskID, executorID string, now time.Time) (domain.Dispute, bool, error) {
	a, err := e.Repo.GetAssignment(ctx, taskID, executorID)
	if err != nil {
		return domain.Dispute{}, false, err
	}
	if a.Status != domain.AssignmentOverdue || a.AutoDisputeAt == nil || now.Before(*a.AutoDisputeAt) {
		return domain.Dispute{}, false, nil
	}
	c, err := e.Contracts.GetContract(ctx, taskID, executorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Dispute{}, false, nil
	}
	if err != nil {
		return domain.Dispute{}, false, err
	}
	if !c.HasActivity() {
		return domain.Dispute{}, false, nil
	}
	return e.OpenDispute(ctx, taskID, executorID, events.SystemActor, "automatic: overdue without customer action")
}

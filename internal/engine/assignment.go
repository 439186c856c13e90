package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"marketline/internal/domain"
	"marketline/internal/events"
	"marketline/internal/ids"
	"marketline/internal/repo"
)

func ensureAssignmentTransition(from, to domain.AssignmentStatus) error {
	if from == to {
		return nil
	}
	switch from {
	case domain.AssignmentPendingStart:
		if to == domain.AssignmentInProgress || to == domain.AssignmentRemovedAuto || to == domain.AssignmentCancelledByCustomer {
			return nil
		}
	case domain.AssignmentInProgress:
		switch to {
		case domain.AssignmentPauseRequested, domain.AssignmentOverdue, domain.AssignmentSubmitted,
			domain.AssignmentCancelledByCustomer, domain.AssignmentDisputeOpened:
			return nil
		}
	case domain.AssignmentPauseRequested:
		switch to {
		case domain.AssignmentPaused, domain.AssignmentInProgress, domain.AssignmentSubmitted,
			domain.AssignmentCancelledByCustomer, domain.AssignmentDisputeOpened:
			return nil
		}
	case domain.AssignmentPaused:
		switch to {
		case domain.AssignmentInProgress, domain.AssignmentSubmitted, domain.AssignmentCancelledByCustomer, domain.AssignmentDisputeOpened:
			return nil
		}
	case domain.AssignmentOverdue:
		switch to {
		case domain.AssignmentSubmitted, domain.AssignmentCancelledByCustomer, domain.AssignmentDisputeOpened:
			return nil
		}
	case domain.AssignmentSubmitted:
		switch to {
		case domain.AssignmentAccepted, domain.AssignmentInProgress, domain.AssignmentCancelledByCustomer, domain.AssignmentDisputeOpened:
			return nil
		}
	case domain.AssignmentDisputeOpened:
		if to == domain.AssignmentAccepted || to == domain.AssignmentCancelledByCustomer {
			return nil
		}
	}
	return fmt.Errorf("invalid assignment transition %s -> %s", from, to)
}

// workingStatuses are the statuses in which the executor still owes a submission.
var workingStatuses = []domain.AssignmentStatus{
	domain.AssignmentInProgress, domain.AssignmentPauseRequested, domain.AssignmentPaused, domain.AssignmentOverdue,
}

// approvableStatuses are the statuses an externally approved contract can close out.
var approvableStatuses = append(slices.Clone(workingStatuses), domain.AssignmentSubmitted, domain.AssignmentDisputeOpened)

type assignmentStep struct {
	event string
	actor string
	// apply mutates the fresh record and reports whether the precondition held.
	apply func(a *domain.Assignment) bool
	// inTx runs inside the same transaction after the record is written.
	inTx func(ctx context.Context, tx *sql.Tx, a domain.Assignment) error
}

// mutateAssignment is the single read-validate-write path for assignments. A failed
// precondition returns the current record with changed=false and no error.
func (e Engine) mutateAssignment(ctx context.Context, taskID, executorID string, step assignmentStep) (domain.Assignment, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, false, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetAssignmentTx(ctx, tx, taskID, executorID)
	if err != nil {
		return domain.Assignment{}, false, err
	}
	next := cur
	next.ForceMajeureEventIDs = slices.Clone(cur.ForceMajeureEventIDs)
	if !step.apply(&next) {
		return cur, false, nil
	}
	if err := ensureAssignmentTransition(cur.Status, next.Status); err != nil {
		return cur, false, err
	}
	next.DeriveExecutionDeadline()
	next.UpdatedAt = e.now()
	ok, err := e.Repo.UpdateAssignmentTx(ctx, tx, next, cur.Revision)
	if err != nil {
		return cur, false, err
	}
	if !ok {
		return cur, false, nil
	}
	next.Revision = cur.Revision + 1
	if step.inTx != nil {
		if err := step.inTx(ctx, tx, next); err != nil {
			return cur, false, err
		}
	}
	payload := events.EventPayload{
		"task_id":     next.TaskID,
		"executor_id": next.ExecutorID,
		"from":        cur.Status,
		"to":          next.Status,
	}
	if err := e.Events.Append(ctx, tx, step.event, "assignment", next.ID, step.actor, payload); err != nil {
		return cur, false, err
	}
	if err := tx.Commit(); err != nil {
		return cur, false, err
	}
	e.emit(domain.Change{EntityKind: "assignment", EntityID: next.ID, Type: step.event, Status: string(next.Status)})
	return next, true, nil
}

// CreatePendingStart creates the assignment for a selected executor. It is a no-op when
// the pair already has one.
func (e Engine) CreatePendingStart(ctx context.Context, taskID, executorID, customerID, actorID string) (domain.Assignment, bool, error) {
	if strings.TrimSpace(taskID) == "" {
		return domain.Assignment{}, false, invalid("task_id", "required")
	}
	if strings.TrimSpace(executorID) == "" {
		return domain.Assignment{}, false, invalid("executor_id", "required")
	}
	now := e.now()
	a := domain.Assignment{
		ID:              ids.Stable(taskID, executorID),
		TaskID:          taskID,
		ExecutorID:      executorID,
		CustomerID:      customerID,
		Status:          domain.AssignmentPendingStart,
		AssignedAt:      now,
		StartDeadlineAt: now.Add(domain.StartWindow),
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, false, err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertAssignmentTx(ctx, tx, a)
	if err != nil {
		return domain.Assignment{}, false, fmt.Errorf("insert assignment: %w", err)
	}
	if !inserted {
		existing, err := e.Repo.GetAssignmentTx(ctx, tx, taskID, executorID)
		return existing, false, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.created", "assignment", a.ID, actorID, events.EventPayload{
		"task_id": taskID, "executor_id": executorID, "start_deadline_at": a.StartDeadlineAt,
	}); err != nil {
		return domain.Assignment{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, false, err
	}
	e.emit(domain.Change{EntityKind: "assignment", EntityID: a.ID, Type: "assignment.created", Status: string(a.Status)})
	return a, true, nil
}

// AssignOptions selects an executor for a task and freezes the payment.
type AssignOptions struct {
	TaskID     string
	Title      string
	CustomerID string
	ExecutorID string
	Amount     int64
	ActorID    string
}

// AssignExecutor records the task and contract, freezes escrow and creates the assignment.
func (e Engine) AssignExecutor(ctx context.Context, opts AssignOptions) (domain.Assignment, bool, error) {
	switch {
	case strings.TrimSpace(opts.TaskID) == "":
		return domain.Assignment{}, false, invalid("task_id", "required")
	case strings.TrimSpace(opts.CustomerID) == "":
		return domain.Assignment{}, false, invalid("customer_id", "required")
	case strings.TrimSpace(opts.ExecutorID) == "":
		return domain.Assignment{}, false, invalid("executor_id", "required")
	case opts.Amount < 0:
		return domain.Assignment{}, false, invalid("amount", "must not be negative")
	}
	now := e.now()
	if existing, err := e.Repo.GetAssignment(ctx, opts.TaskID, opts.ExecutorID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Assignment{}, false, err
	}
	restriction, err := e.Repo.GetRestriction(ctx, opts.ExecutorID)
	if err != nil {
		return domain.Assignment{}, false, err
	}
	if !restriction.CanRespond(now) {
		return domain.Assignment{}, false, invalid("executor_id", "executor is not allowed to respond to tasks")
	}
	if err := e.Repo.UpsertTask(ctx, domain.Task{
		ID: opts.TaskID, CustomerID: opts.CustomerID, Title: opts.Title, Status: domain.TaskInProgress, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return domain.Assignment{}, false, fmt.Errorf("upsert task: %w", err)
	}
	if err := e.Repo.InsertContract(ctx, domain.Contract{
		TaskID: opts.TaskID, ExecutorID: opts.ExecutorID, CustomerID: opts.CustomerID,
		Status: domain.ContractActive, Amount: opts.Amount, UpdatedAt: now,
	}); err != nil {
		return domain.Assignment{}, false, fmt.Errorf("insert contract: %w", err)
	}
	if err := e.Escrow.Freeze(ctx, opts.CustomerID, opts.TaskID, opts.ExecutorID, opts.Amount); err != nil {
		return domain.Assignment{}, false, fmt.Errorf("freeze escrow: %w", err)
	}
	return e.CreatePendingStart(ctx, opts.TaskID, opts.ExecutorID, opts.CustomerID, opts.ActorID)
}

// StartWork moves pending_start to in_progress and opens the execution window.
func (e Engine) StartWork(ctx context.Context, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
	now := e.now()
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.started",
		actor: actorID,
		apply: func(a *domain.Assignment) bool {
			if a.Status != domain.AssignmentPendingStart {
				return false
			}
			a.Status = domain.AssignmentInProgress
			a.StartedAt = timePtr(now)
			a.ExecutionBaseDeadlineAt = timePtr(now.Add(domain.ExecutionWindow))
			a.ExecutionExtension = 0
			return true
		},
	})
}

// ClampPauseDuration bounds a requested pause to the allowed range.
func ClampPauseDuration(d time.Duration) time.Duration {
	return min(max(d, domain.MinPauseDuration), domain.MaxPauseDuration)
}

// RequestPause asks the customer for the assignment's single pause.
func (e Engine) RequestPause(ctx context.Context, taskID, executorID, reasonID string, duration time.Duration, actorID string) (domain.Assignment, bool, error) {
	now := e.now()
	a, changed, err := e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.pause_requested",
		actor: actorID,
		apply: func(a *domain.Assignment) bool {
			if a.Status != domain.AssignmentInProgress || a.PauseUsed {
				return false
			}
			a.Status = domain.AssignmentPauseRequested
			a.PauseUsed = true
			a.PauseRequestedAt = timePtr(now)
			a.PauseAutoAcceptAt = timePtr(now.Add(domain.PauseAutoAcceptDelay))
			a.PauseReasonID = reasonID
			a.PauseRequestedDuration = ClampPauseDuration(duration)
			a.PauseDecision = domain.PauseDecisionNone
			return true
		},
	})
	if err != nil || !changed {
		return a, changed, err
	}
	if a.PauseReasonID == domain.PauseReasonForceMajeure {
		if _, err := e.DetectForceMajeureAbuse(ctx, a); err != nil {
			e.logger().ErrorContext(ctx, "force majeure abuse check failed", "assignment_id", a.ID, "err", err)
		}
	}
	return a, true, nil
}

// AcceptPause grants the pause. The extension covers the customer's response time plus
// the requested duration, limited by what is left of the lifetime extension cap.
func (e Engine) AcceptPause(ctx context.Context, taskID, executorID string, decidedAt *time.Time, actorID string) (domain.Assignment, bool, error) {
	at := e.now()
	if decidedAt != nil {
		at = decidedAt.UTC()
	}
	return e.acceptPause(ctx, taskID, executorID, at, domain.PauseDecisionAccepted, actorID)
}

func (e Engine) acceptPause(ctx context.Context, taskID, executorID string, decidedAt time.Time, decision domain.PauseDecision, actorID string) (domain.Assignment, bool, error) {
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.pause_accepted",
		actor: actorID,
		apply: func(a *domain.Assignment) bool {
			if a.Status != domain.AssignmentPauseRequested {
				return false
			}
			var wait time.Duration
			if a.PauseRequestedAt != nil {
				wait = max(decidedAt.Sub(*a.PauseRequestedAt), 0)
			}
			remaining := max(domain.MaxExecutionExtension()-a.ExecutionExtension, 0)
			a.ExecutionExtension += min(remaining, wait+a.PauseRequestedDuration)
			a.Status = domain.AssignmentPaused
			a.PauseDecision = decision
			a.PausedAt = timePtr(decidedAt)
			a.PausedUntil = timePtr(decidedAt.Add(a.PauseRequestedDuration))
			return true
		},
	})
}

// RejectPause returns to in_progress without extension. The pause stays used.
func (e Engine) RejectPause(ctx context.Context, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.pause_rejected",
		actor: actorID,
		apply: func(a *domain.Assignment) bool {
			if a.Status != domain.AssignmentPauseRequested {
				return false
			}
			a.Status = domain.AssignmentInProgress
			a.PauseDecision = domain.PauseDecisionRejected
			return true
		},
	})
}

// ResumeIfPauseEnded resumes work once the pause window has elapsed at now.
func (e Engine) ResumeIfPauseEnded(ctx context.Context, taskID, executorID string, now time.Time) (domain.Assignment, bool, error) {
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.resumed",
		actor: events.SystemActor,
		apply: func(a *domain.Assignment) bool {
			if a.Status != domain.AssignmentPaused || a.PausedUntil == nil || now.Before(*a.PausedUntil) {
				return false
			}
			a.Status = domain.AssignmentInProgress
			return true
		},
	})
}

// EndPauseEarly lets the executor resume before the pause elapses. Deadlines keep the
// extension already granted.
func (e Engine) EndPauseEarly(ctx context.Context, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
	now := e.now()
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.pause_ended",
		actor: actorID,
		apply: func(a *domain.Assignment) bool {
			if a.Status != domain.AssignmentPaused {
				return false
			}
			a.Status = domain.AssignmentInProgress
			a.PausedUntil = timePtr(now)
			return true
		},
	})
}

// MarkSubmitted records the executor's delivery and marks the contract submitted.
func (e Engine) MarkSubmitted(ctx context.Context, taskID, executorID string, files int, actorID string) (domain.Assignment, bool, error) {
	if files < 0 {
		return domain.Assignment{}, false, invalid("files", "must not be negative")
	}
	now := e.now()
	a, changed, err := e.markSubmitted(ctx, taskID, executorID, now, actorID)
	if err != nil || !changed {
		return a, changed, err
	}
	if err := e.Contracts.RecordSubmission(ctx, taskID, executorID, files, now); err != nil {
		return a, true, fmt.Errorf("record submission: %w", err)
	}
	return a, true, nil
}

func (e Engine) markSubmitted(ctx context.Context, taskID, executorID string, at time.Time, actorID string) (domain.Assignment, bool, error) {
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.submitted",
		actor: actorID,
		apply: func(a *domain.Assignment) bool {
			if !slices.Contains(workingStatuses, a.Status) {
				return false
			}
			a.Status = domain.AssignmentSubmitted
			a.SubmittedAt = timePtr(at)
			return true
		},
	})
}

// ResumeAfterRevisionRequest sends a submission back for rework with a fresh execution window.
func (e Engine) ResumeAfterRevisionRequest(ctx context.Context, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
	a, changed, err := e.resumeAfterRevision(ctx, taskID, executorID, actorID)
	if err != nil || !changed {
		return a, changed, err
	}
	if _, err := e.Contracts.IncrementRevision(ctx, taskID, executorID, e.now()); err != nil {
		return a, true, fmt.Errorf("record revision: %w", err)
	}
	return a, true, nil
}

func (e Engine) resumeAfterRevision(ctx context.Context, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
	now := e.now()
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.revision_requested",
		actor: actorID,
		apply: func(a *domain.Assignment) bool {
			if a.Status != domain.AssignmentSubmitted {
				return false
			}
			a.Status = domain.AssignmentInProgress
			a.SubmittedAt = nil
			a.ExecutionBaseDeadlineAt = timePtr(now.Add(domain.ExecutionWindow))
			return true
		},
	})
}

// MarkAccepted is the customer's approval of a submission: the contract is approved and
// the escrow paid to the executor.
func (e Engine) MarkAccepted(ctx context.Context, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
	a, changed, err := e.markAccepted(ctx, taskID, executorID, actorID, domain.AssignmentSubmitted)
	if err != nil || !changed {
		return a, changed, err
	}
	return a, true, e.payExecutor(ctx, a)
}

func (e Engine) markAccepted(ctx context.Context, taskID, executorID, actorID string, from ...domain.AssignmentStatus) (domain.Assignment, bool, error) {
	now := e.now()
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.accepted",
		actor: actorID,
		apply: func(a *domain.Assignment) bool {
			if !slices.Contains(from, a.Status) {
				return false
			}
			a.Status = domain.AssignmentAccepted
			a.AcceptedAt = timePtr(now)
			return true
		},
	})
}

// payExecutor claims the escrow for the executor, approves the contract and refreshes the
// task. The claim goes first so a retry never approves an unpaid contract.
func (e Engine) payExecutor(ctx context.Context, a domain.Assignment) error {
	now := e.now()
	if _, err := e.Escrow.ClaimFor(ctx, a.TaskID, a.ExecutorID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("claim escrow: %w", err)
	}
	if err := e.Contracts.SetContractStatus(ctx, a.TaskID, a.ExecutorID, domain.ContractApproved, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("approve contract: %w", err)
	}
	if _, err := e.Contracts.RecomputeTaskStatus(ctx, a.TaskID, now); err != nil {
		return fmt.Errorf("recompute task: %w", err)
	}
	return nil
}

// refundCustomer returns the escrow to the customer and cancels the contract.
func (e Engine) refundCustomer(ctx context.Context, a domain.Assignment) error {
	now := e.now()
	if _, err := e.Escrow.Release(ctx, a.TaskID, a.ExecutorID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("release escrow: %w", err)
	}
	if err := e.Contracts.SetContractStatus(ctx, a.TaskID, a.ExecutorID, domain.ContractCancelled, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("cancel contract: %w", err)
	}
	if _, err := e.Contracts.RecomputeTaskStatus(ctx, a.TaskID, now); err != nil {
		return fmt.Errorf("recompute task: %w", err)
	}
	return nil
}

// CancelByCustomer ends the assignment on the customer's side. Disputed assignments are
// settled only by the arbitration decision.
func (e Engine) CancelByCustomer(ctx context.Context, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
	a, changed, err := e.cancel(ctx, taskID, executorID, actorID, false)
	if err != nil || !changed {
		return a, changed, err
	}
	return a, true, e.refundCustomer(ctx, a)
}

func (e Engine) cancel(ctx context.Context, taskID, executorID, actorID string, allowDisputed bool) (domain.Assignment, bool, error) {
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.cancelled",
		actor: actorID,
		apply: func(a *domain.Assignment) bool {
			if a.Status.Terminal() {
				return false
			}
			if a.Status == domain.AssignmentDisputeOpened && !allowDisputed {
				return false
			}
			a.Status = domain.AssignmentCancelledByCustomer
			return true
		},
	})
}

// RemoveAuto drops an executor who never started. It is skipped while a disruption
// window covers the task.
func (e Engine) RemoveAuto(ctx context.Context, taskID, executorID string, now time.Time) (domain.Assignment, bool, error) {
	covered, err := e.underDisruption(ctx, taskID, now)
	if err != nil {
		return domain.Assignment{}, false, err
	}
	if covered {
		a, err := e.Repo.GetAssignment(ctx, taskID, executorID)
		return a, false, err
	}
	var recorded *domain.Violation
	a, changed, err := e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.removed_auto",
		actor: events.SystemActor,
		apply: func(a *domain.Assignment) bool {
			if a.Status != domain.AssignmentPendingStart || now.Before(a.StartDeadlineAt) {
				return false
			}
			a.Status = domain.AssignmentRemovedAuto
			return true
		},
		inTx: func(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
			v, ok, err := e.recordViolationTx(ctx, tx, a, domain.ViolationNoStart, a.StartDeadlineAt)
			if ok {
				recorded = &v
			}
			return err
		},
	})
	if err != nil || !changed {
		return a, changed, err
	}
	var errs []error
	if recorded != nil {
		if _, err := e.ApplySanction(ctx, *recorded); err != nil {
			errs = append(errs, fmt.Errorf("sanction: %w", err))
		}
	}
	if err := e.refundCustomer(ctx, a); err != nil {
		errs = append(errs, err)
	}
	if err := e.Contracts.RejectApplication(ctx, taskID, executorID, now); err != nil {
		errs = append(errs, fmt.Errorf("reject application: %w", err))
	}
	e.notify(ctx, domain.Notification{
		Type: domain.NotifyExecutorNoStart, RecipientID: a.CustomerID, TaskID: taskID, ExecutorID: executorID,
	})
	return a, true, errors.Join(errs...)
}

// MarkOverdue flags an in-progress assignment whose execution deadline has passed and
// schedules the automatic dispute.
func (e Engine) MarkOverdue(ctx context.Context, taskID, executorID string, now time.Time) (domain.Assignment, bool, error) {
	covered, err := e.underDisruption(ctx, taskID, now)
	if err != nil {
		return domain.Assignment{}, false, err
	}
	if covered {
		a, err := e.Repo.GetAssignment(ctx, taskID, executorID)
		return a, false, err
	}
	var recorded *domain.Violation
	a, changed, err := e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.overdue",
		actor: events.SystemActor,
		apply: func(a *domain.Assignment) bool {
			if a.Status != domain.AssignmentInProgress || a.ExecutionDeadlineAt == nil || now.Before(*a.ExecutionDeadlineAt) {
				return false
			}
			a.Status = domain.AssignmentOverdue
			a.OverdueAt = timePtr(now)
			a.AutoDisputeAt = timePtr(now.Add(domain.AutoDisputeDelay))
			return true
		},
		inTx: func(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
			v, ok, err := e.recordViolationTx(ctx, tx, a, domain.ViolationNoSubmit, *a.ExecutionDeadlineAt)
			if ok {
				recorded = &v
			}
			return err
		},
	})
	if err != nil || !changed {
		return a, changed, err
	}
	e.notify(ctx, domain.Notification{
		Type: domain.NotifyExecutorOverdue, RecipientID: a.CustomerID, TaskID: taskID, ExecutorID: executorID,
	})
	if recorded != nil {
		if _, err := e.ApplySanction(ctx, *recorded); err != nil {
			return a, true, fmt.Errorf("sanction: %w", err)
		}
	}
	return a, true, nil
}

// ApplyForceMajeureShift extends every open deadline by d, once per disruption event.
func (e Engine) ApplyForceMajeureShift(ctx context.Context, taskID, executorID, eventID string, d time.Duration) (domain.Assignment, bool, error) {
	if eventID == "" {
		return domain.Assignment{}, false, invalid("event_id", "required")
	}
	d = max(d, 0)
	return e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.force_majeure_applied",
		actor: events.SystemActor,
		apply: func(a *domain.Assignment) bool {
			if a.Status.Terminal() || a.HasForceMajeureEvent(eventID) {
				return false
			}
			a.ForceMajeureEventIDs = append(a.ForceMajeureEventIDs, eventID)
			if a.StartedAt == nil {
				a.StartDeadlineAt = a.StartDeadlineAt.Add(d)
			} else {
				a.ExecutionExtension += d
			}
			if a.AutoDisputeAt != nil {
				a.AutoDisputeAt = timePtr(a.AutoDisputeAt.Add(d))
			}
			if a.PauseAutoAcceptAt != nil && a.Status == domain.AssignmentPauseRequested {
				a.PauseAutoAcceptAt = timePtr(a.PauseAutoAcceptAt.Add(d))
			}
			if a.PausedUntil != nil && a.Status == domain.AssignmentPaused {
				a.PausedUntil = timePtr(a.PausedUntil.Add(d))
			}
			return true
		},
	})
}

// SyncFromContract aligns the assignment with the authoritative contract status. Each
// step is an ordinary guarded transition, so out-of-order contract writes converge.
func (e Engine) SyncFromContract(ctx context.Context, taskID, executorID string) (domain.Assignment, bool, error) {
	a, err := e.Repo.GetAssignment(ctx, taskID, executorID)
	if err != nil {
		return a, false, err
	}
	if a.Status.Terminal() {
		return a, false, nil
	}
	c, err := e.Contracts.GetContract(ctx, taskID, executorID)
	if errors.Is(err, repo.ErrNotFound) {
		return a, false, nil
	}
	if err != nil {
		return a, false, err
	}
	actor := events.SystemActor
	at := e.now()
	switch c.Status {
	case domain.ContractSubmitted:
		if c.SubmittedAt != nil {
			at = *c.SubmittedAt
		}
		return e.markSubmitted(ctx, taskID, executorID, at, actor)
	case domain.ContractRevision:
		return e.resumeAfterRevision(ctx, taskID, executorID, actor)
	case domain.ContractApproved:
		if !slices.Contains(approvableStatuses, a.Status) {
			return a, false, nil
		}
		// Funds and the dispute settle before the assignment turns terminal, so a failed
		// step is retried by the next sweep.
		if err := e.payExecutor(ctx, a); err != nil {
			return a, false, err
		}
		if err := e.closeSupersededDispute(ctx, taskID, executorID); err != nil {
			return a, false, err
		}
		if slices.Contains(workingStatuses, a.Status) {
			if c.SubmittedAt != nil {
				at = *c.SubmittedAt
			}
			if _, _, err := e.markSubmitted(ctx, taskID, executorID, at, actor); err != nil {
				return a, false, err
			}
		}
		return e.markAccepted(ctx, taskID, executorID, actor, domain.AssignmentSubmitted, domain.AssignmentDisputeOpened)
	case domain.ContractDisputed:
		if a.Status == domain.AssignmentDisputeOpened {
			return a, false, nil
		}
		if _, _, err := e.OpenDispute(ctx, taskID, executorID, actor, "contract disputed"); err != nil {
			return a, false, err
		}
		next, err := e.Repo.GetAssignment(ctx, taskID, executorID)
		return next, err == nil && next.Status != a.Status, err
	case domain.ContractCancelled:
		if _, err := e.Escrow.Release(ctx, taskID, executorID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return a, false, fmt.Errorf("release escrow: %w", err)
		}
		if err := e.closeSupersededDispute(ctx, taskID, executorID); err != nil {
			return a, false, err
		}
		return e.cancel(ctx, taskID, executorID, actor, true)
	}
	return a, false, nil
}

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
	"marketline/internal/obs"
	"marketline/internal/repo"
)

// SLAThresholds are the remaining-time marks at which arbiters are alerted.
var SLAThresholds = []time.Duration{12 * time.Hour, 6 * time.Hour, 3 * time.Hour, 2 * time.Hour, time.Hour}

var disputableStatuses = []domain.AssignmentStatus{
	domain.AssignmentInProgress, domain.AssignmentPauseRequested, domain.AssignmentPaused,
	domain.AssignmentOverdue, domain.AssignmentSubmitted,
}

type disputeStep struct {
	event string
	actor string
	// expected is the caller's observed version; nil skips the check.
	expected *int64
	// lockGuard rejects the step once a decision is locked, before the version check.
	lockGuard bool
	apply     func(d *domain.Dispute) (bool, error)
}

func (e Engine) mutateDispute(ctx context.Context, id string, step disputeStep) (domain.Dispute, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, false, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetDisputeTx(ctx, tx, id)
	if err != nil {
		return domain.Dispute{}, false, err
	}
	if step.lockGuard && cur.LockedDecisionAt != nil {
		return cur, false, ErrLocked
	}
	if step.expected != nil && *step.expected != cur.Version {
		return cur, false, fmt.Errorf("%w: dispute %s is at version %d, not %d", ErrConflict, id, cur.Version, *step.expected)
	}
	next := cur
	ok, err := step.apply(&next)
	if err != nil || !ok {
		return cur, false, err
	}
	next.UpdatedAt = e.now()
	updated, err := e.Repo.UpdateDisputeTx(ctx, tx, next, cur.Version)
	if err != nil {
		return cur, false, err
	}
	if !updated {
		return cur, false, fmt.Errorf("%w: dispute %s changed concurrently", ErrConflict, id)
	}
	next.Version = cur.Version + 1
	if err := e.Events.Append(ctx, tx, step.event, "dispute", next.ID, step.actor, events.EventPayload{
		"from": cur.Status, "to": next.Status, "version": next.Version,
	}); err != nil {
		return cur, false, err
	}
	if err := tx.Commit(); err != nil {
		return cur, false, err
	}
	e.emit(domain.Change{EntityKind: "dispute", EntityID: next.ID, Type: step.event, Status: string(next.Status)})
	return next, true, nil
}

// OpenDispute moves the assignment into dispute and creates the dispute record in the
// same transaction. It is a no-op for assignments that cannot be disputed.
func (e Engine) OpenDispute(ctx context.Context, taskID, executorID, openedBy, reason string) (domain.Dispute, bool, error) {
	now := e.now()
	var created domain.Dispute
	a, changed, err := e.mutateAssignment(ctx, taskID, executorID, assignmentStep{
		event: "assignment.dispute_opened",
		actor: openedBy,
		apply: func(a *domain.Assignment) bool {
			if !slices.Contains(disputableStatuses, a.Status) {
				return false
			}
			a.Status = domain.AssignmentDisputeOpened
			return true
		},
		inTx: func(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
			created = domain.Dispute{
				ID:         ids.New(),
				TaskID:     a.TaskID,
				ExecutorID: a.ExecutorID,
				CustomerID: a.CustomerID,
				OpenedBy:   openedBy,
				Reason:     strings.TrimSpace(reason),
				Status:     domain.DisputeOpen,
				Version:    1,
				OpenedAt:   now,
				SLADueAt:   timePtr(now.Add(e.disputeSLA())),
				UpdatedAt:  now,
			}
			if err := e.Repo.InsertDisputeTx(ctx, tx, created); err != nil {
				return fmt.Errorf("insert dispute: %w", err)
			}
			return e.Events.Append(ctx, tx, "dispute.opened", "dispute", created.ID, openedBy, events.EventPayload{
				"task_id": a.TaskID, "executor_id": a.ExecutorID, "sla_due_at": created.SLADueAt,
			})
		},
	})
	if err != nil {
		return domain.Dispute{}, false, err
	}
	if !changed {
		existing, err := e.Repo.ActiveDisputeFor(ctx, taskID, executorID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Dispute{}, false, nil
		}
		return existing, false, err
	}
	e.emit(domain.Change{EntityKind: "dispute", EntityID: created.ID, Type: "dispute.opened", Status: string(created.Status)})
	if err := e.Contracts.SetContractStatus(ctx, taskID, executorID, domain.ContractDisputed, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
		e.logger().WarnContext(ctx, "contract status sync failed", "task_id", taskID, "executor_id", executorID, "err", err)
	}
	for _, recipient := range []string{a.CustomerID, a.ExecutorID} {
		e.notify(ctx, domain.Notification{
			Type: domain.NotifyDisputeOpened, RecipientID: recipient, TaskID: taskID, ExecutorID: executorID, DisputeID: created.ID,
		})
	}
	return created, true, nil
}

// TakeInWork pins the dispute to the arbiter. A dispute already held by someone else
// is a conflict.
func (e Engine) TakeInWork(ctx context.Context, disputeID, arbiterID string, version int64) (domain.Dispute, bool, error) {
	if strings.TrimSpace(arbiterID) == "" {
		return domain.Dispute{}, false, invalid("arbiter_id", "required")
	}
	return e.mutateDispute(ctx, disputeID, disputeStep{
		event:    "dispute.taken",
		actor:    arbiterID,
		expected: &version,
		apply: func(d *domain.Dispute) (bool, error) {
			if d.AssignedArbiterID != "" && d.AssignedArbiterID != arbiterID {
				return false, fmt.Errorf("%w: dispute assigned to another arbiter", ErrConflict)
			}
			if d.Status != domain.DisputeOpen && d.Status != domain.DisputeNeedMoreInfo {
				return false, nil
			}
			d.Status = domain.DisputeInReview
			d.AssignedArbiterID = arbiterID
			return true, nil
		},
	})
}

// RequestMoreInfo parks an in-review dispute until the parties answer.
func (e Engine) RequestMoreInfo(ctx context.Context, disputeID, arbiterID string, version int64) (domain.Dispute, bool, error) {
	return e.mutateDispute(ctx, disputeID, disputeStep{
		event:    "dispute.info_requested",
		actor:    arbiterID,
		expected: &version,
		apply: func(d *domain.Dispute) (bool, error) {
			if d.Status != domain.DisputeInReview {
				return false, nil
			}
			if d.AssignedArbiterID != arbiterID {
				return false, fmt.Errorf("%w: dispute assigned to another arbiter", ErrConflict)
			}
			d.Status = domain.DisputeNeedMoreInfo
			return true, nil
		},
	})
}

// DecideOptions is a financial decision on a dispute.
type DecideOptions struct {
	DisputeID       string
	ArbiterID       string
	ExpectedVersion int64
	Decision        domain.DecisionKind
	Comment         string
	Checklist       map[string]bool
	ExecutorAmount  int64
	CustomerAmount  int64
}

func validateDecision(opts DecideOptions) error {
	if _, err := domain.ParseDecisionKind(string(opts.Decision)); err != nil {
		return invalid("decision", err.Error())
	}
	if strings.TrimSpace(opts.Comment) == "" {
		return invalid("comment", "required")
	}
	for _, item := range domain.ReviewChecklist {
		if !opts.Checklist[item] {
			return invalid("checklist", item+" not checked")
		}
	}
	if opts.Decision == domain.DecisionPartialRefund && (opts.ExecutorAmount < 0 || opts.CustomerAmount < 0) {
		return invalid("amounts", "must not be negative")
	}
	return nil
}

// Decide locks the financial decision and then moves the escrow. Invalid input and stale
// versions are rejected before anything changes; a locked dispute never takes a second
// decision.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (domain.Dispute, error) {
	return e.decide(ctx, opts, false)
}

func (e Engine) decide(ctx context.Context, opts DecideOptions, auto bool) (domain.Dispute, error) {
	if err := validateDecision(opts); err != nil {
		return domain.Dispute{}, err
	}
	cur, err := e.Repo.GetDispute(ctx, opts.DisputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if cur.LockedDecisionAt != nil {
		return cur, ErrLocked
	}
	total, err := e.frozenTotal(ctx, cur)
	if err != nil {
		return cur, err
	}
	execAmount, custAmount := opts.ExecutorAmount, opts.CustomerAmount
	switch opts.Decision {
	case domain.DecisionReleaseToExecutor:
		execAmount, custAmount = total, 0
	case domain.DecisionRefundToCustomer:
		execAmount, custAmount = 0, total
	case domain.DecisionPartialRefund:
		if execAmount+custAmount != total {
			return cur, invalid("amounts", fmt.Sprintf("executor %d + customer %d must equal frozen escrow %d", execAmount, custAmount, total))
		}
	}
	now := e.now()
	expected := opts.ExpectedVersion
	d, _, err := e.mutateDispute(ctx, opts.DisputeID, disputeStep{
		event:     "dispute.decided",
		actor:     opts.ArbiterID,
		expected:  &expected,
		lockGuard: true,
		apply: func(d *domain.Dispute) (bool, error) {
			if d.Status != domain.DisputeInReview {
				return false, invalid("status", fmt.Sprintf("dispute is %s, not in_review", d.Status))
			}
			if d.AssignedArbiterID != "" && d.AssignedArbiterID != opts.ArbiterID {
				return false, fmt.Errorf("%w: dispute assigned to another arbiter", ErrConflict)
			}
			d.Status = domain.DisputeDecided
			d.LockedDecisionAt = timePtr(now)
			d.Decision = opts.Decision
			d.DecisionComment = strings.TrimSpace(opts.Comment)
			d.DecidedBy = opts.ArbiterID
			d.ExecutorAmount = execAmount
			d.CustomerAmount = custAmount
			d.AutoDecided = auto
			return true, nil
		},
	})
	if err != nil {
		return d, err
	}
	origin := "arbiter"
	if auto {
		origin = "auto"
	}
	obs.DisputeDecisions.WithLabelValues(string(d.Decision), origin).Inc()
	settled, err := e.SettleDispute(ctx, d)
	if err != nil {
		e.logger().ErrorContext(ctx, "dispute settlement failed; reconciliation will retry", "dispute_id", d.ID, "err", err)
		return d, nil
	}
	return settled, nil
}

// frozenTotal is the escrow a decision may distribute.
func (e Engine) frozenTotal(ctx context.Context, d domain.Dispute) (int64, error) {
	hold, err := e.Escrow.Hold(ctx, d.TaskID, d.ExecutorID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if hold.Status != domain.HoldFrozen {
		return 0, invalid("escrow", fmt.Sprintf("escrow is %s", hold.Status))
	}
	return hold.Amount, nil
}

// SettleDispute moves funds for a locked decision and applies its effect to the contract
// and assignment. Every step is idempotent, so a failed settlement is simply retried.
func (e Engine) SettleDispute(ctx context.Context, d domain.Dispute) (domain.Dispute, error) {
	if d.LockedDecisionAt == nil || d.SettledAt != nil {
		return d, nil
	}
	now := e.now()
	a := domain.Assignment{TaskID: d.TaskID, ExecutorID: d.ExecutorID}
	switch d.Decision {
	case domain.DecisionReleaseToExecutor:
		if err := e.payExecutor(ctx, a); err != nil {
			return d, err
		}
		if _, _, err := e.markAccepted(ctx, d.TaskID, d.ExecutorID, d.DecidedBy, domain.AssignmentDisputeOpened); err != nil {
			return d, err
		}
	case domain.DecisionPartialRefund:
		err := e.Escrow.Split(ctx, d.TaskID, d.ExecutorID, d.ExecutorAmount, d.CustomerAmount)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return d, fmt.Errorf("split escrow: %w", err)
		}
		if err := e.payExecutor(ctx, a); err != nil {
			return d, err
		}
		if _, _, err := e.markAccepted(ctx, d.TaskID, d.ExecutorID, d.DecidedBy, domain.AssignmentDisputeOpened); err != nil {
			return d, err
		}
	case domain.DecisionRefundToCustomer:
		if err := e.refundCustomer(ctx, a); err != nil {
			return d, err
		}
		if _, _, err := e.cancel(ctx, d.TaskID, d.ExecutorID, d.DecidedBy, true); err != nil {
			return d, err
		}
	}
	settled, _, err := e.mutateDispute(ctx, d.ID, disputeStep{
		event: "dispute.settled",
		actor: events.SystemActor,
		apply: func(d *domain.Dispute) (bool, error) {
			if d.SettledAt != nil {
				return false, nil
			}
			d.SettledAt = timePtr(now)
			return true, nil
		},
	})
	if err != nil {
		return d, err
	}
	for _, recipient := range []string{settled.CustomerID, settled.ExecutorID} {
		e.notify(ctx, domain.Notification{
			Type: domain.NotifyDisputeDecided, RecipientID: recipient, TaskID: d.TaskID, ExecutorID: d.ExecutorID, DisputeID: d.ID,
			Payload: map[string]any{
				"decision": settled.Decision, "executor_amount": settled.ExecutorAmount, "customer_amount": settled.CustomerAmount,
			},
		})
	}
	return settled, nil
}

// Close ends the dispute. Allowed from any status but closed.
func (e Engine) Close(ctx context.Context, disputeID, actorID string) (domain.Dispute, bool, error) {
	now := e.now()
	return e.mutateDispute(ctx, disputeID, disputeStep{
		event: "dispute.closed",
		actor: actorID,
		apply: func(d *domain.Dispute) (bool, error) {
			if d.Status == domain.DisputeClosed {
				return false, nil
			}
			d.Status = domain.DisputeClosed
			d.ClosedAt = timePtr(now)
			return true, nil
		},
	})
}

// closeSupersededDispute closes the pair's undecided dispute once the contract was settled
// outside arbitration. A locked decision is left to its own settlement.
func (e Engine) closeSupersededDispute(ctx context.Context, taskID, executorID string) error {
	d, err := e.Repo.ActiveDisputeFor(ctx, taskID, executorID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.LockedDecisionAt != nil {
		return nil
	}
	if _, _, err := e.Close(ctx, d.ID, events.SystemActor); err != nil {
		return fmt.Errorf("close dispute %s: %w", d.ID, err)
	}
	return nil
}

// SplitHalf divides total cents evenly, rounding the executor's half up to the cent and
// leaving the remainder to the customer.
func SplitHalf(total int64) (executor, customer int64) {
	executor = (total + 1) / 2
	return executor, total - executor
}

// AutoDecide resolves a dispute nobody picked up within a day: no submission activity
// refunds the customer, otherwise the escrow is split in half. The system arbiter takes
// the same version-guarded path a human would, then closes the dispute. Partially
// completed runs resume from where they stopped.
func (e Engine) AutoDecide(ctx context.Context, disputeID string, now time.Time) (domain.Dispute, bool, error) {
	arbiter := e.SystemArbiterID()
	d, err := e.Repo.GetDispute(ctx, disputeID)
	if err != nil {
		return d, false, err
	}
	if d.LockedDecisionAt == nil && d.Status != domain.DisputeClosed {
		// The assignment left dispute through its contract; there is nothing left to decide.
		a, err := e.Repo.GetAssignment(ctx, d.TaskID, d.ExecutorID)
		switch {
		case err == nil && a.Status != domain.AssignmentDisputeOpened:
			return e.Close(ctx, d.ID, arbiter)
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return d, false, err
		}
	}
	switch {
	case d.Status == domain.DisputeOpen && d.AssignedArbiterID == "" && now.Sub(d.OpenedAt) >= domain.DisputeAutoDecideAge:
		d, _, err = e.TakeInWork(ctx, d.ID, arbiter, d.Version)
		if err != nil {
			return d, false, err
		}
		fallthrough
	case d.Status == domain.DisputeInReview && d.AssignedArbiterID == arbiter && d.LockedDecisionAt == nil:
		opts, err := e.autoDecision(ctx, d, arbiter)
		if err != nil {
			return d, false, err
		}
		if d, err = e.decide(ctx, opts, true); err != nil {
			return d, false, err
		}
		fallthrough
	case d.Status == domain.DisputeDecided && d.AutoDecided:
		closed, _, err := e.Close(ctx, d.ID, arbiter)
		if err != nil {
			return d, true, err
		}
		return closed, true, nil
	}
	return d, false, nil
}

func (e Engine) autoDecision(ctx context.Context, d domain.Dispute, arbiter string) (DecideOptions, error) {
	checklist := make(map[string]bool, len(domain.ReviewChecklist))
	for _, item := range domain.ReviewChecklist {
		checklist[item] = true
	}
	opts := DecideOptions{
		DisputeID:       d.ID,
		ArbiterID:       arbiter,
		ExpectedVersion: d.Version,
		Checklist:       checklist,
	}
	activity := false
	c, err := e.Contracts.GetContract(ctx, d.TaskID, d.ExecutorID)
	switch {
	case err == nil:
		activity = c.HasActivity()
	case !errors.Is(err, repo.ErrNotFound):
		return opts, err
	}
	if !activity {
		opts.Decision = domain.DecisionRefundToCustomer
		opts.Comment = "automatic decision: no submission activity"
		return opts, nil
	}
	total, err := e.frozenTotal(ctx, d)
	if err != nil {
		return opts, err
	}
	opts.Decision = domain.DecisionPartialRefund
	opts.ExecutorAmount, opts.CustomerAmount = SplitHalf(total)
	opts.Comment = "automatic decision: submission activity without resolution, escrow split in half"
	return opts, nil
}

// EmitSLASignals alerts on the tightest remaining-time threshold crossed. Each threshold
// fires at most once per dispute; wider thresholds skipped during downtime are recorded
// without an alert.
func (e Engine) EmitSLASignals(ctx context.Context, d domain.Dispute, now time.Time) (int, bool, error) {
	if d.Status == domain.DisputeClosed || d.SLADueAt == nil {
		return 0, false, nil
	}
	remaining := d.SLADueAt.Sub(now)
	var crossed []time.Duration
	for _, th := range SLAThresholds {
		if remaining <= th {
			crossed = append(crossed, th)
		}
	}
	if len(crossed) == 0 {
		return 0, false, nil
	}
	tightest := slices.Min(crossed)
	emitted := false
	for _, th := range crossed {
		hours := int(th / time.Hour)
		fresh, err := e.Repo.RecordSLASignal(ctx, d.ID, hours, now)
		if err != nil {
			return 0, false, err
		}
		if fresh && th == tightest {
			emitted = true
		}
	}
	if !emitted {
		return 0, false, nil
	}
	hours := int(tightest / time.Hour)
	recipient := d.AssignedArbiterID
	if recipient == "" {
		recipient = "arbiters"
	}
	e.notify(ctx, domain.Notification{
		Type: domain.NotifyDisputeSLA, RecipientID: recipient, TaskID: d.TaskID, ExecutorID: d.ExecutorID, DisputeID: d.ID,
		Payload: map[string]any{"hours_remaining": hours, "sla_due_at": d.SLADueAt},
	})
	return hours, true, nil
}

func (e Engine) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return e.Repo.GetDispute(ctx, id)
}

func (e Engine) ListDisputes(ctx context.Context, statuses ...domain.DisputeStatus) ([]domain.Dispute, error) {
	return e.Repo.ListDisputes(ctx, statuses...)
}

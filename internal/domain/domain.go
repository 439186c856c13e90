package domain

import (
	"fmt"
	"slices"
	"time"
)

// Fixed domain policy. These are not operator-configurable.
const (
	StartWindow          = 12 * time.Hour
	ExecutionWindow      = 24 * time.Hour
	AutoDisputeDelay     = 24 * time.Hour
	PauseAutoAcceptDelay = 12 * time.Hour
	MinPauseDuration     = 5 * time.Minute
	MaxPauseDuration     = 24 * time.Hour
	SubmissionReviewWait = 24 * time.Hour
	DisputeAutoDecideAge = 24 * time.Hour
	ForceMajeureWindow   = 7 * 24 * time.Hour
	ForceMajeureBatch    = 3
)

// PauseReasonForceMajeure marks pause requests that count towards abuse detection.
const PauseReasonForceMajeure = "force_majeure"

// MaxExecutionExtension is the lifetime cap on pause-granted extension:
// min(24h, 50% of the execution window).
func MaxExecutionExtension() time.Duration {
	return min(24*time.Hour, ExecutionWindow/2)
}

type AssignmentStatus string

const (
	AssignmentPendingStart        AssignmentStatus = "pending_start"
	AssignmentInProgress          AssignmentStatus = "in_progress"
	AssignmentPauseRequested      AssignmentStatus = "pause_requested"
	AssignmentPaused              AssignmentStatus = "paused"
	AssignmentOverdue             AssignmentStatus = "overdue"
	AssignmentSubmitted           AssignmentStatus = "submitted"
	AssignmentAccepted            AssignmentStatus = "accepted"
	AssignmentRemovedAuto         AssignmentStatus = "removed_auto"
	AssignmentCancelledByCustomer AssignmentStatus = "cancelled_by_customer"
	AssignmentDisputeOpened       AssignmentStatus = "dispute_opened"
)

var assignmentStatuses = []AssignmentStatus{
	AssignmentPendingStart, AssignmentInProgress, AssignmentPauseRequested, AssignmentPaused,
	AssignmentOverdue, AssignmentSubmitted, AssignmentAccepted, AssignmentRemovedAuto,
	AssignmentCancelledByCustomer, AssignmentDisputeOpened,
}

// ParseAssignmentStatus rejects values outside the closed status set.
func ParseAssignmentStatus(s string) (AssignmentStatus, error) {
	st := AssignmentStatus(s)
	if !slices.Contains(assignmentStatuses, st) {
		return "", fmt.Errorf("unknown assignment status %q", s)
	}
	return st, nil
}

// Terminal reports whether no further transition can leave the status.
func (s AssignmentStatus) Terminal() bool {
	switch s {
	case AssignmentAccepted, AssignmentRemovedAuto, AssignmentCancelledByCustomer:
		return true
	}
	return false
}

type PauseDecision string

const (
	PauseDecisionNone     PauseDecision = ""
	PauseDecisionAccepted PauseDecision = "accepted"
	PauseDecisionAuto     PauseDecision = "auto_accepted"
	PauseDecisionRejected PauseDecision = "rejected"
)

// Assignment tracks one executor's work on one task.
type Assignment struct {
	ID                      string           `json:"id"`
	TaskID                  string           `json:"task_id"`
	ExecutorID              string           `json:"executor_id"`
	CustomerID              string           `json:"customer_id,omitempty"`
	Status                  AssignmentStatus `json:"status" enum:"pending_start,in_progress,pause_requested,paused,overdue,submitted,accepted,removed_auto,cancelled_by_customer,dispute_opened"`
	AssignedAt              time.Time        `json:"assigned_at" format:"date-time"`
	StartDeadlineAt         time.Time        `json:"start_deadline_at" format:"date-time"`
	StartedAt               *time.Time       `json:"started_at,omitempty" format:"date-time"`
	ExecutionBaseDeadlineAt *time.Time       `json:"execution_base_deadline_at,omitempty" format:"date-time"`
	ExecutionExtension      time.Duration    `json:"execution_extension_ns"`
	ExecutionDeadlineAt     *time.Time       `json:"execution_deadline_at,omitempty" format:"date-time"`
	SubmittedAt             *time.Time       `json:"submitted_at,omitempty" format:"date-time"`
	AcceptedAt              *time.Time       `json:"accepted_at,omitempty" format:"date-time"`
	OverdueAt               *time.Time       `json:"overdue_at,omitempty" format:"date-time"`
	AutoDisputeAt           *time.Time       `json:"auto_dispute_at,omitempty" format:"date-time"`
	PauseUsed               bool             `json:"pause_used"`
	PauseRequestedAt        *time.Time       `json:"pause_requested_at,omitempty" format:"date-time"`
	PauseAutoAcceptAt       *time.Time       `json:"pause_auto_accept_at,omitempty" format:"date-time"`
	PauseReasonID           string           `json:"pause_reason_id,omitempty"`
	PauseRequestedDuration  time.Duration    `json:"pause_requested_duration_ns"`
	PauseDecision           PauseDecision    `json:"pause_decision,omitempty"`
	PausedAt                *time.Time       `json:"paused_at,omitempty" format:"date-time"`
	PausedUntil             *time.Time       `json:"paused_until,omitempty" format:"date-time"`
	ForceMajeureEventIDs    []string         `json:"force_majeure_applied_event_ids,omitempty"`
	Revision                int64            `json:"revision"`
	UpdatedAt               time.Time        `json:"updated_at" format:"date-time"`
}

// DeriveExecutionDeadline recomputes the execution deadline from its base and extension.
func (a *Assignment) DeriveExecutionDeadline() {
	if a.ExecutionBaseDeadlineAt == nil {
		a.ExecutionDeadlineAt = nil
		return
	}
	d := a.ExecutionBaseDeadlineAt.Add(a.ExecutionExtension)
	a.ExecutionDeadlineAt = &d
}

// HasForceMajeureEvent reports whether the disruption event was already applied.
func (a Assignment) HasForceMajeureEvent(eventID string) bool {
	return slices.Contains(a.ForceMajeureEventIDs, eventID)
}

type ViolationType string

const (
	ViolationNoStart           ViolationType = "no_start_12h"
	ViolationNoSubmit          ViolationType = "no_submit_24h"
	ViolationForceMajeureAbuse ViolationType = "force_majeure_abuse"
)

func ParseViolationType(s string) (ViolationType, error) {
	switch t := ViolationType(s); t {
	case ViolationNoStart, ViolationNoSubmit, ViolationForceMajeureAbuse:
		return t, nil
	}
	return "", fmt.Errorf("unknown violation type %q", s)
}

// Violation is an immutable sanctionable event. At most one per (assignment, type).
type Violation struct {
	ID           string        `json:"id"`
	ExecutorID   string        `json:"executor_id"`
	Type         ViolationType `json:"type" enum:"no_start_12h,no_submit_24h,force_majeure_abuse"`
	TaskID       string        `json:"task_id"`
	AssignmentID string        `json:"assignment_id"`
	CreatedAt    time.Time     `json:"created_at" format:"date-time"`
	SanctionedAt *time.Time    `json:"sanctioned_at,omitempty" format:"date-time"`
}

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountBanned AccountStatus = "banned"
)

// Restriction holds the enforcement state for one executor.
type Restriction struct {
	ExecutorID          string        `json:"executor_id"`
	AccountStatus       AccountStatus `json:"account_status" enum:"active,banned"`
	RespondBlockedUntil *time.Time    `json:"respond_blocked_until,omitempty" format:"date-time"`
	UpdatedAt           time.Time     `json:"updated_at" format:"date-time"`
}

// CanRespond reports whether the executor may respond to tasks at t.
func (r Restriction) CanRespond(t time.Time) bool {
	if r.AccountStatus == AccountBanned {
		return false
	}
	return r.RespondBlockedUntil == nil || !t.Before(*r.RespondBlockedUntil)
}

type DisputeStatus string

const (
	DisputeOpen         DisputeStatus = "open"
	DisputeInReview     DisputeStatus = "in_review"
	DisputeNeedMoreInfo DisputeStatus = "need_more_info"
	DisputeDecided      DisputeStatus = "decided"
	DisputeClosed       DisputeStatus = "closed"
)

func ParseDisputeStatus(s string) (DisputeStatus, error) {
	switch st := DisputeStatus(s); st {
	case DisputeOpen, DisputeInReview, DisputeNeedMoreInfo, DisputeDecided, DisputeClosed:
		return st, nil
	}
	return "", fmt.Errorf("unknown dispute status %q", s)
}

type DecisionKind string

const (
	DecisionReleaseToExecutor DecisionKind = "release_to_executor"
	DecisionRefundToCustomer  DecisionKind = "refund_to_customer"
	DecisionPartialRefund     DecisionKind = "partial_refund"
)

func ParseDecisionKind(s string) (DecisionKind, error) {
	switch k := DecisionKind(s); k {
	case DecisionReleaseToExecutor, DecisionRefundToCustomer, DecisionPartialRefund:
		return k, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// ReviewChecklist lists the items an arbiter must tick before deciding.
var ReviewChecklist = []string{"submission_reviewed", "requirements_compared", "messages_reviewed"}

// Dispute is the arbitration record for one contract in dispute.
type Dispute struct {
	ID                string        `json:"id"`
	TaskID            string        `json:"task_id"`
	ExecutorID        string        `json:"executor_id"`
	CustomerID        string        `json:"customer_id"`
	OpenedBy          string        `json:"opened_by"`
	Reason            string        `json:"reason,omitempty"`
	Status            DisputeStatus `json:"status" enum:"open,in_review,need_more_info,decided,closed"`
	AssignedArbiterID string        `json:"assigned_arbiter_id,omitempty"`
	Version           int64         `json:"version"`
	OpenedAt          time.Time     `json:"opened_at" format:"date-time"`
	SLADueAt          *time.Time    `json:"sla_due_at,omitempty" format:"date-time"`
	LockedDecisionAt  *time.Time    `json:"locked_decision_at,omitempty" format:"date-time"`
	Decision          DecisionKind  `json:"decision,omitempty"`
	DecisionComment   string        `json:"decision_comment,omitempty"`
	DecidedBy         string        `json:"decided_by,omitempty"`
	ExecutorAmount    int64         `json:"executor_amount"`
	CustomerAmount    int64         `json:"customer_amount"`
	AutoDecided       bool          `json:"auto_decided"`
	SettledAt         *time.Time    `json:"settled_at,omitempty" format:"date-time"`
	ClosedAt          *time.Time    `json:"closed_at,omitempty" format:"date-time"`
	UpdatedAt         time.Time     `json:"updated_at" format:"date-time"`
}

type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractSubmitted ContractStatus = "submitted"
	ContractRevision  ContractStatus = "revision"
	ContractApproved  ContractStatus = "approved"
	ContractDisputed  ContractStatus = "disputed"
	ContractCancelled ContractStatus = "cancelled"
)

func ParseContractStatus(s string) (ContractStatus, error) {
	switch st := ContractStatus(s); st {
	case ContractActive, ContractSubmitted, ContractRevision, ContractApproved, ContractDisputed, ContractCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown contract status %q", s)
}

// Contract is the payment agreement between a task's customer and one executor.
type Contract struct {
	TaskID          string         `json:"task_id"`
	ExecutorID      string         `json:"executor_id"`
	CustomerID      string         `json:"customer_id"`
	Status          ContractStatus `json:"status"`
	Amount          int64          `json:"amount"`
	SubmittedAt     *time.Time     `json:"submitted_at,omitempty" format:"date-time"`
	RevisionCount   int            `json:"revision_count"`
	SubmissionFiles int            `json:"submission_files"`
	MessageCount    int            `json:"message_count"`
	UpdatedAt       time.Time      `json:"updated_at" format:"date-time"`
}

// HasActivity reports whether there is submission material to adjudicate.
func (c Contract) HasActivity() bool {
	return c.SubmissionFiles > 0 || c.MessageCount > 0
}

type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

type Task struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customer_id"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt  time.Time  `json:"updated_at" format:"date-time"`
}

type HoldStatus string

const (
	HoldFrozen   HoldStatus = "frozen"
	HoldReleased HoldStatus = "released"
	HoldClaimed  HoldStatus = "claimed"
)

// EscrowHold is the frozen amount for one (task, executor) pair.
type EscrowHold struct {
	TaskID     string     `json:"task_id"`
	ExecutorID string     `json:"executor_id"`
	CustomerID string     `json:"customer_id"`
	Amount     int64      `json:"amount"`
	Status     HoldStatus `json:"status"`
	UpdatedAt  time.Time  `json:"updated_at" format:"date-time"`
}

// EscrowClaim is the result of claiming a hold for payout.
type EscrowClaim struct {
	ExecutorID string `json:"executor_id"`
	Amount     int64  `json:"amount"`
}

// Disruption is an externally declared window (e.g. force majeure).
type Disruption struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	StartAt         time.Time  `json:"start_at" format:"date-time"`
	EndAt           *time.Time `json:"end_at,omitempty" format:"date-time"`
	AffectedTaskIDs []string   `json:"affected_task_ids,omitempty"`
}

// Finished reports whether the window has an end and may be applied.
func (d Disruption) Finished() bool { return d.EndAt != nil }

// Covers reports whether the window applies to taskID. No explicit list means all tasks.
func (d Disruption) Covers(taskID string) bool {
	return len(d.AffectedTaskIDs) == 0 || slices.Contains(d.AffectedTaskIDs, taskID)
}

// ActiveAt reports whether t falls inside the window.
func (d Disruption) ActiveAt(t time.Time) bool {
	if t.Before(d.StartAt) {
		return false
	}
	return d.EndAt == nil || t.Before(*d.EndAt)
}

type NotificationType string

const (
	NotifyViolationWarning NotificationType = "violation.warning"
	NotifyViolationPenalty NotificationType = "violation.penalty"
	NotifyViolationBlock   NotificationType = "violation.block"
	NotifyViolationBan     NotificationType = "violation.ban"
	NotifyExecutorNoStart  NotificationType = "executor.no_start"
	NotifyExecutorOverdue  NotificationType = "executor.overdue"
	NotifySubmissionAuto   NotificationType = "submission.auto_accepted"
	NotifyPauseAuto        NotificationType = "pause.auto_accepted"
	NotifyDisputeOpened    NotificationType = "dispute.opened"
	NotifyDisputeDecided   NotificationType = "dispute.decided"
	NotifyDisputeSLA       NotificationType = "dispute.sla_threshold"
)

// Notification is a fire-and-forget message for a recipient.
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	RecipientID string           `json:"recipient_id"`
	TaskID      string           `json:"task_id,omitempty"`
	ExecutorID  string           `json:"executor_id,omitempty"`
	DisputeID   string           `json:"dispute_id,omitempty"`
	Payload     map[string]any   `json:"payload,omitempty"`
	CreatedAt   time.Time        `json:"created_at" format:"date-time"`
}

// Event is one audit entry written alongside a committed transition.
type Event struct {
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Change is broadcast after a transition commits.
type Change struct {
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Type       string `json:"type"`
	Status     string `json:"status,omitempty"`
}

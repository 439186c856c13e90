package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketline/internal/config"
	"marketline/internal/domain"
	"marketline/internal/events"
	"marketline/internal/obs"
	"marketline/internal/repo"
)

var (
	// ErrConflict reports a stale optimistic version or a competing claim.
	ErrConflict = errors.New("conflict")
	// ErrLocked reports a decision attempt on a dispute whose decision is already locked.
	ErrLocked = fmt.Errorf("%w: decision already locked", ErrConflict)
)

// ValidationError rejects malformed input before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ContractStore is the task and contract collaborator.
type ContractStore interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	GetContract(ctx context.Context, taskID, executorID string) (domain.Contract, error)
	ListContracts(ctx context.Context, f repo.ContractFilters) ([]domain.Contract, error)
	SetContractStatus(ctx context.Context, taskID, executorID string, status domain.ContractStatus, now time.Time) error
	IncrementRevision(ctx context.Context, taskID, executorID string, now time.Time) (int, error)
	RecordSubmission(ctx context.Context, taskID, executorID string, files int, now time.Time) error
	RejectApplication(ctx context.Context, taskID, executorID string, now time.Time) error
	RecomputeTaskStatus(ctx context.Context, taskID string, now time.Time) (domain.TaskStatus, error)
}

// EscrowLedger moves frozen funds. Each primitive is atomic per (task, executor).
type EscrowLedger interface {
	Hold(ctx context.Context, taskID, executorID string) (domain.EscrowHold, error)
	Freeze(ctx context.Context, customerID, taskID, executorID string, amount int64) error
	Release(ctx context.Context, taskID, executorID string) (int64, error)
	ClaimFor(ctx context.Context, taskID, executorID string) (domain.EscrowClaim, error)
	Split(ctx context.Context, taskID, executorID string, executorAmount, customerAmount int64) error
	Deposit(ctx context.Context, userID string, amount int64) error
	Withdraw(ctx context.Context, userID string, amount int64) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type RatingAdjuster interface {
	AdjustRating(ctx context.Context, executorID, violationID string, deltaPercent int, at time.Time) (bool, error)
}

type DisruptionSource interface {
	ListDisruptions(ctx context.Context) ([]domain.Disruption, error)
}

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Contracts   ContractStore
	Escrow      EscrowLedger
	Notifier    Notifier
	Ratings     RatingAdjuster
	Disruptions DisruptionSource
	Logger      *slog.Logger
	// OnChange receives every committed transition.
	OnChange func(domain.Change)
	Now      func() time.Time
}

// New wires the engine to the SQL-backed collaborators.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default("marketline")
	}
	return Engine{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{DB: db},
		Config:      cfg,
		Contracts:   r,
		Escrow:      repo.Escrow{Repo: r},
		Notifier:    repo.Outbox{Repo: r},
		Ratings:     r,
		Disruptions: r,
		Logger:      obs.Component(nil, "engine"),
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// At returns a copy of the engine whose clock is pinned to t.
func (e Engine) At(t time.Time) Engine {
	e.Now = func() time.Time { return t }
	e.Events.Now = e.Now
	return e
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) emit(c domain.Change) {
	if e.OnChange != nil {
		e.OnChange(c)
	}
}

// notify is best-effort; failures are logged and never undo the transition.
func (e Engine) notify(ctx context.Context, n domain.Notification) {
	if e.Notifier == nil || n.RecipientID == "" {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now()
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		e.logger().WarnContext(ctx, "notification failed", "type", n.Type, "recipient", n.RecipientID, "err", err)
	}
}

func (e Engine) disputeSLA() time.Duration {
	if e.Config != nil && e.Config.Disputes.SLA.Duration > 0 {
		return e.Config.Disputes.SLA.Duration
	}
	return 48 * time.Hour
}

// SystemArbiterID is the arbiter used for automatic decisions.
func (e Engine) SystemArbiterID() string {
	if e.Config != nil && e.Config.Disputes.SystemArbiterID != "" {
		return e.Config.Disputes.SystemArbiterID
	}
	return "system-arbiter"
}

// underDisruption reports whether an active disruption window covers the task at t.
func (e Engine) underDisruption(ctx context.Context, taskID string, t time.Time) (bool, error) {
	if e.Disruptions == nil {
		return false, nil
	}
	list, err := e.Disruptions.ListDisruptions(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range list {
		if d.Covers(taskID) && d.ActiveAt(t) {
			return true, nil
		}
	}
	return false, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/migrate"
)

var at = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newSQLiteRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func TestUpdateAssignmentReportsLostRace(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := Repo{DB: conn}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("revision=revision+1\nWHERE id=? AND revision=?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := conn.Begin()
	require.NoError(t, err)
	ok, err := r.UpdateAssignmentTx(context.Background(), tx, domain.Assignment{
		ID: "asg-1", TaskID: "task-1", ExecutorID: "exec-1", Status: domain.AssignmentInProgress,
		AssignedAt: at, StartDeadlineAt: at.Add(domain.StartWindow), UpdatedAt: at,
	}, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertViolationMapsUniqueErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := Repo{DB: conn}
	v := domain.Violation{ID: "v-1", ExecutorID: "exec-1", Type: domain.ViolationNoStart, TaskID: "task-1", AssignmentID: "asg-1", CreatedAt: at}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO violations")).
		WillReturnError(errors.New("UNIQUE constraint failed: violations.assignment_id, violations.type"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO violations")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO violations")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	for range 3 {
		assert.ErrorIs(t, r.InsertViolation(context.Background(), v), ErrDuplicate)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleSkipsHoldThatAlreadyMoved(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	e := Escrow{Repo: Repo{DB: conn}, Now: func() time.Time { return at }}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM escrow_holds WHERE task_id=? AND executor_id=?")).
		WithArgs("task-1", "exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"task_id", "executor_id", "customer_id", "amount", "status", "updated_at"}).
			AddRow("task-1", "exec-1", "cust-1", int64(40), string(domain.HoldReleased), at.UnixMilli()))
	mock.ExpectRollback()

	amount, err := e.Release(context.Background(), "task-1", "exec-1")
	require.NoError(t, err)
	assert.Zero(t, amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowSplitMovesFundsOnce(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRepo(t)
	e := Escrow{Repo: r, Now: func() time.Time { return at }}

	require.NoError(t, e.Freeze(ctx, "cust-1", "task-1", "exec-1", 100))
	require.NoError(t, e.Freeze(ctx, "cust-1", "task-1", "exec-1", 500))

	assert.ErrorIs(t, e.Split(ctx, "task-1", "exec-1", 70, 20), ErrAmountMismatch)
	hold, err := e.Hold(ctx, "task-1", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldFrozen, hold.Status)
	assert.Equal(t, int64(100), hold.Amount)

	require.NoError(t, e.Split(ctx, "task-1", "exec-1", 70, 30))
	released, err := e.Release(ctx, "task-1", "exec-1")
	require.NoError(t, err)
	assert.Zero(t, released)

	execBalance, err := e.Balance(ctx, "exec-1")
	require.NoError(t, err)
	custBalance, err := e.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), execBalance)
	assert.Equal(t, int64(30), custBalance)

	ok, err := e.Withdraw(ctx, "exec-1", 80)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.Withdraw(ctx, "exec-1", 70)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestViolationAndSignalKeysAreIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRepo(t)
	v := domain.Violation{ID: "v-1", ExecutorID: "exec-1", Type: domain.ViolationNoSubmit, TaskID: "task-1", AssignmentID: "asg-1", CreatedAt: at}

	require.NoError(t, r.InsertViolation(ctx, v))
	v.ID = "v-2"
	assert.ErrorIs(t, r.InsertViolation(ctx, v), ErrDuplicate)
	n, err := r.CountViolations(ctx, "exec-1", domain.ViolationNoSubmit, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first, err := r.RecordSLASignal(ctx, "d-1", 24, at)
	require.NoError(t, err)
	again, err := r.RecordSLASignal(ctx, "d-1", 24, at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, again)
}

func TestRestrictionBlockNeverShortens(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRepo(t)

	res, err := r.GetRestriction(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, res.AccountStatus)
	assert.True(t, res.CanRespond(at))

	_, err = r.ExtendBlock(ctx, "exec-1", at.Add(72*time.Hour), at)
	require.NoError(t, err)
	res, err = r.ExtendBlock(ctx, "exec-1", at.Add(24*time.Hour), at)
	require.NoError(t, err)
	require.NotNil(t, res.RespondBlockedUntil)
	assert.True(t, res.RespondBlockedUntil.Equal(at.Add(72*time.Hour)))
	assert.False(t, res.CanRespond(at.Add(48*time.Hour)))

	_, err = r.Ban(ctx, "exec-1", at)
	require.NoError(t, err)
	banned, err := r.ListBanned(ctx)
	require.NoError(t, err)
	require.Len(t, banned, 1)
	assert.Equal(t, "exec-1", banned[0].ExecutorID)
}

func TestViolationSanctionStampIsClaimedOnce(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRepo(t)
	v := domain.Violation{ID: "v-1", ExecutorID: "exec-1", Type: domain.ViolationNoStart, TaskID: "task-1", AssignmentID: "asg-1", CreatedAt: at}
	require.NoError(t, r.InsertViolation(ctx, v))

	pending, err := r.ListUnsanctionedViolations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].SanctionedAt)

	first, err := r.MarkViolationSanctioned(ctx, "v-1", at.Add(time.Minute))
	require.NoError(t, err)
	again, err := r.MarkViolationSanctioned(ctx, "v-1", at.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, again)

	pending, err = r.ListUnsanctionedViolations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	stored, err := r.GetViolationFor(ctx, "asg-1", domain.ViolationNoStart)
	require.NoError(t, err)
	require.NotNil(t, stored.SanctionedAt)
	assert.True(t, stored.SanctionedAt.Equal(at.Add(time.Minute)))
}

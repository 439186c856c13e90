package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketline/internal/domain"
)

var ErrAmountMismatch = errors.New("amounts do not sum to the frozen escrow")

// Escrow moves funds between escrow holds and user balances. Every method is one
// transaction keyed by (task, executor), so a hold leaves the frozen state exactly once.
type Escrow struct {
	Repo Repo
	Now  func() time.Time
}

func (e Escrow) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (r Repo) GetHold(ctx context.Context, taskID, executorID string) (domain.EscrowHold, error) {
	return r.getHold(ctx, r.DB, taskID, executorID)
}

func (r Repo) getHold(ctx context.Context, q querier, taskID, executorID string) (domain.EscrowHold, error) {
	var h domain.EscrowHold
	var status string
	var updated int64
	err := q.QueryRowContext(ctx, r.q(`SELECT task_id,executor_id,customer_id,amount,status,updated_at FROM escrow_holds WHERE task_id=? AND executor_id=?`),
		taskID, executorID).Scan(&h.TaskID, &h.ExecutorID, &h.CustomerID, &h.Amount, &status, &updated)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Status = domain.HoldStatus(status)
	h.UpdatedAt = fromMS(updated)
	return h, nil
}

func (e Escrow) Hold(ctx context.Context, taskID, executorID string) (domain.EscrowHold, error) {
	return e.Repo.GetHold(ctx, taskID, executorID)
}

// Freeze creates the hold. Freezing an existing pair is a no-op.
func (e Escrow) Freeze(ctx context.Context, customerID, taskID, executorID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative escrow amount %d", amount)
	}
	r := e.Repo
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO escrow_holds(task_id,executor_id,customer_id,amount,status,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(task_id, executor_id) DO NOTHING`), taskID, executorID, customerID, amount, string(domain.HoldFrozen), toMS(e.now()))
	return err
}

// Release returns the frozen amount to the customer. A hold that already moved yields 0.
func (e Escrow) Release(ctx context.Context, taskID, executorID string) (int64, error) {
	var amount int64
	err := e.settle(ctx, taskID, executorID, domain.HoldReleased, func(tx *sql.Tx, h domain.EscrowHold) error {
		amount = h.Amount
		return e.deposit(ctx, tx, h.CustomerID, h.Amount)
	})
	return amount, err
}

// ClaimFor pays the frozen amount out to the executor.
func (e Escrow) ClaimFor(ctx context.Context, taskID, executorID string) (domain.EscrowClaim, error) {
	claim := domain.EscrowClaim{ExecutorID: executorID}
	err := e.settle(ctx, taskID, executorID, domain.HoldClaimed, func(tx *sql.Tx, h domain.EscrowHold) error {
		claim.Amount = h.Amount
		return e.deposit(ctx, tx, h.ExecutorID, h.Amount)
	})
	return claim, err
}

// Split divides the frozen amount between executor and customer. The two parts must
// sum to the hold.
func (e Escrow) Split(ctx context.Context, taskID, executorID string, executorAmount, customerAmount int64) error {
	return e.settle(ctx, taskID, executorID, domain.HoldClaimed, func(tx *sql.Tx, h domain.EscrowHold) error {
		if executorAmount < 0 || customerAmount < 0 || executorAmount+customerAmount != h.Amount {
			return ErrAmountMismatch
		}
		if err := e.deposit(ctx, tx, h.ExecutorID, executorAmount); err != nil {
			return err
		}
		return e.deposit(ctx, tx, h.CustomerID, customerAmount)
	})
}

func (e Escrow) settle(ctx context.Context, taskID, executorID string, to domain.HoldStatus, move func(*sql.Tx, domain.EscrowHold) error) error {
	r := e.Repo
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	h, err := r.getHold(ctx, tx, taskID, executorID)
	if err != nil {
		return err
	}
	if h.Status != domain.HoldFrozen {
		return nil
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE escrow_holds SET status=?, updated_at=? WHERE task_id=? AND executor_id=? AND status=?`),
		string(to), toMS(e.now()), taskID, executorID, string(domain.HoldFrozen))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if err := move(tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Escrow) Deposit(ctx context.Context, userID string, amount int64) error {
	return e.deposit(ctx, e.Repo.DB, userID, amount)
}

func (e Escrow) deposit(ctx context.Context, q querier, userID string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("negative deposit %d", amount)
	}
	_, err := q.ExecContext(ctx, e.Repo.q(`INSERT INTO balances(user_id,amount) VALUES (?,?)
ON CONFLICT(user_id) DO UPDATE SET amount=balances.amount+excluded.amount`), userID, amount)
	return err
}

// Withdraw debits the balance and reports false when funds are insufficient.
func (e Escrow) Withdraw(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("invalid withdrawal %d", amount)
	}
	r := e.Repo
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE balances SET amount=amount-? WHERE user_id=? AND amount>=?`), amount, userID, amount)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (e Escrow) Balance(ctx context.Context, userID string) (int64, error) {
	r := e.Repo
	var amount int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT amount FROM balances WHERE user_id=?`), userID).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"marketline/internal/domain"
)

// Application states for the executor's response to a task.
const (
	ApplicationSelected = "selected"
	ApplicationRejected = "rejected"
)

func (r Repo) UpsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO tasks(id,customer_id,title,status,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, updated_at=excluded.updated_at`),
		t.ID, t.CustomerID, t.Title, string(t.Status), toMS(t.CreatedAt), toMS(t.UpdatedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	var status string
	var created, updated int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,customer_id,title,status,created_at,updated_at FROM tasks WHERE id=?`), id).
		Scan(&t.ID, &t.CustomerID, &t.Title, &status, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	return t, nil
}

// RecomputeTaskStatus derives the task status from its contracts: completed when every
// contract is approved, cancelled when every contract is cancelled, otherwise in progress.
func (r Repo) RecomputeTaskStatus(ctx context.Context, taskID string, now time.Time) (domain.TaskStatus, error) {
	contracts, err := r.ListContracts(ctx, ContractFilters{TaskID: taskID})
	if err != nil {
		return "", err
	}
	if len(contracts) == 0 {
		return domain.TaskOpen, nil
	}
	approved, cancelled := 0, 0
	for _, c := range contracts {
		switch c.Status {
		case domain.ContractApproved:
			approved++
		case domain.ContractCancelled:
			cancelled++
		}
	}
	status := domain.TaskInProgress
	switch {
	case cancelled == len(contracts):
		status = domain.TaskCancelled
	case approved+cancelled == len(contracts):
		status = domain.TaskCompleted
	}
	_, err = r.DB.ExecContext(ctx, r.q(`UPDATE tasks SET status=?, updated_at=? WHERE id=?`), string(status), toMS(now), taskID)
	return status, err
}

const contractColumns = `task_id,executor_id,customer_id,status,amount,submitted_at,revision_count,submission_files,message_count,updated_at`

func scanContract(row rowScanner) (domain.Contract, error) {
	var c domain.Contract
	var status string
	var submitted sql.NullInt64
	var updated int64
	err := row.Scan(&c.TaskID, &c.ExecutorID, &c.CustomerID, &status, &c.Amount, &submitted, &c.RevisionCount,
		&c.SubmissionFiles, &c.MessageCount, &updated)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	st, err := domain.ParseContractStatus(status)
	if err != nil {
		return c, fmt.Errorf("contract %s/%s: %w", c.TaskID, c.ExecutorID, err)
	}
	c.Status = st
	c.SubmittedAt = optionalTime(submitted)
	c.UpdatedAt = fromMS(updated)
	return c, nil
}

// InsertContract selects the executor for the task. Existing contracts are left untouched.
func (r Repo) InsertContract(ctx context.Context, c domain.Contract) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO contracts(task_id,executor_id,customer_id,status,amount,submitted_at,revision_count,submission_files,message_count,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(task_id, executor_id) DO NOTHING`),
		c.TaskID, c.ExecutorID, c.CustomerID, string(c.Status), c.Amount, msOrNil(c.SubmittedAt), c.RevisionCount,
		c.SubmissionFiles, c.MessageCount, toMS(c.UpdatedAt))
	return err
}

func (r Repo) GetContract(ctx context.Context, taskID, executorID string) (domain.Contract, error) {
	return scanContract(r.DB.QueryRowContext(ctx, r.q(`SELECT `+contractColumns+` FROM contracts WHERE task_id=? AND executor_id=?`), taskID, executorID))
}

type ContractFilters struct {
	TaskID     string
	ExecutorID string
	Statuses   []domain.ContractStatus
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.ExecutorID != "" {
		clauses = append(clauses, "executor_id=?")
		args = append(args, f.ExecutorID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + contractColumns + ` FROM contracts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY task_id ASC, executor_id ASC"
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListUnassignedContracts returns selected, still-open contracts with no assignment record.
func (r Repo) ListUnassignedContracts(ctx context.Context) ([]domain.Contract, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT c.task_id,c.executor_id,c.customer_id,c.status,c.amount,c.submitted_at,c.revision_count,
c.submission_files,c.message_count,c.updated_at
FROM contracts c LEFT JOIN assignments a ON a.task_id=c.task_id AND a.executor_id=c.executor_id
WHERE a.id IS NULL AND c.application_status=? AND c.status=?
ORDER BY c.updated_at ASC, c.task_id ASC`), ApplicationSelected, string(domain.ContractActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SetContractStatus(ctx context.Context, taskID, executorID string, status domain.ContractStatus, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE contracts SET status=?, updated_at=? WHERE task_id=? AND executor_id=?`),
		string(status), toMS(now), taskID, executorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSubmission marks the contract submitted and adds the delivered file count.
func (r Repo) RecordSubmission(ctx context.Context, taskID, executorID string, files int, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE contracts SET status=?, submitted_at=?, submission_files=submission_files+?, updated_at=?
WHERE task_id=? AND executor_id=?`), string(domain.ContractSubmitted), toMS(now), files, toMS(now), taskID, executorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddMessage(ctx context.Context, taskID, executorID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE contracts SET message_count=message_count+1, updated_at=? WHERE task_id=? AND executor_id=?`),
		toMS(now), taskID, executorID)
	return err
}

func (r Repo) IncrementRevision(ctx context.Context, taskID, executorID string, now time.Time) (int, error) {
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE contracts SET revision_count=revision_count+1, status=?, updated_at=? WHERE task_id=? AND executor_id=?`),
		string(domain.ContractRevision), toMS(now), taskID, executorID)
	if err != nil {
		return 0, err
	}
	c, err := r.GetContract(ctx, taskID, executorID)
	if err != nil {
		return 0, err
	}
	return c.RevisionCount, nil
}

func (r Repo) RejectApplication(ctx context.Context, taskID, executorID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE contracts SET application_status=?, updated_at=? WHERE task_id=? AND executor_id=?`),
		ApplicationRejected, toMS(now), taskID, executorID)
	return err
}

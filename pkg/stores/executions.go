package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const executionColumns = `id, workflow, stage, input, status, result, error, error_class,
	cancel_requested, created_at, updated_at, completed_at`

// CreateExecution creates a new workflow execution record
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	now := s.now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if exec.Status == "" {
		exec.Status = ExecutionPending
	}
	if exec.Input == "" {
		exec.Input = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.Workflow,
		exec.Stage,
		exec.Input,
		exec.Status,
		exec.Result,
		exec.Error,
		exec.ErrorClass,
		boolInt(exec.CancelRequested),
		exec.CreatedAt.UnixNano(),
		exec.UpdatedAt.UnixNano(),
		nullableNanos(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetExecution retrieves an execution by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return exec, nil
}

// UpdateExecutionStatus updates the status of an execution. Terminal statuses
// also stamp completed_at.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, result, errMsg, errClass *string) error {
	now := s.now()
	var completedAt interface{}
	if status == ExecutionSucceeded || status == ExecutionFailed || status == ExecutionCancelled {
		completedAt = now.UnixNano()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, result = COALESCE(?, result), error = ?, error_class = ?,
		    updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`, status, result, errMsg, errClass, now.UnixNano(), completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListExecutions lists executions, newest first, with optional filters.
func (s *SQLiteStore) ListExecutions(ctx context.Context, status *ExecutionStatus, stage *string, limit, offset int) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE (? IS NULL OR status = ?)
		  AND (? IS NULL OR stage = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, status, status, stage, stage, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := []*Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// RequestCancel flags an unfinished execution for cancellation. It returns
// false when the execution already finished.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running', 'waiting')
	`, s.now().UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("failed to request cancellation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	if _, err := s.GetExecution(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// GetStep returns the memoized outcome of a step.
func (s *SQLiteStore) GetStep(ctx context.Context, executionID, name string) (*ExecutionStep, error) {
	var (
		step                   ExecutionStep
		startedAt, completedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, name, status, output, error, attempts, started_at, completed_at
		FROM execution_steps
		WHERE execution_id = ? AND name = ?
	`, executionID, name).Scan(
		&step.ExecutionID,
		&step.Name,
		&step.Status,
		&step.Output,
		&step.Error,
		&step.Attempts,
		&startedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s/%s: %w", executionID, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}

	step.StartedAt = time.Unix(0, startedAt)
	step.CompletedAt = time.Unix(0, completedAt)
	return &step, nil
}

// SaveStep records the outcome of a step, replacing an earlier failed attempt.
func (s *SQLiteStore) SaveStep(ctx context.Context, step *ExecutionStep) error {
	if step.CompletedAt.IsZero() {
		step.CompletedAt = s.now()
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = step.CompletedAt
	}
	if step.Output == "" {
		step.Output = "null"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (execution_id, name, status, output, error, attempts, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, name) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			attempts = execution_steps.attempts + excluded.attempts,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		step.ExecutionID,
		step.Name,
		step.Status,
		step.Output,
		step.Error,
		step.Attempts,
		step.StartedAt.UnixNano(),
		step.CompletedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}

	return nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec                 Execution
		cancelRequested      int
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	if err := row.Scan(
		&exec.ID,
		&exec.Workflow,
		&exec.Stage,
		&exec.Input,
		&exec.Status,
		&exec.Result,
		&exec.Error,
		&exec.ErrorClass,
		&cancelRequested,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	exec.CancelRequested = cancelRequested != 0
	exec.CreatedAt = time.Unix(0, createdAt)
	exec.UpdatedAt = time.Unix(0, updatedAt)
	exec.CompletedAt = timePtr(completedAt)
	return &exec, nil
}

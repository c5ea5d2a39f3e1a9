package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const approvalColumns = `approval_id, stage, execution_id, requested_at, expires_at, estimated_savings,
	idle_hours, status, token_hash, decided_at, decided_by, retain_until`

// CreateApproval persists a new approval request.
func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *Approval) error {
	if approval.Status == "" {
		approval.Status = ApprovalPending
	}
	if approval.RetainUntil.IsZero() {
		approval.RetainUntil = approval.RequestedAt.Add(s.cfg.StateTTL)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		approval.ID,
		approval.Stage,
		approval.ExecutionID,
		approval.RequestedAt.UnixNano(),
		approval.ExpiresAt.UnixNano(),
		approval.EstimatedSavings,
		approval.IdleHours,
		approval.Status,
		approval.TokenHash,
		nullableNanos(approval.DecidedAt),
		approval.DecidedBy,
		approval.RetainUntil.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}

	return nil
}

// GetApproval retrieves an approval request by ID
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?`, id)

	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	return approval, nil
}

// DecideApproval moves a pending approval to a terminal status. The update is
// conditional on status still being pending, so of any number of concurrent
// callers exactly one observes true.
func (s *SQLiteStore) DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("invalid approval decision: %s", status)
	}

	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, decided_at = ?, decided_by = ?, retain_until = ?
		WHERE approval_id = ? AND status = 'pending'
	`, status, now.UnixNano(), decidedBy, now.Add(s.cfg.StateTTL).UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("failed to decide approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	if _, err := s.GetApproval(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RotateApprovalToken replaces the token hash and expiry of a pending approval.
func (s *SQLiteStore) RotateApprovalToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET token_hash = ?, expires_at = ?
		WHERE approval_id = ? AND status = 'pending'
	`, tokenHash, expiresAt.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("failed to rotate approval token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// ListApprovals lists approvals, newest first, optionally filtered by status.
func (s *SQLiteStore) ListApprovals(ctx context.Context, status *ApprovalStatus, limit, offset int) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE (? IS NULL OR status = ?)
		ORDER BY requested_at DESC
		LIMIT ? OFFSET ?
	`, status, status, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	approvals := []*Approval{}
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, approval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return approvals, nil
}

func scanApproval(row rowScanner) (*Approval, error) {
	var (
		a           Approval
		requestedAt int64
		expiresAt   int64
		decidedAt   sql.NullInt64
		retainUntil int64
	)
	if err := row.Scan(
		&a.ID,
		&a.Stage,
		&a.ExecutionID,
		&requestedAt,
		&expiresAt,
		&a.EstimatedSavings,
		&a.IdleHours,
		&a.Status,
		&a.TokenHash,
		&decidedAt,
		&a.DecidedBy,
		&retainUntil,
	); err != nil {
		return nil, err
	}

	a.RequestedAt = time.Unix(0, requestedAt)
	a.ExpiresAt = time.Unix(0, expiresAt)
	a.DecidedAt = timePtr(decidedAt)
	a.RetainUntil = time.Unix(0, retainUntil)
	return &a, nil
}

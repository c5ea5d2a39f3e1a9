package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutParameter creates or replaces a bookkeeping parameter.
func (s *SQLiteStore) PutParameter(ctx context.Context, p *Parameter) error {
	if p.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	p.UpdatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parameters (name, value, stage, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			value = excluded.value,
			stage = excluded.stage,
			updated_at = excluded.updated_at
	`, p.Name, p.Value, p.Stage, p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to put parameter: %w", err)
	}

	return nil
}

// GetParameter retrieves a bookkeeping parameter by name
func (s *SQLiteStore) GetParameter(ctx context.Context, name string) (*Parameter, error) {
	var (
		p         Parameter
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, value, stage, updated_at FROM parameters WHERE name = ?`, name,
	).Scan(&p.Name, &p.Value, &p.Stage, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("parameter %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parameter: %w", err)
	}

	p.UpdatedAt = time.Unix(0, updatedAt)
	return &p, nil
}

// ListParameters returns every parameter whose name starts with prefix.
func (s *SQLiteStore) ListParameters(ctx context.Context, prefix string) ([]*Parameter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value, stage, updated_at
		FROM parameters
		WHERE substr(name, 1, ?) = ?
		ORDER BY name
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list parameters: %w", err)
	}
	defer rows.Close()

	params := []*Parameter{}
	for rows.Next() {
		var (
			p         Parameter
			updatedAt int64
		)
		if err := rows.Scan(&p.Name, &p.Value, &p.Stage, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan parameter: %w", err)
		}
		p.UpdatedAt = time.Unix(0, updatedAt)
		params = append(params, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating parameters: %w", err)
	}

	return params, nil
}

// DeleteParameters removes the named parameters in one transaction. Missing
// names are ignored.
func (s *SQLiteStore) DeleteParameters(ctx context.Context, names ...string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deleted int64
	for _, name := range names {
		result, err := tx.ExecContext(ctx, `DELETE FROM parameters WHERE name = ?`, name)
		if err != nil {
			return 0, fmt.Errorf("failed to delete parameter %s: %w", name, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit parameter delete: %w", err)
	}

	return deleted, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	serrors "github.com/p-blackswan/domainsync/internal/errors"
)

// DeadLetter is a queued action dropped after exhausting its retries.
type DeadLetter struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	Data       string `json:"data"`
	Origin     string `json:"origin"`
	Error      string `json:"error"`
	Retries    int    `json:"retries"`
	CreatedAt  int64  `json:"created_at"`
	DroppedAt  int64  `json:"dropped_at"`
	ResolvedAt int64  `json:"resolved_at,omitempty"` // 0 = unresolved
}

// SaveDeadLetter saves a dead letter
func (s *Store) SaveDeadLetter(ctx context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.DroppedAt == 0 {
		dl.DroppedAt = s.now().UnixMilli()
	}
	if dl.Origin == "" {
		dl.Origin = "system"
	}

	query := `
	INSERT OR REPLACE INTO dead_letters (
		id, action, data, origin, error, retries, created_at, dropped_at, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	resolved := sql.NullInt64{Int64: dl.ResolvedAt, Valid: dl.ResolvedAt != 0}

	_, err := s.db.ExecContext(ctx, query,
		dl.ID, dl.Action, dl.Data, dl.Origin, dl.Error,
		dl.Retries, dl.CreatedAt, dl.DroppedAt, resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns unresolved dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, action, data, origin, error, retries, created_at, dropped_at, resolved_at
	FROM dead_letters
	WHERE resolved_at IS NULL
	ORDER BY dropped_at DESC
	`

	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var resolved sql.NullInt64

		err := rows.Scan(
			&dl.ID, &dl.Action, &dl.Data, &dl.Origin, &dl.Error,
			&dl.Retries, &dl.CreatedAt, &dl.DroppedAt, &resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if resolved.Valid {
			dl.ResolvedAt = resolved.Int64
		}
		dls = append(dls, dl)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return dls, nil
}

// ResolveDeadLetter marks a dead letter as resolved
func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		s.now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: dead letter %s", serrors.ErrNotFound, id)
	}

	return nil
}

package store

import (
	"context"
	"fmt"
	"time"
)

const (
	resolvedRetention   = 24 * time.Hour
	unresolvedRetention = 30 * 24 * time.Hour
)

// RunRetention prunes resolved dead letters after a day and unresolved ones
// after thirty days.
func (s *Store) RunRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE resolved_at IS NOT NULL AND resolved_at < ?",
		now.Add(-resolvedRetention).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete resolved dead letters: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE resolved_at IS NULL AND dropped_at < ?",
		now.Add(-unresolvedRetention).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete stale dead letters: %w", err)
	}

	s.logger.Debug().Msg("Retention policy executed")
	return nil
}

// StartRetention runs RunRetention every interval until ctx is cancelled.
func (s *Store) StartRetention(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.RunRetention(ctx); err != nil {
					s.logger.Error().Err(err).Msg("Retention failed")
				}
			}
		}
	}()
}

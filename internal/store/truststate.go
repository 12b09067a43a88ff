package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ambientloop/keel/internal/errors"
	"github.com/ambientloop/keel/internal/trust"
)

// LoadTrustState reads the single trust state row. Returns ErrNotFound when
// no state has been saved yet (fresh install).
func (s *Store) LoadTrustState(ctx context.Context) (trust.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st trust.State
	var phase string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT phase, score, days_active, accepted_count, completed_count,
		       override_count, consecutive_rejections, updated_at, version
		FROM trust_state WHERE id = 1`).Scan(
		&phase, &st.Score, &st.DaysActive, &st.AcceptedCount, &st.CompletedCount,
		&st.OverrideCount, &st.ConsecutiveRejections, &updatedAt, &st.Version,
	)
	if err == sql.ErrNoRows {
		return trust.State{}, errors.ErrNotFound
	}
	if err != nil {
		return trust.State{}, fmt.Errorf("failed to load trust state: %w", err)
	}
	p, ok := trust.ParsePhase(phase)
	if !ok {
		return trust.State{}, fmt.Errorf("%w: stored phase %q", errors.ErrInvalidInput, phase)
	}
	st.Phase = p
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return st, nil
}

// SaveTrustState upserts the singleton row with an optimistic version check:
// the write only lands if the stored version is still expectedVersion.
// A lost race returns ErrVersionConflict; the caller re-merges and retries.
func (s *Store) SaveTrustState(ctx context.Context, st trust.State, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE trust_state SET
			phase = ?, score = ?, days_active = ?, accepted_count = ?,
			completed_count = ?, override_count = ?, consecutive_rejections = ?,
			updated_at = ?, version = ?
		WHERE id = 1 AND version = ?`,
		st.Phase.String(), st.Score, st.DaysActive, st.AcceptedCount,
		st.CompletedCount, st.OverrideCount, st.ConsecutiveRejections,
		st.UpdatedAt.UnixMilli(), st.Version, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save trust state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Either the row does not exist yet, or the version check failed.
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trust_state WHERE id = 1`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to probe trust state: %w", err)
	}
	if exists > 0 {
		return errors.ErrVersionConflict
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_state (id, phase, score, days_active, accepted_count,
			completed_count, override_count, consecutive_rejections, updated_at, version)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Phase.String(), st.Score, st.DaysActive, st.AcceptedCount,
		st.CompletedCount, st.OverrideCount, st.ConsecutiveRejections,
		st.UpdatedAt.UnixMilli(), st.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trust state: %w", err)
	}
	return nil
}

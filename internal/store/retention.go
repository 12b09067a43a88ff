package store

import (
	"context"
	"fmt"
	"time"
)

// Retention horizons. Raw signals outlive everything else: they are the
// reproducibility base for derived metrics.
const (
	eventRetention  = 90 * 24 * time.Hour
	signalRetention = 180 * 24 * time.Hour
)

// RunRetention cleans up old data according to the retention policies.
func (s *Store) RunRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	// Events past the durable horizon. The in-memory ledger windows at 500;
	// the table keeps the longer tail for recomputation and audit.
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE created_at < ?",
		now.Add(-eventRetention).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete old events: %w", err)
	}

	// Raw signals past the replay horizon.
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM raw_signals WHERE created_at < ?",
		now.Add(-signalRetention).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete old raw signals: %w", err)
	}

	// Receipts past their per-action TTL.
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM decision_receipts WHERE expires_at <= ?",
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete expired receipts: %w", err)
	}

	return nil
}

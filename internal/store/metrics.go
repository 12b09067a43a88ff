package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ambientloop/keel/internal/derive"
)

// SaveMetric stores one derived metric keyed by kind, version and window.
// Recomputation under the same version replaces the row; a new version sits
// alongside the old one. Implements derive.MetricSink.
func (s *Store) SaveMetric(ctx context.Context, m derive.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	explanation, err := json.Marshal(m.Explanation)
	if err != nil {
		return fmt.Errorf("marshaling explanation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO derived_metrics
			(kind, value, confidence, version, computed_at, window_start, window_end, input_digest, explanation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Kind, m.Value, m.Confidence, m.Version, m.ComputedAt.UnixMilli(),
		m.WindowStart.UnixMilli(), m.WindowEnd.UnixMilli(), m.InputDigest, string(explanation),
	)
	if err != nil {
		return fmt.Errorf("failed to insert derived metric: %w", err)
	}
	return nil
}

// MetricsByKind returns stored metrics of one kind, newest window first.
func (s *Store) MetricsByKind(ctx context.Context, kind string, limit int) ([]derive.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, value, confidence, version, computed_at, window_start, window_end, input_digest, explanation
		FROM derived_metrics WHERE kind = ?
		ORDER BY window_start DESC, version DESC LIMIT ?`,
		kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query derived metrics: %w", err)
	}
	defer rows.Close()

	var out []derive.Metric
	for rows.Next() {
		var m derive.Metric
		var computedAt, windowStart, windowEnd int64
		var explanation string
		if err := rows.Scan(&m.Kind, &m.Value, &m.Confidence, &m.Version,
			&computedAt, &windowStart, &windowEnd, &m.InputDigest, &explanation); err != nil {
			return nil, fmt.Errorf("failed to scan derived metric: %w", err)
		}
		m.ComputedAt = time.UnixMilli(computedAt).UTC()
		m.WindowStart = time.UnixMilli(windowStart).UTC()
		m.WindowEnd = time.UnixMilli(windowEnd).UTC()
		if err := json.Unmarshal([]byte(explanation), &m.Explanation); err != nil {
			return nil, fmt.Errorf("failed to decode explanation: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMetricsVersion removes all rows for one kind at one formula version.
// Safe because the raw signals remain and any version can be replayed.
func (s *Store) DeleteMetricsVersion(ctx context.Context, kind, version string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM derived_metrics WHERE kind = ? AND version = ?`, kind, version)
	if err != nil {
		return 0, fmt.Errorf("failed to delete derived metrics: %w", err)
	}
	return res.RowsAffected()
}

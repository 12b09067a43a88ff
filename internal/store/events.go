package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ambientloop/keel/internal/derive"
	"github.com/ambientloop/keel/internal/event"
)

// AppendEvent stores one immutable event. Implements event.Sink.
func (s *Store) AppendEvent(ctx context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return fmt.Errorf("marshaling event context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, awareness, confidence, context, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), string(ev.Awareness), ev.Confidence,
		string(contextJSON), ev.Source, ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// EventsSince returns events at or after since, ordered by timestamp.
func (s *Store) EventsSince(ctx context.Context, since time.Time) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, awareness, confidence, context, source, created_at
		FROM events WHERE created_at >= ? ORDER BY created_at ASC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var ev event.Event
		var kind, awareness, contextJSON string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &kind, &awareness, &ev.Confidence,
			&contextJSON, &ev.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = event.Kind(kind)
		ev.Awareness = event.Awareness(awareness)
		ev.Timestamp = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(contextJSON), &ev.Context); err != nil {
			return nil, fmt.Errorf("failed to decode event context: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveSignal stores one raw signal. Raw signals are the reproducibility base
// for derived metrics and are retained longer than the event window.
func (s *Store) SaveSignal(ctx context.Context, sig derive.RawSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_signals (kind, value, source, created_at)
		VALUES (?, ?, ?, ?)`,
		sig.Kind, sig.Value, sig.Source, sig.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert raw signal: %w", err)
	}
	return nil
}

// Signals returns raw signals of the given kinds in [from, to), ordered by
// timestamp. Implements derive.SignalSource.
func (s *Store) Signals(ctx context.Context, kinds []string, from, to time.Time) ([]derive.RawSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT kind, value, source, created_at FROM raw_signals
		WHERE created_at >= ? AND created_at < ?`
	args := []interface{}{from.UnixMilli(), to.UnixMilli()}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(",?", len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += ` ORDER BY created_at ASC, kind ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw signals: %w", err)
	}
	defer rows.Close()

	var out []derive.RawSignal
	for rows.Next() {
		var sig derive.RawSignal
		var createdAt int64
		if err := rows.Scan(&sig.Kind, &sig.Value, &sig.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw signal: %w", err)
		}
		sig.Timestamp = time.UnixMilli(createdAt).UTC()
		out = append(out, sig)
	}
	return out, rows.Err()
}

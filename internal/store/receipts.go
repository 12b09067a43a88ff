package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ambientloop/keel/internal/receipt"
)

// SaveReceipt stores one decision receipt. The full record is kept as a JSON
// payload; only the lookup and expiry columns are relational. Implements
// part of receipt.Sink.
func (s *Store) SaveReceipt(ctx context.Context, r receipt.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO decision_receipts (id, action_kind, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, string(r.ActionKind), string(payload),
		r.Timestamp.UnixMilli(), r.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

// DeleteReceipts removes receipts by ID. Implements part of receipt.Sink.
func (s *Store) DeleteReceipts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `DELETE FROM decision_receipts WHERE id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete receipts: %w", err)
	}
	return nil
}

// Receipts returns all stored receipts, newest first. Used to rehydrate the
// in-memory store on startup.
func (s *Store) Receipts(ctx context.Context) ([]receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM decision_receipts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var out []receipt.Receipt
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		var r receipt.Receipt
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("failed to decode receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpiredReceiptIDs returns receipts whose TTL passed before now.
func (s *Store) ExpiredReceiptIDs(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM decision_receipts WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired receipts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan receipt id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

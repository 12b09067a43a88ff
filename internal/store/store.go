// Package store persists the engine's durable state in SQLite: the event
// log, raw signals, the trust state row, derived metrics and decision
// receipts. Everything except the trust state row is append/prune only.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// openPragmas are applied to every fresh connection. WAL keeps readers and
// the single writer from blocking each other on-device.
var openPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// Store wraps the SQLite handle. All access goes through its methods; the
// mutex serializes writers because modernc's driver is single-writer anyway.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New opens dbPath (creating it if needed), applies pragmas and brings the
// schema up to date.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}

	for _, pragma := range openPragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("store opened")
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// DBSizeBytes reports the on-disk size (page count times page size), used by
// the readiness probe.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pages, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("reading page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("reading page size: %w", err)
	}
	return pages * pageSize, nil
}

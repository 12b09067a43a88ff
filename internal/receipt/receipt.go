// Package receipt persists an explanation record for every autonomous
// action. Receipts are disposable: losing all of them loses explainability
// but no operational state.
package receipt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ambientloop/keel/internal/errors"
	"github.com/ambientloop/keel/internal/trust"
)

// DefaultCap bounds the number of retained receipts; oldest are evicted
// first once exceeded.
const DefaultCap = 200

// DefaultTTLs returns the shipped per-action retention. Milestone receipts
// outlive routine recommendations because users revisit them later.
func DefaultTTLs() map[trust.ActionKind]time.Duration {
	return map[trust.ActionKind]time.Duration{
		trust.ActionSuggestBlock:       7 * 24 * time.Hour,
		trust.ActionScheduleBlock:      14 * 24 * time.Hour,
		trust.ActionMoveBlock:          7 * 24 * time.Hour,
		trust.ActionRemoveBlock:        14 * 24 * time.Hour,
		trust.ActionTransformPlan:      14 * 24 * time.Hour,
		trust.ActionCleanupDelegate:    7 * 24 * time.Hour,
		trust.ActionCelebrateMilestone: 60 * 24 * time.Hour,
	}
}

// Alternative is one option the engine considered but did not take.
type Alternative struct {
	Summary    string  `json:"summary"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"` // would-be confidence had it been chosen
}

// TrustImpact records the trust state a decision was made under. On action
// grants Delta and PhaseChanged stay zero: granting never moves the score,
// the user's reaction does, and that arrives later as an event.
type TrustImpact struct {
	Delta          float64 `json:"delta"`
	ResultingScore float64 `json:"resulting_score"`
	PhaseChanged   bool    `json:"phase_changed"`
}

// Receipt is the persisted explanation of one autonomous action. The input
// snapshot is privacy-bucketed; raw sensor values never appear here.
type Receipt struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	ActionKind      trust.ActionKind  `json:"action_kind"`
	InputSnapshot   map[string]string `json:"input_snapshot"`
	Alternatives    []Alternative     `json:"alternatives"`
	Confidence      float64           `json:"confidence"`
	PrimaryReason   string            `json:"primary_reason"`
	SecondaryReason string            `json:"secondary_reason,omitempty"`
	Impact          TrustImpact       `json:"trust_impact"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// Sink receives a durable copy of every receipt.
type Sink interface {
	SaveReceipt(ctx context.Context, r Receipt) error
	DeleteReceipts(ctx context.Context, ids []string) error
}

// Loader supplies previously persisted receipts, newest first.
type Loader interface {
	Receipts(ctx context.Context) ([]Receipt, error)
}

// Store keeps receipts until TTL expiry or capacity eviction.
type Store struct {
	mu       sync.RWMutex
	receipts map[string]Receipt
	order    []string // insertion order for oldest-first eviction
	cap      int
	ttls     map[trust.ActionKind]time.Duration
	sink     Sink
	logger   zerolog.Logger
	clock    func() time.Time
}

// NewStore creates a receipt store. Nil TTLs use the defaults; cap <= 0 uses
// DefaultCap.
func NewStore(ttls map[trust.ActionKind]time.Duration, maxReceipts int, logger zerolog.Logger) *Store {
	if ttls == nil {
		ttls = DefaultTTLs()
	}
	if maxReceipts <= 0 {
		maxReceipts = DefaultCap
	}
	return &Store{
		receipts: make(map[string]Receipt),
		cap:      maxReceipts,
		ttls:     ttls,
		logger:   logger.With().Str("component", "receipts").Logger(),
		clock:    time.Now,
	}
}

// WithSink attaches durable storage.
func (s *Store) WithSink(sink Sink) *Store { s.sink = sink; return s }

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store { s.clock = clock; return s }

// SetTTLs swaps the per-action retention table atomically (config reload).
// Already-recorded receipts keep their original expiry.
func (s *Store) SetTTLs(ttls map[trust.ActionKind]time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttls = ttls
}

// Record persists a receipt synchronously with the action it explains. Every
// granted action must produce exactly one; an action without a receipt is a
// bug, never best-effort.
func (s *Store) Record(ctx context.Context, action trust.ActionKind, inputs map[string]string,
	alternatives []Alternative, confidence float64, primary, secondary string, impact TrustImpact) (Receipt, error) {

	now := s.clock().UTC()
	ttl, ok := s.ttls[action]
	if !ok {
		ttl = 7 * 24 * time.Hour
	}
	r := Receipt{
		ID:              uuid.NewString(),
		Timestamp:       now,
		ActionKind:      action,
		InputSnapshot:   inputs,
		Alternatives:    alternatives,
		Confidence:      confidence,
		PrimaryReason:   primary,
		SecondaryReason: secondary,
		Impact:          impact,
		ExpiresAt:       now.Add(ttl),
	}

	// Durable write first: the receipt becomes retrievable only once the
	// sink has accepted it, so a withdrawn grant leaves nothing behind.
	if s.sink != nil {
		if err := s.sink.SaveReceipt(ctx, r); err != nil {
			return Receipt{}, fmt.Errorf("persisting receipt: %w", err)
		}
	}

	s.mu.Lock()
	s.receipts[r.ID] = r
	s.order = append(s.order, r.ID)
	evicted := s.enforceCapLocked()
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.logger.Debug().Int("evicted", len(evicted)).Msg("receipt cap enforced")
		if s.sink != nil {
			if err := s.sink.DeleteReceipts(ctx, evicted); err != nil {
				s.logger.Error().Err(err).Msg("evicted receipt cleanup failed")
			}
		}
	}
	return r, nil
}

// Restore refills the store from durable storage after a restart. Expired
// rows are skipped; the rest re-enter oldest first so capacity eviction
// keeps removing oldest first.
func (s *Store) Restore(ctx context.Context, loader Loader) error {
	rs, err := loader.Receipts(ctx)
	if err != nil {
		return fmt.Errorf("loading receipts: %w", err)
	}

	now := s.clock().UTC()
	s.mu.Lock()
	for i := len(rs) - 1; i >= 0; i-- {
		r := rs[i]
		if !r.ExpiresAt.After(now) {
			continue
		}
		if _, dup := s.receipts[r.ID]; dup {
			continue
		}
		s.receipts[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	evicted := s.enforceCapLocked()
	restored := len(s.receipts)
	s.mu.Unlock()

	if len(evicted) > 0 && s.sink != nil {
		if err := s.sink.DeleteReceipts(ctx, evicted); err != nil {
			s.logger.Error().Err(err).Msg("evicted receipt cleanup failed")
		}
	}
	s.logger.Info().Int("restored", restored).Msg("receipts restored")
	return nil
}

// Get returns a receipt by ID.
func (s *Store) Get(id string) (Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[id]
	if !ok {
		return Receipt{}, fmt.Errorf("receipt %s: %w", id, errors.ErrNotFound)
	}
	return r, nil
}

// Explain renders a human-readable explanation of one receipt.
func (s *Store) Explain(id string) (string, error) {
	r, err := s.Get(id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Action %s taken at %s with confidence %.2f.\n",
		r.ActionKind, r.Timestamp.Format(time.RFC3339), r.Confidence)
	fmt.Fprintf(&b, "Primary reason: %s.\n", r.PrimaryReason)
	if r.SecondaryReason != "" {
		fmt.Fprintf(&b, "Secondary reason: %s.\n", r.SecondaryReason)
	}
	if len(r.InputSnapshot) > 0 {
		keys := make([]string, 0, len(r.InputSnapshot))
		for k := range r.InputSnapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Context: ")
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, r.InputSnapshot[k]))
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(".\n")
	}
	for _, alt := range r.Alternatives {
		fmt.Fprintf(&b, "Considered %q (confidence %.2f) but: %s.\n",
			alt.Summary, alt.Confidence, alt.Reason)
	}
	fmt.Fprintf(&b, "Trust impact: %+.4f, resulting score %.2f", r.Impact.Delta, r.Impact.ResultingScore)
	if r.Impact.PhaseChanged {
		b.WriteString(" (phase changed)")
	}
	b.WriteString(".")
	return b.String(), nil
}

// Prune removes receipts past their TTL. Returns the number removed.
func (s *Store) Prune(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var removed []string
	kept := s.order[:0]
	for _, id := range s.order {
		if r, ok := s.receipts[id]; ok && !r.ExpiresAt.After(now) {
			delete(s.receipts, id)
			removed = append(removed, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.mu.Unlock()

	if len(removed) > 0 {
		s.logger.Debug().Int("pruned", len(removed)).Msg("expired receipts pruned")
		if s.sink != nil {
			if err := s.sink.DeleteReceipts(ctx, removed); err != nil {
				s.logger.Error().Err(err).Msg("expired receipt cleanup failed")
			}
		}
	}
	return len(removed)
}

// Len returns the number of retained receipts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receipts)
}

// enforceCapLocked evicts oldest receipts beyond the cap. Callers hold s.mu.
func (s *Store) enforceCapLocked() []string {
	var evicted []string
	for len(s.order) > s.cap {
		victim := s.order[0]
		s.order = s.order[1:]
		delete(s.receipts, victim)
		evicted = append(evicted, victim)
	}
	return evicted
}

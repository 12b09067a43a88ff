// Package syncer pushes the local trust state to a peer device. Transport
// failures are retried with bounded backoff; the monotonic merge on the
// receiving side makes redelivery harmless.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	kerrors "github.com/ambientloop/keel/internal/errors"
	"github.com/ambientloop/keel/internal/retry"
	"github.com/ambientloop/keel/internal/trust"
)

// Payload is the minimal trust record that crosses the device boundary.
// Raw events and receipts never sync; only the merged outcome does.
type Payload struct {
	Phase          string    `json:"phase"`
	Score          float64   `json:"score"`
	DaysActive     int       `json:"days_active"`
	AcceptedCount  int       `json:"accepted_count"`
	CompletedCount int       `json:"completed_count"`
	OverrideCount  int       `json:"override_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FromState converts a trust state into its wire form.
func FromState(s trust.State) Payload {
	return Payload{
		Phase:          s.Phase.String(),
		Score:          s.Score,
		DaysActive:     s.DaysActive,
		AcceptedCount:  s.AcceptedCount,
		CompletedCount: s.CompletedCount,
		OverrideCount:  s.OverrideCount,
		UpdatedAt:      s.UpdatedAt,
	}
}

// ToState converts a wire payload back into a trust state. Unknown phase
// names fail closed.
func (p Payload) ToState() (trust.State, error) {
	phase, ok := trust.ParsePhase(p.Phase)
	if !ok {
		return trust.State{}, fmt.Errorf("%w: phase %q", kerrors.ErrInvalidInput, p.Phase)
	}
	return trust.State{
		Phase:          phase,
		Score:          p.Score,
		DaysActive:     p.DaysActive,
		AcceptedCount:  p.AcceptedCount,
		CompletedCount: p.CompletedCount,
		OverrideCount:  p.OverrideCount,
		UpdatedAt:      p.UpdatedAt,
	}, nil
}

// StateSource supplies the current trust state for each push.
type StateSource interface {
	State() trust.State
}

// Syncer periodically pushes the trust state to one peer.
type Syncer struct {
	peerURL string
	apiKey  string
	source  StateSource
	client  *http.Client
	retry   retry.Config
	logger  zerolog.Logger
}

// New creates a syncer targeting peerURL (the peer's /v1/sync/trust
// endpoint). An empty apiKey sends no auth header.
func New(peerURL, apiKey string, source StateSource, logger zerolog.Logger) *Syncer {
	return &Syncer{
		peerURL: peerURL,
		apiKey:  apiKey,
		source:  source,
		client:  &http.Client{Timeout: 10 * time.Second},
		retry:   retry.DefaultConfig(),
		logger:  logger.With().Str("component", "syncer").Logger(),
	}
}

// Push sends the current trust state once, with bounded backoff on
// retryable transport failures.
func (s *Syncer) Push(ctx context.Context) error {
	payload := FromState(s.source.State())
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding sync payload: %w", err)
	}

	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.peerURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building sync request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("X-API-Key", s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", kerrors.ErrUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: peer returned %d", kerrors.ErrUnavailable, resp.StatusCode)
		default:
			return fmt.Errorf("peer rejected sync: status %d", resp.StatusCode)
		}
	})
}

// Run pushes on a ticker until the context is cancelled. Failed pushes are
// logged and retried on the next tick; state lost to a missed push is
// recovered by the next successful one.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Str("peer", s.peerURL).Dur("interval", interval).Msg("syncer started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("syncer stopped")
			return
		case <-ticker.C:
			if err := s.Push(ctx); err != nil {
				s.logger.Error().Err(err).Msg("trust sync push failed")
			}
		}
	}
}

package event

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultWindowCap is the rolling window ceiling for retained events.
const DefaultWindowCap = 500

// Sink receives a durable copy of every appended event. The in-memory window
// stays bounded; the sink decides its own retention.
type Sink interface {
	AppendEvent(ctx context.Context, ev Event) error
}

// Ledger is the append-only log of trust-relevant events. There is no update
// or delete operation; the only mutation besides Append is oldest-first
// trimming once the window cap is exceeded.
type Ledger struct {
	mu     sync.RWMutex
	events []Event
	cap    int
	sink   Sink
	logger zerolog.Logger
}

// NewLedger creates a ledger with the given window cap (<=0 uses the default).
func NewLedger(windowCap int, logger zerolog.Logger) *Ledger {
	if windowCap <= 0 {
		windowCap = DefaultWindowCap
	}
	return &Ledger{
		cap:    windowCap,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// WithSink attaches a durable sink. Sink failures are reported to the caller
// of Append; the in-memory append still happens so local behavior degrades
// rather than stops.
func (l *Ledger) WithSink(s Sink) *Ledger {
	l.sink = s
	return l
}

// Append adds an event and returns its ID. The only failure mode is the
// durable sink rejecting the write (storage exhaustion).
func (l *Ledger) Append(ctx context.Context, ev Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	trimmed := 0
	if len(l.events) > l.cap {
		trimmed = len(l.events) - l.cap
		l.events = append([]Event(nil), l.events[trimmed:]...)
	}
	l.mu.Unlock()

	if trimmed > 0 {
		l.logger.Debug().Int("trimmed", trimmed).Msg("ledger window trimmed")
	}

	if l.sink != nil {
		if err := l.sink.AppendEvent(ctx, ev); err != nil {
			l.logger.Error().Err(err).Str("event_id", ev.ID).Msg("durable append failed")
			return ev.ID, err
		}
	}
	return ev.ID, nil
}

// Query returns events at or after since, ordered by timestamp. The result
// is a copy; callers can restart from the timestamp of the last event seen.
func (l *Ledger) Query(since time.Time) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// QueryKind returns events of one kind at or after since, ordered by timestamp.
func (l *Ledger) QueryKind(kind Kind, since time.Time) []Event {
	all := l.Query(since)
	out := all[:0]
	for _, ev := range all {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of events currently in the window.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Package engine wires the trust components behind one facade. Everything
// that crosses the system boundary (events in, actions requested, sync
// payloads, notifications out) goes through the Engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambientloop/keel/internal/attribution"
	"github.com/ambientloop/keel/internal/authority"
	"github.com/ambientloop/keel/internal/config"
	"github.com/ambientloop/keel/internal/derive"
	kerrors "github.com/ambientloop/keel/internal/errors"
	"github.com/ambientloop/keel/internal/event"
	"github.com/ambientloop/keel/internal/healthmon"
	"github.com/ambientloop/keel/internal/metrics"
	"github.com/ambientloop/keel/internal/receipt"
	"github.com/ambientloop/keel/internal/syncer"
	"github.com/ambientloop/keel/internal/trust"
)

// Storage is the slice of the persistence layer the engine drives directly.
type Storage interface {
	LoadTrustState(ctx context.Context) (trust.State, error)
	SaveTrustState(ctx context.Context, st trust.State, expectedVersion int64) error
	SaveSignal(ctx context.Context, sig derive.RawSignal) error
}

// Grant is the successful outcome of an action request. Every grant carries
// the receipt that explains it; there is no receipt-less grant.
type Grant struct {
	Action  trust.ActionKind `json:"action"`
	Receipt receipt.Receipt  `json:"receipt"`
}

// ActionRequest describes one proposed autonomous action.
type ActionRequest struct {
	Kind            trust.ActionKind      `json:"kind"`
	Confidence      float64               `json:"confidence"`
	Inputs          map[string]string     `json:"inputs"`
	Alternatives    []receipt.Alternative `json:"alternatives"`
	PrimaryReason   string                `json:"primary_reason"`
	SecondaryReason string                `json:"secondary_reason"`
}

// Engine is the facade over the full component graph.
type Engine struct {
	ledger   *event.Ledger
	attrib   *attribution.Engine
	machine  *trust.Machine
	resolver *authority.Resolver
	registry *derive.Registry
	receipts *receipt.Store
	health   *healthmon.Monitor
	storage  Storage
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New assembles an engine from already-constructed components. Storage and
// metrics may be nil (in-memory operation, e.g. tests).
func New(ledger *event.Ledger, attrib *attribution.Engine, machine *trust.Machine,
	resolver *authority.Resolver, registry *derive.Registry, receipts *receipt.Store,
	health *healthmon.Monitor, logger zerolog.Logger) *Engine {
	return &Engine{
		ledger:   ledger,
		attrib:   attrib,
		machine:  machine,
		resolver: resolver,
		registry: registry,
		receipts: receipts,
		health:   health,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// WithStorage attaches the persistence layer.
func (e *Engine) WithStorage(s Storage) *Engine { e.storage = s; return e }

// WithMetrics attaches prometheus instrumentation.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine { e.metrics = m; return e }

// SubmitEvent validates, records and scores one inbound event. The trust
// state is persisted after every application; an optimistic-version conflict
// is resolved by re-merging and retrying once.
func (e *Engine) SubmitEvent(ctx context.Context, ev event.Event) error {
	if !ev.Kind.Valid() {
		// Unknown kinds still flow to attribution, which fails closed with a
		// zero delta; rejecting here would silently drop the observation.
		e.logger.Warn().Str("kind", string(ev.Kind)).Msg("unclassified event kind submitted")
	}
	if !ev.Awareness.Valid() {
		return fmt.Errorf("%w: awareness %q", kerrors.ErrInvalidInput, ev.Awareness)
	}

	if _, err := e.ledger.Append(ctx, ev); err != nil {
		e.reportFailure(healthmon.FailureWrite)
		return fmt.Errorf("appending event: %w", err)
	}

	res := e.machine.Apply(ctx, ev)
	if e.metrics != nil {
		e.metrics.RecordEvent(string(ev.Kind), string(ev.Awareness))
		e.metrics.RecordApply(res.Delta, res.Score, int(res.Phase))
		if res.BreakerTripped {
			e.metrics.RecordBreakerTrip()
		}
	}

	if err := e.persistTrust(ctx); err != nil {
		e.reportFailure(healthmon.FailureWrite)
		return err
	}
	e.health.RecordSuccess()
	return nil
}

// SubmitRawSignal retains one raw input sample for derived-metric
// computation.
func (e *Engine) SubmitRawSignal(ctx context.Context, kind string, value float64, ts time.Time, source string) error {
	if kind == "" {
		return fmt.Errorf("%w: signal kind required", kerrors.ErrInvalidInput)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if e.storage == nil {
		return fmt.Errorf("%w: no signal storage attached", kerrors.ErrUnavailable)
	}
	sig := derive.RawSignal{Kind: kind, Value: value, Timestamp: ts, Source: source}
	if err := e.storage.SaveSignal(ctx, sig); err != nil {
		e.reportFailure(healthmon.FailureWrite)
		return fmt.Errorf("saving raw signal: %w", err)
	}
	e.health.RecordSuccess()
	return nil
}

// RequestAction gates one proposed action. A denial is returned as a typed
// CapabilityError carrying the reason, never downgraded to a lesser action.
// A grant writes its receipt synchronously; if the receipt cannot be
// recorded the action is not granted.
func (e *Engine) RequestAction(ctx context.Context, req ActionRequest) (Grant, error) {
	decision := e.machine.CanExecute(req.Kind, req.Confidence)
	if !decision.Allowed {
		if e.metrics != nil {
			e.metrics.RecordAction(string(req.Kind), "denied")
		}
		return Grant{}, &kerrors.CapabilityError{Action: string(req.Kind), Reason: decision.Reason}
	}

	// The receipt pins the score the decision was made at. Granting never
	// moves the score itself; the user's reaction arrives later as an event.
	state := e.machine.State()
	r, err := e.receipts.Record(ctx, req.Kind, req.Inputs, req.Alternatives,
		req.Confidence, req.PrimaryReason, req.SecondaryReason,
		receipt.TrustImpact{ResultingScore: state.Score})
	if err != nil {
		e.reportFailure(healthmon.FailureWrite)
		return Grant{}, fmt.Errorf("recording receipt for %s: %w", req.Kind, err)
	}

	if e.metrics != nil {
		e.metrics.RecordAction(string(req.Kind), "granted")
	}
	e.logger.Info().Str("action", string(req.Kind)).Str("receipt_id", r.ID).
		Float64("confidence", req.Confidence).Msg("action granted")
	return Grant{Action: req.Kind, Receipt: r}, nil
}

// ResolveRecord settles a conflicting record pair through the authority
// table and counts the outcome.
func (e *Engine) ResolveRecord(local, remote authority.Record) (*authority.Record, authority.Resolution) {
	winner, res := e.resolver.Resolve(local, remote)
	if e.metrics != nil {
		e.metrics.RecordConflict(string(local.Domain), string(res))
	}
	return winner, res
}

// ApplyTrustSync folds a peer's trust payload into the local state via the
// monotonic merge, then persists.
func (e *Engine) ApplyTrustSync(ctx context.Context, p syncer.Payload) (trust.State, error) {
	remote, err := p.ToState()
	if err != nil {
		return trust.State{}, err
	}
	merged := e.machine.MergeRemote(remote)
	if err := e.persistTrust(ctx); err != nil {
		e.reportFailure(healthmon.FailureWrite)
		return merged, err
	}
	return merged, nil
}

// TrustSyncPayload returns the local trust state in wire form.
func (e *Engine) TrustSyncPayload() syncer.Payload {
	return syncer.FromState(e.machine.State())
}

// TrustState returns a copy of the current trust state.
func (e *Engine) TrustState() trust.State { return e.machine.State() }

// StepBack performs an explicit user-initiated phase downgrade.
func (e *Engine) StepBack(ctx context.Context, reason string) (trust.State, error) {
	s := e.machine.StepBack(ctx, reason)
	if err := e.persistTrust(ctx); err != nil {
		e.reportFailure(healthmon.FailureWrite)
		return s, err
	}
	return s, nil
}

// HealthState returns the health monitor snapshot.
func (e *Engine) HealthState() healthmon.State { return e.health.State() }

// RecoverHealth performs the explicit recovery that exits Suspended.
func (e *Engine) RecoverHealth() healthmon.State {
	s := e.health.AttemptRecovery()
	if e.metrics != nil {
		e.metrics.SetHealthMode(int(s.Mode))
	}
	return s
}

// ExplainReceipt renders one receipt's human-readable explanation.
func (e *Engine) ExplainReceipt(id string) (string, error) {
	return e.receipts.Explain(id)
}

// Receipt returns one receipt by ID.
func (e *Engine) Receipt(id string) (receipt.Receipt, error) {
	return e.receipts.Get(id)
}

// Registry exposes the metric registry (for definition registration and the
// tier runner).
func (e *Engine) Registry() *derive.Registry { return e.registry }

// Restore loads the persisted trust state into the machine at startup. A
// missing row means a fresh install and is not an error.
func (e *Engine) Restore(ctx context.Context) error {
	if e.storage == nil {
		return nil
	}
	st, err := e.storage.LoadTrustState(ctx)
	if err != nil {
		if errors.Is(err, kerrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("restoring trust state: %w", err)
	}
	e.machine.Restore(st)
	e.logger.Info().Str("phase", st.Phase.String()).Float64("score", st.Score).
		Msg("trust state restored")
	return nil
}

// persistTrust saves the machine's state. On an optimistic-version conflict
// (another writer landed in between) the stored copy is re-merged and the
// save retried once; the monotonic merge makes this safe.
func (e *Engine) persistTrust(ctx context.Context) error {
	if e.storage == nil {
		return nil
	}
	st := e.machine.State()
	err := e.storage.SaveTrustState(ctx, st, st.Version-1)
	if err == nil {
		return nil
	}
	if !errors.Is(err, kerrors.ErrVersionConflict) {
		return fmt.Errorf("persisting trust state: %w", err)
	}

	stored, loadErr := e.storage.LoadTrustState(ctx)
	if loadErr != nil {
		return fmt.Errorf("reloading trust state after conflict: %w", loadErr)
	}
	merged := e.machine.MergeRemote(stored)
	if err := e.storage.SaveTrustState(ctx, merged, stored.Version); err != nil {
		return fmt.Errorf("persisting merged trust state: %w", err)
	}
	return nil
}

// ApplyThresholds pushes a freshly validated threshold document across the
// components. Each table swap is atomic; the document itself was accepted or
// rejected whole before this is called.
func (e *Engine) ApplyThresholds(m *config.Manager) {
	e.attrib.SetBaseImpacts(m.BaseImpacts())
	e.machine.SetGates(m.Gates())
	e.machine.SetTransitions(m.Transitions())
	e.health.SetThresholds(m.HealthThresholds())
	e.registry.SetBatchWindow(m.BatchWindow())
	e.receipts.SetTTLs(m.ReceiptTTLs())
	e.logger.Info().Msg("threshold document applied to components")
}

// reportFailure bumps a health counter and mirrors the mode to the gauge.
func (e *Engine) reportFailure(class healthmon.FailureClass) {
	e.health.RecordFailure(class)
	if e.metrics != nil {
		e.metrics.SetHealthMode(int(e.health.Mode()))
	}
}

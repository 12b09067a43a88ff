package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambientloop/keel/internal/attribution"
	"github.com/ambientloop/keel/internal/authority"
	"github.com/ambientloop/keel/internal/config"
	"github.com/ambientloop/keel/internal/derive"
	kerrors "github.com/ambientloop/keel/internal/errors"
	"github.com/ambientloop/keel/internal/event"
	"github.com/ambientloop/keel/internal/healthmon"
	"github.com/ambientloop/keel/internal/receipt"
	"github.com/ambientloop/keel/internal/syncer"
	"github.com/ambientloop/keel/internal/trust"
)

// fakeStorage implements Storage in memory with real optimistic versioning.
type fakeStorage struct {
	state    trust.State
	hasState bool
	signals  []derive.RawSignal

	saveCalls     int
	conflictsLeft int // fail this many saves with ErrVersionConflict
	saveErr       error
}

func (s *fakeStorage) LoadTrustState(context.Context) (trust.State, error) {
	if !s.hasState {
		return trust.State{}, kerrors.ErrNotFound
	}
	return s.state, nil
}

func (s *fakeStorage) SaveTrustState(_ context.Context, st trust.State, _ int64) error {
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		return kerrors.ErrVersionConflict
	}
	s.state = st
	s.hasState = true
	return nil
}

func (s *fakeStorage) SaveSignal(_ context.Context, sig derive.RawSignal) error {
	s.signals = append(s.signals, sig)
	return nil
}

type signalSourceFunc func(ctx context.Context, kinds []string, from, to time.Time) ([]derive.RawSignal, error)

func (f signalSourceFunc) Signals(ctx context.Context, kinds []string, from, to time.Time) ([]derive.RawSignal, error) {
	return f(ctx, kinds, from, to)
}

func newTestEngine(t *testing.T) (*Engine, *fakeStorage) {
	t.Helper()
	logger := zerolog.Nop()
	ledger := event.NewLedger(100, logger)
	attrib := attribution.New(nil, logger)
	machine := trust.NewMachine(attrib, nil, nil, logger)
	machine.WithRecorder(ledger)
	resolver := authority.NewResolver(logger)
	source := signalSourceFunc(func(context.Context, []string, time.Time, time.Time) ([]derive.RawSignal, error) {
		return nil, nil
	})
	registry := derive.NewRegistry(source, logger)
	receipts := receipt.NewStore(nil, 0, logger)
	health := healthmon.New(nil, logger)

	st := &fakeStorage{}
	e := New(ledger, attrib, machine, resolver, registry, receipts, health, logger).WithStorage(st)
	return e, st
}

func confirmed(kind event.Kind) event.Event {
	return event.New(kind, event.AwarenessConfirmed, 1.0, event.ContextSnapshot{})
}

func TestSubmitEvent_ScoresAndPersists(t *testing.T) {
	e, st := newTestEngine(t)

	require.NoError(t, e.SubmitEvent(context.Background(), confirmed(event.KindProposalAccepted)))

	assert.InDelta(t, 0.05, e.TrustState().Score, 1e-9)
	require.True(t, st.hasState)
	assert.InDelta(t, 0.05, st.state.Score, 1e-9)
	assert.False(t, e.HealthState().LastSuccess.IsZero())
}

func TestSubmitEvent_InvalidAwarenessRejected(t *testing.T) {
	e, st := newTestEngine(t)

	ev := event.New(event.KindProposalAccepted, event.Awareness("telepathic"), 1.0, event.ContextSnapshot{})
	err := e.SubmitEvent(context.Background(), ev)
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
	assert.False(t, st.hasState)
}

func TestSubmitEvent_UnknownKindAcceptedWithZeroDelta(t *testing.T) {
	e, _ := newTestEngine(t)

	// Unclassified observations are retained, not rejected; attribution fails
	// closed so the score is untouched.
	err := e.SubmitEvent(context.Background(), confirmed(event.Kind("mystery")))
	require.NoError(t, err)
	assert.Zero(t, e.TrustState().Score)
}

func TestSubmitEvent_VersionConflictMergedAndRetried(t *testing.T) {
	e, st := newTestEngine(t)
	st.state = trust.State{Phase: trust.PhaseScheduler, Score: 0.3, Version: 9}
	st.hasState = true
	st.conflictsLeft = 1

	require.NoError(t, e.SubmitEvent(context.Background(), confirmed(event.KindProposalAccepted)))

	// First save conflicts, reload merges the stored copy, second save lands.
	assert.Equal(t, 2, st.saveCalls)
	assert.Equal(t, trust.PhaseScheduler, st.state.Phase)
	assert.GreaterOrEqual(t, st.state.Score, 0.3)
}

func TestSubmitEvent_PersistFailureCountsAgainstHealth(t *testing.T) {
	e, st := newTestEngine(t)
	st.saveErr = errors.New("disk gone")

	for i := 0; i < 3; i++ {
		assert.Error(t, e.SubmitEvent(context.Background(), confirmed(event.KindProposalAccepted)))
	}
	assert.Equal(t, 3, e.HealthState().Counters[healthmon.FailureWrite])
}

func TestSubmitRawSignal(t *testing.T) {
	e, st := newTestEngine(t)

	ts := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	require.NoError(t, e.SubmitRawSignal(context.Background(), "sleep_hours", 7.5, ts, "watch"))
	require.Len(t, st.signals, 1)
	assert.Equal(t, "sleep_hours", st.signals[0].Kind)

	err := e.SubmitRawSignal(context.Background(), "", 1, ts, "watch")
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
}

func TestRequestAction_DenialIsTypedAndFinal(t *testing.T) {
	e, _ := newTestEngine(t)
	// Fresh install: observer phase, nothing autonomous permitted.

	_, err := e.RequestAction(context.Background(), ActionRequest{
		Kind: trust.ActionScheduleBlock, Confidence: 0.95,
	})
	var capErr *kerrors.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, string(trust.ActionScheduleBlock), capErr.Action)
	assert.NotEmpty(t, capErr.Reason)
}

func TestRequestAction_GrantCarriesExactlyOneReceipt(t *testing.T) {
	e, _ := newTestEngine(t)
	e.machine.Restore(trust.State{Phase: trust.PhaseAutoScheduler, Score: 0.5})

	grant, err := e.RequestAction(context.Background(), ActionRequest{
		Kind:          trust.ActionScheduleBlock,
		Confidence:    0.9,
		Inputs:        map[string]string{"recovery": "high"},
		PrimaryReason: "open morning slot matches past acceptance",
	})
	require.NoError(t, err)
	assert.Equal(t, trust.ActionScheduleBlock, grant.Action)
	require.NotEmpty(t, grant.Receipt.ID)

	got, err := e.Receipt(grant.Receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, grant.Receipt, got)

	text, err := e.ExplainReceipt(grant.Receipt.ID)
	require.NoError(t, err)
	assert.Contains(t, text, "open morning slot matches past acceptance")
}

func TestRequestAction_ReceiptPinsDecisionScore(t *testing.T) {
	e, _ := newTestEngine(t)
	e.machine.Restore(trust.State{Phase: trust.PhaseAutoScheduler, Score: 0.5})

	grant, err := e.RequestAction(context.Background(), ActionRequest{
		Kind: trust.ActionScheduleBlock, Confidence: 0.9, PrimaryReason: "open slot",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, grant.Receipt.Impact.ResultingScore)
	// Granting does not move the score; the delta lands with the follow-up
	// event, so the grant's impact carries no delta or phase change.
	assert.Zero(t, grant.Receipt.Impact.Delta)
	assert.False(t, grant.Receipt.Impact.PhaseChanged)
}

func TestApplyTrustSync_Monotonic(t *testing.T) {
	e, st := newTestEngine(t)
	e.machine.Restore(trust.State{Phase: trust.PhaseScheduler, Score: 0.3, AcceptedCount: 4})

	merged, err := e.ApplyTrustSync(context.Background(), syncer.Payload{
		Phase: "auto_scheduler", Score: 0.5, AcceptedCount: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, trust.PhaseAutoScheduler, merged.Phase)
	assert.Equal(t, 0.5, merged.Score)
	assert.Equal(t, trust.PhaseAutoScheduler, st.state.Phase)

	// A stale payload can never pull the local state backwards.
	merged, err = e.ApplyTrustSync(context.Background(), syncer.Payload{
		Phase: "observer", Score: 0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, trust.PhaseAutoScheduler, merged.Phase)

	_, err = e.ApplyTrustSync(context.Background(), syncer.Payload{Phase: "demigod"})
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
}

func TestStepBackPersists(t *testing.T) {
	e, st := newTestEngine(t)
	e.machine.Restore(trust.State{Phase: trust.PhaseTransformer, Score: 0.7})

	s, err := e.StepBack(context.Background(), "user request")
	require.NoError(t, err)
	assert.Equal(t, trust.PhaseAutoScheduler, s.Phase)
	assert.Equal(t, trust.PhaseAutoScheduler, st.state.Phase)
}

func TestRestore(t *testing.T) {
	e, st := newTestEngine(t)
	st.state = trust.State{Phase: trust.PhaseTransformer, Score: 0.7, Version: 12}
	st.hasState = true

	require.NoError(t, e.Restore(context.Background()))
	assert.Equal(t, trust.PhaseTransformer, e.TrustState().Phase)
}

func TestRestore_FreshInstall(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Restore(context.Background()))
	assert.Equal(t, trust.PhaseObserver, e.TrustState().Phase)
}

func TestResolveRecord(t *testing.T) {
	e, _ := newTestEngine(t)
	local := authority.Record{ID: "r", Origin: authority.DeviceSensor, Domain: authority.DomainActivityLog, Seq: 1}
	remote := authority.Record{ID: "r", Origin: authority.DeviceCloud, Domain: authority.DomainActivityLog, Seq: 50}

	winner, res := e.ResolveRecord(local, remote)
	require.NotNil(t, winner)
	assert.Equal(t, authority.ResolutionLocalWins, res)
}

func TestApplyThresholds(t *testing.T) {
	e, _ := newTestEngine(t)
	mgr, err := config.NewManager(zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, mgr.Load([]byte("version: 2\nbase_impacts:\n  proposal_accepted: 0.08\n")))

	e.ApplyThresholds(mgr)
	require.NoError(t, e.SubmitEvent(context.Background(), confirmed(event.KindProposalAccepted)))
	assert.InDelta(t, 0.08, e.TrustState().Score, 1e-9)
}

func TestRecoverHealth(t *testing.T) {
	e, _ := newTestEngine(t)
	for i := 0; i < 5; i++ {
		e.health.RecordFailure(healthmon.FailureInconsistency)
	}
	require.Equal(t, healthmon.ModeSuspended, e.HealthState().Mode)

	s := e.RecoverHealth()
	assert.Equal(t, healthmon.ModeHealthy, s.Mode)
}

package authority

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(origin DeviceClass, domain Domain, seq uint64) Record {
	return Record{
		ID:         "rec-1",
		Origin:     origin,
		Domain:     domain,
		Seq:        seq,
		CreatedAt:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		ModifiedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestResolve_AuthoritativeOriginWinsRegardlessOfSeq(t *testing.T) {
	r := NewResolver(zerolog.Nop())

	// Sensor owns the activity log even with a far lower sequence number.
	local := record(DeviceSensor, DomainActivityLog, 1)
	remote := record(DeviceController, DomainActivityLog, 999)

	winner, res := r.Resolve(local, remote)
	require.NotNil(t, winner)
	assert.Equal(t, ResolutionLocalWins, res)
	assert.Equal(t, DeviceSensor, winner.Origin)

	// Symmetric case: the authoritative copy arrives from the remote side.
	winner, res = r.Resolve(remote, local)
	require.NotNil(t, winner)
	assert.Equal(t, ResolutionRemoteWins, res)
	assert.Equal(t, DeviceSensor, winner.Origin)
}

func TestResolve_PlanningOwnedByController(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	local := record(DeviceController, DomainPlanning, 2)
	remote := record(DeviceCloud, DomainPlanning, 50)

	winner, res := r.Resolve(local, remote)
	require.NotNil(t, winner)
	assert.Equal(t, ResolutionLocalWins, res)
	assert.Equal(t, DeviceController, winner.Origin)
}

func TestResolve_BothAuthoritative_HigherSeqWins(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	local := record(DeviceController, DomainProfile, 3)
	remote := record(DeviceController, DomainProfile, 7)

	winner, res := r.Resolve(local, remote)
	require.NotNil(t, winner)
	assert.Equal(t, ResolutionRemoteWins, res)
	assert.Equal(t, uint64(7), winner.Seq)
}

func TestResolve_NeitherAuthoritative_SeqBreaksTie(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	local := record(DeviceCloud, DomainActivityLog, 10)
	remote := record(DeviceController, DomainActivityLog, 4)

	winner, res := r.Resolve(local, remote)
	require.NotNil(t, winner)
	assert.Equal(t, ResolutionLocalWins, res)
	assert.Equal(t, uint64(10), winner.Seq)
}

func TestResolve_EqualSeqQuarantined(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	local := record(DeviceCloud, DomainActivityLog, 5)
	remote := record(DeviceController, DomainActivityLog, 5)

	winner, res := r.Resolve(local, remote)
	require.NotNil(t, winner)
	assert.Equal(t, ResolutionQuarantined, res)
	// Local copy is retained, remote is parked for inspection.
	assert.Equal(t, DeviceCloud, winner.Origin)
}

func TestResolve_TrustDomainIsMerged(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	local := record(DeviceController, DomainTrust, 1)
	remote := record(DeviceCloud, DomainTrust, 2)

	winner, res := r.Resolve(local, remote)
	assert.Nil(t, winner)
	assert.Equal(t, ResolutionMerged, res)
}

func TestAuthoritativeClass(t *testing.T) {
	dc, ok := AuthoritativeClass(DomainActivityLog)
	require.True(t, ok)
	assert.Equal(t, DeviceSensor, dc)

	_, ok = AuthoritativeClass(DomainTrust)
	assert.False(t, ok)
}

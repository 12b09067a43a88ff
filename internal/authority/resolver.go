package authority

import (
	"github.com/rs/zerolog"
)

// authoritativeFor is the fixed domain to device-class assignment. The trust
// domain has no single writer of truth; it is merged field-wise instead
// (see Resolve and trust.Merge).
var authoritativeFor = map[Domain]DeviceClass{
	DomainActivityLog: DeviceSensor,
	DomainPlanning:    DeviceController,
	DomainProfile:     DeviceController,
}

// AuthoritativeClass returns the device class that owns a domain, and false
// for domains resolved by merge rather than ownership.
func AuthoritativeClass(d Domain) (DeviceClass, bool) {
	dc, ok := authoritativeFor[d]
	return dc, ok
}

// Resolver deterministically settles conflicting updates to the same logical
// record from two devices. It is a pure function of the two records, not of
// timing, so reconciliation after a partition needs no coordination.
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a resolver that logs every resolution for forensic
// replay.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{logger: logger.With().Str("component", "authority").Logger()}
}

// Resolve picks the winner between a local and a remote copy of one logical
// record. Rule, in priority order:
//
//  1. An origin matching the domain's authoritative device class wins
//     unconditionally, even against a later timestamp: clock skew across
//     devices is assumed.
//  2. Otherwise the higher per-device sequence number wins.
//  3. An exact tie is quarantined: the local copy is retained, the remote
//     one is parked for inspection.
//
// Trust-domain records are never owned by one device; Resolve returns a nil
// winner with ResolutionMerged and the caller merges field-wise.
// Every outcome, ties included, is logged with both input records.
func (r *Resolver) Resolve(local, remote Record) (*Record, Resolution) {
	winner, res := r.resolve(local, remote)

	r.logger.Info().
		Str("record_id", local.ID).
		Str("domain", string(local.Domain)).
		Str("local_origin", string(local.Origin)).
		Uint64("local_seq", local.Seq).
		Str("remote_origin", string(remote.Origin)).
		Uint64("remote_seq", remote.Seq).
		Str("resolution", string(res)).
		Msg("conflict resolved")

	return winner, res
}

func (r *Resolver) resolve(local, remote Record) (*Record, Resolution) {
	if local.Domain == DomainTrust {
		return nil, ResolutionMerged
	}

	owner, owned := authoritativeFor[local.Domain]
	if owned {
		localAuth := local.Origin == owner
		remoteAuth := remote.Origin == owner
		switch {
		case localAuth && !remoteAuth:
			return &local, ResolutionLocalWins
		case remoteAuth && !localAuth:
			return &remote, ResolutionRemoteWins
		case localAuth && remoteAuth:
			// Same authoritative writer on both sides: the later sequence
			// from that device is simply the newer write.
			if remote.Seq > local.Seq {
				return &remote, ResolutionRemoteWins
			}
			return &local, ResolutionLocalWins
		}
	}

	// Neither side authoritative: per-device monotonic sequence breaks the
	// tie, never wall clock.
	switch {
	case remote.Seq > local.Seq:
		return &remote, ResolutionRemoteWins
	case local.Seq > remote.Seq:
		return &local, ResolutionLocalWins
	default:
		return &local, ResolutionQuarantined
	}
}

// Package authority assigns every synchronizable record to exactly one
// authoritative device class and resolves conflicts between devices.
package authority

import (
	"encoding/json"
	"time"
)

// DeviceClass identifies which class of device produced a record.
type DeviceClass string

const (
	DeviceController DeviceClass = "controller" // phone
	DeviceSensor     DeviceClass = "sensor"     // wearable
	DeviceCloud      DeviceClass = "cloud"      // reconciliation tier
)

// Valid reports whether d is a known device class.
func (d DeviceClass) Valid() bool {
	switch d {
	case DeviceController, DeviceSensor, DeviceCloud:
		return true
	}
	return false
}

// Domain categorizes a record. Each domain has exactly one authoritative
// device class; a record's domain is fixed at creation and never changes.
type Domain string

const (
	DomainActivityLog Domain = "activity_log"
	DomainPlanning    Domain = "planning"
	DomainTrust       Domain = "trust"
	DomainProfile     Domain = "profile"
)

// Valid reports whether d is a known authority domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainActivityLog, DomainPlanning, DomainTrust, DomainProfile:
		return true
	}
	return false
}

// Resolution classifies how a conflict between two records was settled.
type Resolution string

const (
	ResolutionLocalWins   Resolution = "local_wins"
	ResolutionRemoteWins  Resolution = "remote_wins"
	ResolutionQuarantined Resolution = "quarantined"
	ResolutionMerged      Resolution = "merged"
)

// Record is the abstract shape of every synchronized entity. Seq is a
// per-device monotonic sequence number, never reused; it is the conflict
// tie-break because cross-device wall clocks cannot be compared.
type Record struct {
	ID         string          `json:"id"`
	Origin     DeviceClass     `json:"origin"`
	Domain     Domain          `json:"domain"`
	Seq        uint64          `json:"seq"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
	Payload    json.RawMessage `json:"payload"`
}

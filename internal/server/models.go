package server

import (
	"time"

	"github.com/ambientloop/keel/internal/authority"
	"github.com/ambientloop/keel/internal/event"
	"github.com/ambientloop/keel/internal/receipt"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// SubmitEventRequest is the POST /v1/events body.
type SubmitEventRequest struct {
	Kind       string                `json:"kind"`
	Awareness  string                `json:"awareness"`
	Confidence float64               `json:"confidence"`
	Context    event.ContextSnapshot `json:"context"`
	Source     string                `json:"source"`
	Timestamp  time.Time             `json:"timestamp"`
}

// SubmitSignalRequest is the POST /v1/signals body.
type SubmitSignalRequest struct {
	Kind      string    `json:"kind"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// ActionRequestBody is the POST /v1/actions body.
type ActionRequestBody struct {
	Kind            string                `json:"kind"`
	Confidence      float64               `json:"confidence"`
	Inputs          map[string]string     `json:"inputs"`
	Alternatives    []receipt.Alternative `json:"alternatives"`
	PrimaryReason   string                `json:"primary_reason"`
	SecondaryReason string                `json:"secondary_reason"`
}

// StepBackRequest is the POST /v1/trust/stepback body.
type StepBackRequest struct {
	Reason string `json:"reason"`
}

// SyncRecordsRequest is the POST /v1/sync/records body: conflicting copies
// of the same logical records, local first.
type SyncRecordsRequest struct {
	Pairs []RecordPair `json:"pairs"`
}

// RecordPair is one conflicting local/remote record pair.
type RecordPair struct {
	Local  authority.Record `json:"local"`
	Remote authority.Record `json:"remote"`
}

// RecordResolution is the outcome for one pair.
type RecordResolution struct {
	ID         string            `json:"id"`
	Resolution string            `json:"resolution"`
	Winner     *authority.Record `json:"winner,omitempty"`
}

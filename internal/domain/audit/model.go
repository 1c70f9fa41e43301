package audit

import "time"

type EventType string

const (
	EventGrantRequested EventType = "GRANT_REQUESTED"
	EventGrantApproved  EventType = "GRANT_APPROVED"
	EventGrantDenied    EventType = "GRANT_DENIED"
	EventGrantRevoked   EventType = "GRANT_REVOKED"
	EventGrantExpired   EventType = "GRANT_EXPIRED"
	EventAccessGranted  EventType = "ACCESS_GRANTED"
	EventAccessDenied   EventType = "ACCESS_DENIED"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Entry es append-only: nunca se actualiza ni se borra.
type Entry struct {
	ID   string
	Type EventType

	ActorID   string
	ActorRole string

	PatientID      string
	OrganizationID string
	GrantID        string

	Outcome Outcome
	Reason  string
	Details map[string]any

	RemoteAddr string
	UserAgent  string
	RequestID  string

	RecordedAt time.Time
}

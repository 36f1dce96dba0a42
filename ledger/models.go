package ledger

import "time"

// EventType enumerates every lifecycle event the ledger records.
type EventType string

const (
	EventRequirementCreated EventType = "REQUIREMENT_CREATED"
	EventSent               EventType = "SENT"
	EventOpened             EventType = "OPENED"
	EventSigned             EventType = "SIGNED"
	EventRejected           EventType = "REJECTED"
	EventReminderSent       EventType = "REMINDER_SENT"
	EventExpired            EventType = "EXPIRED"
	EventCompleted          EventType = "COMPLETED"
	EventCancelled          EventType = "CANCELLED"

	// Failure events: every attempted action is ledgered, including ones that
	// were denied, so non-repudiation holds against adversarial signers.
	EventSignFailed   EventType = "SIGN_FAILED"
	EventAccessDenied EventType = "ACCESS_DENIED"
)

// Event is an immutable audit record. Once appended it is never updated or
// deleted; the sequence for a requirement replays its full history in order.
type Event struct {
	Seq           int64
	RequirementID string
	SignerID      *string
	Type          EventType
	Payload       map[string]any
	ClientIP      *string
	UserAgent     *string
	DocDigest     *string
	CreatedAt     time.Time
}

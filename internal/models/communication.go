package models

import (
	"time"

	"github.com/google/uuid"
)

// Delivery statuses of a single recipient row.
const (
	DeliveryPending    = "pending"
	DeliveryAttempting = "attempting"
	DeliveryDelivered  = "delivered"
	DeliveryFailed     = "failed"
)

// Derived status of a communication as a whole. Never stored.
const (
	OverallPending         = "pending"
	OverallDispatching     = "dispatching"
	OverallDelivered       = "delivered"
	OverallPartiallyFailed = "partially_failed"
	OverallFailed          = "failed"
)

// Values written to communication_recipients.delivery_error.
const (
	ErrCodeEndpointMissing  = "channel_endpoint_missing"
	ErrCodeTransport        = "transport_error"
	ErrCodeTerminalDelivery = "terminal_delivery_failure"
	ErrCodeTimeout          = "timeout"
)

type Communication struct {
	ID             uuid.UUID `db:"id"`
	Subject        string    `db:"subject"`
	Content        string    `db:"content"`
	Channel        Channel   `db:"channel"` // immutable after insert
	AuthorID       uuid.UUID `db:"author_id"`
	IdempotencyKey *string   `db:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"`
}

type Recipient struct {
	ID              uuid.UUID  `db:"id"`
	CommunicationID uuid.UUID  `db:"communication_id"`
	UserID          uuid.UUID  `db:"user_id"`
	DeliveryStatus  string     `db:"delivery_status"`
	DeliveryError   *string    `db:"delivery_error"`
	AttemptCount    int        `db:"attempt_count"`
	Read            bool       `db:"read"`
	ReadAt          *time.Time `db:"read_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

type CommunicationFile struct {
	ID              uuid.UUID `db:"id"`
	CommunicationID uuid.UUID `db:"communication_id"`
	Name            string    `db:"name"`
	MimeType        string    `db:"mime_type"`
	SizeBytes       int64     `db:"size_bytes"`
	StorageRef      string    `db:"storage_ref"`
	UploadedAt      time.Time `db:"uploaded_at"`
}

var transitions = map[string]map[string]struct{}{
	DeliveryPending: {
		DeliveryAttempting: {},
		DeliveryFailed:     {}, // endpoint missing, decided at persist time
	},
	DeliveryAttempting: {
		DeliveryDelivered: {},
		DeliveryFailed:    {},
	},
	DeliveryFailed: {
		DeliveryAttempting: {}, // manual retry only
	},
}

// CanTransition reports whether a recipient row may move from one delivery status to another.
func CanTransition(from, to string) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func ValidDeliveryStatus(s string) bool {
	switch s {
	case DeliveryPending, DeliveryAttempting, DeliveryDelivered, DeliveryFailed:
		return true
	}
	return false
}

func DeriveOverallStatus(rows []*Recipient) string {
	if len(rows) == 0 {
		return OverallPending
	}

	var pending, inFlight, delivered, failed int
	for _, r := range rows {
		switch r.DeliveryStatus {
		case DeliveryPending:
			pending++
		case DeliveryAttempting:
			inFlight++
		case DeliveryDelivered:
			delivered++
		case DeliveryFailed:
			failed++
		}
	}

	switch {
	case pending == len(rows):
		return OverallPending
	case pending > 0 || inFlight > 0:
		return OverallDispatching
	case delivered == len(rows):
		return OverallDelivered
	case failed == len(rows):
		return OverallFailed
	default:
		return OverallPartiallyFailed
	}
}

// NewID returns a time-ordered id for new rows.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

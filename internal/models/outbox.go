package models

import (
	"encoding/json"
	"time"
)

type OutboxMessage struct {
	ID        int             `db:"id"`
	MessageID string          `db:"message_id"` // UUID
	Topic     string          `db:"topic"`
	Key       string          `db:"message_key"` // communication id, keeps one communication on one partition
	Payload   json.RawMessage `db:"payload"`     // JSONB

	Status     string     `db:"status"` // pending, sent, failed
	RetryCount int        `db:"retry_count"`
	CreatedAt  time.Time  `db:"created_at"`
	SentAt     *time.Time `db:"sent_at"` // NULL until published
	LastError  *string    `db:"last_error"`
}

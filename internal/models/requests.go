package models

import (
	"time"

	"github.com/google/uuid"
)

type FileUpload struct {
	Name     string
	MimeType string
	Content  []byte
}

type SendRequest struct {
	AuthorID       uuid.UUID
	Subject        string
	Content        string
	Channel        Channel
	Targets        []RecipientTarget
	Attachments    []FileUpload
	IdempotencyKey string
}

// Caveat tells the caller what a "delivered" row means on a given provider.
type Caveat struct {
	Channel  Channel `json:"channel"`
	Provider string  `json:"provider"`
	Message  string  `json:"message"`
}

type SendResult struct {
	CommunicationID uuid.UUID `json:"communication_id"`
	Status          string    `json:"status"`
	Recipients      int       `json:"recipients"`
	Duplicate       bool      `json:"duplicate"`
	Caveats         []Caveat  `json:"caveats"`
}

type RecipientView struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	DeliveryStatus string     `json:"delivery_status"`
	DeliveryError  *string    `json:"delivery_error"`
	AttemptCount   int        `json:"attempt_count"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"read_at"`
}

type FileView struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type CommunicationView struct {
	ID            uuid.UUID       `json:"id"`
	Subject       string          `json:"subject"`
	Content       string          `json:"content"`
	Channel       Channel         `json:"channel"`
	AuthorID      uuid.UUID       `json:"author_id"`
	SentAt        time.Time       `json:"sent_at"`
	OverallStatus string          `json:"overall_status"`
	Recipients    []RecipientView `json:"recipients"`
	Files         []FileView      `json:"files"`
	Caveats       []Caveat        `json:"caveats"`
}

func NewRecipientView(r *Recipient) RecipientView {
	return RecipientView{
		ID:             r.ID,
		UserID:         r.UserID,
		DeliveryStatus: r.DeliveryStatus,
		DeliveryError:  r.DeliveryError,
		AttemptCount:   r.AttemptCount,
		Read:           r.Read,
		ReadAt:         r.ReadAt,
	}
}

// NewCommunication groups every row written by the persist-first step.
type NewCommunication struct {
	Communication *Communication
	Recipients    []*Recipient
	Files         []*CommunicationFile
	DispatchJob   *OutboxMessage
}

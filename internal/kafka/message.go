package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"comm_dispatch/internal/models"
	"github.com/google/uuid"
)

// Dispatch job kinds.
const (
	// KindCommunication dispatches every claimable recipient of a communication.
	KindCommunication = "communication"
	// KindRecipient dispatches one recipient after a manual retry.
	KindRecipient = "recipient"
)

// DispatchMessage is the job published through the outbox. It carries ids only;
// the consumer reloads rows so a redelivered job never acts on stale data.
type DispatchMessage struct {
	Kind            string     `json:"kind"`
	CommunicationID uuid.UUID  `json:"communication_id"`
	RecipientID     *uuid.UUID `json:"recipient_id,omitempty"`
	Attempt         int        `json:"attempt,omitempty"`
	EnqueuedAt      time.Time  `json:"enqueued_at"`
}

func NewCommunicationJob(communicationID uuid.UUID) *DispatchMessage {
	return &DispatchMessage{
		Kind:            KindCommunication,
		CommunicationID: communicationID,
		EnqueuedAt:      time.Now().UTC(),
	}
}

func NewRecipientJob(communicationID, recipientID uuid.UUID, attempt int) *DispatchMessage {
	return &DispatchMessage{
		Kind:            KindRecipient,
		CommunicationID: communicationID,
		RecipientID:     &recipientID,
		Attempt:         attempt,
		EnqueuedAt:      time.Now().UTC(),
	}
}

func (m *DispatchMessage) Validate() error {
	if m.CommunicationID == uuid.Nil {
		return errors.New("communication_id is empty")
	}
	switch m.Kind {
	case KindCommunication:
		return nil
	case KindRecipient:
		if m.RecipientID == nil || *m.RecipientID == uuid.Nil {
			return errors.New("recipient_id is empty")
		}
		if m.Attempt <= 0 {
			return errors.New("attempt must be positive")
		}
		return nil
	default:
		return fmt.Errorf("unknown dispatch kind %q", m.Kind)
	}
}

// Key keeps all jobs of one communication on one partition.
func (m *DispatchMessage) Key() string { return m.CommunicationID.String() }

// ToOutbox wraps m as a pending outbox row for topic.
func (m *DispatchMessage) ToOutbox(topic string) (*models.OutboxMessage, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch message: %w", err)
	}
	return &models.OutboxMessage{Topic: topic, Key: m.Key(), Payload: b}, nil
}

func DecodeDispatchMessage(payload []byte) (*DispatchMessage, error) {
	var m DispatchMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode dispatch message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch message: %w", err)
	}
	return &m, nil
}

package service

import (
	"context"
	"io"
	"time"

	"comm_dispatch/internal/models"
	"github.com/google/uuid"
)

// Storage is the persistence the service layer runs on. *repository.Store
// implements it over Postgres.
type Storage interface {
	CreateCommunication(ctx context.Context, nc *models.NewCommunication) error
	AttachFiles(ctx context.Context, files []*models.CommunicationFile) error
	RequeueRecipient(ctx context.Context, communicationID, recipientID uuid.UUID, maxAttempts int, job func(*models.Recipient) (*models.OutboxMessage, error)) (*models.Recipient, error)

	GetCommunication(ctx context.Context, id uuid.UUID) (*models.Communication, error)
	FindByIdempotencyKey(ctx context.Context, authorID uuid.UUID, key string) (*models.Communication, error)
	ListRecipients(ctx context.Context, communicationID uuid.UUID) ([]*models.Recipient, error)
	GetRecipient(ctx context.Context, communicationID, id uuid.UUID) (*models.Recipient, error)
	ListFiles(ctx context.Context, communicationID uuid.UUID) ([]*models.CommunicationFile, error)

	ClaimForDispatch(ctx context.Context, communicationID uuid.UUID, staleBefore time.Time) ([]*models.Recipient, error)
	ClaimAttempt(ctx context.Context, communicationID, id uuid.UUID, attempt int) (*models.Recipient, error)
	ListStaleCommunications(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error)
	RecordOutcome(ctx context.Context, id uuid.UUID, status string, deliveryErr *string) error
	MarkRead(ctx context.Context, communicationID, id uuid.UUID) (*models.Recipient, bool, error)
}

// Directory reads users and entity memberships owned by another system.
type Directory interface {
	GetUsers(ctx context.Context, ids []uuid.UUID) ([]models.User, error)
	GetEntityMembers(ctx context.Context, entityID uuid.UUID) ([]models.User, error)
}

type BlobStore interface {
	Store(ctx context.Context, name string, r io.Reader) (ref string, size int64, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

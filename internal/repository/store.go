package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comm_dispatch/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the repositories behind the operations that need one transaction
// across several tables.
type Store struct {
	db             *pgxpool.Pool
	communications *CommunicationRepository
	recipients     *RecipientRepository
	files          *FileRepository
	outbox         *OutboxRepository
}

func NewStore(
	db *pgxpool.Pool,
	communications *CommunicationRepository,
	recipients *RecipientRepository,
	files *FileRepository,
	outbox *OutboxRepository,
) *Store {
	return &Store{
		db:             db,
		communications: communications,
		recipients:     recipients,
		files:          files,
		outbox:         outbox,
	}
}

// CreateCommunication writes the communication, its recipients, files and the
// dispatch job atomically. Nothing is written when any part fails.
func (s *Store) CreateCommunication(ctx context.Context, nc *models.NewCommunication) error {
	if nc == nil || nc.Communication == nil {
		return fmt.Errorf("communication is nil")
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.communications.CreateTx(ctx, tx, nc.Communication); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return fmt.Errorf("create communication tx: %w", err)
		}
		if err := s.recipients.CreateBatchTx(ctx, tx, nc.Recipients); err != nil {
			return fmt.Errorf("create recipients tx: %w", err)
		}
		if err := s.files.CreateBatchTx(ctx, tx, nc.Files); err != nil {
			return fmt.Errorf("create files tx: %w", err)
		}
		if nc.DispatchJob != nil {
			if err := s.outbox.CreateMessage(ctx, tx, nc.DispatchJob); err != nil {
				return fmt.Errorf("create outbox message tx: %w", err)
			}
		}
		return nil
	})
}

// AttachFiles adds file rows to an existing communication.
func (s *Store) AttachFiles(ctx context.Context, files []*models.CommunicationFile) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.files.CreateBatchTx(ctx, tx, files)
	})
}

// RequeueRecipient resets a failed row to attempting and enqueues its dispatch job.
// ErrNotFound means no row matched the failed/below-limit condition.
func (s *Store) RequeueRecipient(ctx context.Context, communicationID, recipientID uuid.UUID, maxAttempts int, job func(*models.Recipient) (*models.OutboxMessage, error)) (*models.Recipient, error) {
	var out *models.Recipient
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row, err := s.recipients.RequeueTx(ctx, tx, communicationID, recipientID, maxAttempts)
		if err != nil {
			return err
		}
		msg, err := job(row)
		if err != nil {
			return fmt.Errorf("build retry job: %w", err)
		}
		if err := s.outbox.CreateMessage(ctx, tx, msg); err != nil {
			return fmt.Errorf("create outbox message tx: %w", err)
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetCommunication(ctx context.Context, id uuid.UUID) (*models.Communication, error) {
	return s.communications.Get(ctx, id)
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, authorID uuid.UUID, key string) (*models.Communication, error) {
	return s.communications.GetByIdempotencyKey(ctx, authorID, key)
}

func (s *Store) ListRecipients(ctx context.Context, communicationID uuid.UUID) ([]*models.Recipient, error) {
	return s.recipients.ListByCommunication(ctx, communicationID)
}

func (s *Store) GetRecipient(ctx context.Context, communicationID, id uuid.UUID) (*models.Recipient, error) {
	return s.recipients.Get(ctx, communicationID, id)
}

func (s *Store) ClaimForDispatch(ctx context.Context, communicationID uuid.UUID, staleBefore time.Time) ([]*models.Recipient, error) {
	return s.recipients.ClaimForDispatch(ctx, communicationID, staleBefore)
}

func (s *Store) ListStaleCommunications(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	return s.recipients.ListStaleCommunications(ctx, staleBefore, limit)
}

func (s *Store) ClaimAttempt(ctx context.Context, communicationID, id uuid.UUID, attempt int) (*models.Recipient, error) {
	return s.recipients.ClaimAttempt(ctx, communicationID, id, attempt)
}

func (s *Store) RecordOutcome(ctx context.Context, id uuid.UUID, status string, deliveryErr *string) error {
	return s.recipients.RecordOutcome(ctx, id, status, deliveryErr)
}

func (s *Store) MarkRead(ctx context.Context, communicationID, id uuid.UUID) (*models.Recipient, bool, error) {
	return s.recipients.MarkRead(ctx, communicationID, id)
}

func (s *Store) ListFiles(ctx context.Context, communicationID uuid.UUID) ([]*models.CommunicationFile, error) {
	return s.files.ListByCommunication(ctx, communicationID)
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

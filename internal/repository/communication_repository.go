package repository

import (
	"context"
	"errors"
	"fmt"

	"comm_dispatch/internal/models"
	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var communicationColumns = []string{
	"id",
	"subject",
	"content",
	"channel",
	"author_id",
	"idempotency_key",
	"created_at",
}

type CommunicationRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewCommunicationRepository(db *pgxpool.Pool) *CommunicationRepository {
	return &CommunicationRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// CreateTx inserts the communication row. A second insert with the same
// (author_id, idempotency_key) returns ErrConflict and writes nothing.
func (r *CommunicationRepository) CreateTx(ctx context.Context, tx pgx.Tx, c *models.Communication) error {
	if c == nil {
		return fmt.Errorf("communication is nil")
	}
	if c.ID == uuid.Nil {
		return fmt.Errorf("communication id is empty")
	}
	if !c.Channel.Valid() {
		return fmt.Errorf("invalid channel: %s", c.Channel)
	}

	q := r.sb.
		Insert("communications").
		Columns("id", "subject", "content", "channel", "author_id", "idempotency_key").
		Values(c.ID, c.Subject, c.Content, string(c.Channel), c.AuthorID, c.IdempotencyKey).
		Suffix("ON CONFLICT (author_id, idempotency_key) DO NOTHING RETURNING created_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert communication sql: %w", err)
	}

	if err := tx.QueryRow(ctx, sqlStr, args...).Scan(&c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		return fmt.Errorf("insert communication: %w", err)
	}
	return nil
}

func (r *CommunicationRepository) Get(ctx context.Context, id uuid.UUID) (*models.Communication, error) {
	q := r.sb.
		Select(communicationColumns...).
		From("communications").
		Where(sq.Eq{"id": id}).
		Limit(1)

	return r.getOne(ctx, q)
}

func (r *CommunicationRepository) GetByIdempotencyKey(ctx context.Context, authorID uuid.UUID, key string) (*models.Communication, error) {
	if key == "" {
		return nil, ErrNotFound
	}

	q := r.sb.
		Select(communicationColumns...).
		From("communications").
		Where(sq.Eq{"author_id": authorID, "idempotency_key": key}).
		Limit(1)

	return r.getOne(ctx, q)
}

func (r *CommunicationRepository) getOne(ctx context.Context, q sq.SelectBuilder) (*models.Communication, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get communication sql: %w", err)
	}

	var (
		c       models.Communication
		channel string
	)
	err = r.db.QueryRow(ctx, sqlStr, args...).Scan(
		&c.ID,
		&c.Subject,
		&c.Content,
		&channel,
		&c.AuthorID,
		&c.IdempotencyKey,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get communication: %w", err)
	}
	c.Channel = models.Channel(channel)

	return &c, nil
}

package repository

import (
	"context"
	"fmt"

	"comm_dispatch/internal/models"
	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DirectoryRepository reads users and entity memberships. Both tables belong to
// the user/entity management layer; nothing here writes to them.
type DirectoryRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewDirectoryRepository(db *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *DirectoryRepository) GetUsers(ctx context.Context, ids []uuid.UUID) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q := r.sb.
		Select(
			"id",
			"COALESCE(email, '')",
			"COALESCE(whatsapp_number, '')",
			"COALESCE(telegram_handle, '')",
		).
		From("users").
		Where(sq.Eq{"id": ids})

	return r.queryUsers(ctx, q)
}

func (r *DirectoryRepository) GetEntityMembers(ctx context.Context, entityID uuid.UUID) ([]models.User, error) {
	q := r.sb.
		Select(
			"u.id",
			"COALESCE(u.email, '')",
			"COALESCE(u.whatsapp_number, '')",
			"COALESCE(u.telegram_handle, '')",
		).
		From("entity_members m").
		Join("users u ON u.id = m.user_id").
		Where(sq.Eq{"m.entity_id": entityID}).
		OrderBy("u.id ASC")

	return r.queryUsers(ctx, q)
}

func (r *DirectoryRepository) queryUsers(ctx context.Context, q sq.SelectBuilder) ([]models.User, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build users sql: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	res := make([]models.User, 0)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.WhatsAppNumber, &u.TelegramHandle); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return res, nil
}

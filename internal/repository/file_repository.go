package repository

import (
	"context"
	"fmt"

	"comm_dispatch/internal/models"
	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type FileRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewFileRepository(db *pgxpool.Pool) *FileRepository {
	return &FileRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *FileRepository) CreateBatchTx(ctx context.Context, tx pgx.Tx, files []*models.CommunicationFile) error {
	if len(files) == 0 {
		return nil
	}

	q := r.sb.
		Insert("communication_files").
		Columns("id", "communication_id", "name", "mime_type", "size_bytes", "storage_ref")
	for _, f := range files {
		if f.Name == "" || f.StorageRef == "" {
			return fmt.Errorf("file name and storage_ref are required")
		}
		q = q.Values(f.ID, f.CommunicationID, f.Name, f.MimeType, f.SizeBytes, f.StorageRef)
	}
	q = q.Suffix("RETURNING id, uploaded_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert files sql: %w", err)
	}

	rows, err := tx.Query(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert files: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*models.CommunicationFile, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}
	for rows.Next() {
		var id uuid.UUID
		var f models.CommunicationFile
		if err := rows.Scan(&id, &f.UploadedAt); err != nil {
			return fmt.Errorf("scan file row: %w", err)
		}
		if dst, ok := byID[id]; ok {
			dst.UploadedAt = f.UploadedAt
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("insert files: %w", err)
	}
	return nil
}

func (r *FileRepository) ListByCommunication(ctx context.Context, communicationID uuid.UUID) ([]*models.CommunicationFile, error) {
	q := r.sb.
		Select("id", "communication_id", "name", "mime_type", "size_bytes", "storage_ref", "uploaded_at").
		From("communication_files").
		Where(sq.Eq{"communication_id": communicationID}).
		OrderBy("uploaded_at ASC", "id ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list files sql: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	res := make([]*models.CommunicationFile, 0)
	for rows.Next() {
		var f models.CommunicationFile
		if err := rows.Scan(&f.ID, &f.CommunicationID, &f.Name, &f.MimeType, &f.SizeBytes, &f.StorageRef, &f.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		res = append(res, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return res, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comm_dispatch/internal/models"
	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recipientReturning = "RETURNING id, communication_id, user_id, delivery_status, delivery_error, attempt_count, read, read_at, updated_at"

var recipientColumns = []string{
	"id",
	"communication_id",
	"user_id",
	"delivery_status",
	"delivery_error",
	"attempt_count",
	"read",
	"read_at",
	"updated_at",
}

type RecipientRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewRecipientRepository(db *pgxpool.Pool) *RecipientRepository {
	return &RecipientRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// CreateBatchTx inserts all recipient rows of one communication.
// The (communication_id, user_id) unique index rejects duplicates.
func (r *RecipientRepository) CreateBatchTx(ctx context.Context, tx pgx.Tx, rows []*models.Recipient) error {
	if len(rows) == 0 {
		return fmt.Errorf("recipients are empty")
	}

	q := r.sb.
		Insert("communication_recipients").
		Columns("id", "communication_id", "user_id", "delivery_status", "delivery_error", "attempt_count")

	for _, row := range rows {
		if !models.ValidDeliveryStatus(row.DeliveryStatus) {
			return fmt.Errorf("invalid delivery status: %s", row.DeliveryStatus)
		}
		q = q.Values(row.ID, row.CommunicationID, row.UserID, row.DeliveryStatus, row.DeliveryError, row.AttemptCount)
	}
	q = q.Suffix("RETURNING id, updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert recipients sql: %w", err)
	}

	rs, err := tx.Query(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert recipients: %w", err)
	}
	defer rs.Close()

	byID := make(map[uuid.UUID]*models.Recipient, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	for rs.Next() {
		var (
			id        uuid.UUID
			updatedAt time.Time
		)
		if err := rs.Scan(&id, &updatedAt); err != nil {
			return fmt.Errorf("scan recipient row: %w", err)
		}
		if row, ok := byID[id]; ok {
			row.UpdatedAt = updatedAt
		}
	}
	if err := rs.Err(); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert recipients: %w", err)
	}
	return nil
}

func (r *RecipientRepository) ListByCommunication(ctx context.Context, communicationID uuid.UUID) ([]*models.Recipient, error) {
	q := r.sb.
		Select(recipientColumns...).
		From("communication_recipients").
		Where(sq.Eq{"communication_id": communicationID}).
		OrderBy("id ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list recipients sql: %w", err)
	}

	return r.queryMany(ctx, r.db, sqlStr, args...)
}

func (r *RecipientRepository) Get(ctx context.Context, communicationID, id uuid.UUID) (*models.Recipient, error) {
	q := r.sb.
		Select(recipientColumns...).
		From("communication_recipients").
		Where(sq.Eq{"id": id, "communication_id": communicationID}).
		Limit(1)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get recipient sql: %w", err)
	}

	return r.queryOne(ctx, r.db, sqlStr, args...)
}

// ClaimForDispatch moves pending rows to attempting and returns them. Rows left in
// attempting since before staleBefore (a crashed round) are reclaimed too.
func (r *RecipientRepository) ClaimForDispatch(ctx context.Context, communicationID uuid.UUID, staleBefore time.Time) ([]*models.Recipient, error) {
	q := r.sb.
		Update("communication_recipients").
		Set("delivery_status", models.DeliveryAttempting).
		Set("attempt_count", sq.Expr("CASE WHEN delivery_status = ? THEN attempt_count + 1 ELSE attempt_count END", models.DeliveryPending)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"communication_id": communicationID}).
		Where(sq.Or{
			sq.Eq{"delivery_status": models.DeliveryPending},
			sq.And{
				sq.Eq{"delivery_status": models.DeliveryAttempting},
				sq.Lt{"updated_at": staleBefore},
			},
		}).
		Suffix(recipientReturning)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim recipients sql: %w", err)
	}

	return r.queryMany(ctx, r.db, sqlStr, args...)
}

// ClaimAttempt returns the row when it is attempting at exactly the given attempt
// number, i.e. a manual retry that has not been processed yet.
func (r *RecipientRepository) ClaimAttempt(ctx context.Context, communicationID, id uuid.UUID, attempt int) (*models.Recipient, error) {
	q := r.sb.
		Update("communication_recipients").
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{
			"id":               id,
			"communication_id": communicationID,
			"delivery_status":  models.DeliveryAttempting,
			"attempt_count":    attempt,
		}).
		Suffix(recipientReturning)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim attempt sql: %w", err)
	}

	return r.queryOne(ctx, r.db, sqlStr, args...)
}

// RecordOutcome finishes an attempting row. Rows in any other state are left alone.
func (r *RecipientRepository) RecordOutcome(ctx context.Context, id uuid.UUID, status string, deliveryErr *string) error {
	if !models.CanTransition(models.DeliveryAttempting, status) {
		return fmt.Errorf("invalid outcome status: %s", status)
	}

	q := r.sb.
		Update("communication_recipients").
		Set("delivery_status", status).
		Set("delivery_error", deliveryErr).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "delivery_status": models.DeliveryAttempting})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build record outcome sql: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRead sets read/read_at once. changed is false when the row was already read.
func (r *RecipientRepository) MarkRead(ctx context.Context, communicationID, id uuid.UUID) (*models.Recipient, bool, error) {
	q := r.sb.
		Update("communication_recipients").
		Set("read", true).
		Set("read_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "communication_id": communicationID, "read": false}).
		Suffix(recipientReturning)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build mark read sql: %w", err)
	}

	row, err := r.queryOne(ctx, r.db, sqlStr, args...)
	if err == nil {
		return row, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	existing, err := r.Get(ctx, communicationID, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// RequeueTx moves a failed row back to attempting while attempt_count is below maxAttempts.
func (r *RecipientRepository) RequeueTx(ctx context.Context, tx pgx.Tx, communicationID, id uuid.UUID, maxAttempts int) (*models.Recipient, error) {
	q := r.sb.
		Update("communication_recipients").
		Set("delivery_status", models.DeliveryAttempting).
		Set("delivery_error", nil).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{
			"id":               id,
			"communication_id": communicationID,
			"delivery_status":  models.DeliveryFailed,
		}).
		Where(sq.Lt{"attempt_count": maxAttempts}).
		Suffix(recipientReturning)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build requeue sql: %w", err)
	}

	return r.queryOne(ctx, tx, sqlStr, args...)
}

// ListStaleCommunications returns communications with rows that no dispatch round
// has touched since staleBefore, oldest first: attempting rows of a round that died,
// and pending rows whose dispatch job never arrived.
func (r *RecipientRepository) ListStaleCommunications(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.staleCommunicationsQuery(staleBefore, limit)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stale communications sql: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale communications: %w", err)
	}
	defer rows.Close()

	res := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale communication: %w", err)
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r *RecipientRepository) staleCommunicationsQuery(staleBefore time.Time, limit int) sq.SelectBuilder {
	return r.sb.
		Select("communication_id").
		From("communication_recipients").
		Where(sq.Eq{"delivery_status": []string{models.DeliveryPending, models.DeliveryAttempting}}).
		Where(sq.Lt{"updated_at": staleBefore}).
		GroupBy("communication_id").
		OrderBy("MIN(updated_at) ASC").
		Limit(uint64(limit))
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *RecipientRepository) queryOne(ctx context.Context, db querier, sqlStr string, args ...any) (*models.Recipient, error) {
	rows, err := r.queryMany(ctx, db, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (r *RecipientRepository) queryMany(ctx context.Context, db querier, sqlStr string, args ...any) ([]*models.Recipient, error) {
	rows, err := db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	res := make([]*models.Recipient, 0)
	for rows.Next() {
		var m models.Recipient
		if err := rows.Scan(
			&m.ID,
			&m.CommunicationID,
			&m.UserID,
			&m.DeliveryStatus,
			&m.DeliveryError,
			&m.AttemptCount,
			&m.Read,
			&m.ReadAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan recipient row: %w", err)
		}
		res = append(res, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipient rows: %w", err)
	}
	return res, nil
}

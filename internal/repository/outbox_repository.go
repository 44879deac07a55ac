package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"comm_dispatch/internal/models"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Dispatch job states in outbox_messages. A pending job is claimed by a relay
// through locked_until, so no status is needed for "being published".
const (
	JobPending   = "pending"
	JobPublished = "published"
	JobAbandoned = "abandoned"
)

const defaultJobLease = 30 * time.Second

var jobColumns = []string{
	"id",
	"message_id::text",
	"topic",
	"message_key",
	"payload",
	"status",
	"retry_count",
	"created_at",
	"sent_at",
	"last_error",
}

// OutboxRepository stores dispatch jobs next to the rows they describe and hands
// them to the relay in leased batches.
type OutboxRepository struct {
	db          *pgxpool.Pool
	sb          sq.StatementBuilderType
	maxAttempts int
	lease       time.Duration
}

func NewOutboxRepository(db *pgxpool.Pool, maxAttempts int) *OutboxRepository {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &OutboxRepository{
		db:          db,
		sb:          sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		maxAttempts: maxAttempts,
		lease:       defaultJobLease,
	}
}

// CreateMessage enqueues a dispatch job inside the caller's transaction, so the job
// exists exactly when the rows it will dispatch do.
func (r *OutboxRepository) CreateMessage(ctx context.Context, tx pgx.Tx, job *models.OutboxMessage) error {
	if job == nil {
		return fmt.Errorf("dispatch job is nil")
	}
	if job.Topic == "" || job.Key == "" {
		return fmt.Errorf("dispatch job needs a topic and a communication key")
	}
	if !json.Valid(job.Payload) {
		return fmt.Errorf("dispatch job payload is not valid json")
	}

	q := r.sb.
		Insert("outbox_messages").
		Columns("topic", "message_key", "payload").
		Values(job.Topic, job.Key, job.Payload).
		Suffix("RETURNING id, message_id::text, status, created_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert dispatch job: %w", err)
	}
	if err := tx.QueryRow(ctx, sqlStr, args...).Scan(&job.ID, &job.MessageID, &job.Status, &job.CreatedAt); err != nil {
		return fmt.Errorf("insert dispatch job: %w", err)
	}
	return nil
}

// ClaimBatch leases up to limit pending jobs, oldest first. Rows locked by another
// relay are skipped, and a lease that runs out makes the job claimable again.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, limit int) ([]*models.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	sqlStr, args, err := r.claimBatchQuery(limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim dispatch jobs: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("claim dispatch jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.OutboxMessage, 0, limit)
	for rows.Next() {
		var j models.OutboxMessage
		if err := rows.Scan(
			&j.ID,
			&j.MessageID,
			&j.Topic,
			&j.Key,
			&j.Payload,
			&j.Status,
			&j.RetryCount,
			&j.CreatedAt,
			&j.SentAt,
			&j.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan dispatch job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch jobs: %w", err)
	}

	// UPDATE ... RETURNING has no ORDER BY
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

func (r *OutboxRepository) claimBatchQuery(limit int) sq.UpdateBuilder {
	// built with ? placeholders; the outer builder renumbers them
	claimable := sq.
		Select("id").
		From("outbox_messages").
		Where(sq.Eq{"status": JobPending}).
		Where(sq.Or{
			sq.Eq{"locked_until": nil},
			sq.Expr("locked_until < NOW()"),
		}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")

	return r.sb.
		Update("outbox_messages").
		Set("locked_until", sq.Expr("NOW() + (? * INTERVAL '1 millisecond')", r.lease.Milliseconds())).
		Where(sq.Expr("id IN (?)", claimable)).
		Suffix("RETURNING " + strings.Join(jobColumns, ", "))
}

// MarkPublished records that Kafka accepted the job.
func (r *OutboxRepository) MarkPublished(ctx context.Context, messageID string) error {
	q := r.sb.
		Update("outbox_messages").
		Set("status", JobPublished).
		Set("sent_at", sq.Expr("NOW()")).
		Set("locked_until", nil).
		Set("last_error", nil).
		Where(sq.Eq{"message_id": messageID, "status": JobPending})

	return r.exec(ctx, q, "mark dispatch job published")
}

// MarkPublishFailed releases the lease with the error recorded. After maxAttempts
// publish failures the job is abandoned; its recipient rows are left to the
// dispatcher's stale sweep. abandoned reports whether that happened now.
func (r *OutboxRepository) MarkPublishFailed(ctx context.Context, messageID string, cause string) (abandoned bool, err error) {
	if cause == "" {
		cause = "unknown error"
	}

	q := r.sb.
		Update("outbox_messages").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("last_error", cause).
		Set("locked_until", nil).
		Set("status", sq.Expr(
			"CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END",
			r.maxAttempts, JobAbandoned, JobPending,
		)).
		Where(sq.Eq{"message_id": messageID, "status": JobPending}).
		Suffix("RETURNING status")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build mark dispatch job failed: %w", err)
	}

	var status string
	if err := r.db.QueryRow(ctx, sqlStr, args...).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("mark dispatch job failed: %w", err)
	}
	return status == JobAbandoned, nil
}

// DeletePublished removes published jobs older than retentionDays.
func (r *OutboxRepository) DeletePublished(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	q := r.sb.
		Delete("outbox_messages").
		Where(sq.Eq{"status": JobPublished}).
		Where(sq.Expr("sent_at < NOW() - (? * INTERVAL '1 day')", retentionDays))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete published jobs: %w", err)
	}
	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete published jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *OutboxRepository) exec(ctx context.Context, q sq.UpdateBuilder, op string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"comm_dispatch/internal/cache"
	"comm_dispatch/internal/kafka"
	"comm_dispatch/internal/metrics"
	"comm_dispatch/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker owns per-recipient state changes after creation: read receipts,
// manual retries and dispatch outcomes.
type Tracker struct {
	store       Storage
	views       *viewCache
	topic       string
	maxAttempts int
	logger      *zap.Logger
}

func NewTracker(store Storage, c cache.Cache, cacheTTL time.Duration, topic string, maxAttempts int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if strings.TrimSpace(topic) == "" {
		topic = "communication_dispatch"
	}
	return &Tracker{
		store:       store,
		views:       newViewCache(c, cacheTTL, logger),
		topic:       topic,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// MarkRead records the first read. Later calls return the row unchanged.
func (t *Tracker) MarkRead(ctx context.Context, communicationID, recipientID uuid.UUID) (*models.Recipient, error) {
	row, changed, err := t.store.MarkRead(ctx, communicationID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if changed {
		t.views.invalidate(ctx, communicationID)
	}
	return row, nil
}

// Retry moves a failed recipient back to attempting and enqueues a dispatch job for
// that single row in the same transaction.
func (t *Tracker) Retry(ctx context.Context, communicationID, recipientID uuid.UUID) (*models.Recipient, error) {
	topic := t.topic
	row, err := t.store.RequeueRecipient(ctx, communicationID, recipientID, t.maxAttempts,
		func(r *models.Recipient) (*models.OutboxMessage, error) {
			return kafka.NewRecipientJob(communicationID, r.ID, r.AttemptCount).ToOutbox(topic)
		})
	if err == nil {
		metrics.IncManualRetry("accepted")
		t.views.invalidate(ctx, communicationID)
		t.logger.Info("recipient retry enqueued",
			zap.String("communication_id", communicationID.String()),
			zap.String("recipient_id", recipientID.String()),
			zap.Int("attempt", row.AttemptCount),
		)
		return row, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("requeue recipient: %w", err)
	}

	// nothing matched; find out why
	cur, gerr := t.store.GetRecipient(ctx, communicationID, recipientID)
	if gerr != nil {
		return nil, fmt.Errorf("get recipient: %w", gerr)
	}
	switch {
	case cur.DeliveryStatus != models.DeliveryFailed:
		metrics.IncManualRetry("not_retryable")
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, cur.DeliveryStatus)
	case cur.AttemptCount >= t.maxAttempts:
		metrics.IncManualRetry("limit")
		return nil, fmt.Errorf("%w: %d of %d attempts used", ErrRetryLimit, cur.AttemptCount, t.maxAttempts)
	default:
		return nil, fmt.Errorf("requeue recipient: %w", err)
	}
}

// RecordOutcome finishes an attempting row as delivered or failed.
func (t *Tracker) RecordOutcome(ctx context.Context, communicationID, recipientID uuid.UUID, status string, deliveryErr *string) error {
	if err := t.store.RecordOutcome(ctx, recipientID, status, deliveryErr); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	t.views.invalidate(ctx, communicationID)
	return nil
}

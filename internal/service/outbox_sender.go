package service

import (
	"context"
	"fmt"
	"time"

	"comm_dispatch/internal/metrics"
	"comm_dispatch/internal/models"
	"go.uber.org/zap"
)

// OutboxStore is the dispatch job queue as the relay sees it. ClaimBatch leases
// jobs so concurrent relays never publish the same one.
type OutboxStore interface {
	ClaimBatch(ctx context.Context, limit int) ([]*models.OutboxMessage, error)
	MarkPublished(ctx context.Context, messageID string) error
	MarkPublishFailed(ctx context.Context, messageID string, cause string) (abandoned bool, err error)
	DeletePublished(ctx context.Context, retentionDays int) (int, error)
}

type Publisher interface {
	SendRaw(topic, key string, payload []byte) error
}

// OutboxSender relays committed dispatch jobs from the outbox table to Kafka.
type OutboxSender struct {
	repo          OutboxStore
	producer      Publisher
	pollInterval  time.Duration
	batchSize     int
	retentionDays int
	logger        *zap.Logger

	cleanupEvery time.Duration
}

func NewOutboxSender(
	repo OutboxStore,
	producer Publisher,
	pollInterval time.Duration,
	batchSize int,
	retentionDays int,
	logger *zap.Logger,
) *OutboxSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if retentionDays < 0 {
		retentionDays = 0
	}

	return &OutboxSender{
		repo:          repo,
		producer:      producer,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		retentionDays: retentionDays,
		logger:        logger,
		cleanupEvery:  1 * time.Hour,
	}
}

// Start runs the relay loop in a goroutine until ctx is done.
func (s *OutboxSender) Start(ctx context.Context) {
	go func() {
		s.logger.Info("outbox sender started")
		defer s.logger.Info("outbox sender stopped")

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		cleanupTicker := time.NewTicker(s.cleanupEvery)
		defer cleanupTicker.Stop()

		s.flushOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.flushOnce(ctx)
			case <-cleanupTicker.C:
				s.cleanupOnce(ctx)
			}
		}
	}()
}

// flushOnce publishes one batch and returns how many messages were sent.
func (s *OutboxSender) flushOnce(ctx context.Context) int {
	msgs, err := s.repo.ClaimBatch(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("outbox claim batch failed", zap.Error(err))
		return 0
	}

	sent := 0
	for _, m := range msgs {
		if err := s.sendOne(m); err != nil {
			abandoned, err2 := s.repo.MarkPublishFailed(ctx, m.MessageID, err.Error())
			if err2 != nil {
				s.logger.Error("outbox mark failed error", zap.String("message_id", m.MessageID), zap.Error(err2))
				continue
			}
			if abandoned {
				// the recipient rows stay pending; the dispatcher's stale sweep picks them up
				metrics.IncOutboxFailed()
				s.logger.Error("dispatch job abandoned",
					zap.String("message_id", m.MessageID),
					zap.String("communication_id", m.Key),
					zap.Error(err),
				)
			}
			continue
		}
		if err := s.repo.MarkPublished(ctx, m.MessageID); err != nil {
			s.logger.Error("outbox mark sent failed", zap.String("message_id", m.MessageID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (s *OutboxSender) sendOne(m *models.OutboxMessage) error {
	if m == nil {
		return fmt.Errorf("outbox message is nil")
	}
	if m.Topic == "" {
		return fmt.Errorf("outbox topic is empty")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("outbox payload is empty")
	}

	metrics.ObserveOutboxLagSeconds(time.Since(m.CreatedAt).Seconds())
	start := time.Now()

	if err := s.producer.SendRaw(m.Topic, m.Key, m.Payload); err != nil {
		metrics.IncKafkaError("producer", "send")
		metrics.IncOutboxRetry()
		metrics.ObserveOutboxProcessing(time.Since(start))
		return fmt.Errorf("kafka send failed: %w", err)
	}

	metrics.IncKafkaSent()
	metrics.IncOutboxSent()
	metrics.ObserveOutboxProcessing(time.Since(start))
	return nil
}

func (s *OutboxSender) cleanupOnce(ctx context.Context) {
	if s.retentionDays <= 0 {
		return
	}
	n, err := s.repo.DeletePublished(ctx, s.retentionDays)
	if err != nil {
		s.logger.Error("outbox cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("outbox cleanup", zap.Int("deleted", n))
	}
}

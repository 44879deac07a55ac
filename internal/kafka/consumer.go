package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comm_dispatch/internal/metrics"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// ErrPoisonMessage marks a payload that can never be processed. The consumer
// commits past it instead of retrying.
var ErrPoisonMessage = errors.New("poison message")

type MessageProcessor interface {
	ProcessDispatchMessage(ctx context.Context, payload []byte) error
}

type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler sarama.ConsumerGroupHandler
	logger  *zap.Logger
}

func NewConsumer(
	brokers []string,
	groupID string,
	topic string,
	processor MessageProcessor,
	logger *zap.Logger,
) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := sarama.NewConfig()

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	// offsets are committed by hand, only after a job is processed
	cfg.Consumer.Offsets.AutoCommit.Enable = false

	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRange(),
	}
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	// a dispatch round can outlive the default 1m poll interval
	cfg.Consumer.MaxProcessingTime = 5 * time.Minute

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Consumer{
		group:   group,
		topic:   topic,
		handler: newDispatchGroupHandler(processor, logger),
		logger:  logger,
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", zap.Error(err))
			metrics.IncKafkaError("consumer", "group")
		}
	}()

	for {
		err := c.group.Consume(ctx, []string{c.topic}, c.handler)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("consume loop error", zap.Error(err))
			time.Sleep(1 * time.Second)
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type dispatchGroupHandler struct {
	processor MessageProcessor
	logger    *zap.Logger
	backoff   func(attempt int) time.Duration
}

func newDispatchGroupHandler(p MessageProcessor, logger *zap.Logger) *dispatchGroupHandler {
	return &dispatchGroupHandler{processor: p, logger: logger, backoff: retryBackoff}
}

func (h *dispatchGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *dispatchGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *dispatchGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for kafkaMsg := range claim.Messages() {
		lag := claim.HighWaterMarkOffset() - kafkaMsg.Offset - 1
		metrics.SetKafkaConsumerLag(kafkaMsg.Topic, kafkaMsg.Partition, lag)

		if err := h.processWithRetry(session.Context(), kafkaMsg); err != nil {
			metrics.IncKafkaError("consumer", "process")
			// not marked, so the job is read again after a rebalance or restart
			return err
		}
		metrics.IncKafkaProcessed()

		session.MarkMessage(kafkaMsg, "")
		session.Commit()
	}
	return nil
}

// processWithRetry retries until the job succeeds or ctx is cancelled. Poison
// payloads are logged and skipped.
func (h *dispatchGroupHandler) processWithRetry(ctx context.Context, m *sarama.ConsumerMessage) error {
	attempt := 0

	for {
		attempt++
		err := h.processor.ProcessDispatchMessage(ctx, m.Value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPoisonMessage) {
			h.logger.Error("dropping unprocessable dispatch job",
				zap.String("topic", m.Topic),
				zap.Int32("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			metrics.IncKafkaError("consumer", "poison")
			return nil
		}

		backoff := h.backoff(attempt)
		h.logger.Warn("process dispatch job failed",
			zap.String("topic", m.Topic),
			zap.Int32("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// retryBackoff grows linearly, 1s per attempt, capped at 30s.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

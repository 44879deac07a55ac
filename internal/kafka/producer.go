package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// SyncSender is the part of sarama.SyncProducer the outbox relay uses.
type SyncSender interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type Producer struct {
	producer SyncSender
}

func NewSyncProducer(brokers []string) (*Producer, error) {
	cfg := sarama.NewConfig()

	// required by SyncProducer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 500 * time.Millisecond
	cfg.Version = sarama.V2_1_0_0

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sarama sync producer: %w", err)
	}
	return &Producer{producer: prod}, nil
}

// NewProducerWith wraps an existing sender, e.g. sarama's mocks in tests.
func NewProducerWith(s SyncSender) *Producer {
	return &Producer{producer: s}
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

// SendRaw publishes an already encoded payload, as stored in the outbox.
func (p *Producer) SendRaw(topic, key string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("topic is empty")
	}
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(payload),
		Timestamp: time.Now(),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send kafka message: %w", err)
	}
	return nil
}

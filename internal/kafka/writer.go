package kafka

import (
	"context"
	"strings"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/outbox"

	"github.com/segmentio/kafka-go"
)

func NewWriter(cfg config.Kafka) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Broker.URL, ",")...),
		Topic:                  cfg.Topic.Notifications,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              cfg.Writer.BatchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(cfg.Writer.BatchTimeoutMs) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher adapts a kafka writer to the outbox relay.
type Publisher struct {
	writer MessageWriter
}

func NewPublisher(writer MessageWriter) *Publisher {
	return &Publisher{writer: writer}
}

func (p *Publisher) Publish(ctx context.Context, messages []outbox.Message) error {
	kafkaMessages := make([]kafka.Message, 0, len(messages))
	for _, m := range messages {
		kafkaMessages = append(kafkaMessages, kafka.Message{
			Key:   []byte(m.Key), // reservation id keeps one reservation on one partition
			Value: m.Value,
		})
	}
	return p.writer.WriteMessages(ctx, kafkaMessages...)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

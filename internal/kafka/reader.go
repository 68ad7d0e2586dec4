package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/logcontext"
	"payment-reconciler/internal/message"
	"payment-reconciler/internal/processor"
	"payment-reconciler/internal/reconciler"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

const (
	initialRetryDelay = 200 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

var (
	readErrorCounter      = metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="inbound_event"}`)
	unmarshalErrorCounter = metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="inbound_event"}`)
	rejectedCounter       = metrics.GetOrCreateCounter(`kafka_reader_total{result="rejected",type="inbound_event"}`)
	droppedCounter        = metrics.GetOrCreateCounter(`kafka_reader_total{result="dropped",type="inbound_event"}`)
	processErrorCounter   = metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="inbound_event"}`)
	commitErrorCounter    = metrics.GetOrCreateCounter(`kafka_reader_total{result="commit_error",type="inbound_event"}`)
	successCounter        = metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="inbound_event"}`)
)

func NewReader(cfg config.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Broker.URL, ","),
		GroupID: cfg.Reader.GroupID,
		Topic:   cfg.Topic.InboundEvents,
	})
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type EventHandler interface {
	Handle(ctx context.Context, body []byte, signature string) (reconciler.Result, error)
}

// Ingress consumes webhook deliveries relayed by the edge gateway. An offset
// is committed once its event was reconciled or failed for good. Transient
// failures hold the partition and are retried with backoff.
type Ingress struct {
	reader  MessageReader
	handler EventHandler
	logger  *slog.Logger
}

func NewIngress(reader MessageReader, handler EventHandler, logger *slog.Logger) *Ingress {
	return &Ingress{reader: reader, handler: handler, logger: logger}
}

// Run blocks until ctx is done.
func (i *Ingress) Run(ctx context.Context) {
	delay := initialRetryDelay
	for {
		m, err := i.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				i.logger.InfoContext(ctx, "Context done, stopping ingress")
				return
			}
			i.logger.ErrorContext(ctx, "Error reading message", "error", err)
			readErrorCounter.Inc()
			if !sleep(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = initialRetryDelay

		msgCtx := logcontext.AppendCtx(ctx, slog.Int64("offset", m.Offset))
		msgCtx = logcontext.AppendCtx(msgCtx, slog.Int("partition", m.Partition))

		if !i.processWithRetry(msgCtx, m) {
			return
		}

		if err := i.reader.CommitMessages(ctx, m); err != nil {
			i.logger.ErrorContext(msgCtx, "Error committing message", "error", err)
			commitErrorCounter.Inc()
		}
	}
}

// processWithRetry returns false when ctx ended before the message settled.
func (i *Ingress) processWithRetry(ctx context.Context, m kafka.Message) bool {
	delay := initialRetryDelay
	for {
		err := i.process(ctx, m.Value)
		if err == nil {
			return true
		}

		i.logger.ErrorContext(ctx, "Error processing message, retrying", "error", err, "delay", delay)
		processErrorCounter.Inc()
		if !sleep(ctx, delay) {
			return false
		}
		delay = nextDelay(delay)
	}
}

// process returns an error only for failures worth retrying.
func (i *Ingress) process(ctx context.Context, value []byte) error {
	var inbound message.InboundEvent
	if err := json.Unmarshal(value, &inbound); err != nil {
		i.logger.ErrorContext(ctx, "Error unmarshalling message, skipping", "error", err)
		unmarshalErrorCounter.Inc()
		return nil
	}

	_, err := i.handler.Handle(ctx, []byte(inbound.Body), inbound.Signature)
	switch {
	case err == nil:
		successCounter.Inc()
		return nil
	case errors.Is(err, processor.ErrSignatureInvalid):
		rejectedCounter.Inc()
		return nil
	case reconciler.IsPermanent(err):
		i.logger.ErrorContext(ctx, "Event can never be reconciled, skipping", "error", err)
		droppedCounter.Inc()
		return nil
	default:
		return err
	}
}

func nextDelay(d time.Duration) time.Duration {
	return min(d*2, maxRetryDelay)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

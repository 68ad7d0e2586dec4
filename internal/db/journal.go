package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// EventJournal keeps one row per processor event id for auditing deliveries.
// It is never consulted to skip an event.
type EventJournal struct {
	pool *pgxpool.Pool
}

func NewEventJournal(pool *pgxpool.Pool) *EventJournal {
	return &EventJournal{pool: pool}
}

// Record stores the event or, for a redelivery, bumps its delivery count. It
// reports whether this was the first delivery.
func (j *EventJournal) Record(ctx context.Context, id, eventType, payload string) (bool, error) {
	query := `INSERT INTO webhook_event (id, event_type, payload)
	          VALUES ($1, $2, $3)
	          ON CONFLICT (id) DO UPDATE SET deliveries = webhook_event.deliveries + 1
	          RETURNING deliveries`

	var deliveries int
	if err := j.pool.QueryRow(ctx, query, id, eventType, payload).Scan(&deliveries); err != nil {
		return false, errors.Wrap(err, "record webhook event")
	}
	return deliveries == 1, nil
}

// MarkProcessed stamps the latest processing attempt. A nil processingErr
// clears any error left by an earlier attempt.
func (j *EventJournal) MarkProcessed(ctx context.Context, id string, processingErr error) error {
	var errMsg *string
	if processingErr != nil {
		msg := processingErr.Error()
		errMsg = &msg
	}

	query := `UPDATE webhook_event SET processed_at = now(), processing_error = $2 WHERE id = $1`
	_, err := j.pool.Exec(ctx, query, id, errMsg)
	return errors.Wrap(err, "mark webhook event processed")
}

func (j *EventJournal) GetByID(ctx context.Context, id string) (*WebhookEventEntity, error) {
	query := `SELECT id, event_type, payload, deliveries, received_at, processed_at, processing_error
	          FROM webhook_event WHERE id = $1`

	var e WebhookEventEntity
	err := j.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.EventType, &e.Payload, &e.Deliveries, &e.ReceivedAt, &e.ProcessedAt, &e.ProcessingError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "select webhook event")
	}
	return &e, nil
}

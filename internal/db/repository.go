package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// OutboxRepository stores confirmation tasks until the relay has handed them
// to the broker. A (task_name, reservation_id) pair is stored at most once.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateIfNotExists inserts entity unless a task with the same name already
// exists for the reservation. It reports whether a row was inserted.
func (r *OutboxRepository) CreateIfNotExists(ctx context.Context, entity *OutboxEntity) (bool, error) {
	query := `INSERT INTO notification_outbox (id, task_name, reservation_id, payload, scheduled_at)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (task_name, reservation_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, entity.ID, entity.TaskName, entity.ReservationID, entity.Payload, entity.ScheduledAt)
	if err != nil {
		return false, errors.Wrap(err, "insert outbox task")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OutboxRepository) SelectByReservation(ctx context.Context, taskName string, reservationID uuid.UUID) (*OutboxEntity, error) {
	query := `SELECT id, task_name, reservation_id, payload, created_at, updated_at, scheduled_at,
	                 published_at, publish_attempts, error
	          FROM notification_outbox WHERE task_name = $1 AND reservation_id = $2`
	entity, err := scanOutbox(r.pool.QueryRow(ctx, query, taskName, reservationID))
	if err != nil {
		return nil, errors.Wrap(err, "select outbox task")
	}
	return entity, nil
}

// GetDue locks up to limit tasks whose scheduled time has passed. Rows locked
// by a concurrent relay are skipped.
func (r *OutboxRepository) GetDue(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEntity, error) {
	query := `SELECT id, task_name, reservation_id, payload, created_at, updated_at, scheduled_at,
	                 published_at, publish_attempts, error
	          FROM notification_outbox
	          WHERE scheduled_at IS NOT NULL AND scheduled_at <= now()
	          ORDER BY scheduled_at
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due outbox tasks")
	}
	defer rows.Close()

	var entities []*OutboxEntity
	for rows.Next() {
		entity, err := scanOutbox(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan outbox task")
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (r *OutboxRepository) Update(ctx context.Context, tx pgx.Tx, entity *OutboxEntity) error {
	query := `UPDATE notification_outbox
	          SET scheduled_at = $2, published_at = $3, publish_attempts = $4, error = $5, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.PublishAttempts, entity.Error)
	return errors.Wrap(err, "update outbox task")
}

// FindPaidWithoutTask returns paid reservations, paid before paidBefore, that
// have no task named taskName.
func (r *OutboxRepository) FindPaidWithoutTask(ctx context.Context, taskName string, paidBefore time.Time, limit int) ([]uuid.UUID, error) {
	query := `SELECT r.id
	          FROM reservation r
	          WHERE r.payment_status = 'paid'
	            AND r.paid_at < $2
	            AND NOT EXISTS (SELECT 1 FROM notification_outbox o
	                            WHERE o.task_name = $1 AND o.reservation_id = r.id)
	          ORDER BY r.paid_at
	          LIMIT $3`

	rows, err := r.pool.Query(ctx, query, taskName, paidBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select paid reservations without task")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan reservation id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanOutbox(row pgx.Row) (*OutboxEntity, error) {
	var entity OutboxEntity
	err := row.Scan(
		&entity.ID,
		&entity.TaskName,
		&entity.ReservationID,
		&entity.Payload,
		&entity.CreatedAt,
		&entity.UpdatedAt,
		&entity.ScheduledAt,
		&entity.PublishedAt,
		&entity.PublishAttempts,
		&entity.Error,
	)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

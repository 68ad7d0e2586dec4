package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/message"
	"payment-reconciler/internal/payload"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Dispatcher enqueues confirmation tasks into the outbox. Enqueueing the same
// task twice for one reservation is a no-op.
type Dispatcher struct {
	repo   *db.OutboxRepository
	now    func() time.Time
	logger *slog.Logger
}

func NewDispatcher(repo *db.OutboxRepository, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{repo: repo, now: time.Now, logger: logger}
}

func (d *Dispatcher) Enqueue(ctx context.Context, taskName string, data payload.Confirmation) error {
	task := message.Task{
		ID:   uuid.New(),
		Name: taskName,
		Data: data,
	}
	body, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "marshal task")
	}

	scheduledAt := d.now()
	inserted, err := d.repo.CreateIfNotExists(ctx, &db.OutboxEntity{
		ID:            task.ID,
		TaskName:      taskName,
		ReservationID: data.BookingID,
		Payload:       string(body),
		ScheduledAt:   &scheduledAt,
	})
	if err != nil {
		return err
	}

	if inserted {
		d.logger.InfoContext(ctx, "Confirmation task enqueued", "taskId", task.ID, "taskName", taskName)
	} else {
		d.logger.InfoContext(ctx, "Confirmation task already enqueued", "taskName", taskName)
	}
	return nil
}

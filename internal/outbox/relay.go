package outbox

import (
	"context"
	"log/slog"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/logcontext"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var (
	// relay batch metrics
	relayErrorFetchingCounter = metrics.GetOrCreateCounter(`outbox_relay_total{result="fetching_failed"}`)
	relayErrorPublishCounter  = metrics.GetOrCreateCounter(`outbox_relay_total{result="publish_failed"}`)
	relayErrorUpdateCounter   = metrics.GetOrCreateCounter(`outbox_relay_total{result="db_update_failed"}`)
	relaySuccessCounter       = metrics.GetOrCreateCounter(`outbox_relay_total{result="success"}`)

	relayProcessDurationHistogram = metrics.GetOrCreateHistogram(`outbox_relay_duration_milliseconds`)

	// relay per task metrics
	relayTasksPublishedCounter   = metrics.GetOrCreateCounter(`outbox_relay_tasks_total{result="published"}`)
	relayTasksMaxAttemptsCounter = metrics.GetOrCreateCounter(`outbox_relay_tasks_total{result="max_attempts_reached"}`)
	relayTasksRescheduledCounter = metrics.GetOrCreateCounter(`outbox_relay_tasks_total{result="rescheduled"}`)
)

// Relay moves due outbox tasks to the broker. Concurrent relays split the
// work through row locks.
type Relay struct {
	repo               *db.OutboxRepository
	publisher          Publisher
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewRelay(repo *db.OutboxRepository, publisher Publisher, cfg config.OutboxRelay, logger *slog.Logger) *Relay {
	return &Relay{
		repo:               repo,
		publisher:          publisher,
		pollingInterval:    time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
		fetchSize:          cfg.FetchSize,
		retryDelay:         time.Duration(cfg.RescheduleDelayMs) * time.Millisecond,
		maxPublishAttempts: cfg.MaxPublishAttempts,
		logger:             logger,
	}
}

// Start polls until ctx is done. The returned channel is closed once the
// polling goroutine has exited.
func (r *Relay) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(r.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.process(ctx)
			case <-ctx.Done():
				r.logger.InfoContext(ctx, "Context done, stopping outbox relay")
				return
			}
		}
	}()
	return done
}

// process publishes one batch and reports how many tasks it handled.
func (r *Relay) process(ctx context.Context) int {
	startTime := time.Now()
	defer func() {
		relayProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := r.repo.BeginTx(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		relayErrorFetchingCounter.Inc()
		return 0
	}
	defer tx.Rollback(ctx)

	tasks, err := r.repo.GetDue(ctx, tx, r.fetchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error fetching due outbox tasks", "error", err)
		relayErrorFetchingCounter.Inc()
		return 0
	}

	if len(tasks) == 0 {
		r.logger.DebugContext(ctx, "No due outbox tasks")
		relaySuccessCounter.Inc()
		return 0
	}

	r.logger.InfoContext(ctx, "Publishing outbox tasks", "count", len(tasks))
	publishErr := r.publisher.Publish(ctx, toMessages(tasks))
	if publishErr != nil {
		r.logger.ErrorContext(ctx, "Error publishing outbox tasks", "error", publishErr)
		relayErrorPublishCounter.Inc()
	}

	now := time.Now()
	for _, task := range tasks {
		taskCtx := logcontext.AppendCtx(ctx, slog.String("taskId", task.ID.String()))

		task.PublishAttempts++

		if publishErr != nil {
			errMsg := publishErr.Error()
			task.Error = &errMsg

			if task.PublishAttempts >= r.maxPublishAttempts {
				r.logger.WarnContext(taskCtx, "Max publish attempts reached for outbox task")
				task.ScheduledAt = nil

				relayTasksMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(task.PublishAttempts) * r.retryDelay)
				task.ScheduledAt = &scheduledAt

				relayTasksRescheduledCounter.Inc()
			}
		} else {
			task.ScheduledAt = nil
			task.PublishedAt = &now
			task.Error = nil

			relayTasksPublishedCounter.Inc()
		}

		if err := r.repo.Update(taskCtx, tx, task); err != nil {
			r.logger.ErrorContext(taskCtx, "Error updating outbox task", "error", err)
			relayErrorUpdateCounter.Inc()
			return 0
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		relayErrorUpdateCounter.Inc()
		return 0
	}

	relaySuccessCounter.Inc()
	return len(tasks)
}

func toMessages(tasks []*db.OutboxEntity) []Message {
	messages := make([]Message, 0, len(tasks))
	for _, task := range tasks {
		messages = append(messages, Message{
			Key:   task.ReservationID.String(),
			Value: []byte(task.Payload),
		})
	}
	return messages
}

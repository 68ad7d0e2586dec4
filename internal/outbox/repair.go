package outbox

import (
	"context"
	"log/slog"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/logcontext"
	"payment-reconciler/internal/payload"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var (
	repairEnqueuedCounter = metrics.GetOrCreateCounter(`outbox_repair_total{result="enqueued"}`)
	repairFailedCounter   = metrics.GetOrCreateCounter(`outbox_repair_total{result="failed"}`)
)

// Repairer enqueues confirmations for paid reservations that never got one,
// which happens when the transition commits and the enqueue after it fails.
// A later redelivery sees the reservation already paid and does not enqueue.
type Repairer struct {
	repo       *db.OutboxRepository
	dispatcher *Dispatcher
	taskName   string
	interval   time.Duration
	grace      time.Duration
	batchSize  int
	logger     *slog.Logger
}

func NewRepairer(repo *db.OutboxRepository, dispatcher *Dispatcher, taskName string, cfg config.OutboxRepair, logger *slog.Logger) *Repairer {
	return &Repairer{
		repo:       repo,
		dispatcher: dispatcher,
		taskName:   taskName,
		interval:   time.Duration(cfg.IntervalMs) * time.Millisecond,
		grace:      time.Duration(cfg.GraceMs) * time.Millisecond,
		batchSize:  cfg.BatchSize,
		logger:     logger,
	}
}

// Start sweeps every interval until ctx is done. A zero interval disables the
// sweep and returns an already closed channel.
func (r *Repairer) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if r.interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sweep(ctx)
			case <-ctx.Done():
				r.logger.InfoContext(ctx, "Context done, stopping outbox repair")
				return
			}
		}
	}()
	return done
}

// sweep returns the number of confirmations it enqueued.
func (r *Repairer) sweep(ctx context.Context) int {
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	ids, err := r.repo.FindPaidWithoutTask(ctx, r.taskName, time.Now().Add(-r.grace), r.batchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error finding paid reservations without confirmation", "error", err)
		repairFailedCounter.Inc()
		return 0
	}

	enqueued := 0
	for _, id := range ids {
		taskCtx := logcontext.AppendCtx(ctx, slog.String("reservationId", id.String()))
		if err := r.dispatcher.Enqueue(taskCtx, r.taskName, payload.Confirmation{BookingID: id}); err != nil {
			r.logger.ErrorContext(taskCtx, "Error enqueueing missing confirmation", "error", err)
			repairFailedCounter.Inc()
			continue
		}
		r.logger.WarnContext(taskCtx, "Enqueued missing confirmation")
		repairEnqueuedCounter.Inc()
		enqueued++
	}
	return enqueued
}

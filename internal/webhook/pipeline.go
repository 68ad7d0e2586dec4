package webhook

import (
	"context"
	"log/slog"

	"payment-reconciler/internal/logcontext"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/reconciler"
)

type EventVerifier interface {
	Verify(body []byte, signature string) (model.VerifiedEvent, error)
}

type EventReconciler interface {
	Reconcile(ctx context.Context, event model.VerifiedEvent) (reconciler.Result, error)
}

// Journal records deliveries for auditing. It never decides whether an event
// is processed.
type Journal interface {
	Record(ctx context.Context, id, eventType, payload string) (bool, error)
	MarkProcessed(ctx context.Context, id string, processingErr error) error
}

// Pipeline is shared by every transport: verify, journal, reconcile.
type Pipeline struct {
	verifier   EventVerifier
	reconciler EventReconciler
	journal    Journal
	logger     *slog.Logger
}

// NewPipeline builds a pipeline. journal may be nil.
func NewPipeline(verifier EventVerifier, reconciler EventReconciler, journal Journal, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		verifier:   verifier,
		reconciler: reconciler,
		journal:    journal,
		logger:     logger,
	}
}

// Handle returns processor.ErrSignatureInvalid for deliveries that must be
// rejected, and any other error for failures the sender should retry.
func (p *Pipeline) Handle(ctx context.Context, body []byte, signature string) (reconciler.Result, error) {
	event, err := p.verifier.Verify(body, signature)
	if err != nil {
		p.logger.WarnContext(ctx, "Rejected webhook delivery", "error", err)
		return reconciler.Result{}, err
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", event.ID))

	if p.journal != nil {
		first, err := p.journal.Record(ctx, event.ID, string(event.Type), string(event.Payload))
		if err != nil {
			p.logger.WarnContext(ctx, "Error recording webhook event", "error", err)
		} else if !first {
			p.logger.InfoContext(ctx, "Webhook event redelivered")
		}
	}

	result, err := p.reconciler.Reconcile(ctx, event)

	if p.journal != nil {
		if jerr := p.journal.MarkProcessed(ctx, event.ID, err); jerr != nil {
			p.logger.WarnContext(ctx, "Error marking webhook event processed", "error", jerr)
		}
	}

	if err == nil {
		p.logger.InfoContext(ctx, "Webhook event reconciled", "outcome", result.Outcome)
	}
	return result, err
}

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/logcontext"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/payload"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

type Store interface {
	UpdateIfUnpaid(ctx context.Context, id uuid.UUID, t model.PaidTransition) (bool, error)
}

type Dispatcher interface {
	Enqueue(ctx context.Context, taskName string, data payload.Confirmation) error
}

// SessionFinder resolves the checkout sessions a payment intent belongs to.
type SessionFinder interface {
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) ([]payload.CheckoutSession, error)
}

type Outcome string

const (
	OutcomeTransitioned Outcome = "transitioned"
	OutcomeAlreadyPaid  Outcome = "already_paid"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeNoMatch      Outcome = "no_match"
)

type Result struct {
	Outcome       Outcome
	ReservationID uuid.UUID
}

var (
	reconcileDurationHistogram = metrics.GetOrCreateHistogram(`reconciler_duration_milliseconds`)
	dispatchFailedCounter      = metrics.GetOrCreateCounter(`reconciler_dispatch_total{result="failed"}`)
	dispatchEnqueuedCounter    = metrics.GetOrCreateCounter(`reconciler_dispatch_total{result="enqueued"}`)
)

type handlerFunc func(ctx context.Context, event model.VerifiedEvent) (Result, error)

// Reconciler routes verified processor events to the reservation state
// machine. Every payment-success path ends in markPaid.
type Reconciler struct {
	store       Store
	dispatcher  Dispatcher
	sessions    SessionFinder
	taskName    string
	callTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	handlers    map[model.EventType]handlerFunc
}

func New(store Store, dispatcher Dispatcher, sessions SessionFinder, cfg config.Reconciler, logger *slog.Logger) *Reconciler {
	r := &Reconciler{
		store:       store,
		dispatcher:  dispatcher,
		sessions:    sessions,
		taskName:    cfg.TaskName,
		callTimeout: cfg.CallTimeout(),
		now:         time.Now,
		logger:      logger,
	}
	r.handlers = map[model.EventType]handlerFunc{
		model.EventCheckoutCompleted: r.handleCheckoutCompleted,
		model.EventPaymentSucceeded:  r.handlePaymentSucceeded,
		model.EventCheckoutExpired:   r.handleCheckoutExpired,
	}
	return r
}

func (r *Reconciler) Reconcile(ctx context.Context, event model.VerifiedEvent) (Result, error) {
	startTime := time.Now()
	defer func() {
		reconcileDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", event.ID))
	ctx = logcontext.AppendCtx(ctx, slog.String("eventType", string(event.Type)))

	handle, ok := r.handlers[event.Type]
	if !ok {
		r.logger.InfoContext(ctx, "Ignoring unhandled event type")
		countEvent(event.Type, string(OutcomeIgnored))
		return Result{Outcome: OutcomeIgnored}, nil
	}

	result, err := handle(ctx, event)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error reconciling event", "error", err)
		countEvent(event.Type, "failed")
		return result, err
	}

	countEvent(event.Type, string(result.Outcome))
	return result, nil
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event model.VerifiedEvent) (Result, error) {
	session, err := payload.DecodeCheckoutSession(event.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return r.markPaid(ctx, session, session.PaymentIntentID())
}

func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, event model.VerifiedEvent) (Result, error) {
	intent, err := payload.DecodePaymentIntent(event.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentIntentId", intent.ID))

	lookupCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	sessions, err := r.sessions.FindByPaymentIntent(lookupCtx, intent.ID)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrLookupUnavailable, err)
	}

	if len(sessions) == 0 {
		r.logger.InfoContext(ctx, "No checkout session for payment intent")
		return Result{Outcome: OutcomeNoMatch}, nil
	}
	if len(sessions) > 1 {
		r.logger.WarnContext(ctx, "Several checkout sessions for payment intent, using the first", "count", len(sessions))
	}

	return r.markPaid(ctx, sessions[0], intent.ID)
}

func (r *Reconciler) handleCheckoutExpired(ctx context.Context, event model.VerifiedEvent) (Result, error) {
	session, err := payload.DecodeCheckoutSession(event.Payload)
	if err != nil {
		r.logger.WarnContext(ctx, "Checkout session expired, payload unreadable", "error", err)
		return Result{Outcome: OutcomeIgnored}, nil
	}

	r.logger.InfoContext(ctx, "Checkout session expired", "sessionId", session.ID, "bookingId", session.BookingID())
	return Result{Outcome: OutcomeIgnored}, nil
}

// markPaid applies unpaid -> paid once and enqueues the confirmation only for
// the delivery that performed the transition.
func (r *Reconciler) markPaid(ctx context.Context, session payload.CheckoutSession, paymentIntentID string) (Result, error) {
	id, err := ParseReservationID(session.BookingID())
	if err != nil {
		return Result{}, err
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("reservationId", id.String()))

	transition := model.PaidTransition{
		PaidAt:          r.now().UTC(),
		SessionID:       session.ID,
		PaymentIntentID: paymentIntentID,
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	applied, err := r.store.UpdateIfUnpaid(storeCtx, id, transition)
	cancel()
	if errors.Is(err, model.ErrReservationNotFound) {
		return Result{ReservationID: id}, fmt.Errorf("%w: no reservation %s", ErrUnresolvableReservation, id)
	}
	if err != nil {
		return Result{ReservationID: id}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if !applied {
		r.logger.InfoContext(ctx, "Reservation already paid")
		return Result{Outcome: OutcomeAlreadyPaid, ReservationID: id}, nil
	}
	r.logger.InfoContext(ctx, "Reservation marked paid")

	dispatchCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	err = r.dispatcher.Enqueue(dispatchCtx, r.taskName, payload.Confirmation{BookingID: id})
	cancel()
	if err != nil {
		r.logger.ErrorContext(ctx, "Reservation paid but confirmation not enqueued", "error", err)
		dispatchFailedCounter.Inc()
		return Result{Outcome: OutcomeTransitioned, ReservationID: id}, fmt.Errorf("%w: %w", ErrDispatcherUnavailable, err)
	}
	dispatchEnqueuedCounter.Inc()

	return Result{Outcome: OutcomeTransitioned, ReservationID: id}, nil
}

func countEvent(eventType model.EventType, outcome string) {
	label := string(eventType)
	switch eventType {
	case model.EventCheckoutCompleted, model.EventPaymentSucceeded, model.EventCheckoutExpired:
	default:
		label = "other"
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`reconciler_events_total{type=%q,outcome=%q}`, label, outcome)).Inc()
}

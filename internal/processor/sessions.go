package processor

import (
	"context"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/payload"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// maxSessions bounds the list call; only the first session is ever used.
const maxSessions = 10

type SessionFinder struct {
	api     *client.API
	timeout time.Duration
}

func NewSessionFinder(api *client.API, cfg config.Processor) *SessionFinder {
	return &SessionFinder{api: api, timeout: time.Duration(cfg.LookupTimeoutMs) * time.Millisecond}
}

func (f *SessionFinder) FindByPaymentIntent(ctx context.Context, paymentIntentID string) ([]payload.CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	params.Limit = stripe.Int64(maxSessions)

	var sessions []payload.CheckoutSession
	iter := f.api.CheckoutSessions.List(params)
	for iter.Next() {
		sessions = append(sessions, toCheckoutSession(iter.CheckoutSession()))
		if len(sessions) == maxSessions {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "list checkout sessions for %s", paymentIntentID)
	}
	return sessions, nil
}

func toCheckoutSession(s *stripe.CheckoutSession) payload.CheckoutSession {
	session := payload.CheckoutSession{
		ID:            s.ID,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		Metadata:      s.Metadata,
	}
	if s.PaymentIntent != nil {
		session.PaymentIntent = payload.Ref{ID: s.PaymentIntent.ID}
	}
	return session
}

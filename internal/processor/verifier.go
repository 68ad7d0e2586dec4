package processor

import (
	"errors"
	"fmt"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/model"

	"github.com/stripe/stripe-go/v76/webhook"
)

var ErrSignatureInvalid = errors.New("signature invalid")

// Verifier authenticates webhook deliveries with the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(cfg config.Processor) *Verifier {
	return &Verifier{secret: cfg.WebhookSecret, tolerance: cfg.Tolerance()}
}

// Verify checks signature against body and decodes the event envelope. Any
// failure, including a body that does not parse, is ErrSignatureInvalid.
func (v *Verifier) Verify(body []byte, signature string) (model.VerifiedEvent, error) {
	event, err := webhook.ConstructEventWithOptions(body, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return model.VerifiedEvent{}, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	if event.ID == "" || event.Type == "" {
		return model.VerifiedEvent{}, fmt.Errorf("%w: event without id or type", ErrSignatureInvalid)
	}

	verified := model.VerifiedEvent{
		ID:      event.ID,
		Type:    model.EventType(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		verified.Payload = event.Data.Raw
	}
	return verified, nil
}

package mockprocessor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"payment-reconciler/internal/model"
	"payment-reconciler/internal/payload"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v76/webhook"
)

// eventObject is the webhook envelope the processor posts.
type eventObject struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	APIVersion string `json:"api_version"`
	Type       string `json:"type"`
	Created    int64  `json:"created"`
	Data       struct {
		Object any `json:"object"`
	} `json:"data"`
}

func CheckoutEvent(eventID string, eventType model.EventType, session payload.CheckoutSession) ([]byte, error) {
	return marshalEvent(eventID, eventType, sessionObject{Object: "checkout.session", CheckoutSession: session})
}

func PaymentSucceededEvent(eventID, paymentIntentID string) ([]byte, error) {
	intent := map[string]string{"id": paymentIntentID, "object": "payment_intent", "status": "succeeded"}
	return marshalEvent(eventID, model.EventPaymentSucceeded, intent)
}

func marshalEvent(eventID string, eventType model.EventType, object any) ([]byte, error) {
	e := eventObject{
		ID:         eventID,
		Object:     "event",
		APIVersion: "2023-10-16",
		Type:       string(eventType),
		Created:    time.Now().Unix(),
	}
	e.Data.Object = object
	body, err := json.Marshal(e)
	return body, errors.Wrap(err, "marshal event")
}

// Deliverer posts signed webhook deliveries to the reconciler.
type Deliverer struct {
	target string
	secret string
	client *http.Client
}

func NewDeliverer(target, secret string) *Deliverer {
	return &Deliverer{target: target, secret: secret, client: &http.Client{Timeout: 10 * time.Second}}
}

// Deliver sends body copies times concurrently and returns the status code of
// every delivery; transport failures are reported as 0.
func (d *Deliverer) Deliver(ctx context.Context, body []byte, copies int) []int {
	statuses := make([]int, copies)

	var wg sync.WaitGroup
	for i := 0; i < copies; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], _ = d.post(ctx, body)
		}(i)
	}
	wg.Wait()

	return statuses
}

func (d *Deliverer) post(ctx context.Context, body []byte) (int, error) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    d.secret,
		Timestamp: time.Now(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

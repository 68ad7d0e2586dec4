package payload

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// BookingIDKey is the checkout session metadata key holding the reservation id.
const BookingIDKey = "bookingId"

type CheckoutSession struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent Ref               `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

func (s CheckoutSession) BookingID() string {
	return s.Metadata[BookingIDKey]
}

func (s CheckoutSession) PaymentIntentID() string {
	return s.PaymentIntent.ID
}

type PaymentIntent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Confirmation is the data of the confirmation task sent downstream.
type Confirmation struct {
	BookingID uuid.UUID `json:"bookingId"`
}

// Ref is a processor object reference, delivered either as a bare id string or
// as the expanded object.
type Ref struct {
	ID string
}

func (e *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

func (e Ref) MarshalJSON() ([]byte, error) {
	if e.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(e.ID)
}

func DecodeCheckoutSession(raw []byte) (CheckoutSession, error) {
	var s CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return CheckoutSession{}, errors.Wrap(err, "decode checkout session")
	}
	return s, nil
}

func DecodePaymentIntent(raw []byte) (PaymentIntent, error) {
	var pi PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return PaymentIntent{}, errors.Wrap(err, "decode payment intent")
	}
	if pi.ID == "" {
		return PaymentIntent{}, errors.New("payment intent without id")
	}
	return pi, nil
}

package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	PaymentStatusPaid   PaymentStatus = "paid"
)

type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventPaymentSucceeded  EventType = "payment_intent.succeeded"
	EventCheckoutExpired   EventType = "checkout.session.expired"
)

var ErrReservationNotFound = errors.New("reservation not found")

// Reservation is the booking record whose payment state the reconciler owns.
// PaymentStatus is monotonic and PaidAt is set iff PaymentStatus is paid.
type Reservation struct {
	ID                       uuid.UUID     `json:"id"`
	PaymentStatus            PaymentStatus `json:"paymentStatus"`
	PaymentLinkToken         string        `json:"paymentLinkToken"`
	PaidAt                   *time.Time    `json:"paidAt,omitempty"`
	ProcessorSessionID       *string       `json:"processorSessionId,omitempty"`
	ProcessorPaymentIntentID *string       `json:"processorPaymentIntentId,omitempty"`
	CreatedAt                time.Time     `json:"createdAt"`
	UpdatedAt                time.Time     `json:"updatedAt"`
}

func (r Reservation) IsPaid() bool {
	return r.PaymentStatus == PaymentStatusPaid
}

// PaidTransition carries the fields written by the unpaid -> paid transition.
type PaidTransition struct {
	PaidAt          time.Time
	SessionID       string
	PaymentIntentID string
}

// VerifiedEvent is a processor notification whose signature has been checked.
type VerifiedEvent struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	Created time.Time       `json:"created"`
	Payload json.RawMessage `json:"payload"`
}

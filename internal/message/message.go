package message

import (
	"payment-reconciler/internal/payload"

	"github.com/google/uuid"
)

// Task is the envelope published to the broker for the downstream
// notification worker.
type Task struct {
	ID   uuid.UUID            `json:"id"`
	Name string               `json:"name"`
	Data payload.Confirmation `json:"data"`
}

// InboundEvent is a webhook delivery forwarded by the edge gateway through the
// ingress topic. Body is the raw request body, byte for byte.
type InboundEvent struct {
	Signature string `json:"signature"`
	Body      string `json:"body"`
}

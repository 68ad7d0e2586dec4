package db

import (
	"time"

	"github.com/google/uuid"
)

type OutboxEntity struct {
	ID              uuid.UUID
	TaskName        string
	ReservationID   uuid.UUID
	Payload         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ScheduledAt     *time.Time
	PublishedAt     *time.Time
	PublishAttempts int
	Error           *string
}

type WebhookEventEntity struct {
	ID              string
	EventType       string
	Payload         string
	Deliveries      int
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	ProcessingError *string
}

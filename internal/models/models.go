package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Task is the work order. Its status only ever changes through conditional
// updates guarded by the transition table; rows are never hard-deleted.
// CompletedAt is set exactly when status is completed.
type Task struct {
	TaskID           uuid.UUID
	Status           string
	Title            string
	Description      string
	CustomerID       uuid.UUID
	SiteLocationID   uuid.UUID
	ExpectedAmount   decimal.NullDecimal
	ExpectedCurrency *string
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GeoLocation is an immutable coordinate record, created once per distinct
// location and shared by task sites and field events.
type GeoLocation struct {
	LocationID uuid.UUID
	Lat        float64
	Lng        float64
	Label      *string
	CreatedAt  time.Time
}

// Event is one append-only log entry. Ordering within a topic is
// (occurred_at, event_id); rows are immutable once written.
type Event struct {
	EventID    uuid.UUID
	Topic      string
	TaskID     uuid.UUID
	Action     string
	ActorID    string
	OccurredAt time.Time
	Payload    json.RawMessage
}

// Payment is created transactionally with the checkout status transition.
// The task_id column carries a unique constraint: one payment per task, ever.
type Payment struct {
	PaymentID           uuid.UUID
	TaskID              uuid.UUID
	Amount              decimal.Decimal
	Currency            string
	InvoiceAttachmentID *uuid.UUID
	CollectorID         string
	CollectedAt         time.Time
}

type OutboxEvent struct {
	EventID       uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Topic         string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

// TaskTopic is the event-log topic for one task aggregate.
func TaskTopic(taskID uuid.UUID) string {
	return "task:" + taskID.String()
}

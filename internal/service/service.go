package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"field-service-coordination-system/internal/gateway"
	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/internal/repos"
	"field-service-coordination-system/shared/config"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/logx"
)

type TaskStore interface {
	GetTaskByID(ctx context.Context, taskID uuid.UUID) (models.Task, error)
	GetTaskWithSite(ctx context.Context, taskID uuid.UUID) (models.Task, models.GeoLocation, error)
	TransitionStatus(ctx context.Context, taskID uuid.UUID, fromExpected string, toStatus string, reason *string, actorID string) (models.Task, models.Event, error)
}

type EventStore interface {
	AppendPublished(ctx context.Context, event models.Event) (models.Event, error)
	ListByTopic(ctx context.Context, topic string, cursor string, limit int) ([]models.Event, string, error)
}

type CheckoutStore interface {
	CompleteWithPayment(ctx context.Context, params repos.CheckoutParams) (repos.CheckoutResult, error)
}

type Uploader interface {
	UploadAll(ctx context.Context, taskID uuid.UUID, uploads []gateway.Upload) ([]events.AttachmentRef, error)
}

// Telemetry is best-effort: write failures are logged and swallowed, never
// surfaced to the field worker.
type Telemetry interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Coordinator is the application service behind the field endpoints. It owns
// the order of operations: proximity evaluation first, uploads second, and
// only then any durable write, so a failed upload leaves no trace.
type Coordinator struct {
	log               logx.Logger
	tasks             TaskStore
	events            EventStore
	checkout          CheckoutStore
	uploads           Uploader
	telemetry         Telemetry
	distanceThreshold float64
	retryMax          int
}

func NewCoordinator(log logx.Logger, tasks TaskStore, eventStore EventStore, checkout CheckoutStore, uploads Uploader, telemetry Telemetry, cfg config.Config) *Coordinator {
	return &Coordinator{
		log:               log,
		tasks:             tasks,
		events:            eventStore,
		checkout:          checkout,
		uploads:           uploads,
		telemetry:         telemetry,
		distanceThreshold: cfg.DistanceThresholdM,
		retryMax:          cfg.CheckoutRetryMax,
	}
}

func (c *Coordinator) recordDistance(ctx context.Context, action string, taskID uuid.UUID, distance float64) {
	if c.telemetry == nil {
		return
	}
	err := c.telemetry.WritePoint(ctx, "field_distance",
		map[string]string{"action": action, "task_id": taskID.String()},
		map[string]any{"distance_m": distance},
		time.Now().UTC())
	if err != nil {
		c.log.Warn(ctx, "telemetry_write_failed", "field distance point dropped", logx.Err(err))
	}
}

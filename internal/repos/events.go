package repos

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/shared/faultx"
)

// EventsRepo is the append-only event log. There is no update or delete path
// on purpose; the log is the durable record other subsystems rebuild from.
type EventsRepo struct {
	pool *pgxpool.Pool
}

func NewEventsRepo(pool *pgxpool.Pool) *EventsRepo {
	return &EventsRepo{pool: pool}
}

func (r *EventsRepo) Append(ctx context.Context, event models.Event) (models.Event, error) {
	return appendEvent(ctx, r.pool, event)
}

// AppendPublished writes the event and its outbox row in one short
// transaction, for callers that are not already inside one.
func (r *EventsRepo) AppendPublished(ctx context.Context, event models.Event) (models.Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Event{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	event, err = appendWithOutbox(ctx, tx, event)
	if err != nil {
		return models.Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Event{}, err
	}
	return event, nil
}

// appendWithOutbox appends the log entry and queues its outbox copy on the
// same connection, so both commit or neither does.
func appendWithOutbox(ctx context.Context, db DBTX, event models.Event) (models.Event, error) {
	event, err := appendEvent(ctx, db, event)
	if err != nil {
		return models.Event{}, err
	}
	row, err := outboxRowFor(event)
	if err != nil {
		return models.Event{}, err
	}
	if _, err := insertOutbox(ctx, db, row); err != nil {
		return models.Event{}, err
	}
	return event, nil
}

// appendEvent runs against either the pool or a caller-owned transaction so
// state changes and the events describing them commit together.
func appendEvent(ctx context.Context, db DBTX, event models.Event) (models.Event, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Topic == "" {
		event.Topic = models.TaskTopic(event.TaskID)
	}
	err := db.QueryRow(ctx, `
		INSERT INTO task_events (event_id, topic, task_id, action, actor_id, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING event_id, topic, task_id, action, actor_id, occurred_at, payload
	`, event.EventID, event.Topic, event.TaskID, event.Action, event.ActorID, event.OccurredAt, event.Payload).
		Scan(&event.EventID, &event.Topic, &event.TaskID, &event.Action, &event.ActorID, &event.OccurredAt, &event.Payload)
	return event, err
}

// ListByTopic pages through a topic in (occurred_at, event_id) order. The
// event id breaks timestamp ties so a restarted reader never skips or
// repeats a row.
func (r *EventsRepo) ListByTopic(ctx context.Context, topic string, cursor string, limit int) ([]models.Event, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	afterAt := time.Time{}
	afterID := uuid.Nil
	if cursor != "" {
		var err error
		afterAt, afterID, err = decodeCursor(cursor)
		if err != nil {
			return nil, "", faultx.NewValidation("cursor", "malformed cursor")
		}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT event_id, topic, task_id, action, actor_id, occurred_at, payload
		FROM task_events
		WHERE topic = $1 AND (occurred_at, event_id) > ($2, $3)
		ORDER BY occurred_at ASC, event_id ASC
		LIMIT $4
	`, topic, afterAt, afterID, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var event models.Event
		if err := rows.Scan(&event.EventID, &event.Topic, &event.TaskID, &event.Action, &event.ActorID, &event.OccurredAt, &event.Payload); err != nil {
			return nil, "", err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(events) == limit {
		last := events[len(events)-1]
		next = encodeCursor(last.OccurredAt, last.EventID)
	}
	return events, next, nil
}

func encodeCursor(at time.Time, id uuid.UUID) string {
	raw := strconv.FormatInt(at.UTC().UnixNano(), 10) + "|" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, fmt.Errorf("cursor has %d parts", len(parts))
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	return time.Unix(0, nanos).UTC(), id, nil
}

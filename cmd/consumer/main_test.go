package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/internal/repos"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/workflow"
)

type memTaskReader struct {
	task  models.Task
	reads int
}

func (m *memTaskReader) GetTaskByID(ctx context.Context, taskID uuid.UUID) (models.Task, error) {
	m.reads++
	if taskID != m.task.TaskID {
		return models.Task{}, repos.ErrTaskNotFound
	}
	return m.task, nil
}

type memPaymentReader struct{}

func (memPaymentReader) GetByTaskID(ctx context.Context, taskID uuid.UUID) (models.Payment, error) {
	return models.Payment{}, repos.ErrPaymentNotFound
}

type memCache struct {
	seen   map[string]bool
	writes int
}

func (m *memCache) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *memCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	m.writes++
	return nil
}

func envelopeBytes(t *testing.T, eventID uuid.UUID, taskID uuid.UUID) []byte {
	t.Helper()
	payload, err := json.Marshal(events.StatusChangedPayload{
		FromStatus: workflow.TaskStatusReady,
		ToStatus:   workflow.TaskStatusInProgress,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(events.Envelope{
		EventID:    eventID,
		Topic:      models.TaskTopic(taskID),
		TaskID:     taskID,
		Action:     workflow.ActionStatusChanged,
		ActorID:    "dispatcher-1",
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func TestRefresherRedeliveryIsNoOp(t *testing.T) {
	taskID := uuid.New()
	tasks := &memTaskReader{task: models.Task{TaskID: taskID, Status: workflow.TaskStatusInProgress}}
	cache := &memCache{}
	refresher := &snapshotRefresher{tasks: tasks, payments: memPaymentReader{}, cache: cache, ttl: time.Minute}

	msg := envelopeBytes(t, uuid.New(), taskID)
	if err := refresher.handle(context.Background(), msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := refresher.handle(context.Background(), msg); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if cache.writes != 1 {
		t.Fatalf("snapshot writes = %d, want 1", cache.writes)
	}
	if tasks.reads != 1 {
		t.Fatalf("task reads = %d, want 1", tasks.reads)
	}
}

func TestRefresherRejectsUnknownAction(t *testing.T) {
	taskID := uuid.New()
	raw, err := json.Marshal(events.Envelope{
		EventID:    uuid.New(),
		TaskID:     taskID,
		Action:     "repainted",
		OccurredAt: time.Now().UTC(),
		Payload:    json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	refresher := &snapshotRefresher{tasks: &memTaskReader{}, payments: memPaymentReader{}, cache: &memCache{}, ttl: time.Minute}
	if err := refresher.handle(context.Background(), raw); err == nil {
		t.Fatalf("unknown action must be an error")
	}
}

func TestRefresherMissingIDs(t *testing.T) {
	refresher := &snapshotRefresher{tasks: &memTaskReader{}, payments: memPaymentReader{}, cache: &memCache{}, ttl: time.Minute}
	raw, err := json.Marshal(events.Envelope{Action: workflow.ActionCommented, Payload: json.RawMessage(`{"comment":"x"}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := refresher.handle(context.Background(), raw); err == nil {
		t.Fatalf("missing ids must be an error")
	}
}

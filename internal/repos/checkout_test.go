package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/faultx"
	"field-service-coordination-system/shared/workflow"
)

func TestClassifyTxErr(t *testing.T) {
	var conflict *faultx.ConflictError
	if err := classifyTxErr(&pgconn.PgError{Code: "23505"}); !errors.As(err, &conflict) {
		t.Fatalf("unique violation must map to ConflictError, got %v", err)
	}

	var timeout *faultx.TxTimeoutError
	for _, code := range []string{"55P03", "57014"} {
		if err := classifyTxErr(&pgconn.PgError{Code: code}); !errors.As(err, &timeout) {
			t.Fatalf("pg code %s must map to TxTimeoutError, got %v", code, err)
		}
	}
	if err := classifyTxErr(fmt.Errorf("tx: %w", context.DeadlineExceeded)); !errors.As(err, &timeout) {
		t.Fatalf("context deadline must map to TxTimeoutError, got %v", err)
	}

	plain := errors.New("connection reset")
	if err := classifyTxErr(plain); !errors.Is(err, plain) {
		t.Fatalf("unrelated errors must pass through, got %v", err)
	}
	if classifyTxErr(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestOutboxRowForWrapsEnvelope(t *testing.T) {
	taskID := uuid.New()
	payload, err := json.Marshal(events.StatusChangedPayload{
		FromStatus: workflow.TaskStatusInProgress,
		ToStatus:   workflow.TaskStatusCompleted,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	event := models.Event{
		EventID:    uuid.New(),
		Topic:      models.TaskTopic(taskID),
		TaskID:     taskID,
		Action:     workflow.ActionStatusChanged,
		ActorID:    "worker-1",
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	row, err := outboxRowFor(event)
	if err != nil {
		t.Fatalf("outboxRowFor: %v", err)
	}
	if row.EventID != event.EventID {
		t.Fatalf("outbox row id must equal the log event id")
	}
	if row.Topic != events.TopicTaskEvents {
		t.Fatalf("topic = %s, want %s", row.Topic, events.TopicTaskEvents)
	}
	if row.AggregateID != taskID {
		t.Fatalf("aggregate id = %s", row.AggregateID)
	}

	var envelope events.Envelope
	if err := json.Unmarshal(row.Payload, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.EventID != event.EventID || envelope.TaskID != taskID {
		t.Fatalf("envelope ids do not round-trip")
	}
	if envelope.Action != workflow.ActionStatusChanged {
		t.Fatalf("envelope action = %s", envelope.Action)
	}
}

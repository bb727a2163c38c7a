package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"field-service-coordination-system/internal/gateway"
	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/faultx"
	"field-service-coordination-system/shared/metricsx"
	"field-service-coordination-system/shared/workflow"
)

// ChangeStatus applies a dispatch-driven transition. Legality is checked
// here against the transition table; the race against other writers is
// settled by the conditional update underneath, never by this check.
func (c *Coordinator) ChangeStatus(ctx context.Context, taskID uuid.UUID, fromExpected string, toStatus string, reason *string, actorID string) (models.Task, models.Event, error) {
	if actorID == "" {
		return models.Task{}, models.Event{}, faultx.NewValidation("actor_id", "actor is required")
	}
	if !workflow.IsKnownStatus(fromExpected) {
		return models.Task{}, models.Event{}, faultx.NewValidation("from_status", fmt.Sprintf("unknown status %q", fromExpected))
	}
	if !workflow.IsKnownStatus(toStatus) {
		return models.Task{}, models.Event{}, faultx.NewValidation("to_status", fmt.Sprintf("unknown status %q", toStatus))
	}
	if !workflow.CanTransition(fromExpected, toStatus) {
		return models.Task{}, models.Event{}, faultx.NewValidation("to_status",
			fmt.Sprintf("transition %s -> %s is not allowed", workflow.NormalizeTaskStatus(fromExpected), workflow.NormalizeTaskStatus(toStatus)))
	}

	task, event, err := c.tasks.TransitionStatus(ctx, taskID, fromExpected, toStatus, reason, actorID)
	if err != nil {
		return models.Task{}, models.Event{}, err
	}
	metricsx.IncEventAppended(workflow.ActionStatusChanged)
	return task, event, nil
}

// Comment appends a free-form note, optionally with files, to the task's log.
func (c *Coordinator) Comment(ctx context.Context, taskID uuid.UUID, actorID string, comment string, uploads []gateway.Upload) (models.Event, error) {
	if actorID == "" {
		return models.Event{}, faultx.NewValidation("actor_id", "actor is required")
	}
	if comment == "" {
		return models.Event{}, faultx.NewValidation("comment", "comment must not be empty")
	}
	if _, err := c.tasks.GetTaskByID(ctx, taskID); err != nil {
		return models.Event{}, err
	}

	refs, err := c.uploads.UploadAll(ctx, taskID, uploads)
	if err != nil {
		return models.Event{}, err
	}
	payload, err := json.Marshal(events.CommentedPayload{Comment: comment, AttachmentRefs: refs})
	if err != nil {
		return models.Event{}, err
	}
	event, err := c.events.AppendPublished(ctx, models.Event{
		TaskID:  taskID,
		Action:  workflow.ActionCommented,
		ActorID: actorID,
		Payload: payload,
	})
	if err != nil {
		return models.Event{}, err
	}
	metricsx.IncEventAppended(workflow.ActionCommented)
	return event, nil
}

// ListEvents reads a page of the task's log.
func (c *Coordinator) ListEvents(ctx context.Context, taskID uuid.UUID, cursor string, limit int) ([]models.Event, string, error) {
	if _, err := c.tasks.GetTaskByID(ctx, taskID); err != nil {
		return nil, "", err
	}
	return c.events.ListByTopic(ctx, models.TaskTopic(taskID), cursor, limit)
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"field-service-coordination-system/internal/gateway"
	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/faultx"
	"field-service-coordination-system/shared/geo"
	"field-service-coordination-system/shared/logx"
	"field-service-coordination-system/shared/metricsx"
	"field-service-coordination-system/shared/workflow"
)

// FieldReport is the common input for arrival and departure: who, where,
// optional note, optional files.
type FieldReport struct {
	TaskID   uuid.UUID
	ActorID  string
	Location geo.Coordinate
	Note     *string
	Uploads  []gateway.Upload
}

type FieldResult struct {
	Event          models.Event
	DistanceMeters float64
	Warnings       []string
}

// CheckIn records an arrival at the site. It never changes task status and a
// far-away coordinate never blocks it; distance over the threshold only adds
// a warning to the payload for later review.
func (c *Coordinator) CheckIn(ctx context.Context, report FieldReport) (FieldResult, error) {
	return c.fieldEvent(ctx, workflow.ActionCheckedIn, report)
}

// CheckOut records a departure without completing the task. Completion with
// optional payment goes through Complete instead.
func (c *Coordinator) CheckOut(ctx context.Context, report FieldReport) (FieldResult, error) {
	return c.fieldEvent(ctx, workflow.ActionCheckedOut, report)
}

func (c *Coordinator) fieldEvent(ctx context.Context, action string, report FieldReport) (FieldResult, error) {
	if report.ActorID == "" {
		return FieldResult{}, faultx.NewValidation("actor_id", "actor is required")
	}

	task, site, err := c.tasks.GetTaskWithSite(ctx, report.TaskID)
	if err != nil {
		return FieldResult{}, err
	}
	if task.Status == workflow.TaskStatusCompleted {
		return FieldResult{}, faultx.NewConflict("task", "task already completed")
	}

	distance, warnings, err := c.evaluateDistance(action, report.Location, site)
	if err != nil {
		return FieldResult{}, err
	}

	refs, err := c.uploads.UploadAll(ctx, report.TaskID, report.Uploads)
	if err != nil {
		c.log.Error(ctx, "attachment_upload_failed", "aborting before any state change",
			slog.String("task_id", report.TaskID.String()),
			slog.String("actor_id", report.ActorID),
			slog.String("action", action),
			logx.Err(err))
		return FieldResult{}, err
	}

	payload, err := marshalFieldPayload(action, report, site, distance, refs, warnings)
	if err != nil {
		return FieldResult{}, err
	}
	event, err := c.events.AppendPublished(ctx, models.Event{
		TaskID:  report.TaskID,
		Action:  action,
		ActorID: report.ActorID,
		Payload: payload,
	})
	if err != nil {
		return FieldResult{}, err
	}
	metricsx.IncEventAppended(action)
	c.recordDistance(ctx, action, report.TaskID, distance)

	return FieldResult{Event: event, DistanceMeters: distance, Warnings: warnings}, nil
}

func (c *Coordinator) evaluateDistance(action string, location geo.Coordinate, site models.GeoLocation) (float64, []string, error) {
	distance, err := geo.DistanceMeters(location, geo.Coordinate{Lat: site.Lat, Lng: site.Lng})
	if err != nil {
		return 0, nil, err
	}
	var warnings []string
	if distance > c.distanceThreshold {
		warnings = append(warnings, fmt.Sprintf("reported position is %.0f m from the site, beyond the %.0f m threshold", distance, c.distanceThreshold))
		metricsx.IncDistanceWarning(action)
	}
	return distance, warnings, nil
}

func marshalFieldPayload(action string, report FieldReport, site models.GeoLocation, distance float64, refs []events.AttachmentRef, warnings []string) (json.RawMessage, error) {
	label := ""
	if site.Label != nil {
		label = *site.Label
	}
	if refs == nil {
		refs = []events.AttachmentRef{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	if action == workflow.ActionCheckedIn {
		return json.Marshal(events.CheckedInPayload{
			GeoLocation:           report.Location,
			LocationLabel:         label,
			DistanceFromSiteMeter: distance,
			AttachmentRefs:        refs,
			Warnings:              warnings,
			Note:                  report.Note,
		})
	}
	return json.Marshal(events.CheckedOutPayload{
		GeoLocation:           report.Location,
		LocationLabel:         label,
		DistanceFromSiteMeter: distance,
		AttachmentRefs:        refs,
		Warnings:              warnings,
		Note:                  report.Note,
	})
}

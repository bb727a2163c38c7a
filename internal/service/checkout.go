package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"field-service-coordination-system/internal/gateway"
	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/internal/repos"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/faultx"
	"field-service-coordination-system/shared/geo"
	"field-service-coordination-system/shared/logx"
	"field-service-coordination-system/shared/metricsx"
	"field-service-coordination-system/shared/workflow"
)

type PaymentDetails struct {
	Amount   decimal.Decimal
	Currency string
}

// CompleteRequest is a departure that also finishes the task: the status
// moves to completed and, when payment details are present, the collected
// amount is recorded in the same transaction.
type CompleteRequest struct {
	TaskID   uuid.UUID
	ActorID  string
	Location geo.Coordinate
	Note     *string
	Uploads  []gateway.Upload
	Invoice  *gateway.Upload
	Payment  *PaymentDetails
}

type CompleteResult struct {
	Task           models.Task
	Payment        *models.Payment
	Events         []models.Event
	DistanceMeters float64
	Warnings       []string
}

// Complete runs the two-phase checkout. Phase 1 evaluates distance and
// uploads everything through the gateway; any failure there aborts with no
// state written. Phase 2 is the single atomic transaction in the repo. A
// blown transaction budget is retried whole, a bounded number of times,
// which is safe precisely because phase 1 left nothing behind and phase 2
// rolled back completely.
func (c *Coordinator) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	if req.ActorID == "" {
		return CompleteResult{}, faultx.NewValidation("actor_id", "actor is required")
	}
	if req.Payment != nil {
		if req.Payment.Amount.Sign() <= 0 {
			return CompleteResult{}, faultx.NewValidation("amount", "payment amount must be positive")
		}
		if req.Payment.Currency == "" {
			return CompleteResult{}, faultx.NewValidation("currency", "payment currency is required")
		}
	}

	_, site, err := c.tasks.GetTaskWithSite(ctx, req.TaskID)
	if err != nil {
		return CompleteResult{}, err
	}
	distance, warnings, err := c.evaluateDistance(workflow.ActionCheckedOut, req.Location, site)
	if err != nil {
		return CompleteResult{}, err
	}

	refs, err := c.uploads.UploadAll(ctx, req.TaskID, req.Uploads)
	if err != nil {
		c.logUploadFailure(ctx, req, err)
		return CompleteResult{}, err
	}
	var invoiceID *uuid.UUID
	if req.Invoice != nil {
		invoiceRefs, err := c.uploads.UploadAll(ctx, req.TaskID, []gateway.Upload{*req.Invoice})
		if err != nil {
			c.logUploadFailure(ctx, req, err)
			return CompleteResult{}, err
		}
		invoiceID = &invoiceRefs[0].ID
	}

	if refs == nil {
		refs = []events.AttachmentRef{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	label := ""
	if site.Label != nil {
		label = *site.Label
	}
	params := repos.CheckoutParams{
		TaskID:  req.TaskID,
		ActorID: req.ActorID,
		Checkout: events.CheckoutContext{
			GeoLocation:           req.Location,
			LocationLabel:         label,
			DistanceFromSiteMeter: distance,
			AttachmentRefs:        refs,
			Warnings:              warnings,
			Note:                  req.Note,
		},
	}
	if req.Payment != nil {
		params.Payment = &repos.PaymentParams{
			Amount:              req.Payment.Amount,
			Currency:            req.Payment.Currency,
			InvoiceAttachmentID: invoiceID,
		}
	}

	var result repos.CheckoutResult
	for attempt := 0; ; attempt++ {
		result, err = c.checkout.CompleteWithPayment(ctx, params)
		if err == nil {
			break
		}
		var conflict *faultx.ConflictError
		if errors.As(err, &conflict) {
			metricsx.IncCheckoutConflict()
			return CompleteResult{}, err
		}
		var timeout *faultx.TxTimeoutError
		if errors.As(err, &timeout) {
			metricsx.IncCheckoutTimeout()
			if attempt < c.retryMax {
				c.log.Warn(ctx, "checkout_retry", "transaction budget exceeded, retrying checkout",
					slog.String("task_id", req.TaskID.String()),
					slog.String("actor_id", req.ActorID),
					slog.Int("attempt", attempt+1),
					logx.Err(err))
				continue
			}
			c.log.Error(ctx, "checkout_timeout", "transaction budget exceeded, giving up",
				slog.String("task_id", req.TaskID.String()),
				slog.String("actor_id", req.ActorID),
				logx.Err(err))
		}
		return CompleteResult{}, err
	}

	for _, event := range result.Events {
		metricsx.IncEventAppended(event.Action)
	}
	c.recordDistance(ctx, workflow.ActionCheckedOut, req.TaskID, distance)

	return CompleteResult{
		Task:           result.Task,
		Payment:        result.Payment,
		Events:         result.Events,
		DistanceMeters: distance,
		Warnings:       warnings,
	}, nil
}

func (c *Coordinator) logUploadFailure(ctx context.Context, req CompleteRequest, err error) {
	c.log.Error(ctx, "attachment_upload_failed", "aborting checkout before any state change",
		slog.String("task_id", req.TaskID.String()),
		slog.String("actor_id", req.ActorID),
		logx.Err(err))
}

package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/faultx"
	"field-service-coordination-system/shared/workflow"
)

// CheckoutRepo owns the atomic phase of checkout-with-payment. Everything in
// CompleteWithPayment runs in one database transaction bounded by the tx
// budget, with a per-transaction lock_timeout so a stuck row lock surfaces as
// a timeout instead of an open-ended wait. The conditional status update is
// the only concurrency guard; there is no advisory locking.
type CheckoutRepo struct {
	pool        *pgxpool.Pool
	txTimeout   time.Duration
	lockTimeout time.Duration
}

func NewCheckoutRepo(pool *pgxpool.Pool, txTimeout time.Duration, lockTimeout time.Duration) *CheckoutRepo {
	if txTimeout <= 0 {
		txTimeout = 10 * time.Second
	}
	if lockTimeout <= 0 || lockTimeout > txTimeout {
		lockTimeout = txTimeout / 2
	}
	return &CheckoutRepo{pool: pool, txTimeout: txTimeout, lockTimeout: lockTimeout}
}

type PaymentParams struct {
	Amount              decimal.Decimal
	Currency            string
	InvoiceAttachmentID *uuid.UUID
}

type CheckoutParams struct {
	TaskID   uuid.UUID
	ActorID  string
	Checkout events.CheckoutContext
	Payment  *PaymentParams
}

type CheckoutResult struct {
	Task    models.Task
	Payment *models.Payment
	Events  []models.Event
}

// CompleteWithPayment moves the task from in_progress to completed and, when
// payment details are present, records the payment in the same transaction.
// All uploads have already happened by the time this runs; the transaction
// touches only the database. Zero rows from the conditional update means
// another checkout already won, reported as ConflictError. A duplicate
// payment row, a lock timeout, or the tx budget expiring are classified by
// classifyTxErr; everything rolls back as a unit.
func (r *CheckoutRepo) CompleteWithPayment(ctx context.Context, params CheckoutParams) (CheckoutResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.txTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CheckoutResult{}, classifyTxErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SET LOCAL scopes the timeout to this transaction and does not accept
	// bind parameters; the value comes from validated config, never request
	// input.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return CheckoutResult{}, classifyTxErr(err)
	}

	now := time.Now().UTC()
	task, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks
		SET status = $3, completed_at = $4, updated_at = $4
		WHERE task_id = $1 AND status = $2
		RETURNING `+taskColumns+`
	`, params.TaskID, workflow.TaskStatusInProgress, workflow.TaskStatusCompleted, now))
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return CheckoutResult{}, r.conflictFromCurrent(ctx, params.TaskID)
		}
		return CheckoutResult{}, classifyTxErr(err)
	}

	result := CheckoutResult{Task: task}

	checkout := params.Checkout
	statusEvent, err := appendStatusChanged(ctx, tx, task.TaskID, workflow.TaskStatusInProgress, workflow.TaskStatusCompleted, nil, &checkout, params.ActorID, now)
	if err != nil {
		return CheckoutResult{}, classifyTxErr(err)
	}
	result.Events = append(result.Events, statusEvent)

	if params.Payment != nil {
		payment, err := insertPayment(ctx, tx, models.Payment{
			TaskID:              task.TaskID,
			Amount:              params.Payment.Amount,
			Currency:            params.Payment.Currency,
			InvoiceAttachmentID: params.Payment.InvoiceAttachmentID,
			CollectorID:         params.ActorID,
			CollectedAt:         now,
		})
		if err != nil {
			return CheckoutResult{}, classifyTxErr(err)
		}
		result.Payment = &payment

		payload, err := json.Marshal(events.PaymentCollectedPayload{
			PaymentID:  payment.PaymentID,
			Amount:     payment.Amount.StringFixed(4),
			Currency:   payment.Currency,
			HasInvoice: payment.InvoiceAttachmentID != nil,
		})
		if err != nil {
			return CheckoutResult{}, err
		}
		paymentEvent, err := appendWithOutbox(ctx, tx, models.Event{
			TaskID:     task.TaskID,
			Action:     workflow.ActionPaymentCollected,
			ActorID:    params.ActorID,
			OccurredAt: now,
			Payload:    payload,
		})
		if err != nil {
			return CheckoutResult{}, classifyTxErr(err)
		}
		result.Events = append(result.Events, paymentEvent)
	}

	if err := tx.Commit(ctx); err != nil {
		return CheckoutResult{}, classifyTxErr(err)
	}
	return result, nil
}

// appendStatusChanged records a status transition on the task's topic,
// optionally carrying the checkout context when the transition is the
// completion half of a checkout.
func appendStatusChanged(ctx context.Context, db DBTX, taskID uuid.UUID, fromStatus string, toStatus string, reason *string, checkout *events.CheckoutContext, actorID string, at time.Time) (models.Event, error) {
	payload, err := json.Marshal(events.StatusChangedPayload{
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Reason:     reason,
		Checkout:   checkout,
	})
	if err != nil {
		return models.Event{}, err
	}
	return appendWithOutbox(ctx, db, models.Event{
		TaskID:     taskID,
		Action:     workflow.ActionStatusChanged,
		ActorID:    actorID,
		OccurredAt: at,
		Payload:    payload,
	})
}

// conflictFromCurrent re-reads the task outside the failed transaction to
// tell the caller what actually happened: the row is gone, or someone else
// completed it first.
func (r *CheckoutRepo) conflictFromCurrent(ctx context.Context, taskID uuid.UUID) error {
	var current string
	err := r.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE task_id = $1`, taskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return classifyTxErr(err)
	}
	if current == workflow.TaskStatusCompleted {
		return faultx.NewConflict("task", "task already completed by someone else")
	}
	return faultx.NewConflict("task", fmt.Sprintf("task status is %s, expected %s", current, workflow.TaskStatusInProgress))
}

// classifyTxErr maps storage failures onto the caller-facing taxonomy.
// Unique violations are conflicts (another checkout already recorded the
// payment); lock timeouts, statement cancellation, and the context deadline
// all mean the atomic phase blew its budget and was rolled back whole.
func classifyTxErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return faultx.NewConflict("payment", "payment already recorded for task")
		case "55P03", "57014":
			return &faultx.TxTimeoutError{Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &faultx.TxTimeoutError{Err: err}
	}
	return err
}

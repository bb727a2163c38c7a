package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"field-service-coordination-system/internal/models"
)

var ErrPaymentNotFound = errors.New("payment not found")

type PaymentsRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentsRepo(pool *pgxpool.Pool) *PaymentsRepo {
	return &PaymentsRepo{pool: pool}
}

// insertPayment only ever runs inside the checkout transaction. The unique
// constraint on task_id is the storage-level backstop for the one-payment-
// per-task invariant.
func insertPayment(ctx context.Context, db DBTX, payment models.Payment) (models.Payment, error) {
	if payment.PaymentID == uuid.Nil {
		payment.PaymentID = uuid.New()
	}
	if payment.CollectedAt.IsZero() {
		payment.CollectedAt = time.Now().UTC()
	}
	err := db.QueryRow(ctx, `
		INSERT INTO payments (payment_id, task_id, amount, currency, invoice_attachment_id, collector_id, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING payment_id, task_id, amount, currency, invoice_attachment_id, collector_id, collected_at
	`, payment.PaymentID, payment.TaskID, payment.Amount, payment.Currency, payment.InvoiceAttachmentID, payment.CollectorID, payment.CollectedAt).
		Scan(&payment.PaymentID, &payment.TaskID, &payment.Amount, &payment.Currency, &payment.InvoiceAttachmentID, &payment.CollectorID, &payment.CollectedAt)
	return payment, err
}

func (r *PaymentsRepo) GetByTaskID(ctx context.Context, taskID uuid.UUID) (models.Payment, error) {
	var payment models.Payment
	err := r.pool.QueryRow(ctx, `
		SELECT payment_id, task_id, amount, currency, invoice_attachment_id, collector_id, collected_at
		FROM payments
		WHERE task_id = $1
	`, taskID).
		Scan(&payment.PaymentID, &payment.TaskID, &payment.Amount, &payment.Currency, &payment.InvoiceAttachmentID, &payment.CollectorID, &payment.CollectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payment{}, ErrPaymentNotFound
	}
	return payment, err
}

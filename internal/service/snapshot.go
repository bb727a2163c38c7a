package service

import (
	"time"

	"github.com/google/uuid"

	"field-service-coordination-system/internal/models"
)

// TaskSnapshot is the cached read model served by GET /tasks/{id} and
// refreshed by the stream consumer. One shape for both writers keeps the
// cache consistent no matter who filled it.
type TaskSnapshot struct {
	TaskID           uuid.UUID     `json:"task_id"`
	Status           string        `json:"status"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	CustomerID       uuid.UUID     `json:"customer_id"`
	SiteLocationID   uuid.UUID     `json:"site_location_id"`
	ExpectedAmount   *string       `json:"expected_amount,omitempty"`
	ExpectedCurrency *string       `json:"expected_currency,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Payment          *PaymentView  `json:"payment,omitempty"`
}

type PaymentView struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	HasInvoice  bool      `json:"has_invoice"`
	CollectedAt time.Time `json:"collected_at"`
}

func SnapshotKey(taskID uuid.UUID) string {
	return "task:snapshot:" + taskID.String()
}

func BuildTaskSnapshot(task models.Task, payment *models.Payment) TaskSnapshot {
	snapshot := TaskSnapshot{
		TaskID:           task.TaskID,
		Status:           task.Status,
		Title:            task.Title,
		Description:      task.Description,
		CustomerID:       task.CustomerID,
		SiteLocationID:   task.SiteLocationID,
		ExpectedCurrency: task.ExpectedCurrency,
		CompletedAt:      task.CompletedAt,
		UpdatedAt:        task.UpdatedAt,
	}
	if task.ExpectedAmount.Valid {
		amount := task.ExpectedAmount.Decimal.StringFixed(4)
		snapshot.ExpectedAmount = &amount
	}
	if payment != nil {
		snapshot.Payment = &PaymentView{
			PaymentID:   payment.PaymentID,
			Amount:      payment.Amount.StringFixed(4),
			Currency:    payment.Currency,
			HasInvoice:  payment.InvoiceAttachmentID != nil,
			CollectedAt: payment.CollectedAt,
		}
	}
	return snapshot
}

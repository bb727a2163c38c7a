package faultx

import "fmt"

// ValidationError rejects malformed input before any I/O happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidation(field string, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError means a conditional update matched zero rows: another actor
// already performed the change. It is a definitive outcome, not retryable.
type ConflictError struct {
	Resource string
	Message  string
}

func (e *ConflictError) Error() string {
	if e.Resource == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Resource, e.Message)
}

func NewConflict(resource string, message string) error {
	return &ConflictError{Resource: resource, Message: message}
}

// UploadError wraps an attachment gateway failure. It always occurs before
// the atomic phase, so retrying the whole operation from scratch is safe.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	if e.Err == nil {
		return "attachment upload failed"
	}
	return "attachment upload failed: " + e.Err.Error()
}

func (e *UploadError) Unwrap() error { return e.Err }

// TxTimeoutError means the atomic phase exceeded its time or lock budget.
// The database guarantees all-or-nothing, so a full retry is safe.
type TxTimeoutError struct {
	Err error
}

func (e *TxTimeoutError) Error() string {
	if e.Err == nil {
		return "transaction exceeded its time budget"
	}
	return "transaction exceeded its time budget: " + e.Err.Error()
}

func (e *TxTimeoutError) Unwrap() error { return e.Err }

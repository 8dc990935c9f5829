package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RefundStatus is the lifecycle state of a refund attempt.
type RefundStatus string

const (
	RefundStatusInitiated RefundStatus = "initiated"
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusFailed    RefundStatus = "failed"
)

// Refund records one attempt to return captured fiat to the user after a
// post-confirmation failure. The store guarantees at most one non-terminal
// refund per transaction; rows are never deleted.
type Refund struct {
	ID                uuid.UUID       `json:"id"`
	TransactionID     uuid.UUID       `json:"transaction_id"`
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"provider_reference"`
	AmountNGN         decimal.Decimal `json:"amount_ngn"`
	Status            RefundStatus    `json:"status"`
	RetryCount        int             `json:"retry_count"`
	LastError         *string         `json:"last_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

/**
 * @description
 * Event payloads crossing the service boundary: payment confirmations coming
 * in (push via the message broker, pull via provider polling) and the
 * structured stage-transition stream plus operator alerts going out.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConfirmationEvent is a signal that a fiat payment may have landed. Push and
// pull delivery paths both produce this shape, so the processor applies one
// set of validation and transition rules regardless of origin.
type ConfirmationEvent struct {
	PaymentReference string          `json:"payment_reference"`
	Provider         string          `json:"provider"`
	AmountNGN        decimal.Decimal `json:"amount_ngn"`
	ConfirmedAt      time.Time       `json:"confirmed_at"`
}

// StageTransitionEvent is emitted once per status transition. It is the
// durable audit trail consumed by the out-of-scope status/query layer.
type StageTransitionEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	PriorStatus   Status    `json:"prior_status"`
	NewStatus     Status    `json:"new_status"`
	Reason        string    `json:"reason,omitempty"`
	ExplorerURL   string    `json:"explorer_url,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// OperatorAlert is fired exactly once when a transaction enters
// pending_manual_review: captured money could not be returned automatically
// and a human has to intervene. It is a typed event on its own channel, not a
// log line, so the escalation path can be asserted on directly in tests.
type OperatorAlert struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	WalletAddress string          `json:"wallet_address"`
	AmountNGN     decimal.Decimal `json:"amount_ngn"`
	Provider      string          `json:"provider"`
	Error         string          `json:"error"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

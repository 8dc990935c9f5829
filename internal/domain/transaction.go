/**
 * @description
 * This file defines the core domain models for the onramp-service: the onramp
 * Transaction record, its status machine, and the closed set of failure reasons
 * used by every processing stage.
 *
 * @notes
 * - Monetary amounts use shopspring/decimal backed by NUMERIC columns. The
 *   cNGN amount is locked when the quote is accepted and is never recomputed
 *   by this service, even if market rates move before settlement.
 * - Status transitions only move forward along the edges encoded in
 *   CanTransitionTo. The store layer enforces the same edges a second time via
 *   conditional updates, so a stale in-memory status can never regress a row.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an onramp transaction.
type Status string

const (
	StatusPending             Status = "pending"
	StatusProcessing          Status = "processing"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusRefunded            Status = "refunded"
	StatusPendingManualReview Status = "pending_manual_review"
)

// CanTransitionTo reports whether moving from s to next is a legal edge of the
// onramp state machine. Terminal states have no outgoing edges.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusRefunded || next == StatusPendingManualReview
	default:
		return false
	}
}

// IsTerminal reports whether no further automatic processing applies.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusPendingManualReview
}

// FailureReason is the closed classification every stage maps its domain
// errors into. It is the only failure signal persisted on a transaction.
type FailureReason string

const (
	ReasonPaymentTimeout             FailureReason = "payment_timeout"
	ReasonPaymentRejectedByProvider  FailureReason = "payment_rejected_by_provider"
	ReasonDestinationNotAuthorized   FailureReason = "destination_not_authorized"
	ReasonInsufficientLiquidity      FailureReason = "insufficient_liquidity"
	ReasonTransferTransientExhausted FailureReason = "transfer_transient_exhausted"
	ReasonTransferPermanentError     FailureReason = "transfer_permanent_error"
	ReasonConfirmationStalled        FailureReason = "confirmation_stalled"
)

// RefundEligible reports whether a failure with this reason happened after the
// fiat payment was captured. Only captured payments are refunded; a timeout or
// provider rejection while still pending took no money from the user.
func (r FailureReason) RefundEligible() bool {
	switch r {
	case ReasonPaymentTimeout, ReasonPaymentRejectedByProvider:
		return false
	default:
		return true
	}
}

// Transaction is the unit of work: one confirmed fiat deposit turning into one
// on-chain cNGN transfer. Rows are created by the quote-acceptance flow in
// status 'pending'; this service only ever advances them.
type Transaction struct {
	ID               uuid.UUID `json:"id"`
	PaymentProvider  string    `json:"payment_provider"`
	PaymentReference string    `json:"payment_reference"`
	WalletAddress    string    `json:"wallet_address"`
	Chain            string    `json:"chain"` // settlement network identifier, e.g. 'stellar'

	AmountNGN  decimal.Decimal `json:"amount_ngn"`
	AmountCNGN decimal.Decimal `json:"amount_cngn"` // locked at quote time, immutable

	PlatformFeeNGN decimal.Decimal `json:"platform_fee_ngn"`
	ProviderFeeNGN decimal.Decimal `json:"provider_fee_ngn"`
	TotalFeeNGN    decimal.Decimal `json:"total_fee_ngn"`

	Status            Status         `json:"status"`
	FailureReason     *FailureReason `json:"failure_reason,omitempty"`
	LedgerTxHash      *string        `json:"ledger_tx_hash,omitempty"`
	LedgerSequence    *int64         `json:"ledger_sequence,omitempty"`
	ConfirmationCount *int64         `json:"confirmation_count,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	PaymentConfirmedAt  *time.Time `json:"payment_confirmed_at,omitempty"`
	TransferSubmittedAt *time.Time `json:"transfer_submitted_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	FailedAt            *time.Time `json:"failed_at,omitempty"`
	RefundedAt          *time.Time `json:"refunded_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

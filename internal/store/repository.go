/**
 * @description
 * This file defines the `Repository` interface, the contract for all durable
 * state owned by the onramp processor. Every status mutation is a conditional
 * update keyed on the expected current status, and every sweep selection is a
 * locked, skip-on-contention read, so horizontally scaled workers coordinate
 * exclusively through this layer.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Transaction and refund identifiers.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kobocloud/onramp-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
//
// The Mark* methods apply compare-and-swap transitions: they return true when
// this caller won the transition and false when the row was not in the
// expected state. A false return is a benign no-op for racing callers, never
// an error.
type Repository interface {
	// Lookups
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByPaymentReference(ctx context.Context, provider, reference string) (*domain.Transaction, error)

	// Sweep selection. All four use FOR UPDATE SKIP LOCKED inside a short
	// claiming transaction so concurrent workers partition the candidate set.
	ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]domain.Transaction, error)
	ListProcessingWithoutTransferHash(ctx context.Context, limit int) ([]domain.Transaction, error)
	ListProcessingWithTransferHash(ctx context.Context, limit int) ([]domain.Transaction, error)
	ListFailedAwaitingRefund(ctx context.Context, age time.Duration, limit int) ([]domain.Transaction, error)

	// Conditional transitions
	MarkTransactionProcessing(ctx context.Context, id uuid.UUID, confirmedAt time.Time) (bool, error)
	RecordTransferSubmission(ctx context.Context, id uuid.UUID, ledgerTxHash string, submittedAt time.Time) (bool, error)
	MarkTransactionCompleted(ctx context.Context, id uuid.UUID, ledgerSequence, confirmationCount int64) (bool, error)
	MarkTransactionFailed(ctx context.Context, id uuid.UUID, from domain.Status, reason domain.FailureReason) (bool, error)
	MarkTransactionRefunded(ctx context.Context, id uuid.UUID) (bool, error)
	MarkTransactionManualReview(ctx context.Context, id uuid.UUID) (bool, error)

	// Refund lifecycle
	CreateRefund(ctx context.Context, refund *domain.Refund) error
	FindActiveRefundByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Refund, error)
	CountRefundsByTransactionID(ctx context.Context, transactionID uuid.UUID) (int64, error)
	UpdateRefundOutcome(ctx context.Context, refundID uuid.UUID, status domain.RefundStatus, retryCount int, lastError *string) error
}

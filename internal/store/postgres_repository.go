/**
 * @description
 * PostgreSQL implementation of the `Repository` interface using pgx/v5.
 *
 * Concurrency contract:
 * - Status changes are single-statement conditional updates (`WHERE id = $n
 *   AND status = '<expected>'`). RowsAffected distinguishes the winner of a
 *   race from the losers; losers receive (false, nil).
 * - Sweep reads run SELECT ... FOR UPDATE SKIP LOCKED inside a short
 *   transaction that commits immediately after scanning, so simultaneous
 *   sweeps on different instances partition the candidate set instead of
 *   double-reading it. Safety does not depend on holding the row lock across
 *   the subsequent network I/O; the conditional updates provide that.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kobocloud/onramp-service/internal/domain"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrRefundNotFound      = errors.New("refund not found")
	ErrActiveRefundExists  = errors.New("active refund already exists for transaction")
)

const transactionColumns = `
	id, payment_provider, payment_reference, wallet_address, chain,
	amount_ngn, amount_cngn, platform_fee_ngn, provider_fee_ngn, total_fee_ngn,
	status, failure_reason, ledger_tx_hash, ledger_sequence, confirmation_count,
	created_at, payment_confirmed_at, transfer_submitted_at, completed_at,
	failed_at, refunded_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID, &tx.PaymentProvider, &tx.PaymentReference, &tx.WalletAddress, &tx.Chain,
		&tx.AmountNGN, &tx.AmountCNGN, &tx.PlatformFeeNGN, &tx.ProviderFeeNGN, &tx.TotalFeeNGN,
		&tx.Status, &tx.FailureReason, &tx.LedgerTxHash, &tx.LedgerSequence, &tx.ConfirmationCount,
		&tx.CreatedAt, &tx.PaymentConfirmedAt, &tx.TransferSubmittedAt, &tx.CompletedAt,
		&tx.FailedAt, &tx.RefundedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// FindTransactionByID retrieves a transaction by its primary key.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// FindTransactionByPaymentReference resolves a transaction from a provider-side
// reference. Confirmation signals carry only the reference, never our id.
func (r *PostgresRepository) FindTransactionByPaymentReference(ctx context.Context, provider, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE payment_provider = $1 AND payment_reference = $2`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, provider, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// listWithSkipLocked claims up to limit rows matching the given predicate
// inside a short transaction, oldest first.
func (r *PostgresRepository) listWithSkipLocked(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin sweep transaction: %w", err)
	}
	defer dbtx.Rollback(ctx)

	rows, err := dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := dbtx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sweep transaction: %w", err)
	}
	return result, nil
}

// ListPendingOlderThan returns pending transactions created at least `age` ago.
// Used by both the polling fallback (small age) and the timeout sweep (large age).
func (r *PostgresRepository) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'pending'
		AND created_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	return r.listWithSkipLocked(ctx, query, int64(age.Seconds()), limit)
}

// ListProcessingWithoutTransferHash returns confirmed transactions whose ledger
// transfer has not been submitted yet. This doubles as the crash-recovery
// path: a worker that died between confirmation and submission leaves a row
// that the next dispatch sweep picks up.
func (r *PostgresRepository) ListProcessingWithoutTransferHash(ctx context.Context, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'processing'
		AND ledger_tx_hash IS NULL
		ORDER BY payment_confirmed_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	return r.listWithSkipLocked(ctx, query, limit)
}

// ListProcessingWithTransferHash returns transactions awaiting ledger finality.
func (r *PostgresRepository) ListProcessingWithTransferHash(ctx context.Context, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'processing'
		AND ledger_tx_hash IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	return r.listWithSkipLocked(ctx, query, limit)
}

// ListFailedAwaitingRefund returns refund-eligible failed transactions whose
// last update is at least `age` old. These are rows whose inline refund never
// reached an outcome; the refund sweep resumes them. The age gate keeps the
// sweep off rows an inline attempt is still working on.
func (r *PostgresRepository) ListFailedAwaitingRefund(ctx context.Context, age time.Duration, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'failed'
		AND failure_reason NOT IN ('payment_timeout', 'payment_rejected_by_provider')
		AND updated_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY failed_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	return r.listWithSkipLocked(ctx, query, int64(age.Seconds()), limit)
}

func (r *PostgresRepository) conditionalUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkTransactionProcessing applies pending -> processing. Exactly one of the
// racing push/poll confirmation paths wins; the rest observe a no-op.
func (r *PostgresRepository) MarkTransactionProcessing(ctx context.Context, id uuid.UUID, confirmedAt time.Time) (bool, error) {
	query := `
		UPDATE transactions
		SET status = 'processing', payment_confirmed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	return r.conditionalUpdate(ctx, query, id, confirmedAt)
}

// RecordTransferSubmission persists the ledger hash the moment submission
// returns, before any confirmation wait, so a crash between submission and
// finality leaves a recoverable trail. The hash is written at most once.
func (r *PostgresRepository) RecordTransferSubmission(ctx context.Context, id uuid.UUID, ledgerTxHash string, submittedAt time.Time) (bool, error) {
	query := `
		UPDATE transactions
		SET ledger_tx_hash = $2, transfer_submitted_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND ledger_tx_hash IS NULL`
	return r.conditionalUpdate(ctx, query, id, ledgerTxHash, submittedAt)
}

// MarkTransactionCompleted applies processing -> completed once finality is observed.
func (r *PostgresRepository) MarkTransactionCompleted(ctx context.Context, id uuid.UUID, ledgerSequence, confirmationCount int64) (bool, error) {
	query := `
		UPDATE transactions
		SET status = 'completed', ledger_sequence = $2, confirmation_count = $3,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`
	return r.conditionalUpdate(ctx, query, id, ledgerSequence, confirmationCount)
}

// MarkTransactionFailed applies <from> -> failed with the classified reason.
// The caller names the expected prior status so a pending timeout can never
// clobber a transaction that was confirmed in the meantime.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, id uuid.UUID, from domain.Status, reason domain.FailureReason) (bool, error) {
	if !from.CanTransitionTo(domain.StatusFailed) {
		return false, fmt.Errorf("illegal transition %s -> failed", from)
	}
	query := `
		UPDATE transactions
		SET status = 'failed', failure_reason = $3, failed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $2`
	return r.conditionalUpdate(ctx, query, id, string(from), string(reason))
}

// MarkTransactionRefunded applies failed -> refunded.
func (r *PostgresRepository) MarkTransactionRefunded(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE transactions
		SET status = 'refunded', refunded_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`
	return r.conditionalUpdate(ctx, query, id)
}

// MarkTransactionManualReview applies failed -> pending_manual_review.
func (r *PostgresRepository) MarkTransactionManualReview(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE transactions
		SET status = 'pending_manual_review', updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`
	return r.conditionalUpdate(ctx, query, id)
}

// CreateRefund inserts a refund row. A partial unique index on
// refunds(transaction_id) WHERE status NOT IN ('completed','failed') backs the
// at-most-one-active-refund invariant; a conflict maps to ErrActiveRefundExists.
func (r *PostgresRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	query := `
		INSERT INTO refunds (id, transaction_id, provider, provider_reference, amount_ngn, status, retry_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`
	result, err := r.db.Exec(ctx, query,
		refund.ID, refund.TransactionID, refund.Provider, refund.ProviderReference,
		refund.AmountNGN, string(refund.Status), refund.RetryCount, refund.LastError,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrActiveRefundExists
	}
	return nil
}

// FindActiveRefundByTransactionID returns the non-terminal refund for a
// transaction, if any.
func (r *PostgresRepository) FindActiveRefundByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Refund, error) {
	query := `
		SELECT id, transaction_id, provider, provider_reference, amount_ngn, status, retry_count, last_error, created_at, updated_at
		FROM refunds
		WHERE transaction_id = $1 AND status = 'initiated'`
	var refund domain.Refund
	err := r.db.QueryRow(ctx, query, transactionID).Scan(
		&refund.ID, &refund.TransactionID, &refund.Provider, &refund.ProviderReference,
		&refund.AmountNGN, &refund.Status, &refund.RetryCount, &refund.LastError,
		&refund.CreatedAt, &refund.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return &refund, nil
}

// CountRefundsByTransactionID returns how many refund rows exist for a transaction.
func (r *PostgresRepository) CountRefundsByTransactionID(ctx context.Context, transactionID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM refunds WHERE transaction_id = $1`, transactionID).Scan(&count)
	return count, err
}

// UpdateRefundOutcome records the result of a refund attempt.
func (r *PostgresRepository) UpdateRefundOutcome(ctx context.Context, refundID uuid.UUID, status domain.RefundStatus, retryCount int, lastError *string) error {
	query := `
		UPDATE refunds
		SET status = $2, retry_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1`
	result, err := r.db.Exec(ctx, query, refundID, string(status), retryCount, lastError)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

/**
 * @description
 * The refund stage: returning captured fiat after a post-confirmation failure.
 * A refund record is created first (the store allows at most one active refund
 * per transaction, so racing workers collapse to one), then the provider
 * refund runs through its own bounded retry schedule. Success closes the
 * transaction as refunded; exhausting the schedule escalates to
 * pending_manual_review with exactly one operator alert.
 *
 * The inline path is best-effort: a deadline expiring mid-schedule, a worker
 * crash, or a racing refund all leave the row in 'failed' with its refund
 * record (if any) still initiated. SweepRefunds is the recovery loop that
 * resumes those rows, so every refund-eligible failure eventually reaches
 * refunded or pending_manual_review.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/kobocloud/onramp-service/internal/domain"
	"github.com/kobocloud/onramp-service/internal/store"
)

// refund starts the refund for a freshly failed transaction. Callers reach
// this only through failTransaction with a refund-eligible reason, so the fiat
// amount here is always captured money.
func (p *Processor) refund(ctx context.Context, tx *domain.Transaction, correlationID uuid.UUID, reason domain.FailureReason) error {
	record := &domain.Refund{
		ID:                uuid.New(),
		TransactionID:     tx.ID,
		Provider:          tx.PaymentProvider,
		ProviderReference: tx.PaymentReference,
		AmountNGN:         tx.AmountNGN,
		Status:            domain.RefundStatusInitiated,
	}
	if err := p.repo.CreateRefund(ctx, record); err != nil {
		if errors.Is(err, store.ErrActiveRefundExists) {
			// Another worker owns the attempt; if it dies, the refund sweep
			// resumes the initiated record.
			log.Printf("level=debug component=processor msg=\"refund already in flight\" tx_id=%s", tx.ID)
			return nil
		}
		return fmt.Errorf("create refund record: %w", err)
	}

	log.Printf("level=info component=processor msg=\"refund initiated\" tx_id=%s refund_id=%s amount_ngn=%s reason=%s",
		tx.ID, record.ID, tx.AmountNGN, reason)
	return p.runRefund(ctx, tx, correlationID, record, reason)
}

// runRefund drives an initiated refund record to an outcome. Only a fully
// consumed retry schedule counts as a failed refund; an expired deadline
// leaves the record initiated for the sweep to resume.
func (p *Processor) runRefund(ctx context.Context, tx *domain.Transaction, correlationID uuid.UUID, record *domain.Refund, reason domain.FailureReason) error {
	result := p.retryWithBackoff(ctx, "provider_refund", p.cfg.RefundBackoff, retryAnyError, func(ctx context.Context) (string, error) {
		return "", p.provider.Refund(ctx, tx.PaymentProvider, tx.PaymentReference, tx.AmountNGN)
	})

	switch result.outcome {
	case retrySucceeded:
		if err := p.repo.UpdateRefundOutcome(ctx, record.ID, domain.RefundStatusCompleted, record.RetryCount+result.attempts, nil); err != nil {
			return fmt.Errorf("record refund outcome: %w", err)
		}
		if _, err := p.repo.MarkTransactionRefunded(ctx, tx.ID); err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}
		refundsTotal.WithLabelValues("completed").Inc()
		log.Printf("level=info component=processor msg=\"refund completed\" tx_id=%s refund_id=%s attempts=%d",
			tx.ID, record.ID, result.attempts)
		p.emitTransition(ctx, tx, correlationID, domain.StatusFailed, domain.StatusRefunded, string(reason), "")
		return nil

	case retryDeferred:
		// Not a refund failure: the provider never got the full schedule. The
		// record stays initiated and the transaction stays failed; the refund
		// sweep picks both up with a fresh deadline.
		deferredErr := "deferred: " + result.err.Error()
		if err := p.repo.UpdateRefundOutcome(ctx, record.ID, domain.RefundStatusInitiated, record.RetryCount+result.attempts, &deferredErr); err != nil {
			return fmt.Errorf("record deferred refund: %w", err)
		}
		log.Printf("level=warn component=processor msg=\"refund deferred to sweep\" tx_id=%s refund_id=%s attempts=%d err=%v",
			tx.ID, record.ID, result.attempts, result.err)
		return nil

	default: // retryExhausted
		lastErr := "refund retries exhausted"
		if result.err != nil {
			lastErr = result.err.Error()
		}
		if err := p.repo.UpdateRefundOutcome(ctx, record.ID, domain.RefundStatusFailed, record.RetryCount+result.attempts, &lastErr); err != nil {
			return fmt.Errorf("record refund outcome: %w", err)
		}
		won, err := p.repo.MarkTransactionManualReview(ctx, tx.ID)
		if err != nil {
			return fmt.Errorf("mark manual review: %w", err)
		}
		if !won {
			return nil
		}

		refundsTotal.WithLabelValues("failed").Inc()
		manualReviews.Inc()
		log.Printf("level=error component=processor msg=\"refund failed, escalating to manual review\" tx_id=%s refund_id=%s attempts=%d err=%s",
			tx.ID, record.ID, result.attempts, lastErr)
		p.emitTransition(ctx, tx, correlationID, domain.StatusFailed, domain.StatusPendingManualReview, string(reason), "")

		alert := domain.OperatorAlert{
			TransactionID: tx.ID,
			WalletAddress: tx.WalletAddress,
			AmountNGN:     tx.AmountNGN,
			Provider:      tx.PaymentProvider,
			Error:         lastErr,
			OccurredAt:    p.clk.Now().UTC(),
		}
		if err := p.alerts.Alert(ctx, alert); err != nil {
			// The row is already in pending_manual_review; surface the delivery
			// failure loudly instead of hiding a stranded escalation.
			log.Printf("level=error component=processor msg=\"OPERATOR ALERT DELIVERY FAILED\" tx_id=%s amount_ngn=%s err=%v",
				tx.ID, tx.AmountNGN, err)
			return fmt.Errorf("deliver operator alert: %w", err)
		}
		return nil
	}
}

// SweepRefunds resumes refund-eligible failed transactions whose inline refund
// never reached an outcome (crashed worker, expired deadline, racing loser).
// The age gate keeps the sweep from racing an inline attempt still in flight.
func (p *Processor) SweepRefunds(ctx context.Context) error {
	candidates, err := p.repo.ListFailedAwaitingRefund(ctx, p.cfg.RefundSweepMinAge, p.cfg.RefundSweepLimit)
	if err != nil {
		return fmt.Errorf("list failed awaiting refund: %w", err)
	}

	for i := range candidates {
		tx := &candidates[i]
		if tx.FailureReason == nil || !tx.FailureReason.RefundEligible() {
			continue
		}
		if err := p.resumeRefund(ctx, tx, uuid.New(), *tx.FailureReason); err != nil {
			log.Printf("level=warn component=processor msg=\"refund resume deferred\" tx_id=%s err=%v", tx.ID, err)
		}
	}
	return nil
}

func (p *Processor) resumeRefund(ctx context.Context, tx *domain.Transaction, correlationID uuid.UUID, reason domain.FailureReason) error {
	record, err := p.repo.FindActiveRefundByTransactionID(ctx, tx.ID)
	if err != nil {
		if errors.Is(err, store.ErrRefundNotFound) {
			// Failed before the record was ever created.
			return p.refund(ctx, tx, correlationID, reason)
		}
		return fmt.Errorf("find active refund: %w", err)
	}

	log.Printf("level=info component=processor msg=\"resuming refund\" tx_id=%s refund_id=%s prior_attempts=%d",
		tx.ID, record.ID, record.RetryCount)
	return p.runRefund(ctx, tx, correlationID, record, reason)
}

/**
 * @description
 * Payment-confirmation intake. Three paths converge here:
 *
 * 1. ProcessConfirmation: the shared entry point for a confirmation signal,
 *    regardless of whether it arrived by broker push or provider polling.
 *    Validation, the pending -> processing claim, and the inline transfer
 *    kick-off all live in this one method.
 * 2. PollPendingPayments: the scheduled fallback that queries the provider
 *    directly for pending transactions the push path may have missed.
 * 3. SweepPaymentTimeouts: expires pending transactions whose payment never
 *    arrived. No money was captured, so no refund applies.
 *
 * Delivery is at least once on every path; the conditional
 * MarkTransactionProcessing update is what collapses duplicates to a single
 * effect.
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
	"github.com/kobocloud/onramp-service/pkg/providerclient"
)

// ProcessConfirmation handles one payment-confirmation signal. Unknown
// references and amount mismatches are logged and dropped without touching any
// row; duplicate confirmations lose the conditional update and no-op. The
// caller only sees an error for infrastructure failures worth redelivering.
func (p *Processor) ProcessConfirmation(ctx context.Context, event domain.ConfirmationEvent) error {
	correlationID := uuid.New()

	tx, err := p.repo.FindTransactionByPaymentReference(ctx, event.Provider, event.PaymentReference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=processor msg=\"confirmation for unknown payment reference\" provider=%s reference=%s",
				event.Provider, event.PaymentReference)
			return nil
		}
		return fmt.Errorf("find transaction by reference: %w", err)
	}

	// The confirmed amount must match the record exactly. A mismatch means the
	// user paid a different amount than quoted; the transaction stays pending
	// until an operator or the timeout sweep resolves it.
	if !event.AmountNGN.Equal(tx.AmountNGN) {
		amountMismatches.Inc()
		log.Printf("level=error component=processor msg=\"confirmation amount mismatch\" tx_id=%s expected=%s got=%s provider=%s reference=%s",
			tx.ID, tx.AmountNGN, event.AmountNGN, event.Provider, event.PaymentReference)
		return nil
	}

	if tx.Status != domain.StatusPending {
		log.Printf("level=debug component=processor msg=\"duplicate confirmation ignored\" tx_id=%s status=%s", tx.ID, tx.Status)
		return nil
	}

	confirmedAt := event.ConfirmedAt
	if confirmedAt.IsZero() {
		confirmedAt = p.clk.Now().UTC()
	}

	won, err := p.repo.MarkTransactionProcessing(ctx, tx.ID, confirmedAt)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !won {
		log.Printf("level=debug component=processor msg=\"confirmation already claimed\" tx_id=%s", tx.ID)
		return nil
	}

	paymentsConfirmed.WithLabelValues(tx.PaymentProvider).Inc()
	stageDuration.WithLabelValues("pending").Observe(confirmedAt.Sub(tx.CreatedAt).Seconds())
	log.Printf("level=info component=processor msg=\"payment confirmed\" tx_id=%s provider=%s amount_ngn=%s correlation_id=%s",
		tx.ID, tx.PaymentProvider, tx.AmountNGN, correlationID)
	p.emitTransition(ctx, tx, correlationID, domain.StatusPending, domain.StatusProcessing, "payment_confirmed", "")

	// Kick off the transfer inline on the claiming worker. If it cannot run to
	// a decision here (e.g. the gateway is down), the dispatch sweep picks the
	// row up again; the claim itself is already durable.
	tx.Status = domain.StatusProcessing
	tx.PaymentConfirmedAt = &confirmedAt
	if err := p.executeTransfer(ctx, tx, correlationID); err != nil {
		log.Printf("level=error component=processor msg=\"inline transfer attempt failed, leaving to dispatch sweep\" tx_id=%s err=%v", tx.ID, err)
	}
	return nil
}

// PollPendingPayments asks the provider gateway directly about pending
// transactions old enough that the push path should already have confirmed
// them. Confirmed payments enter the normal pipeline; rejected ones fail
// without refund (nothing was captured).
func (p *Processor) PollPendingPayments(ctx context.Context) error {
	candidates, err := p.repo.ListPendingOlderThan(ctx, p.cfg.PendingMinAge, p.cfg.PollSweepLimit)
	if err != nil {
		return fmt.Errorf("list pending for polling: %w", err)
	}

	for i := range candidates {
		tx := &candidates[i]
		status, err := p.provider.VerifyPayment(ctx, tx.PaymentProvider, tx.PaymentReference)
		if err != nil {
			log.Printf("level=warn component=processor msg=\"payment verification failed\" tx_id=%s provider=%s err=%v",
				tx.ID, tx.PaymentProvider, err)
			continue
		}

		switch status.State {
		case providerclient.PaymentStateConfirmed:
			event := domain.ConfirmationEvent{
				PaymentReference: tx.PaymentReference,
				Provider:         tx.PaymentProvider,
				AmountNGN:        status.AmountNGN,
				ConfirmedAt:      status.ConfirmedAt,
			}
			if err := p.ProcessConfirmation(ctx, event); err != nil {
				log.Printf("level=error component=processor msg=\"polled confirmation failed\" tx_id=%s err=%v", tx.ID, err)
			}
		case providerclient.PaymentStateRejected:
			if _, err := p.failTransaction(ctx, tx, uuid.New(), domain.StatusPending, domain.ReasonPaymentRejectedByProvider); err != nil {
				log.Printf("level=error component=processor msg=\"rejected payment transition failed\" tx_id=%s err=%v", tx.ID, err)
			}
		default:
			// Still pending provider-side; the timeout sweep owns expiry.
		}
	}
	return nil
}

// SweepPaymentTimeouts expires pending transactions older than the payment
// window. This is the only transition a pending row can take besides
// confirmation, and it never refunds.
func (p *Processor) SweepPaymentTimeouts(ctx context.Context) error {
	candidates, err := p.repo.ListPendingOlderThan(ctx, p.cfg.PendingTimeout, p.cfg.TimeoutSweepLimit)
	if err != nil {
		return fmt.Errorf("list pending for timeout: %w", err)
	}

	for i := range candidates {
		tx := &candidates[i]
		if _, err := p.failTransaction(ctx, tx, uuid.New(), domain.StatusPending, domain.ReasonPaymentTimeout); err != nil {
			log.Printf("level=error component=processor msg=\"timeout transition failed\" tx_id=%s err=%v", tx.ID, err)
		}
	}
	return nil
}

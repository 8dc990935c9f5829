/**
 * @description
 * The transfer stage: turning a claimed (processing) transaction into a
 * submitted ledger payment. executeTransfer runs the pre-flight checks
 * (destination trustline, distribution account balance), submits with a
 * bounded retry schedule, and records the transaction hash. DispatchTransfers
 * is the scheduled sweep that re-drives processing rows whose inline attempt
 * never reached a submission.
 *
 * The cNGN amount sent is the value locked at quote time, byte for byte; this
 * stage never recomputes it.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/kobocloud/onramp-service/internal/domain"
	"github.com/kobocloud/onramp-service/pkg/ledgerclient"
)

// executeTransfer drives one processing transaction to a decision: hash
// recorded, failed with a classified reason, or deferred to the next dispatch
// cycle when the gateway could not even be consulted.
func (p *Processor) executeTransfer(ctx context.Context, tx *domain.Transaction, correlationID uuid.UUID) error {
	if tx.LedgerTxHash != nil {
		return nil
	}

	hasTrustline, err := p.ledger.HasTrustline(ctx, tx.WalletAddress, p.cfg.AssetCode, p.cfg.AssetIssuer)
	if err != nil {
		// Cannot tell whether the destination is eligible; defer rather than
		// fail a transaction over a gateway hiccup.
		return fmt.Errorf("trustline check: %w", err)
	}
	if !hasTrustline {
		_, err := p.failTransaction(ctx, tx, correlationID, domain.StatusProcessing, domain.ReasonDestinationNotAuthorized)
		return err
	}

	// Balance is read fresh on every attempt, never cached.
	balance, err := p.ledger.AccountBalance(ctx, p.cfg.DistributionAccount, p.cfg.AssetCode, p.cfg.AssetIssuer)
	if err != nil {
		return fmt.Errorf("balance check: %w", err)
	}
	if balance.LessThan(tx.AmountCNGN) {
		log.Printf("level=error component=processor msg=\"distribution account below required amount\" tx_id=%s balance=%s required=%s",
			tx.ID, balance, tx.AmountCNGN)
		_, err := p.failTransaction(ctx, tx, correlationID, domain.StatusProcessing, domain.ReasonInsufficientLiquidity)
		return err
	}

	params := ledgerclient.PaymentParams{
		Destination: tx.WalletAddress,
		AssetCode:   p.cfg.AssetCode,
		AssetIssuer: p.cfg.AssetIssuer,
		Amount:      tx.AmountCNGN,
		Memo:        tx.ID.String(),
	}
	result := p.retryWithBackoff(ctx, "submit_payment", p.cfg.SubmitBackoff, ledgerclient.IsTransient, func(ctx context.Context) (string, error) {
		return p.ledger.SubmitPayment(ctx, params)
	})

	switch result.outcome {
	case retrySucceeded:
		won, err := p.repo.RecordTransferSubmission(ctx, tx.ID, result.value, p.clk.Now().UTC())
		if err != nil {
			// The payment is on the ledger but the hash is not recorded. The
			// dispatch sweep will re-submit; the gateway's memo-based dedup is
			// the backstop for this window.
			return fmt.Errorf("record submission for hash %s: %w", result.value, err)
		}
		if !won {
			log.Printf("level=debug component=processor msg=\"submission already recorded by another worker\" tx_id=%s", tx.ID)
			return nil
		}
		transfersSubmitted.Inc()
		log.Printf("level=info component=processor msg=\"transfer submitted\" tx_id=%s hash=%s attempts=%d amount_cngn=%s",
			tx.ID, result.value, result.attempts, tx.AmountCNGN)
		return nil

	case retryPermanent:
		log.Printf("level=error component=processor msg=\"transfer rejected permanently\" tx_id=%s attempts=%d err=%v",
			tx.ID, result.attempts, result.err)
		_, err := p.failTransaction(ctx, tx, correlationID, domain.StatusProcessing, domain.ReasonTransferPermanentError)
		return err

	case retryDeferred:
		// The deadline expired before the schedule was consumed; the row keeps
		// its retry budget and the dispatch sweep drives it again.
		return fmt.Errorf("submission deferred after %d attempts: %w", result.attempts, result.err)

	default: // retryExhausted
		log.Printf("level=error component=processor msg=\"transfer retries exhausted\" tx_id=%s attempts=%d err=%v",
			tx.ID, result.attempts, result.err)
		_, err := p.failTransaction(ctx, tx, correlationID, domain.StatusProcessing, domain.ReasonTransferTransientExhausted)
		return err
	}
}

// DispatchTransfers re-drives processing transactions that have no ledger hash
// yet. Rows reach this sweep when the inline attempt after confirmation was
// deferred by a gateway outage or a worker crash.
func (p *Processor) DispatchTransfers(ctx context.Context) error {
	candidates, err := p.repo.ListProcessingWithoutTransferHash(ctx, p.cfg.DispatchLimit)
	if err != nil {
		return fmt.Errorf("list unsubmitted transfers: %w", err)
	}

	for i := range candidates {
		tx := &candidates[i]
		if err := p.executeTransfer(ctx, tx, uuid.New()); err != nil {
			log.Printf("level=warn component=processor msg=\"transfer dispatch deferred\" tx_id=%s err=%v", tx.ID, err)
		}
	}
	return nil
}

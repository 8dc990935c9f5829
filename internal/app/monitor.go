/**
 * @description
 * The confirmation-monitor stage: watching submitted ledger transfers until
 * the network finalizes them. A finalized successful transaction completes the
 * onramp; a finalized failure or a transfer that stays unconfirmed past the
 * window fails it with a refund-eligible reason. Before declaring a transfer
 * stalled the monitor re-queries once, so a single stale read on the gateway
 * never burns a live payment.
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

// minConfirmations is the network finality the monitor requires before
// completing a transaction. Stellar ledgers close with immediate finality, so
// one confirmed ledger inclusion is sufficient.
const minConfirmations int64 = 1

// MonitorLedgerConfirmations checks every processing transaction with a
// recorded hash against the ledger and settles the ones the network has
// decided.
func (p *Processor) MonitorLedgerConfirmations(ctx context.Context) error {
	candidates, err := p.repo.ListProcessingWithTransferHash(ctx, p.cfg.MonitorLimit)
	if err != nil {
		return fmt.Errorf("list submitted transfers: %w", err)
	}

	for i := range candidates {
		tx := &candidates[i]
		if err := p.checkTransfer(ctx, tx, uuid.New()); err != nil {
			log.Printf("level=warn component=processor msg=\"confirmation check failed\" tx_id=%s err=%v", tx.ID, err)
		}
	}
	return nil
}

func (p *Processor) checkTransfer(ctx context.Context, tx *domain.Transaction, correlationID uuid.UUID) error {
	if tx.LedgerTxHash == nil || tx.TransferSubmittedAt == nil {
		return fmt.Errorf("transaction %s selected for monitoring without submission fields", tx.ID)
	}
	hash := *tx.LedgerTxHash

	status, err := p.ledger.GetTransaction(ctx, hash)
	if err != nil {
		if !p.pastConfirmationWindow(tx) {
			return fmt.Errorf("get transaction %s: %w", hash, err)
		}
		// Past the window with no answer: one more query below decides it.
		status = nil
	}

	if status != nil && status.Found && status.Finalized {
		return p.settleFinalized(ctx, tx, correlationID, status)
	}

	if !p.pastConfirmationWindow(tx) {
		return nil
	}

	// Unconfirmed past the window. Re-query once before giving up: the
	// previous read may have hit a lagging gateway node.
	status, err = p.ledger.GetTransaction(ctx, hash)
	if err == nil && status.Found && status.Finalized {
		return p.settleFinalized(ctx, tx, correlationID, status)
	}

	log.Printf("level=error component=processor msg=\"transfer unconfirmed past window\" tx_id=%s hash=%s submitted_at=%s",
		tx.ID, hash, tx.TransferSubmittedAt.Format("2006-01-02T15:04:05Z07:00"))
	_, err = p.failTransaction(ctx, tx, correlationID, domain.StatusProcessing, domain.ReasonConfirmationStalled)
	return err
}

func (p *Processor) pastConfirmationWindow(tx *domain.Transaction) bool {
	return p.clk.Now().Sub(*tx.TransferSubmittedAt) > p.cfg.ConfirmationTimeout
}

func (p *Processor) settleFinalized(ctx context.Context, tx *domain.Transaction, correlationID uuid.UUID, status *ledgerclient.TransactionStatus) error {
	if !status.Successful {
		log.Printf("level=error component=processor msg=\"transfer failed on ledger\" tx_id=%s hash=%s result_code=%s",
			tx.ID, status.Hash, status.ResultCode)
		_, err := p.failTransaction(ctx, tx, correlationID, domain.StatusProcessing, domain.ReasonTransferPermanentError)
		return err
	}

	won, err := p.repo.MarkTransactionCompleted(ctx, tx.ID, status.LedgerSequence, minConfirmations)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if !won {
		return nil
	}

	transfersConfirmed.Inc()
	stageDuration.WithLabelValues("processing").Observe(p.clk.Now().Sub(*tx.TransferSubmittedAt).Seconds())
	log.Printf("level=info component=processor msg=\"transfer confirmed\" tx_id=%s hash=%s ledger_sequence=%d",
		tx.ID, status.Hash, status.LedgerSequence)
	p.emitTransition(ctx, tx, correlationID, domain.StatusProcessing, domain.StatusCompleted, "transfer_confirmed", p.explorerURL(status.Hash))
	return nil
}

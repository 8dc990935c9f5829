package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/kobocloud/onramp-service/internal/domain"
)

func failedTransaction(reason domain.FailureReason) *domain.Transaction {
	tx := processingTransaction("")
	tx.Status = domain.StatusFailed
	tx.FailureReason = &reason
	return tx
}

func TestRefund_SuccessMarksRefunded(t *testing.T) {
	repo := &processorRepoStub{tx: failedTransaction(domain.ReasonDestinationNotAuthorized)}
	provider := &providerStub{}
	processor, events, alerts := newTestProcessor(repo, &ledgerStub{}, provider)

	if err := processor.refund(context.Background(), repo.tx, uuid.New(), domain.ReasonDestinationNotAuthorized); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	tx := repo.snapshot()
	if tx.Status != domain.StatusRefunded {
		t.Fatalf("expected refunded, got %s", tx.Status)
	}
	if len(repo.refunds) != 1 {
		t.Fatalf("expected one refund record, got %d", len(repo.refunds))
	}
	refund := repo.refunds[0]
	if refund.Status != domain.RefundStatusCompleted {
		t.Fatalf("expected completed refund record, got %s", refund.Status)
	}
	if !refund.AmountNGN.Equal(tx.AmountNGN) {
		t.Fatalf("expected full fiat amount %s refunded, got %s", tx.AmountNGN, refund.AmountNGN)
	}
	if len(alerts.alerts) != 0 {
		t.Fatal("expected no operator alert for a successful refund")
	}

	transitions := events.transitions()
	if len(transitions) != 1 || transitions[0].NewStatus != domain.StatusRefunded {
		t.Fatalf("expected refunded transition, got %+v", transitions)
	}
}

func TestRefund_TransientFailuresRetryThenSucceed(t *testing.T) {
	repo := &processorRepoStub{tx: failedTransaction(domain.ReasonInsufficientLiquidity)}
	provider := &providerStub{refundErrs: []error{errors.New("provider 503"), errors.New("provider 503"), nil}}
	processor, _, _ := newTestProcessor(repo, &ledgerStub{}, provider)

	if err := processor.refund(context.Background(), repo.tx, uuid.New(), domain.ReasonInsufficientLiquidity); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if repo.snapshot().Status != domain.StatusRefunded {
		t.Fatalf("expected refunded, got %s", repo.snapshot().Status)
	}
	if provider.refundCalls != 3 {
		t.Fatalf("expected 3 refund attempts, got %d", provider.refundCalls)
	}
	if repo.refunds[0].RetryCount != 3 {
		t.Fatalf("expected recorded attempt count 3, got %d", repo.refunds[0].RetryCount)
	}
}

func TestRefund_ExhaustionEscalatesWithSingleAlert(t *testing.T) {
	repo := &processorRepoStub{tx: failedTransaction(domain.ReasonTransferPermanentError)}
	providerErr := errors.New("provider unreachable")
	provider := &providerStub{refundErrs: []error{providerErr, providerErr, providerErr, providerErr}}
	processor, events, alerts := newTestProcessor(repo, &ledgerStub{}, provider)

	if err := processor.refund(context.Background(), repo.tx, uuid.New(), domain.ReasonTransferPermanentError); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	tx := repo.snapshot()
	if tx.Status != domain.StatusPendingManualReview {
		t.Fatalf("expected pending_manual_review, got %s", tx.Status)
	}
	refund := repo.refunds[0]
	if refund.Status != domain.RefundStatusFailed {
		t.Fatalf("expected failed refund record, got %s", refund.Status)
	}
	if refund.LastError == nil || *refund.LastError != providerErr.Error() {
		t.Fatalf("expected last error recorded, got %v", refund.LastError)
	}

	if len(alerts.alerts) != 1 {
		t.Fatalf("expected exactly one operator alert, got %d", len(alerts.alerts))
	}
	alert := alerts.alerts[0]
	if alert.TransactionID != tx.ID || !alert.AmountNGN.Equal(tx.AmountNGN) || alert.WalletAddress != tx.WalletAddress {
		t.Fatalf("alert missing transaction context: %+v", alert)
	}

	transitions := events.transitions()
	if len(transitions) != 1 || transitions[0].NewStatus != domain.StatusPendingManualReview {
		t.Fatalf("expected manual review transition, got %+v", transitions)
	}
}

func TestRefund_ActiveRefundShortCircuits(t *testing.T) {
	tx := failedTransaction(domain.ReasonConfirmationStalled)
	repo := &processorRepoStub{
		tx: tx,
		refunds: []*domain.Refund{{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			Status:        domain.RefundStatusInitiated,
		}},
	}
	provider := &providerStub{}
	processor, _, _ := newTestProcessor(repo, &ledgerStub{}, provider)

	if err := processor.refund(context.Background(), tx, uuid.New(), domain.ReasonConfirmationStalled); err != nil {
		t.Fatalf("expected duplicate refund to be a no-op, got %v", err)
	}
	if provider.refundCalls != 0 {
		t.Fatal("expected no provider call while a refund is already in flight")
	}
	if len(repo.refunds) != 1 {
		t.Fatalf("expected no second refund record, got %d", len(repo.refunds))
	}
}

func TestRefund_ContextExpiryDefersToSweep(t *testing.T) {
	repo := &processorRepoStub{tx: failedTransaction(domain.ReasonInsufficientLiquidity)}
	provider := &providerStub{refundErrs: []error{errors.New("provider 503")}}
	processor, events, alerts := newTestProcessor(repo, &ledgerStub{}, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := processor.refund(ctx, repo.tx, uuid.New(), domain.ReasonInsufficientLiquidity); err != nil {
		t.Fatalf("expected deferral without error, got %v", err)
	}

	// An interrupted refund is not a failed refund: the row stays failed for
	// the recovery sweep, the record stays initiated, and nobody is paged.
	tx := repo.snapshot()
	if tx.Status != domain.StatusFailed {
		t.Fatalf("expected transaction to stay failed, got %s", tx.Status)
	}
	if len(repo.refunds) != 1 {
		t.Fatalf("expected one refund record, got %d", len(repo.refunds))
	}
	if repo.refunds[0].Status != domain.RefundStatusInitiated {
		t.Fatalf("expected refund record to stay initiated, got %s", repo.refunds[0].Status)
	}
	if len(alerts.alerts) != 0 {
		t.Fatal("expected no operator alert for an interrupted refund")
	}
	if len(events.transitions()) != 0 {
		t.Fatalf("expected no stage transition, got %+v", events.transitions())
	}
}

func TestSweepRefunds_ResumesInitiatedRecord(t *testing.T) {
	tx := failedTransaction(domain.ReasonInsufficientLiquidity)
	repo := &processorRepoStub{
		tx: tx,
		refunds: []*domain.Refund{{
			ID:                uuid.New(),
			TransactionID:     tx.ID,
			Provider:          tx.PaymentProvider,
			ProviderReference: tx.PaymentReference,
			AmountNGN:         tx.AmountNGN,
			Status:            domain.RefundStatusInitiated,
			RetryCount:        2,
		}},
	}
	provider := &providerStub{}
	processor, events, _ := newTestProcessor(repo, &ledgerStub{}, provider)

	if err := processor.SweepRefunds(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if repo.snapshot().Status != domain.StatusRefunded {
		t.Fatalf("expected refunded, got %s", repo.snapshot().Status)
	}
	if len(repo.refunds) != 1 {
		t.Fatalf("expected the existing record to be resumed, got %d records", len(repo.refunds))
	}
	refund := repo.refunds[0]
	if refund.Status != domain.RefundStatusCompleted {
		t.Fatalf("expected completed refund record, got %s", refund.Status)
	}
	// Attempt counts accumulate across resumptions.
	if refund.RetryCount != 3 {
		t.Fatalf("expected cumulative attempt count 3, got %d", refund.RetryCount)
	}

	transitions := events.transitions()
	if len(transitions) != 1 || transitions[0].NewStatus != domain.StatusRefunded {
		t.Fatalf("expected refunded transition, got %+v", transitions)
	}
}

func TestSweepRefunds_StartsRefundWhenNoRecordExists(t *testing.T) {
	repo := &processorRepoStub{tx: failedTransaction(domain.ReasonDestinationNotAuthorized)}
	provider := &providerStub{}
	processor, _, _ := newTestProcessor(repo, &ledgerStub{}, provider)

	if err := processor.SweepRefunds(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if repo.snapshot().Status != domain.StatusRefunded {
		t.Fatalf("expected refunded, got %s", repo.snapshot().Status)
	}
	if len(repo.refunds) != 1 || repo.refunds[0].Status != domain.RefundStatusCompleted {
		t.Fatalf("expected a fresh completed refund record, got %+v", repo.refunds)
	}
	if provider.refundCalls != 1 {
		t.Fatalf("expected one provider refund call, got %d", provider.refundCalls)
	}
}

func TestSweepRefunds_ExhaustionEscalates(t *testing.T) {
	tx := failedTransaction(domain.ReasonTransferPermanentError)
	providerErr := errors.New("provider unreachable")
	repo := &processorRepoStub{
		tx: tx,
		refunds: []*domain.Refund{{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			AmountNGN:     tx.AmountNGN,
			Status:        domain.RefundStatusInitiated,
			RetryCount:    1,
		}},
	}
	provider := &providerStub{refundErrs: []error{providerErr, providerErr, providerErr, providerErr}}
	processor, _, alerts := newTestProcessor(repo, &ledgerStub{}, provider)

	if err := processor.SweepRefunds(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if repo.snapshot().Status != domain.StatusPendingManualReview {
		t.Fatalf("expected pending_manual_review, got %s", repo.snapshot().Status)
	}
	refund := repo.refunds[0]
	if refund.Status != domain.RefundStatusFailed {
		t.Fatalf("expected failed refund record, got %s", refund.Status)
	}
	if refund.RetryCount != 5 {
		t.Fatalf("expected cumulative attempt count 5, got %d", refund.RetryCount)
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("expected exactly one operator alert, got %d", len(alerts.alerts))
	}
}

func TestRefund_AlertDeliveryFailureSurfaces(t *testing.T) {
	repo := &processorRepoStub{tx: failedTransaction(domain.ReasonTransferTransientExhausted)}
	provider := &providerStub{refundErrs: []error{errors.New("nope"), errors.New("nope"), errors.New("nope"), errors.New("nope")}}
	processor, _, alerts := newTestProcessor(repo, &ledgerStub{}, provider)
	alerts.alertErr = errors.New("broker down")

	err := processor.refund(context.Background(), repo.tx, uuid.New(), domain.ReasonTransferTransientExhausted)
	if err == nil {
		t.Fatal("expected alert delivery failure to surface")
	}
	// The escalation itself must still be durable.
	if repo.snapshot().Status != domain.StatusPendingManualReview {
		t.Fatalf("expected pending_manual_review despite alert failure, got %s", repo.snapshot().Status)
	}
}

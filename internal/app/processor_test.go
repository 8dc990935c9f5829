package app

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kobocloud/onramp-service/internal/domain"
	"github.com/kobocloud/onramp-service/internal/store"
	"github.com/kobocloud/onramp-service/pkg/ledgerclient"
	"github.com/kobocloud/onramp-service/pkg/providerclient"
)

// processorRepoStub is an in-memory repository over a single transaction. The
// Mark* methods apply the same compare-and-swap semantics as the Postgres
// implementation, so racing and replayed calls behave like production.
type processorRepoStub struct {
	store.Repository

	mu      sync.Mutex
	tx      *domain.Transaction
	refunds []*domain.Refund

	findErr error
}

func (s *processorRepoStub) FindTransactionByPaymentReference(ctx context.Context, provider, reference string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.tx == nil || s.tx.PaymentProvider != provider || s.tx.PaymentReference != reference {
		return nil, store.ErrTransactionNotFound
	}
	copied := *s.tx
	return &copied, nil
}

func (s *processorRepoStub) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil && s.tx.Status == domain.StatusPending {
		return []domain.Transaction{*s.tx}, nil
	}
	return nil, nil
}

func (s *processorRepoStub) ListProcessingWithoutTransferHash(ctx context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil && s.tx.Status == domain.StatusProcessing && s.tx.LedgerTxHash == nil {
		return []domain.Transaction{*s.tx}, nil
	}
	return nil, nil
}

func (s *processorRepoStub) ListProcessingWithTransferHash(ctx context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil && s.tx.Status == domain.StatusProcessing && s.tx.LedgerTxHash != nil {
		return []domain.Transaction{*s.tx}, nil
	}
	return nil, nil
}

func (s *processorRepoStub) ListFailedAwaitingRefund(ctx context.Context, age time.Duration, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil && s.tx.Status == domain.StatusFailed && s.tx.FailureReason != nil && s.tx.FailureReason.RefundEligible() {
		return []domain.Transaction{*s.tx}, nil
	}
	return nil, nil
}

func (s *processorRepoStub) MarkTransactionProcessing(ctx context.Context, id uuid.UUID, confirmedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.tx.ID != id || s.tx.Status != domain.StatusPending {
		return false, nil
	}
	s.tx.Status = domain.StatusProcessing
	s.tx.PaymentConfirmedAt = &confirmedAt
	return true, nil
}

func (s *processorRepoStub) RecordTransferSubmission(ctx context.Context, id uuid.UUID, hash string, submittedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.tx.ID != id || s.tx.Status != domain.StatusProcessing || s.tx.LedgerTxHash != nil {
		return false, nil
	}
	s.tx.LedgerTxHash = &hash
	s.tx.TransferSubmittedAt = &submittedAt
	return true, nil
}

func (s *processorRepoStub) MarkTransactionCompleted(ctx context.Context, id uuid.UUID, ledgerSequence, confirmationCount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.tx.ID != id || s.tx.Status != domain.StatusProcessing || s.tx.LedgerTxHash == nil {
		return false, nil
	}
	s.tx.Status = domain.StatusCompleted
	s.tx.LedgerSequence = &ledgerSequence
	s.tx.ConfirmationCount = &confirmationCount
	return true, nil
}

func (s *processorRepoStub) MarkTransactionFailed(ctx context.Context, id uuid.UUID, from domain.Status, reason domain.FailureReason) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.tx.ID != id || s.tx.Status != from || !from.CanTransitionTo(domain.StatusFailed) {
		return false, nil
	}
	s.tx.Status = domain.StatusFailed
	s.tx.FailureReason = &reason
	return true, nil
}

func (s *processorRepoStub) MarkTransactionRefunded(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.tx.ID != id || s.tx.Status != domain.StatusFailed {
		return false, nil
	}
	s.tx.Status = domain.StatusRefunded
	return true, nil
}

func (s *processorRepoStub) MarkTransactionManualReview(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.tx.ID != id || s.tx.Status != domain.StatusFailed {
		return false, nil
	}
	s.tx.Status = domain.StatusPendingManualReview
	return true, nil
}

func (s *processorRepoStub) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.refunds {
		if existing.TransactionID == refund.TransactionID && existing.Status == domain.RefundStatusInitiated {
			return store.ErrActiveRefundExists
		}
	}
	copied := *refund
	s.refunds = append(s.refunds, &copied)
	return nil
}

func (s *processorRepoStub) FindActiveRefundByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, refund := range s.refunds {
		if refund.TransactionID == transactionID && refund.Status == domain.RefundStatusInitiated {
			copied := *refund
			return &copied, nil
		}
	}
	return nil, store.ErrRefundNotFound
}

func (s *processorRepoStub) UpdateRefundOutcome(ctx context.Context, refundID uuid.UUID, status domain.RefundStatus, retryCount int, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, refund := range s.refunds {
		if refund.ID == refundID {
			refund.Status = status
			refund.RetryCount = retryCount
			refund.LastError = lastError
			return nil
		}
	}
	return store.ErrRefundNotFound
}

func (s *processorRepoStub) snapshot() domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tx
}

type ledgerStub struct {
	trustline    bool
	trustlineErr error

	balance    decimal.Decimal
	balanceErr error

	submitHash    string
	submitErrs    []error // consumed one per call; nil entry means success
	submitCalls   int
	submittedLast ledgerclient.PaymentParams

	txStatus *ledgerclient.TransactionStatus
	getErr   error
	getCalls int
}

func (l *ledgerStub) HasTrustline(ctx context.Context, walletAddress, assetCode, assetIssuer string) (bool, error) {
	return l.trustline, l.trustlineErr
}

func (l *ledgerStub) AccountBalance(ctx context.Context, account, assetCode, assetIssuer string) (decimal.Decimal, error) {
	return l.balance, l.balanceErr
}

func (l *ledgerStub) SubmitPayment(ctx context.Context, params ledgerclient.PaymentParams) (string, error) {
	l.submittedLast = params
	call := l.submitCalls
	l.submitCalls++
	if call < len(l.submitErrs) && l.submitErrs[call] != nil {
		return "", l.submitErrs[call]
	}
	return l.submitHash, nil
}

func (l *ledgerStub) GetTransaction(ctx context.Context, hash string) (*ledgerclient.TransactionStatus, error) {
	l.getCalls++
	if l.getErr != nil {
		return nil, l.getErr
	}
	return l.txStatus, nil
}

type providerStub struct {
	verifyStatus *providerclient.PaymentStatus
	verifyErr    error

	refundErrs  []error // consumed one per call; nil entry means success
	refundCalls int
}

func (p *providerStub) VerifyPayment(ctx context.Context, provider, reference string) (*providerclient.PaymentStatus, error) {
	return p.verifyStatus, p.verifyErr
}

func (p *providerStub) Refund(ctx context.Context, provider, reference string, amountNGN decimal.Decimal) error {
	call := p.refundCalls
	p.refundCalls++
	if call < len(p.refundErrs) {
		return p.refundErrs[call]
	}
	return nil
}

type publishedEvent struct {
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{routingKey: routingKey, body: body})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) transitions() []domain.StageTransitionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.StageTransitionEvent
	for _, event := range p.events {
		if transition, ok := event.body.(domain.StageTransitionEvent); ok {
			out = append(out, transition)
		}
	}
	return out
}

type alerterStub struct {
	alerts   []domain.OperatorAlert
	alertErr error
}

func (a *alerterStub) Alert(ctx context.Context, alert domain.OperatorAlert) error {
	if a.alertErr != nil {
		return a.alertErr
	}
	a.alerts = append(a.alerts, alert)
	return nil
}

func testProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PendingTimeout:      30 * time.Minute,
		PendingMinAge:       2 * time.Minute,
		ConfirmationTimeout: 5 * time.Minute,
		SubmitBackoff:       []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
		RefundBackoff:       []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
		RefundSweepMinAge:   time.Minute,
		TimeoutSweepLimit:   100,
		PollSweepLimit:      100,
		DispatchLimit:       50,
		MonitorLimit:        50,
		RefundSweepLimit:    50,
		AssetCode:           "CNGN",
		AssetIssuer:         "GCNGNISSUERXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX",
		DistributionAccount: "GDISTRIBUTIONXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX",
		ExplorerBaseURL:     "https://stellar.expert/explorer/public",
	}
}

func newTestProcessor(repo *processorRepoStub, ledger Ledger, provider *providerStub) (*Processor, *publisherStub, *alerterStub) {
	events := &publisherStub{}
	alerts := &alerterStub{}
	processor := NewProcessor(repo, ledger, provider, events, alerts, clock.New(), testProcessorConfig())
	return processor, events, alerts
}

func pendingTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:               uuid.New(),
		PaymentProvider:  "flutterwave",
		PaymentReference: "flw_ref_001",
		WalletAddress:    "GWALLETXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX",
		Chain:            "stellar",
		AmountNGN:        decimal.RequireFromString("15300.00"),
		AmountCNGN:       decimal.RequireFromString("15230.4500"),
		PlatformFeeNGN:   decimal.RequireFromString("50.00"),
		ProviderFeeNGN:   decimal.RequireFromString("19.55"),
		TotalFeeNGN:      decimal.RequireFromString("69.55"),
		Status:           domain.StatusPending,
		CreatedAt:        time.Now().Add(-3 * time.Minute),
	}
}

func processingTransaction(hash string) *domain.Transaction {
	tx := pendingTransaction()
	tx.Status = domain.StatusProcessing
	confirmedAt := time.Now().Add(-time.Minute)
	tx.PaymentConfirmedAt = &confirmedAt
	if hash != "" {
		submittedAt := time.Now().Add(-30 * time.Second)
		tx.LedgerTxHash = &hash
		tx.TransferSubmittedAt = &submittedAt
	}
	return tx
}

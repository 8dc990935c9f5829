/**
 * @description
 * This file contains the core of the onramp transaction processor: the
 * `Processor` struct, its collaborator interfaces, and the shared transition
 * helpers every stage goes through. The stages themselves live next door
 * (confirmation.go, transfer.go, monitor.go, refund.go) and all funnel into
 * `failTransaction`, which is the single place a failure reason becomes a
 * status transition and, when eligible, a refund.
 *
 * Key properties:
 * - Every durable mutation is a conditional update; a lost race is a no-op.
 * - No in-memory lock is held across I/O; replicas coordinate via the store.
 * - Stage errors never escape the orchestration loops; they become either a
 *   status transition or a logged condition retried on a later cycle.
 *
 * @dependencies
 * - github.com/facebookgo/clock: Injectable time source.
 * - github.com/google/uuid: Correlation ids.
 * - github.com/shopspring/decimal: Money.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/ledgerclient, pkg/providerclient, pkg/rabbitmq: External collaborators.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kobocloud/onramp-service/internal/domain"
	"github.com/kobocloud/onramp-service/internal/store"
	"github.com/kobocloud/onramp-service/pkg/ledgerclient"
	"github.com/kobocloud/onramp-service/pkg/providerclient"
	"github.com/kobocloud/onramp-service/pkg/rabbitmq"
)

// Ledger is the narrow capability surface the processor needs from the
// settlement network gateway.
type Ledger interface {
	HasTrustline(ctx context.Context, walletAddress, assetCode, assetIssuer string) (bool, error)
	AccountBalance(ctx context.Context, account, assetCode, assetIssuer string) (decimal.Decimal, error)
	SubmitPayment(ctx context.Context, params ledgerclient.PaymentParams) (string, error)
	GetTransaction(ctx context.Context, hash string) (*ledgerclient.TransactionStatus, error)
}

// PaymentProvider is the capability surface of the payment-provider gateway.
type PaymentProvider interface {
	VerifyPayment(ctx context.Context, provider, reference string) (*providerclient.PaymentStatus, error)
	Refund(ctx context.Context, provider, reference string, amountNGN decimal.Decimal) error
}

// Alerter delivers operator alerts. It is deliberately separate from both
// logging and the event stream so the manual-review escalation is its own
// testable channel.
type Alerter interface {
	Alert(ctx context.Context, alert domain.OperatorAlert) error
}

// ProcessorConfig carries the processor's tunables. Defaults live in
// internal/config; tests construct this directly.
type ProcessorConfig struct {
	PendingTimeout      time.Duration // pending -> failed (payment_timeout) after this
	PendingMinAge       time.Duration // give the push path this long before polling
	ConfirmationTimeout time.Duration // submitted -> confirmation_stalled after this

	SubmitBackoff []time.Duration // delays between ledger submission retries
	RefundBackoff []time.Duration // delays between refund retries

	RefundSweepMinAge time.Duration // leave fresh failures to the inline path

	TimeoutSweepLimit int
	PollSweepLimit    int
	DispatchLimit     int
	MonitorLimit      int
	RefundSweepLimit  int

	AssetCode           string
	AssetIssuer         string
	DistributionAccount string
	ExplorerBaseURL     string
}

// Processor advances onramp transactions through their state machine. It holds
// no mutable state of its own; everything durable lives behind the Repository.
type Processor struct {
	repo     store.Repository
	ledger   Ledger
	provider PaymentProvider
	events   rabbitmq.Publisher
	alerts   Alerter
	clk      clock.Clock
	cfg      ProcessorConfig
}

// NewProcessor creates a new processor instance.
func NewProcessor(
	repo store.Repository,
	ledger Ledger,
	provider PaymentProvider,
	events rabbitmq.Publisher,
	alerts Alerter,
	clk clock.Clock,
	cfg ProcessorConfig,
) *Processor {
	return &Processor{
		repo:     repo,
		ledger:   ledger,
		provider: provider,
		events:   events,
		alerts:   alerts,
		clk:      clk,
		cfg:      cfg,
	}
}

// emitTransition publishes one entry of the structured event stream. Publish
// failures are logged and swallowed: the store is the source of truth and the
// stream is an observability feed, not a second ledger.
func (p *Processor) emitTransition(ctx context.Context, tx *domain.Transaction, correlationID uuid.UUID, prior, next domain.Status, reason, explorerURL string) {
	event := domain.StageTransitionEvent{
		TransactionID: tx.ID,
		CorrelationID: correlationID,
		PriorStatus:   prior,
		NewStatus:     next,
		Reason:        reason,
		ExplorerURL:   explorerURL,
		OccurredAt:    p.clk.Now().UTC(),
	}
	routingKey := "onramp.transaction." + string(next)
	if err := p.events.Publish(ctx, rabbitmq.EventsExchange, routingKey, event); err != nil {
		log.Printf("level=error component=processor msg=\"stage event publish failed\" tx_id=%s transition=%s->%s err=%v",
			tx.ID, prior, next, err)
	}
}

// failTransaction applies <from> -> failed with the classified reason, emits
// the stage event, and triggers the refund path when the failure happened
// after payment capture. A lost race returns (false, nil) and has no side
// effects; the winning caller owns the follow-up.
func (p *Processor) failTransaction(ctx context.Context, tx *domain.Transaction, correlationID uuid.UUID, from domain.Status, reason domain.FailureReason) (bool, error) {
	won, err := p.repo.MarkTransactionFailed(ctx, tx.ID, from, reason)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	if !won {
		return false, nil
	}

	log.Printf("level=info component=processor msg=\"transaction failed\" tx_id=%s prior=%s reason=%s", tx.ID, from, reason)
	p.emitTransition(ctx, tx, correlationID, from, domain.StatusFailed, string(reason), "")

	switch from {
	case domain.StatusPending:
		paymentsFailed.WithLabelValues(string(reason)).Inc()
	default:
		transfersFailed.WithLabelValues(string(reason)).Inc()
	}

	if reason.RefundEligible() {
		if err := p.refund(ctx, tx, correlationID, reason); err != nil {
			return true, fmt.Errorf("refund: %w", err)
		}
	}
	return true, nil
}

func (p *Processor) explorerURL(hash string) string {
	if p.cfg.ExplorerBaseURL == "" || hash == "" {
		return ""
	}
	return p.cfg.ExplorerBaseURL + "/tx/" + hash
}

package app

import (
	"context"

	"github.com/kobocloud/onramp-service/internal/domain"
	"github.com/kobocloud/onramp-service/pkg/rabbitmq"
)

// AlertsRoutingKey is the dedicated routing key for manual-review escalations.
// Operator tooling binds its queue here, separate from the transaction event
// stream.
const AlertsRoutingKey = "onramp.alerts.manual_review"

// AMQPAlerter delivers operator alerts over the broker's events exchange.
type AMQPAlerter struct {
	producer rabbitmq.Publisher
}

// NewAMQPAlerter creates an alerter backed by the given producer.
func NewAMQPAlerter(producer rabbitmq.Publisher) *AMQPAlerter {
	return &AMQPAlerter{producer: producer}
}

// Alert publishes the alert. Unlike stage events, a delivery failure here is
// returned to the caller; a stranded manual-review escalation must not be
// silent.
func (a *AMQPAlerter) Alert(ctx context.Context, alert domain.OperatorAlert) error {
	return a.producer.Publish(ctx, rabbitmq.EventsExchange, AlertsRoutingKey, alert)
}

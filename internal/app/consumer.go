package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/kobocloud/onramp-service/internal/domain"
)

// ConfirmationConsumer adapts broker deliveries of payment-confirmation events
// into processor calls. The return value drives the broker ack: true
// acknowledges, false requeues for redelivery.
type ConfirmationConsumer struct {
	processor *Processor
}

// NewConfirmationConsumer creates a consumer backed by the given processor.
func NewConfirmationConsumer(processor *Processor) *ConfirmationConsumer {
	return &ConfirmationConsumer{processor: processor}
}

// HandleMessage processes one delivery. Malformed payloads are acknowledged
// and dropped (redelivery cannot fix them); only infrastructure errors trigger
// a requeue. Duplicate deliveries are acknowledged after the processor's
// conditional update no-ops.
func (c *ConfirmationConsumer) HandleMessage(body []byte) bool {
	var event domain.ConfirmationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=confirmation-consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}
	if event.PaymentReference == "" || event.Provider == "" {
		log.Printf("level=warn component=confirmation-consumer msg=\"payload missing provider or reference\" payload=%s", string(body))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.processor.ProcessConfirmation(ctx, event); err != nil {
		log.Printf("level=error component=confirmation-consumer msg=\"processing error, requeueing\" provider=%s reference=%s err=%v",
			event.Provider, event.PaymentReference, err)
		return false
	}
	return true
}

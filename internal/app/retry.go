package app

import (
	"context"
	"log"
	"time"
)

// retryOutcome classifies the result of a bounded retry run.
type retryOutcome int

const (
	// retrySucceeded: an attempt returned without error.
	retrySucceeded retryOutcome = iota
	// retryExhausted: every attempt failed with a transient error and the
	// delay schedule ran out.
	retryExhausted
	// retryPermanent: an attempt failed with an error that retrying cannot
	// fix; remaining schedule entries are skipped.
	retryPermanent
	// retryDeferred: the context expired before the schedule was consumed.
	// The operation was not given its full retry budget, so the caller must
	// not treat this as a definitive failure.
	retryDeferred
)

// retryResult carries the final value, the attempt count and the last error of
// a retryWithBackoff run.
type retryResult struct {
	value    string
	attempts int
	outcome  retryOutcome
	err      error
}

// retryWithBackoff runs attempt once, then once more per entry of the delay
// schedule, sleeping the entry's duration before each re-attempt. A schedule
// of [2s, 4s, 8s] therefore allows four attempts total. Only errors that
// isTransient accepts are retried; anything else short-circuits as permanent.
// Context cancellation during a sleep ends the run as deferred, never as a
// definitive failure.
func (p *Processor) retryWithBackoff(ctx context.Context, op string, schedule []time.Duration, isTransient func(error) bool, attempt func(context.Context) (string, error)) retryResult {
	var lastErr error
	for i := 0; i <= len(schedule); i++ {
		if i > 0 {
			delay := schedule[i-1]
			log.Printf("level=warn component=processor msg=\"retrying after transient error\" op=%s attempt=%d delay=%s err=%v",
				op, i+1, delay, lastErr)
			select {
			case <-p.clk.After(delay):
			case <-ctx.Done():
				return retryResult{attempts: i, outcome: retryDeferred, err: ctx.Err()}
			}
		}

		value, err := attempt(ctx)
		if err == nil {
			return retryResult{value: value, attempts: i + 1, outcome: retrySucceeded}
		}
		if !isTransient(err) {
			return retryResult{attempts: i + 1, outcome: retryPermanent, err: err}
		}
		lastErr = err
	}
	return retryResult{attempts: len(schedule) + 1, outcome: retryExhausted, err: lastErr}
}

// retryAnyError treats every error as transient. Used for refunds, where the
// provider gateway does not classify failures.
func retryAnyError(error) bool { return true }

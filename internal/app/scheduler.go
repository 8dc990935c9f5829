/**
 * @description
 * Cron scheduler setup for the processor's background sweeps. Five jobs run on
 * second-granularity schedules: the payment timeout sweep, the provider
 * polling fallback, the transfer dispatch sweep, the ledger confirmation
 * monitor, and the refund recovery sweep. Every sweep selects its candidates
 * with SKIP LOCKED, so overlapping runs across replicas partition the work
 * instead of colliding.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig carries the cron expressions (with a seconds field) and the
// per-run deadline for the background sweeps.
type SchedulerConfig struct {
	TimeoutSweepSchedule string
	PollSchedule         string
	DispatchSchedule     string
	MonitorSchedule      string
	RefundSchedule       string
	JobTimeout           time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	processor *Processor
	config    SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(processor *Processor, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:      c,
		processor: processor,
		config:    cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.add("payment_timeout_sweep", s.config.TimeoutSweepSchedule, s.processor.SweepPaymentTimeouts)
	s.add("pending_payment_poll", s.config.PollSchedule, s.processor.PollPendingPayments)
	s.add("transfer_dispatch", s.config.DispatchSchedule, s.processor.DispatchTransfers)
	s.add("ledger_confirmation_monitor", s.config.MonitorSchedule, s.processor.MonitorLedgerConfirmations)
	s.add("refund_recovery", s.config.RefundSchedule, s.processor.SweepRefunds)

	s.cron.Start()
}

func (s *Scheduler) add(name, schedule string, job func(context.Context) error) {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
		defer cancel()

		if err := job(ctx); err != nil {
			log.Printf("level=error component=scheduler msg=\"job run failed\" job=%s err=%v", name, err)
		}
	})
	if err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule job\" job=%s schedule=%q err=%v", name, schedule, err)
		return
	}
	log.Printf("level=info component=scheduler msg=\"scheduled job\" job=%s schedule=%q", name, schedule)
}

// Stop gracefully stops the cron scheduler. The returned context is done when
// all running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

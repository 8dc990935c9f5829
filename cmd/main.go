/**
 * @description
 * This is the main entry point for the onramp-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external gateway clients, message brokers, the repository, the
 * transaction processor with its cron sweeps, and the operational HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/facebookgo/clock: Real time source for the processor.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient, pkg/providerclient: Clients for the gateway services.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kobocloud/onramp-service/internal/api"
	"github.com/kobocloud/onramp-service/internal/app"
	"github.com/kobocloud/onramp-service/internal/config"
	"github.com/kobocloud/onramp-service/internal/store"
	"github.com/kobocloud/onramp-service/pkg/ledgerclient"
	"github.com/kobocloud/onramp-service/pkg/providerclient"
	rmrabbit "github.com/kobocloud/onramp-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.DistributionAccount == "" || cfg.AssetIssuer == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"asset issuer and distribution account must be configured\" env=ASSET_ISSUER,DISTRIBUTION_ACCOUNT")
	}

	log.Printf("level=info component=bootstrap msg=\"starting onramp-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// The processor is sweep-driven; a modest pool is plenty even with
	// multiple replicas.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer for the stage event stream and operator
	// alerts. A broker outage degrades observability, not processing, so the
	// producer falls back to a no-op rather than blocking startup.
	var events rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		events = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		events = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the gateway clients.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerGatewayURL, cfg.LedgerGatewayAPIKey)
	providerClient := providerclient.NewClient(cfg.ProviderGatewayURL, cfg.ProviderGatewayAPIKey)

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the transaction processor with its dependencies.
	processor := app.NewProcessor(
		repository,
		ledgerClient,
		providerClient,
		events,
		app.NewAMQPAlerter(events),
		clock.New(),
		app.ProcessorConfig{
			PendingTimeout:      time.Duration(cfg.PendingTimeoutSeconds) * time.Second,
			PendingMinAge:       time.Duration(cfg.PendingMinAgeSeconds) * time.Second,
			ConfirmationTimeout: time.Duration(cfg.ConfirmationTimeoutSeconds) * time.Second,
			SubmitBackoff:       cfg.SubmitBackoff,
			RefundBackoff:       cfg.RefundBackoff,
			RefundSweepMinAge:   time.Duration(cfg.RefundSweepMinAgeSeconds) * time.Second,
			TimeoutSweepLimit:   cfg.TimeoutSweepLimit,
			PollSweepLimit:      cfg.PollSweepLimit,
			DispatchLimit:       cfg.DispatchLimit,
			MonitorLimit:        cfg.MonitorLimit,
			RefundSweepLimit:    cfg.RefundSweepLimit,
			AssetCode:           cfg.AssetCode,
			AssetIssuer:         cfg.AssetIssuer,
			DistributionAccount: cfg.DistributionAccount,
			ExplorerBaseURL:     cfg.ExplorerBaseURL,
		},
	)

	// Wire up the confirmation consumer: payment.confirmed.* events from the
	// payments exchange feed the processor's push path.
	confirmationConsumer := app.NewConfirmationConsumer(processor)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	confirmationBindings := map[string]func([]byte) bool{
		cfg.ConfirmationRoutingKey: confirmationConsumer.HandleMessage,
	}
	if err := rabbitConsumer.ConsumeWithBindings(cfg.PaymentEventsExchange, cfg.ConfirmationQueue, confirmationBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"confirmation consumer start failed\" err=%v", err)
	}

	// Start the background sweeps.
	scheduler := app.NewScheduler(processor, app.SchedulerConfig{
		TimeoutSweepSchedule: cfg.TimeoutSweepSchedule,
		PollSchedule:         cfg.PollSchedule,
		DispatchSchedule:     cfg.DispatchSchedule,
		MonitorSchedule:      cfg.MonitorSchedule,
		RefundSchedule:       cfg.RefundSweepSchedule,
		JobTimeout:           time.Duration(cfg.JobTimeoutSeconds) * time.Second,
	})
	scheduler.Start()

	// Set up the operational HTTP server (health + metrics).
	router := api.Routes(map[string]api.ReadinessCheck{
		"database": dbpool.Ping,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop the cron sweeps first and wait for in-flight jobs; a killed sweep
	// is safe (conditional updates) but a drained one is cleaner.
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=bootstrap msg=\"scheduler drain timed out\"")
	}

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

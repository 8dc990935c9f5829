/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the onramp-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	PaymentEventsExchange  string `mapstructure:"PAYMENT_EVENTS_EXCHANGE"`
	ConfirmationQueue      string `mapstructure:"CONFIRMATION_QUEUE"`
	ConfirmationRoutingKey string `mapstructure:"CONFIRMATION_ROUTING_KEY"`

	LedgerGatewayURL      string `mapstructure:"LEDGER_GATEWAY_URL"`
	LedgerGatewayAPIKey   string `mapstructure:"LEDGER_GATEWAY_API_KEY"`
	ProviderGatewayURL    string `mapstructure:"PROVIDER_GATEWAY_URL"`
	ProviderGatewayAPIKey string `mapstructure:"PROVIDER_GATEWAY_API_KEY"`

	AssetCode           string `mapstructure:"ASSET_CODE"`
	AssetIssuer         string `mapstructure:"ASSET_ISSUER"`
	DistributionAccount string `mapstructure:"DISTRIBUTION_ACCOUNT"`
	ExplorerBaseURL     string `mapstructure:"EXPLORER_BASE_URL"`

	PendingTimeoutSeconds      int `mapstructure:"PENDING_TIMEOUT_SECONDS"`
	PendingMinAgeSeconds       int `mapstructure:"PENDING_MIN_AGE_SECONDS"`
	ConfirmationTimeoutSeconds int `mapstructure:"CONFIRMATION_TIMEOUT_SECONDS"`

	SubmitBackoffSeconds string `mapstructure:"SUBMIT_BACKOFF_SECONDS"`
	RefundBackoffSeconds string `mapstructure:"REFUND_BACKOFF_SECONDS"`

	TimeoutSweepLimit int `mapstructure:"TIMEOUT_SWEEP_LIMIT"`
	PollSweepLimit    int `mapstructure:"POLL_SWEEP_LIMIT"`
	DispatchLimit     int `mapstructure:"DISPATCH_LIMIT"`
	MonitorLimit      int `mapstructure:"MONITOR_LIMIT"`

	RefundSweepLimit         int `mapstructure:"REFUND_SWEEP_LIMIT"`
	RefundSweepMinAgeSeconds int `mapstructure:"REFUND_SWEEP_MIN_AGE_SECONDS"`

	TimeoutSweepSchedule string `mapstructure:"TIMEOUT_SWEEP_SCHEDULE"`
	PollSchedule         string `mapstructure:"POLL_SCHEDULE"`
	DispatchSchedule     string `mapstructure:"DISPATCH_SCHEDULE"`
	MonitorSchedule      string `mapstructure:"MONITOR_SCHEDULE"`
	RefundSweepSchedule  string `mapstructure:"REFUND_SWEEP_SCHEDULE"`
	JobTimeoutSeconds    int    `mapstructure:"JOB_TIMEOUT_SECONDS"`

	// Parsed from the *_BACKOFF_SECONDS strings after unmarshalling.
	SubmitBackoff []time.Duration `mapstructure:"-"`
	RefundBackoff []time.Duration `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_EVENTS_EXCHANGE", "payments")
	viper.SetDefault("CONFIRMATION_QUEUE", "onramp_service.payment_confirmations")
	viper.SetDefault("CONFIRMATION_ROUTING_KEY", "payment.confirmed.*")
	viper.SetDefault("ASSET_CODE", "CNGN")
	viper.SetDefault("EXPLORER_BASE_URL", "https://stellar.expert/explorer/public")
	viper.SetDefault("PENDING_TIMEOUT_SECONDS", 1800)
	viper.SetDefault("PENDING_MIN_AGE_SECONDS", 120)
	viper.SetDefault("CONFIRMATION_TIMEOUT_SECONDS", 300)
	viper.SetDefault("SUBMIT_BACKOFF_SECONDS", "2,4,8")
	viper.SetDefault("REFUND_BACKOFF_SECONDS", "30,60,120")
	viper.SetDefault("TIMEOUT_SWEEP_LIMIT", 100)
	viper.SetDefault("POLL_SWEEP_LIMIT", 100)
	viper.SetDefault("DISPATCH_LIMIT", 50)
	viper.SetDefault("MONITOR_LIMIT", 50)
	viper.SetDefault("TIMEOUT_SWEEP_SCHEDULE", "0 * * * * *")
	viper.SetDefault("POLL_SCHEDULE", "*/30 * * * * *")
	viper.SetDefault("DISPATCH_SCHEDULE", "*/15 * * * * *")
	viper.SetDefault("MONITOR_SCHEDULE", "*/10 * * * * *")
	viper.SetDefault("REFUND_SWEEP_LIMIT", 50)
	viper.SetDefault("REFUND_SWEEP_MIN_AGE_SECONDS", 60)
	viper.SetDefault("REFUND_SWEEP_SCHEDULE", "*/30 * * * * *")
	viper.SetDefault("JOB_TIMEOUT_SECONDS", 300)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("CONFIRMATION_QUEUE")
	_ = viper.BindEnv("CONFIRMATION_ROUTING_KEY")
	_ = viper.BindEnv("LEDGER_GATEWAY_URL")
	_ = viper.BindEnv("LEDGER_GATEWAY_API_KEY")
	_ = viper.BindEnv("PROVIDER_GATEWAY_URL")
	_ = viper.BindEnv("PROVIDER_GATEWAY_API_KEY")
	_ = viper.BindEnv("ASSET_CODE")
	_ = viper.BindEnv("ASSET_ISSUER")
	_ = viper.BindEnv("DISTRIBUTION_ACCOUNT")
	_ = viper.BindEnv("EXPLORER_BASE_URL")
	_ = viper.BindEnv("PENDING_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PENDING_MIN_AGE_SECONDS")
	_ = viper.BindEnv("CONFIRMATION_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SUBMIT_BACKOFF_SECONDS")
	_ = viper.BindEnv("REFUND_BACKOFF_SECONDS")
	_ = viper.BindEnv("TIMEOUT_SWEEP_LIMIT")
	_ = viper.BindEnv("POLL_SWEEP_LIMIT")
	_ = viper.BindEnv("DISPATCH_LIMIT")
	_ = viper.BindEnv("MONITOR_LIMIT")
	_ = viper.BindEnv("TIMEOUT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("POLL_SCHEDULE")
	_ = viper.BindEnv("DISPATCH_SCHEDULE")
	_ = viper.BindEnv("MONITOR_SCHEDULE")
	_ = viper.BindEnv("REFUND_SWEEP_LIMIT")
	_ = viper.BindEnv("REFUND_SWEEP_MIN_AGE_SECONDS")
	_ = viper.BindEnv("REFUND_SWEEP_SCHEDULE")
	_ = viper.BindEnv("JOB_TIMEOUT_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if config.PendingTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive pending timeout; using default\" seconds=%d", config.PendingTimeoutSeconds)
		config.PendingTimeoutSeconds = 1800
	}
	if config.PendingMinAgeSeconds <= 0 {
		config.PendingMinAgeSeconds = 120
	}
	if config.ConfirmationTimeoutSeconds <= 0 {
		config.ConfirmationTimeoutSeconds = 300
	}
	if config.TimeoutSweepLimit <= 0 {
		config.TimeoutSweepLimit = 100
	}
	if config.PollSweepLimit <= 0 {
		config.PollSweepLimit = 100
	}
	if config.DispatchLimit <= 0 {
		config.DispatchLimit = 50
	}
	if config.MonitorLimit <= 0 {
		config.MonitorLimit = 50
	}
	if config.RefundSweepLimit <= 0 {
		config.RefundSweepLimit = 50
	}
	if config.RefundSweepMinAgeSeconds <= 0 {
		config.RefundSweepMinAgeSeconds = 60
	}
	if config.JobTimeoutSeconds <= 0 {
		config.JobTimeoutSeconds = 300
	}

	config.SubmitBackoff = parseBackoffSchedule("SUBMIT_BACKOFF_SECONDS", config.SubmitBackoffSeconds, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second})
	config.RefundBackoff = parseBackoffSchedule("REFUND_BACKOFF_SECONDS", config.RefundBackoffSeconds, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second})

	// A sweep deadline shorter than the worst-case refund schedule would cut
	// every inline refund short; keep headroom above the summed delays.
	var refundBudget time.Duration
	for _, delay := range config.RefundBackoff {
		refundBudget += delay
	}
	minJobTimeout := int(refundBudget.Seconds()) + 60
	if config.JobTimeoutSeconds < minJobTimeout {
		log.Printf("level=warn component=config msg=\"job timeout below refund retry budget; raising\" configured=%d raised_to=%d",
			config.JobTimeoutSeconds, minJobTimeout)
		config.JobTimeoutSeconds = minJobTimeout
	}

	return
}

// parseBackoffSchedule turns a comma-separated list of seconds ("2,4,8") into
// a delay schedule. Invalid entries invalidate the whole list; the fallback
// schedule applies instead.
func parseBackoffSchedule(name, raw string, fallback []time.Duration) []time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		seconds, parseErr := strconv.Atoi(strings.TrimSpace(part))
		if parseErr != nil || seconds <= 0 {
			log.Printf("level=warn component=config msg=\"invalid backoff schedule; using default\" var=%s value=%q", name, raw)
			return fallback
		}
		schedule = append(schedule, time.Duration(seconds)*time.Second)
	}
	return schedule
}

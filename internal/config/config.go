// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; enables Redis notification fan-out

	// Payment providers
	DefaultProvider   string // "paystack", "flutterwave" or "stripe"
	PaystackSecret    string
	FlutterwaveSecret string
	FlutterwaveHash   string // Constant verif-hash compared against webhook header
	StripeSecret      string
	StripeWebhookKey  string
	CallbackBaseURL   string // Public base URL providers redirect back to

	// Platform fees, in basis points, clamped to MaxFeeBps
	FeeJobBps      int64
	FeeProduceBps  int64
	FeeDeliveryBps int64

	// Reconciliation thresholds, in hours
	AutoReleaseHours      int
	AutoReleaseFloorHours int
	AutoConfirmHours      int
	AutoConfirmFloorHours int

	// Webhook queue
	WebhookMaxAttempts int

	// Guarded scheduler
	SchedulerIntervalSeconds int
	TaskAlertThreshold       int
	TaskEscalateThreshold    int

	// Collaborators
	SMSGatewayURL string // Optional fire-and-forget SMS sink
	SMSGatewayKey string // Bearer token for the SMS gateway
	AdminSecret   string // Admin API secret
}

// MaxFeeBps caps every configured platform fee at 25%.
const MaxFeeBps = 2500

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultProviderName       = "paystack"
	DefaultFeeJobBps          = 800
	DefaultFeeProduceBps      = 500
	DefaultFeeDeliveryBps     = 1000
	DefaultAutoReleaseHours   = 72
	DefaultAutoConfirmHours   = 48
	DefaultFloorHours         = 24
	DefaultWebhookAttempts    = 7
	DefaultSchedulerInterval  = 60
	DefaultAlertThreshold     = 3
	DefaultEscalateThreshold  = 6
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		DefaultProvider:   getEnv("PAYMENT_PROVIDER", DefaultProviderName),
		PaystackSecret:    os.Getenv("PAYSTACK_SECRET_KEY"),
		FlutterwaveSecret: os.Getenv("FLUTTERWAVE_SECRET_KEY"),
		FlutterwaveHash:   os.Getenv("FLUTTERWAVE_VERIF_HASH"),
		StripeSecret:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookKey:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CallbackBaseURL:   getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),

		FeeJobBps:      getEnvInt64("FEE_JOB_BPS", DefaultFeeJobBps),
		FeeProduceBps:  getEnvInt64("FEE_ORDER_PRODUCE_BPS", DefaultFeeProduceBps),
		FeeDeliveryBps: getEnvInt64("FEE_ORDER_DELIVERY_BPS", DefaultFeeDeliveryBps),

		AutoReleaseHours:      int(getEnvInt64("AUTO_RELEASE_HOURS", DefaultAutoReleaseHours)),
		AutoReleaseFloorHours: int(getEnvInt64("AUTO_RELEASE_FLOOR_HOURS", DefaultFloorHours)),
		AutoConfirmHours:      int(getEnvInt64("AUTO_CONFIRM_HOURS", DefaultAutoConfirmHours)),
		AutoConfirmFloorHours: int(getEnvInt64("AUTO_CONFIRM_FLOOR_HOURS", DefaultFloorHours)),

		WebhookMaxAttempts: int(getEnvInt64("WEBHOOK_MAX_ATTEMPTS", DefaultWebhookAttempts)),

		SchedulerIntervalSeconds: int(getEnvInt64("SCHEDULER_INTERVAL_SECONDS", DefaultSchedulerInterval)),
		TaskAlertThreshold:       int(getEnvInt64("TASK_ALERT_THRESHOLD", DefaultAlertThreshold)),
		TaskEscalateThreshold:    int(getEnvInt64("TASK_ESCALATE_THRESHOLD", DefaultEscalateThreshold)),

		SMSGatewayURL: os.Getenv("SMS_GATEWAY_URL"),
		SMSGatewayKey: os.Getenv("SMS_GATEWAY_KEY"),
		AdminSecret:   os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency and clamps fee percentages.
func (c *Config) Validate() error {
	switch c.DefaultProvider {
	case "paystack", "flutterwave", "stripe":
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be paystack, flutterwave or stripe, got %q", c.DefaultProvider)
	}

	for _, bps := range []*int64{&c.FeeJobBps, &c.FeeProduceBps, &c.FeeDeliveryBps} {
		if *bps < 0 {
			return fmt.Errorf("fee basis points cannot be negative")
		}
		if *bps > MaxFeeBps {
			*bps = MaxFeeBps
		}
	}

	if c.AutoReleaseFloorHours > c.AutoReleaseHours {
		return fmt.Errorf("AUTO_RELEASE_FLOOR_HOURS (%d) exceeds AUTO_RELEASE_HOURS (%d)",
			c.AutoReleaseFloorHours, c.AutoReleaseHours)
	}
	if c.AutoConfirmFloorHours > c.AutoConfirmHours {
		return fmt.Errorf("AUTO_CONFIRM_FLOOR_HOURS (%d) exceeds AUTO_CONFIRM_HOURS (%d)",
			c.AutoConfirmFloorHours, c.AutoConfirmHours)
	}

	if c.WebhookMaxAttempts <= 0 {
		c.WebhookMaxAttempts = DefaultWebhookAttempts
	}
	if c.TaskEscalateThreshold < c.TaskAlertThreshold {
		c.TaskEscalateThreshold = c.TaskAlertThreshold
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

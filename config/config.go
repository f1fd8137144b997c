package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server configuration
	Port          string
	Environment   string
	PublicBaseURL string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey           string
	PubNubSubscribeKey         string
	PubNubSecretKey            string
	PubNubUserID               string
	PaymentNotificationChannel string

	// Payment provider
	PaymentProvider string
	MPBaseURL       string
	MPAccessToken   string
	MPWebhookSecret string

	// Sales rules
	Currency              string
	PaymentExpiration     time.Duration
	TransferExpiration    time.Duration
	TicketGracePeriod     time.Duration
	TransferFeePercent    decimal.Decimal
	MaxTicketsPerPurchase int
	QRSigningKey          string

	// Scheduler
	ReconcileInterval     time.Duration
	TransferSweepInterval time.Duration
	CouponSweepInterval   time.Duration
	HealthInterval        time.Duration
	SweepBatchSize        int

	// Caching and limits
	AvailabilityCacheTTL time.Duration
	RateLimitPerMinute   int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

// LoadConfig reads the environment, after merging a .env file when one exists.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "error", err)
	}

	return &Config{
		// Server
		Port:          getEnv("PORT", "8090"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8090"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:           getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey:         getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:            getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:               getEnv("PUBNUB_USER_ID", "ticket-settlement"),
		PaymentNotificationChannel: getEnv("PAYMENT_NOTIFICATION_CHANNEL", "payment-notifications"),

		// Provider
		PaymentProvider: getEnv("PAYMENT_PROVIDER", "sandbox"),
		MPBaseURL:       getEnv("MP_BASE_URL", "https://api.mercadopago.com"),
		MPAccessToken:   getEnv("MP_ACCESS_TOKEN", ""),
		MPWebhookSecret: getEnv("MP_WEBHOOK_SECRET", ""),

		// Sales
		Currency:              getEnv("CURRENCY", "ARS"),
		PaymentExpiration:     getEnvAsDuration("PAYMENT_EXPIRATION", "24h"),
		TransferExpiration:    getEnvAsDuration("TRANSFER_EXPIRATION", "168h"),
		TicketGracePeriod:     getEnvAsDuration("TICKET_GRACE_PERIOD", "12h"),
		TransferFeePercent:    getEnvAsDecimal("TRANSFER_FEE_PERCENT", "5"),
		MaxTicketsPerPurchase: getEnvAsInt("MAX_TICKETS_PER_PURCHASE", 10),
		QRSigningKey:          getEnv("QR_SIGNING_KEY", ""),

		// Scheduler
		ReconcileInterval:     getEnvAsDuration("RECONCILE_INTERVAL", "15m"),
		TransferSweepInterval: getEnvAsDuration("TRANSFER_SWEEP_INTERVAL", "1h"),
		CouponSweepInterval:   getEnvAsDuration("COUPON_SWEEP_INTERVAL", "1h"),
		HealthInterval:        getEnvAsDuration("HEALTH_INTERVAL", "30s"),
		SweepBatchSize:        getEnvAsInt("SWEEP_BATCH_SIZE", 200),

		AvailabilityCacheTTL: getEnvAsDuration("AVAILABILITY_CACHE_TTL", "10s"),
		RateLimitPerMinute:   getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"PAYMENT_EXPIRATION":      c.PaymentExpiration,
		"TRANSFER_EXPIRATION":     c.TransferExpiration,
		"RECONCILE_INTERVAL":      c.ReconcileInterval,
		"TRANSFER_SWEEP_INTERVAL": c.TransferSweepInterval,
		"COUPON_SWEEP_INTERVAL":   c.CouponSweepInterval,
		"HEALTH_INTERVAL":         c.HealthInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.TicketGracePeriod < 0 {
		errs = append(errs, fmt.Errorf("TICKET_GRACE_PERIOD must not be negative"))
	}
	if c.TransferFeePercent.IsNegative() || c.TransferFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("TRANSFER_FEE_PERCENT must be in [0, 100), got %s", c.TransferFeePercent))
	}
	if c.MaxTicketsPerPurchase < 1 {
		errs = append(errs, fmt.Errorf("MAX_TICKETS_PER_PURCHASE must be at least 1"))
	}
	if c.SweepBatchSize < 1 {
		errs = append(errs, fmt.Errorf("SWEEP_BATCH_SIZE must be at least 1"))
	}
	if c.RateLimitPerMinute < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1"))
	}
	switch c.PaymentProvider {
	case "sandbox":
	case "mercadopago":
		if c.MPAccessToken == "" {
			errs = append(errs, fmt.Errorf("MP_ACCESS_TOKEN is required for the mercadopago provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.PaymentProvider))
	}
	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	if value, err := decimal.NewFromString(getEnv(key, defaultValue)); err == nil {
		return value
	}
	return decimal.RequireFromString(defaultValue)
}

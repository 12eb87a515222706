package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicBaseURL string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Payment gateway
	PaymentPublicKey     string
	PaymentSecretKey     string
	PaymentBaseURL       string
	PaymentWebhookSecret string
	PaymentCallbackURL   string
	DefaultCurrency      string
	WebhookTimeout       time.Duration

	// Velocity limits on payment initiation and refunds
	VelocityMaxInitiations int
	VelocityMaxRefunds     int
	VelocityWindow         time.Duration

	// Scheduling provider (Cal.com style) ingestion
	SchedulingWebhookSecret string

	// Auth
	JWTSecret  string
	CronSecret string

	// Email
	EmailProvider    string
	SendGridAPIKey   string
	EmailFromAddress string
	EmailFromName    string

	// AWS (SES email, S3 invoice documents)
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	InvoiceBucket       string

	// Invoicing
	InvoiceTaxRate float64
	InvoiceDueDays int

	// Reminder scheduler
	ReminderScanInterval time.Duration
	ReminderBatchSize    int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		PaymentPublicKey:     getEnv("PAYMENT_PUBLIC_KEY", ""),
		PaymentSecretKey:     getEnv("PAYMENT_SECRET_KEY", ""),
		PaymentBaseURL:       getEnv("PAYMENT_BASE_URL", "https://api.paystack.co"),
		PaymentWebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		PaymentCallbackURL:   getEnv("PAYMENT_CALLBACK_URL", ""),
		DefaultCurrency:      strings.ToUpper(getEnv("DEFAULT_CURRENCY", "NGN")),
		WebhookTimeout:       getEnvAsDuration("WEBHOOK_TIMEOUT", 5*time.Second),

		VelocityMaxInitiations: getEnvAsInt("VELOCITY_MAX_INITIATIONS", 5),
		VelocityMaxRefunds:     getEnvAsInt("VELOCITY_MAX_REFUNDS", 3),
		VelocityWindow:         getEnvAsDuration("VELOCITY_WINDOW", time.Hour),

		SchedulingWebhookSecret: getEnv("SCHEDULING_WEBHOOK_SECRET", ""),

		JWTSecret:  getEnv("JWT_SECRET", ""),
		CronSecret: getEnv("CRON_SECRET", ""),

		EmailProvider:    strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:   getEnv("SENDGRID_API_KEY", ""),
		EmailFromAddress: getEnv("EMAIL_FROM_ADDRESS", ""),
		EmailFromName:    getEnv("EMAIL_FROM_NAME", "CareBook"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		InvoiceBucket:       getEnv("INVOICE_BUCKET", ""),

		InvoiceTaxRate: getEnvAsFloat("INVOICE_TAX_RATE", 0.10),
		InvoiceDueDays: getEnvAsInt("INVOICE_DUE_DAYS", 7),

		ReminderScanInterval: getEnvAsDuration("REMINDER_SCAN_INTERVAL", 5*time.Minute),
		ReminderBatchSize:    getEnvAsInt("REMINDER_BATCH_SIZE", 200),
	}
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

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
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// WhatsApp provider (WPPConnect-style HTTP API)
	WhatsAppBaseURL  string
	WhatsAppSession  string
	WhatsAppToken    string
	PacingMinDelay   time.Duration
	PacingMaxDelay   time.Duration
	CountryCode      string
	AreaCodePriority []string

	// Lead capture webhooks
	LeadWebhookSecret string
	WebhookDedupTTL   time.Duration

	AdminJWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Agent notifications
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	NotifyEmail       string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	CORSAllowedOrigins []string
	WebhookRatePerSec  float64
	WebhookRateBurst   int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		WhatsAppBaseURL:  strings.TrimRight(getEnv("WHATSAPP_BASE_URL", ""), "/"),
		WhatsAppSession:  getEnv("WHATSAPP_SESSION", "default"),
		WhatsAppToken:    getEnv("WHATSAPP_TOKEN", ""),
		PacingMinDelay:   getEnvAsDuration("SEND_PACING_MIN", 2*time.Second),
		PacingMaxDelay:   getEnvAsDuration("SEND_PACING_MAX", 9*time.Second),
		CountryCode:      getEnv("PHONE_COUNTRY_CODE", "55"),
		AreaCodePriority: getEnvAsSlice("PHONE_AREA_CODES", []string{"21", "11", "24", "22", "27", "31", "32"}),

		LeadWebhookSecret: getEnv("LEAD_WEBHOOK_SECRET", ""),
		WebhookDedupTTL:   getEnvAsDuration("WEBHOOK_DEDUP_TTL", 24*time.Hour),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", ""))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Imóveis Daher"),
		NotifyEmail:       getEnv("NOTIFY_EMAIL", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", nil),
		WebhookRatePerSec:  getEnvAsFloat("WEBHOOK_RATE_PER_SEC", 5),
		WebhookRateBurst:   getEnvAsInt("WEBHOOK_RATE_BURST", 20),
	}
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

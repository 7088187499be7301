// Package config loads service configuration from the environment. Every
// knob has a local-development default so the service boots with no env at
// all, falling back to in-memory adapters where a backing store is absent.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/wakala/fulfillment/internal/webhook"
)

// Config holds everything cmd/fulfillment and cmd/reconciler need to wire
// their dependencies.
type Config struct {
	ServiceName string
	HTTPAddr    string

	// PostgresDSN, RedisAddr and KafkaBrokers are optional: when empty the
	// corresponding in-memory adapter is used instead.
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string

	SagaLogPath string

	Gateways       GatewayConfig
	WebhookSecrets webhook.StaticSecrets

	InventoryURL     string
	InventoryTimeout time.Duration

	ReconcileInterval time.Duration
	TenantIDs         []string
}

// GatewayConfig carries the per-provider credentials and weights.
type GatewayConfig struct {
	CardName     string
	CardURL      string
	CardAPIKey   string
	CardPriority float64

	EFTName     string
	EFTURL      string
	EFTAPIKey   string
	EFTPriority float64

	CODPriority float64

	Timeout time.Duration
}

// Load reads the environment once at startup.
func Load() Config {
	return Config{
		ServiceName: getEnv("OTEL_SERVICE_NAME", "fulfillment"),
		HTTPAddr:    ":" + getEnv("PORT", "8080"),

		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "fulfillment.events"),

		SagaLogPath: getEnv("SAGA_LOG_PATH", "saga.db"),

		Gateways: GatewayConfig{
			CardName:     getEnv("CARD_GATEWAY_NAME", "cardstream"),
			CardURL:      getEnv("CARD_GATEWAY_URL", "http://localhost:9201"),
			CardAPIKey:   os.Getenv("CARD_GATEWAY_API_KEY"),
			CardPriority: 1.0,

			EFTName:     getEnv("EFT_GATEWAY_NAME", "instanteft"),
			EFTURL:      getEnv("EFT_GATEWAY_URL", "http://localhost:9202"),
			EFTAPIKey:   os.Getenv("EFT_GATEWAY_API_KEY"),
			EFTPriority: 0.8,

			CODPriority: 0.5,

			Timeout: getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		},
		WebhookSecrets: parseSecrets(os.Getenv("WEBHOOK_SECRETS")),

		InventoryURL:     os.Getenv("INVENTORY_URL"),
		InventoryTimeout: getEnvDuration("INVENTORY_TIMEOUT", 5*time.Second),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 24*time.Hour),
		TenantIDs:         splitList(os.Getenv("TENANT_IDS")),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSecrets reads "instanteft=s3cret,spaza-001:cardstream=other" into
// the webhook secret map.
func parseSecrets(raw string) webhook.StaticSecrets {
	secrets := webhook.StaticSecrets{}
	for _, pair := range splitList(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if ok && k != "" {
			secrets[k] = v
		}
	}
	return secrets
}

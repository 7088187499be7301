package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "fulfillment", cfg.ServiceName)
	assert.Equal(t, "fulfillment.events", cfg.KafkaTopic)
	assert.Equal(t, 24*time.Hour, cfg.ReconcileInterval)
	assert.Empty(t, cfg.PostgresDSN)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("WEBHOOK_SECRETS", "instanteft=abc,spaza-001:cardstream=def")
	t.Setenv("TENANT_IDS", "spaza-001,spaza-002")

	cfg := Load()

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3*time.Second, cfg.Gateways.Timeout)
	assert.Equal(t, []string{"spaza-001", "spaza-002"}, cfg.TenantIDs)

	secret, ok := cfg.WebhookSecrets.Secret("spaza-001", "cardstream")
	assert.True(t, ok)
	assert.Equal(t, "def", secret)

	secret, ok = cfg.WebhookSecrets.Secret("any-tenant", "instanteft")
	assert.True(t, ok)
	assert.Equal(t, "abc", secret)
}

func TestLoadIgnoresBadDuration(t *testing.T) {
	t.Setenv("GATEWAY_TIMEOUT", "not-a-duration")
	cfg := Load()
	assert.Equal(t, 10*time.Second, cfg.Gateways.Timeout)
}

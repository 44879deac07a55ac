package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("WHATSAPP_PROVIDER", "")

	cfg := Load()
	require.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	require.Equal(t, "communication_dispatch", cfg.KafkaTopic)
	require.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	require.Equal(t, 15*time.Second, cfg.Dispatch.SendTimeout)
	require.Equal(t, "", cfg.WhatsApp.Provider)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "3")
	t.Setenv("DISPATCH_SEND_TIMEOUT", "2s")
	t.Setenv("WHATSAPP_PROVIDER", "Twilio")
	t.Setenv("PUBLIC_BASE_URL", "https://comms.example/")

	cfg := Load()
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.Dispatch.SendTimeout)
	require.Equal(t, "twilio", cfg.WhatsApp.Provider)
	require.Equal(t, "https://comms.example", cfg.PublicBaseURL)
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("DISPATCH_CONCURRENCY", "lots")
	t.Setenv("CACHE_TTL", "-5s")

	cfg := Load()
	require.Equal(t, 16, cfg.Dispatch.Concurrency)
	require.Equal(t, 30*time.Second, cfg.CacheTTL)
}

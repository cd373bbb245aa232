package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "dev", cfg.AuthMode)
	assert.Equal(t, 64, cfg.OutboundQueueSize)
	assert.Equal(t, 5000, cfg.MessageMaxLength)
	assert.True(t, cfg.DBMigrate)
	assert.Equal(t, 5*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, []string{"*"}, cfg.Origins())
	assert.Empty(t, cfg.Webhooks())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9000\nMAX_TICKETS_PER_SUPPORT=3\nKAFKA_BROKERS=a:9092, b:9092\n"), 0o600))
	t.Setenv("PORT", "9100")
	t.Setenv("WEBHOOK_URLS", "http://one.example/hook,,http://two.example/hook")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, 3, cfg.MaxTicketsPerSupport)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers())
	assert.Equal(t, []string{"http://one.example/hook", "http://two.example/hook"}, cfg.Webhooks())
}

func TestValidate(t *testing.T) {
	t.Setenv("AUTH_MODE", "hmac")
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "AUTH_HMAC_SECRET")

	t.Setenv("AUTH_HMAC_SECRET", "s3cret")
	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)

	t.Setenv("AUTH_MODE", "basic")
	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "AUTH_MODE")
}

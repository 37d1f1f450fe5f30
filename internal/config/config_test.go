package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerRequiresSecrets(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("JWT_SECRET", "")
	_, err := LoadServer(":8080")
	assert.ErrorIs(t, err, ErrMissing)

	t.Setenv("DB_DSN", "postgres://localhost/vibez")
	_, err = LoadServer(":8080")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/vibez")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("NODE_ID", "")
	t.Setenv("RATE_LIMIT_RPS", "")
	t.Setenv("RATE_LIMIT_BURST", "")
	t.Setenv("ASSISTANT_PROVIDER", "")
	t.Setenv("ASSISTANT_NAME", "")

	cfg, err := LoadServer(":9000")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, int64(1), cfg.NodeID)
	assert.Equal(t, 5.0, cfg.WriteRPS)
	assert.Equal(t, 10, cfg.WriteBurst)
	assert.Equal(t, "Gemini", cfg.Assistant.Name)
	assert.Empty(t, cfg.Assistant.Provider)
}

func TestLoadServerAssistant(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/vibez")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ASSISTANT_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "")
	_, err := LoadServer(":8080")
	assert.ErrorIs(t, err, ErrMissing)

	t.Setenv("GEMINI_API_KEY", "key")
	cfg, err := LoadServer(":8080")
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.Assistant.APIKey)

	t.Setenv("ASSISTANT_PROVIDER", "carrier-pigeon")
	_, err = LoadServer(":8080")
	assert.Error(t, err)
}

func TestLoadServerBadNumbers(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/vibez")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ASSISTANT_PROVIDER", "")
	t.Setenv("NODE_ID", "one")
	_, err := LoadServer(":8080")
	assert.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("VIBEZ_SERVER", "https://chat.example")
	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example", cfg.ServerURL)
	assert.NotEmpty(t, cfg.SessionFile)
	assert.Equal(t, "1", cfg.AssistantID)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "gk")
	t.Setenv("ASSET_STORE_URL", "https://assets.example.com")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.True(t, cfg.PreferIPv4)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 1200*time.Millisecond, cfg.MediaGroupDebounce)
	assert.Equal(t, 900*time.Second, cfg.JobTimeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 36, cfg.MaxPollAttempts)
	assert.InDelta(t, 0.55, cfg.SimilarityMin, 1e-9)
	assert.Equal(t, "strict", cfg.ReviewPolicy)
	assert.Equal(t, "out", cfg.OutDir)
	assert.Empty(t, cfg.TelegramToken)
}

func TestLoadRequiredKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ASSET_STORE_URL", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")

	t.Setenv("GEMINI_API_KEY", "gk")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ASSET_STORE_URL")
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REVIEW_POLICY", "Permissive")
	t.Setenv("SIMILARITY_MIN", "0.8")
	t.Setenv("MAX_CONCURRENT", "12")
	t.Setenv("POLL_INTERVAL_SECONDS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "permissive", cfg.ReviewPolicy)
	assert.InDelta(t, 0.8, cfg.SimilarityMin, 1e-9)
	assert.Equal(t, 12, cfg.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	setRequired(t)
	t.Setenv("REVIEW_POLICY", "lenient")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REVIEW_POLICY")
}

func TestLoadClampsOutOfRange(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_CONCURRENT", "0")
	t.Setenv("SIMILARITY_MIN", "1.7")
	t.Setenv("MAX_POLL_ATTEMPTS", "-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.MaxConcurrent)
	assert.InDelta(t, 1.0, cfg.SimilarityMin, 1e-9)
	assert.Equal(t, 1, cfg.MaxPollAttempts)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_CONCURRENT", "many")
	t.Setenv("SIMILARITY_MIN", "high")
	t.Setenv("DEBUG", "yep")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.InDelta(t, 0.55, cfg.SimilarityMin, 1e-9)
	assert.False(t, cfg.Debug)
}

func TestRequireTelegram(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.RequireTelegram())

	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	cfg, err = Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.RequireTelegram())
}

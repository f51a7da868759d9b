package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TelegramToken string
	GeminiAPIKey  string
	AssetStoreURL string
	AssetStoreKey string

	LogLevel  string
	LogFormat string
	Debug     bool

	PreferIPv4 bool

	MediaGroupDebounce time.Duration
	MaxConcurrent      int
	JobTimeout         time.Duration
	HTTPTimeout        time.Duration

	GeminiBaseURL    string
	GeminiAPIVersion string
	PollInterval     time.Duration
	MaxPollAttempts  int

	SimilarityMin float64
	ReviewPolicy  string
	StageTable    string
	OutDir        string
}

func Load() (Config, error) {
	cfg := Config{
		LogLevel:           strings.ToLower(strings.TrimSpace(getEnv("LOG_LEVEL", "info"))),
		LogFormat:          strings.ToLower(strings.TrimSpace(getEnv("LOG_FORMAT", "console"))),
		Debug:              getEnvBool("DEBUG", false),
		PreferIPv4:         getEnvBool("PREFER_IPV4", true),
		MediaGroupDebounce: time.Duration(getEnvInt("MEDIA_GROUP_DEBOUNCE_MS", 1200)) * time.Millisecond,
		MaxConcurrent:      getEnvInt("MAX_CONCURRENT", 4),
		JobTimeout:         time.Duration(getEnvInt("JOB_TIMEOUT_SECONDS", 900)) * time.Second,
		HTTPTimeout:        time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 180)) * time.Second,
		GeminiBaseURL:      strings.TrimSpace(getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com")),
		GeminiAPIVersion:   strings.TrimSpace(getEnv("GEMINI_API_VERSION", "v1beta")),
		PollInterval:       time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 5)) * time.Second,
		MaxPollAttempts:    getEnvInt("MAX_POLL_ATTEMPTS", 36),
		SimilarityMin:      getEnvFloat("SIMILARITY_MIN", 0.55),
		ReviewPolicy:       strings.ToLower(strings.TrimSpace(getEnv("REVIEW_POLICY", "strict"))),
		StageTable:         strings.TrimSpace(os.Getenv("STAGE_TABLE_FILE")),
		OutDir:             strings.TrimSpace(getEnv("OUT_DIR", "out")),
	}

	cfg.TelegramToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	cfg.GeminiAPIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	cfg.AssetStoreURL = strings.TrimSpace(os.Getenv("ASSET_STORE_URL"))
	cfg.AssetStoreKey = strings.TrimSpace(os.Getenv("ASSET_STORE_KEY"))

	switch {
	case cfg.GeminiAPIKey == "":
		return Config{}, errors.New("GEMINI_API_KEY is required")
	case cfg.AssetStoreURL == "":
		return Config{}, errors.New("ASSET_STORE_URL is required")
	}

	switch cfg.ReviewPolicy {
	case "strict", "permissive":
	default:
		return Config{}, fmt.Errorf("REVIEW_POLICY must be strict or permissive, got %q", cfg.ReviewPolicy)
	}

	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 900 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 180 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPollAttempts < 1 {
		cfg.MaxPollAttempts = 1
	}
	if cfg.SimilarityMin < 0 {
		cfg.SimilarityMin = 0
	}
	if cfg.SimilarityMin > 1 {
		cfg.SimilarityMin = 1
	}

	return cfg, nil
}

// RequireTelegram validates fields that only the bot binary needs.
func (c Config) RequireTelegram() error {
	if c.TelegramToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

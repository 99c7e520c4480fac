package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Deribit connection
	DeribitURL          string
	DeribitClientID     string
	DeribitClientSecret string

	// Infrastructure
	DataDir       string
	JournalPath   string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	LogLevel      string

	// Alerts (all optional)
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string

	// Hedging
	Underlying      string
	TargetDelta     float64
	MinTriggerDelta float64
	StepMode        string
	StepSize        float64
	CheckInterval   time.Duration
	Volatility      float64
	RiskFreeRate    float64
	MinHedgeUSD     float64
}

// Load reads configuration from environment variables with sensible defaults.
// Deribit credentials are optional: without them the engine runs against
// public market data only.
func Load() *Config {
	return &Config{
		DeribitURL:          getEnv("DERIBIT_WS_URL", "wss://test.deribit.com/ws/api/v2"),
		DeribitClientID:     getEnv("DERIBIT_CLIENT_ID", ""),
		DeribitClientSecret: getEnv("DERIBIT_CLIENT_SECRET", ""),

		DataDir:       getEnv("DATA_DIR", "data"),
		JournalPath:   getEnv("JOURNAL_PATH", "data/hedges.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),

		Underlying:      getEnv("UNDERLYING", "BTC"),
		TargetDelta:     getEnvFloat("TARGET_DELTA", 0),
		MinTriggerDelta: getEnvFloat("MIN_TRIGGER_DELTA", 0.01),
		StepMode:        getEnv("HEDGE_STEP_MODE", "absolute"),
		StepSize:        getEnvFloat("HEDGE_STEP_SIZE", 100),
		CheckInterval:   getEnvDuration("HEDGE_CHECK_INTERVAL", 10*time.Second),
		Volatility:      getEnvFloat("FALLBACK_VOLATILITY", 0.8),
		RiskFreeRate:    getEnvFloat("RISK_FREE_RATE", 0),
		MinHedgeUSD:     getEnvFloat("MIN_HEDGE_USD", 10),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return d
}

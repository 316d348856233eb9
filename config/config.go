package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const appName = "tradeloop"

type Config struct {
	// OpenRouter AI
	OpenRouterAPIKey string
	OpenRouterModel  string

	// Venue credentials (LIVE gateway default; per-strategy handoff wins)
	VenueAPIKey    string
	VenueSecretKey string
	VenueTestnet   bool

	// Paper gateway defaults
	PaperFeeBps      float64
	PaperSlippageBps float64

	// Engine
	DecideIntervalSec int
	WaitRunningSec    int

	// Server
	APIPort string
	DataDir string

	// Observability
	LogLevel       string
	FillWebhookURL string
}

var cfg *Config

// Load resolves configuration once: user config dir .env, then a local
// .env, then the process environment (which always wins for set values).
func Load() *Config {
	if dir, err := os.UserConfigDir(); err == nil {
		godotenv.Load(filepath.Join(dir, appName, ".env"))
	}
	godotenv.Load()

	cfg = &Config{
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterModel:  getEnv("OPENROUTER_MODEL", "deepseek/deepseek-v3.2"),

		VenueAPIKey:    getEnv("VENUE_API_KEY", ""),
		VenueSecretKey: getEnv("VENUE_SECRET_KEY", ""),
		VenueTestnet:   getEnvBool("VENUE_TESTNET", true),

		PaperFeeBps:      getEnvFloat("PAPER_FEE_BPS", 5.0),
		PaperSlippageBps: getEnvFloat("PAPER_SLIPPAGE_BPS", 2.0),

		DecideIntervalSec: getEnvInt("DECIDE_INTERVAL_SEC", 180),
		WaitRunningSec:    getEnvInt("WAIT_RUNNING_SEC", 300),

		APIPort: getEnv("API_PORT", "8080"),
		DataDir: getEnv("DATA_DIR", "data"),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		FillWebhookURL: getEnv("FILL_WEBHOOK_URL", ""),
	}

	return cfg
}

func Get() *Config {
	if cfg == nil {
		Load()
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return defaultVal
}

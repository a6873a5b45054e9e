package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/joho/godotenv"
)

const (
	DefaultAPIURL   = "https://image.pollinations.ai"
	DefaultStagger  = 5 * time.Second
	DefaultCooldown = 5 * time.Minute
	DefaultTimeout  = 2 * time.Minute
)

type Config struct {
	APIURL        string
	APITokenParam string

	Stagger      time.Duration
	Cooldown     time.Duration
	FetchTimeout time.Duration

	Addr      string
	PublicURL string

	OutputDir    string
	Bucket       string
	Distribution string

	LogLevel string
}

// Load reads .env when present and then the process environment. The cooldown is
// raised to cover the full stagger window of a batch when configured shorter.
func Load(ctx context.Context) *Config {
	logger := log.FromContextOrDiscard(ctx).WithGroup("config")
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found")
	}

	cfg := &Config{
		APIURL:        strings.TrimRight(getEnv("IMAGE_API_URL", DefaultAPIURL), "/"),
		APITokenParam: getEnv("IMAGE_API_TOKEN_PARAM", ""),
		Stagger:       getDuration("STAGGER_INTERVAL", DefaultStagger),
		Cooldown:      getDuration("COOLDOWN", DefaultCooldown),
		FetchTimeout:  getDuration("FETCH_TIMEOUT", DefaultTimeout),
		Addr:          getEnv("ADDR", ":8080"),
		PublicURL:     strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
		OutputDir:     getEnv("OUTPUT_DIR", "generated"),
		Bucket:        getEnv("BUCKET", ""),
		Distribution:  getEnv("DISTRIBUTION", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	if window := 8 * cfg.Stagger; cfg.Cooldown <= window {
		logger.Warn("cooldown shorter than stagger window, raising it",
			"cooldown", cfg.Cooldown.String(), "window", window.String())
		cfg.Cooldown = window + time.Second
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil && duration >= 0 {
			return duration
		}
	}
	return defaultVal
}

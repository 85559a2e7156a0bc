package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the daemon.
type Config struct {
	Env        string
	ListenAddr string

	SenderID string

	// Remote store
	RedisURL string
	HTTPURL  string

	// Local durability
	QueuePath    string
	CachePath    string
	CacheBackend string // "sqlite", "redis", "postgres", "none"
	DatabaseURL  string // for the postgres cache backend

	// Engine tuning
	TextTolerance       time.Duration
	AttachmentTolerance time.Duration
	ReconnectDebounce   time.Duration
	DrainInterval       time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	return &Config{
		Env:        getEnv("ENV", "development"),
		ListenAddr: getEnv("MSGSYNC_LISTEN", ":8080"),

		SenderID: os.Getenv("MSGSYNC_SENDER_ID"),

		RedisURL: os.Getenv("MSGSYNC_REDIS_URL"),
		HTTPURL:  os.Getenv("MSGSYNC_REMOTE_URL"),

		QueuePath:    getEnv("MSGSYNC_QUEUE_PATH", "./data/outbox.db"),
		CachePath:    getEnv("MSGSYNC_CACHE_PATH", "./data/cache.db"),
		CacheBackend: getEnv("MSGSYNC_CACHE_BACKEND", "sqlite"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		TextTolerance:       getDuration("MSGSYNC_TEXT_TOLERANCE", 5*time.Second),
		AttachmentTolerance: getDuration("MSGSYNC_ATTACHMENT_TOLERANCE", 10*time.Second),
		ReconnectDebounce:   getDuration("MSGSYNC_RECONNECT_DEBOUNCE", 2*time.Second),
		DrainInterval:       getDuration("MSGSYNC_DRAIN_INTERVAL", 30*time.Second),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

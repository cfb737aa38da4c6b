package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // PostgreSQL; empty means SQLite
	SQLitePath  string
	RedisURL    string // Optional; enables the connection rate limiter

	// Protocol tuning
	HeartbeatInterval time.Duration // Advertised in WELCOME and used by the sweep
	MissedThreshold   int           // Sweeps tolerated before eviction, min 2
	HandshakeTimeout  time.Duration // HELLO must arrive within this window
	HistoryLimit      int           // Cap on REQUEST_HISTORY / replay results
	OutboundBuffer    int           // Per-session outbound frame buffer

	// AnnouncePresence fans out relay_server join/leave notices. Off by
	// default: agents that want silence on peer connect get it.
	AnnouncePresence bool
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        getEnv("SQLITE_PATH", "./data/relayd.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		HeartbeatInterval: time.Duration(getEnvInt("HEARTBEAT_INTERVAL", 30)) * time.Second,
		MissedThreshold:   getEnvInt("HEARTBEAT_MISSED_THRESHOLD", 2),
		HandshakeTimeout:  time.Duration(getEnvInt("HANDSHAKE_TIMEOUT", 10)) * time.Second,
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 10000),
		OutboundBuffer:    getEnvInt("OUTBOUND_BUFFER", 64),
		AnnouncePresence:  getEnv("ANNOUNCE_PRESENCE", "false") == "true",
	}

	// A threshold below 2 would evict a session for a single missed
	// heartbeat window.
	if cfg.MissedThreshold < 2 {
		cfg.MissedThreshold = 2
	}
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 10000
	}
	if cfg.OutboundBuffer < 1 {
		cfg.OutboundBuffer = 64
	}

	return cfg
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

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

type Config struct {
	ServerURL          string
	FirebaseProjectID  string
	StoreBackend       string
	DatabaseURL        string
	RedisURL           string
	NatsURL            string
	TypingDebounce     time.Duration
	WriteRetryAttempts int
	AllowedOrigins     []string
	LogLevel           zerolog.Level
}

// Load reads .env, when present, and then the environment.
func Load() Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Debug().Msg("No .env file, using the environment only")
	}

	cfg := Config{
		ServerURL:          getEnv("SERVER_URL", "localhost:3003"),
		FirebaseProjectID:  os.Getenv("FIREBASE_PROJECT_ID"),
		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", StoreFirestore)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		NatsURL:            os.Getenv("NATS_URL"),
		TypingDebounce:     getDuration("TYPING_DEBOUNCE", 1500*time.Millisecond),
		WriteRetryAttempts: getInt("WRITE_RETRY_ATTEMPTS", 3),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "*")),
		LogLevel:           zerolog.InfoLevel,
	}

	if level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil && level != zerolog.NoLevel {
		cfg.LogLevel = level
	}
	return cfg
}

// SetupLogging configures the global zerolog logger.
func SetupLogging(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
}

func getEnv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil || value < 1 {
		return fallback
	}
	return value
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

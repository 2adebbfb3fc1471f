package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultCallTokenSecret is only fit for development.
const DefaultCallTokenSecret = "change-me-in-production"

// ErrDefaultSecret is returned by Validate when production runs with the
// development call token secret.
var ErrDefaultSecret = errors.New("CALL_TOKEN_SECRET must be set in production")

// Presence backends.
const (
	PresenceMemory = "memory"
	PresenceRedis  = "redis"
)

type Config struct {
	Port           string
	ChatPort       string
	Environment    string
	AllowedOrigins []string
	LogLevel       string
	Signaling      SignalingConfig
	Presence       PresenceConfig
	Redis          RedisConfig
	Mongo          MongoConfig
}

type SignalingConfig struct {
	// CallTokenSecret signs call tokens. Every node of a cluster must share it.
	CallTokenSecret string
	// CallTokenTTL bounds how long an invitation can be answered. Zero means no expiry.
	CallTokenTTL time.Duration
	// NotifyUndeliverable sends delivery-failed back to the sender when the
	// recipient is not present.
	NotifyUndeliverable bool
}

type PresenceConfig struct {
	Backend string
	TTL     time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type MongoConfig struct {
	URI      string
	Database string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return &Config{
		Port:           getEnv("PORT", "3001"),
		ChatPort:       getEnv("CHAT_PORT", "3002"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Signaling: SignalingConfig{
			CallTokenSecret:     getEnv("CALL_TOKEN_SECRET", DefaultCallTokenSecret),
			CallTokenTTL:        getEnvDuration("CALL_TOKEN_TTL", 0),
			NotifyUndeliverable: getEnvBool("NOTIFY_UNDELIVERABLE", false),
		},
		Presence: PresenceConfig{
			Backend: getEnv("PRESENCE_BACKEND", PresenceMemory),
			TTL:     getEnvDuration("PRESENCE_TTL", 2*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", ""),
			Database: getEnv("MONGO_DATABASE", "moodlink"),
		},
	}
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects settings that must not reach production.
func (c *Config) Validate() error {
	if c.IsProduction() && c.Signaling.CallTokenSecret == DefaultCallTokenSecret {
		return ErrDefaultSecret
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

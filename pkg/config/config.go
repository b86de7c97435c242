// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the settings actiond needs to boot.
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	DatabaseDriver string
	DatabaseURL    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TokenSize            int
	AckTimeout           time.Duration
	MaxConcurrentActions int
	IPErrorThreshold     int
	ActionRatePerSec     float64
	ActionBurst          int
	ActionTypesFile      string
	RandomAlgorithm      string

	OTLPEndpoint string
	OTLPInsecure bool
	Environment  string
}

// Load reads configuration from environment variables, falling back to
// defaults suitable for local development.
func Load() *Config {
	return &Config{
		Addr:      getenvDefault("ACTIOND_ADDR", ":8080"),
		LogLevel:  getenvDefault("LOG_LEVEL", "INFO"),
		LogFormat: getenvDefault("LOG_FORMAT", "json"),

		DatabaseDriver: getenvDefault("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getenvDefault("DATABASE_URL", "file:actiond.db?_pragma=busy_timeout(5000)"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvIntDefault("REDIS_DB", 0),

		TokenSize:            getenvIntDefault("TOKEN_SIZE", 20),
		AckTimeout:           getenvDurationDefault("ACK_TIMEOUT", 10*time.Second),
		MaxConcurrentActions: getenvIntDefault("MAX_CONCURRENT_ACTIONS", 64),
		IPErrorThreshold:     getenvIntDefault("IP_ERROR_THRESHOLD", 10),
		ActionRatePerSec:     getenvFloatDefault("ACTION_RATE_PER_SEC", 0),
		ActionBurst:          getenvIntDefault("ACTION_BURST", 10),
		ActionTypesFile:      os.Getenv("ACTION_TYPES_FILE"),
		RandomAlgorithm:      getenvDefault("RANDOM_ALGORITHM", "hmac_sha256"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Environment:  getenvDefault("ACTIOND_ENV", "development"),
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloatDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Durations accept either Go syntax ("1500ms") or a bare millisecond count.
func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

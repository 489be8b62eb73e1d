package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// HTTP API the client talks to
	API struct {
		BaseURL string
		Token   string
		Timeout time.Duration
	}

	// Realtime socket server
	Realtime struct {
		URL            string
		PingPeriod     time.Duration
		MaxBackoff     time.Duration
		HandshakeLimit time.Duration
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Room-name cache settings
	Cache struct {
		Backend     string
		TTL         time.Duration
		MaxSize     int
		PurgeWindow time.Duration
		RedisURL    string
	}

	// Circuit breaker guarding the HTTP API
	Breaker struct {
		FailureThreshold uint
		SuccessThreshold uint
		RetryTimeout     time.Duration
	}

	// Observability
	Observability struct {
		MetricsAddr    string
		TracingEnabled bool
	}

	// Development server
	DevServer struct {
		Port           string
		Env            string
		JWTSecret      string
		JWTExpiry      time.Duration
		RateLimit      float64
		RateLimitBurst int
		HistoryLimit   int
	}
}

var (
	instance *Config
	once     sync.Once
)

// New returns the process-wide Config, loading it on first use.
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()
		instance = Load()
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Load builds a Config from the current environment without touching the
// singleton.
func Load() *Config {
	cfg := &Config{}

	cfg.API.BaseURL = strings.TrimRight(getEnvString("YOCHAT_API_URL", "http://localhost:8080"), "/")
	cfg.API.Token = getEnvString("YOCHAT_TOKEN", "")
	cfg.API.Timeout = getEnvDuration("API_TIMEOUT", 15*time.Second)

	cfg.Realtime.URL = getEnvString("YOCHAT_SOCKET_URL", SocketURLFrom(cfg.API.BaseURL))
	cfg.Realtime.PingPeriod = getEnvDuration("SOCKET_PING_PERIOD", 54*time.Second)
	cfg.Realtime.MaxBackoff = getEnvDuration("SOCKET_MAX_BACKOFF", 30*time.Second)
	cfg.Realtime.HandshakeLimit = getEnvDuration("SOCKET_HANDSHAKE_TIMEOUT", 10*time.Second)

	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "text")

	cfg.Cache.Backend = getEnvString("CACHE_BACKEND", "memory")
	cfg.Cache.TTL = getEnvDuration("CACHE_TTL", 5*time.Minute)
	cfg.Cache.MaxSize = getEnvInt("CACHE_MAX_SIZE", 256)
	cfg.Cache.PurgeWindow = getEnvDuration("CACHE_PURGE_WINDOW", 10*time.Minute)
	cfg.Cache.RedisURL = getEnvString("REDIS_URL", "redis://localhost:6379/0")

	cfg.Breaker.FailureThreshold = uint(getEnvInt("BREAKER_FAILURE_THRESHOLD", 5))
	cfg.Breaker.SuccessThreshold = uint(getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2))
	cfg.Breaker.RetryTimeout = getEnvDuration("BREAKER_RETRY_TIMEOUT", 30*time.Second)

	cfg.Observability.MetricsAddr = getEnvString("METRICS_ADDR", "")
	cfg.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", false)

	cfg.DevServer.Port = getEnvString("PORT", "8080")
	cfg.DevServer.Env = getEnvString("APP_ENV", "development")
	cfg.DevServer.JWTSecret = getEnvString("JWT_SECRET", "devJwtSecretDoNotUseInProduction")
	cfg.DevServer.JWTExpiry = getEnvDuration("JWT_EXPIRY", 24*time.Hour)
	cfg.DevServer.RateLimit = getEnvFloat("RATE_LIMIT", 5)
	cfg.DevServer.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
	cfg.DevServer.HistoryLimit = getEnvInt("HISTORY_LIMIT", 100)

	return cfg
}

// IsDevelopment reports whether the dev server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.DevServer.Env == "development"
}

// SocketURLFrom derives the websocket endpoint from the API base URL.
func SocketURLFrom(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

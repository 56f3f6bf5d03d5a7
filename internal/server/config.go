package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DuplicateLoginPolicy decides what happens to a connection whose username
// is claimed by a newer connection.
type DuplicateLoginPolicy string

const (
	// DuplicateLoginKeep leaves the older connection open but unbound.
	DuplicateLoginKeep DuplicateLoginPolicy = "keep"
	// DuplicateLoginEvict closes the older connection.
	DuplicateLoginEvict DuplicateLoginPolicy = "evict"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	SendBufferSize int
	HistoryLimit   int
	StoreTimeout   time.Duration
	DatabasePath   string
	RedisAddr      string
	DuplicateLogin DuplicateLoginPolicy
	LogLevel       string
	LogFormat      string
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 4096
	defaultBurst          = 10
	defaultSendBuffer     = 256
	defaultHistoryLimit   = 200
	defaultStoreTimeout   = 5 * time.Second
	defaultDatabasePath   = "roomchat.db"
)

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		SendBufferSize: defaultSendBuffer,
		HistoryLimit:   defaultHistoryLimit,
		StoreTimeout:   defaultStoreTimeout,
		DatabasePath:   defaultDatabasePath,
		DuplicateLogin: DuplicateLoginKeep,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Sanitized returns a copy of cfg with every invalid or missing value
// replaced by its default.
func (cfg Config) Sanitized() Config {
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBuffer
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath
	}
	switch cfg.DuplicateLogin {
	case DuplicateLoginKeep, DuplicateLoginEvict:
	default:
		cfg.DuplicateLogin = DuplicateLoginKeep
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat != "json" {
		cfg.LogFormat = "text"
	}
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = normalizePort(port)
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}

	if limit := os.Getenv("HISTORY_LIMIT"); limit != "" {
		cfg.HistoryLimit = parseNonNegative(limit, cfg.HistoryLimit)
	}

	if timeout := os.Getenv("STORE_TIMEOUT"); timeout != "" {
		cfg.StoreTimeout = parseSeconds(timeout, cfg.StoreTimeout)
	}

	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.DatabasePath = path
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")

	if policy := os.Getenv("DUPLICATE_LOGIN"); policy != "" {
		cfg.DuplicateLogin = DuplicateLoginPolicy(strings.ToLower(strings.TrimSpace(policy)))
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = strings.ToLower(format)
	}

	sanitized := cfg.Sanitized()
	return &sanitized
}

// normalizePort accepts "8080" as well as ":8080" and "host:8080".
func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port != "" && !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseNonNegative is parseIntValue for settings where zero means unlimited.
func parseNonNegative(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

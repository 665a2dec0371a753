package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config is the full configuration surface of the connection layer.
// Every limit documents the abuse vector it caps.
type Config struct {
	AppEnv     string
	Port       string
	RedisURL   string
	InstanceID string

	// MaxConnectionsPerUser caps fan-out abuse per user on this instance.
	MaxConnectionsPerUser int
	// MaxMessageSize caps payload abuse, in bytes.
	MaxMessageSize int
	// RateLimitWindow / RateLimitMaxMessages cap publish-rate abuse per user.
	RateLimitWindow      time.Duration
	RateLimitMaxMessages int
	// ReaperInterval trades presence staleness against Redis overhead.
	ReaperInterval time.Duration

	// Transport admission limits, checked before the websocket upgrade.
	GlobalConnectionLimit   int64
	PerIPConnectionLimit    int
	ConnectionRatePerSecond float64
	ConnectionRateBurst     int
	AllowedOrigins          []string

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:     getEnv("APP_ENV", "development"),
		Port:       getEnv("PORT", "8080"),
		RedisURL:   getEnv("REDIS_URL", ""),
		InstanceID: getEnv("INSTANCE_ID", uuid.NewString()),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.MaxConnectionsPerUser, err = getEnvInt("MAX_CONNECTIONS_PER_USER", 10); err != nil {
		return nil, err
	}
	if cfg.MaxMessageSize, err = getEnvInt("MAX_MESSAGE_SIZE", 64*1024); err != nil {
		return nil, err
	}
	windowSeconds, err := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowSeconds) * time.Second
	if cfg.RateLimitMaxMessages, err = getEnvInt("RATE_LIMIT_MAX_MESSAGES", 30); err != nil {
		return nil, err
	}
	reaperSeconds, err := getEnvInt("REAPER_INTERVAL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	cfg.ReaperInterval = time.Duration(reaperSeconds) * time.Second

	globalLimit, err := getEnvInt("GLOBAL_CONNECTION_LIMIT", 10000)
	if err != nil {
		return nil, err
	}
	cfg.GlobalConnectionLimit = int64(globalLimit)
	if cfg.PerIPConnectionLimit, err = getEnvInt("PER_IP_CONNECTION_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.ConnectionRatePerSecond, err = getEnvFloat("CONNECTION_RATE_PER_SECOND", 10.0); err != nil {
		return nil, err
	}
	if cfg.ConnectionRateBurst, err = getEnvInt("CONNECTION_RATE_BURST", 10); err != nil {
		return nil, err
	}

	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if cfg.MaxConnectionsPerUser < 1 {
		return nil, fmt.Errorf("MAX_CONNECTIONS_PER_USER must be at least 1")
	}
	if cfg.MaxMessageSize < 1 {
		return nil, fmt.Errorf("MAX_MESSAGE_SIZE must be at least 1")
	}
	if cfg.RateLimitMaxMessages < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX_MESSAGES must be at least 1")
	}
	if cfg.RateLimitWindow < time.Second {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be at least 1")
	}
	if cfg.ReaperInterval < time.Second {
		return nil, fmt.Errorf("REAPER_INTERVAL_SECONDS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

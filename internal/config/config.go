// Package config loads the tracker configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Bakong  BakongConfig
	Redis   RedisConfig
	Workers WorkerConfig
	Webhook WebhookConfig
	Server  ServerConfig
	Tracing TracingConfig
	Log     LogConfig
}

type BakongConfig struct {
	// BaseURL is the Bakong API root. Empty means production.
	BaseURL string

	// RegisteredEmail is the principal tokens are issued for.
	RegisteredEmail string

	Timeout time.Duration

	// RateLimitRPS and RateLimitBurst throttle outbound Bakong calls
	// across all poll workers.
	RateLimitRPS   float64
	RateLimitBurst int
}

type RedisConfig struct {
	// URL is the redis connection string. Empty selects the in-process
	// queue and token cache, which lose all state on restart.
	URL string
}

type WorkerConfig struct {
	PollConcurrency    int
	WebhookConcurrency int

	// StalenessWindow bounds how long one transaction is tracked.
	StalenessWindow time.Duration
}

type WebhookConfig struct {
	Timeout time.Duration

	// BreakerFailures and BreakerCooldown tune the per-host delivery
	// circuit breaker.
	BreakerFailures int
	BreakerCooldown time.Duration
}

type ServerConfig struct {
	Port int

	// APIKey guards the tracking endpoints. Empty disables auth.
	APIKey string
}

type TracingConfig struct {
	// OTLPEndpoint is the collector address. Empty disables tracing.
	OTLPEndpoint string
	ServiceName  string

	// Insecure uses plaintext gRPC toward the collector.
	Insecure bool
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Bakong: BakongConfig{
			BaseURL:         getEnv("BAKONG_API_URL", ""),
			RegisteredEmail: getEnv("BAKONG_REGISTERED_EMAIL", ""),
			Timeout:         time.Duration(getEnvInt("BAKONG_TIMEOUT_SEC", 30)) * time.Second,
			RateLimitRPS:    float64(getEnvInt("BAKONG_RATE_LIMIT_RPS", 20)),
			RateLimitBurst:  getEnvInt("BAKONG_RATE_LIMIT_BURST", 40),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Workers: WorkerConfig{
			PollConcurrency:    getEnvInt("POLL_CONCURRENCY", 20),
			WebhookConcurrency: getEnvInt("WEBHOOK_CONCURRENCY", 20),
			StalenessWindow:    time.Duration(getEnvInt("STALENESS_WINDOW_SEC", 300)) * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:         time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SEC", 30)) * time.Second,
			BreakerFailures: getEnvInt("WEBHOOK_BREAKER_FAILURES", 5),
			BreakerCooldown: time.Duration(getEnvInt("WEBHOOK_BREAKER_COOLDOWN_SEC", 30)) * time.Second,
		},
		Server: ServerConfig{
			Port:   getEnvInt("PORT", 8080),
			APIKey: getEnv("API_KEY", ""),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "khqr-webhook"),
			Insecure:     getEnv("OTEL_EXPORTER_OTLP_INSECURE", "true") == "true",
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bakong.RegisteredEmail == "" {
		return fmt.Errorf("BAKONG_REGISTERED_EMAIL is required")
	}
	if c.Workers.PollConcurrency <= 0 {
		return fmt.Errorf("POLL_CONCURRENCY must be positive")
	}
	if c.Workers.WebhookConcurrency <= 0 {
		return fmt.Errorf("WEBHOOK_CONCURRENCY must be positive")
	}
	if c.Workers.StalenessWindow <= 0 {
		return fmt.Errorf("STALENESS_WINDOW_SEC must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be a valid tcp port")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

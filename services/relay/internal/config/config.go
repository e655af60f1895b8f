package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultUnlockDelay   = 5 * time.Minute
	defaultClientTimeout = 10 * time.Second
)

type Config struct {
	// HotmartToken enables purchase confirmation against the Hotmart API.
	// Optional. Set via HOTMART_API_TOKEN.
	HotmartToken string
	// HotmartAPIURL overrides the Hotmart payments base URL (tests, sandbox).
	HotmartAPIURL string
	// WebhookSecret is compared verbatim against the signature header.
	// Optional. Set via WEBHOOK_SECRET.
	WebhookSecret string
	// Base44URL is the unlock endpoint. Unset means unlocks are skipped.
	Base44URL string
	// Base44APIKey is sent as x-api-key when set.
	Base44APIKey string

	UnlockDelay   time.Duration
	ClientTimeout time.Duration

	// RedisDSN and DatabaseURL select the processed-event backend
	// (Redis > Postgres > memory). DatabaseURL also persists pending unlocks.
	RedisDSN       string
	DatabaseURL    string
	IdempotencyTTL time.Duration

	// NATSURL enables relay event publishing. Empty means stub mode.
	NATSURL string
	// AdminJWTSecret enables the /admin routes.
	AdminJWTSecret string
}

func Load() (Config, error) {
	cfg := Config{
		HotmartToken:   env("HOTMART_API_TOKEN"),
		HotmartAPIURL:  env("HOTMART_API_URL"),
		WebhookSecret:  env("WEBHOOK_SECRET"),
		Base44URL:      env("BASE44_API_URL"),
		Base44APIKey:   env("BASE44_API_KEY"),
		RedisDSN:       env("REDIS_DSN"),
		DatabaseURL:    env("DATABASE_URL"),
		NATSURL:        env("NATS_URL"),
		AdminJWTSecret: env("ADMIN_JWT_SECRET"),
	}

	var err error
	if cfg.UnlockDelay, err = duration("UNLOCK_DELAY", defaultUnlockDelay); err != nil {
		return Config{}, err
	}
	if cfg.ClientTimeout, err = duration("HTTP_CLIENT_TIMEOUT", defaultClientTimeout); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = duration("IDEMPOTENCY_TTL", 0); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}

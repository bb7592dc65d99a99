// Package config loads the engine's runtime configuration from the
// environment, with a .env file honored for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the engine reads from the environment.
type Config struct {
	Port string

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string
	// Empty RedisURL selects the in-memory cache backend.
	RedisURL string
	// Empty KafkaBrokers disables queue publishing.
	KafkaBrokers []string

	// Cache TTLs per key class.
	RateTTL      time.Duration
	AggregateTTL time.Duration
	RankingTTL   time.Duration
	// Grace window during which a stale entry may still serve reads when
	// the source is down.
	CacheGrace time.Duration

	// Job cadences.
	AggregationEvery     time.Duration
	MaterializationEvery time.Duration

	// Upper sanity bound on normalized base rates.
	MaxRate float64
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real environment
// variables win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        envOr("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	if cfg.RateTTL, err = durationOr("RATE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AggregateTTL, err = durationOr("AGGREGATE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RankingTTL, err = durationOr("RANKING_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CacheGrace, err = durationOr("CACHE_GRACE", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AggregationEvery, err = durationOr("AGGREGATION_EVERY", time.Hour); err != nil {
		return nil, err
	}
	if cfg.MaterializationEvery, err = durationOr("MATERIALIZATION_EVERY", 5*time.Minute); err != nil {
		return nil, err
	}

	cfg.MaxRate = 0 // 0 selects the normalizer default
	if raw := os.Getenv("MAX_RATE"); raw != "" {
		cfg.MaxRate, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid MAX_RATE %q: %w", raw, err)
		}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %q", key, raw)
	}
	return d, nil
}

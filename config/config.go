// Package config loads process configuration from the environment into a
// typed struct validated at startup. There is no reload; runtime-mutable
// settings (worker concurrency) travel through the admin surface instead.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy"
)

// Config is the process-wide configuration.
type Config struct {
	DatabaseURL string
	RedisURL    string

	WorkerConcurrency int
	StallTimeout      time.Duration
	LogLevel          string
	OTLPEndpoint      string

	FujiReference astronomy.FujiReference
	RefractionK   float64
}

const (
	MinConcurrency = 1
	MaxConcurrency = 10

	defaultConcurrency  = 3
	defaultStallTimeout = 20 * time.Minute
)

// Load reads and validates the environment. Missing required options fail
// fast so a misconfigured worker never reaches the queue.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		WorkerConcurrency: defaultConcurrency,
		StallTimeout:      defaultStallTimeout,
		LogLevel:          "info",
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		FujiReference:     astronomy.DefaultFujiReference,
		RefractionK:       astronomy.DefaultRefractionK,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required")
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("WORKER_CONCURRENCY: %w", err)
		}
		if n < MinConcurrency || n > MaxConcurrency {
			return Config{}, fmt.Errorf("WORKER_CONCURRENCY must be in [%d,%d], got %d", MinConcurrency, MaxConcurrency, n)
		}
		cfg.WorkerConcurrency = n
	}

	if v := os.Getenv("STALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("STALL_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("STALL_TIMEOUT must be positive")
		}
		cfg.StallTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		switch v {
		case "trace", "debug", "info", "warn", "error", "fatal":
			cfg.LogLevel = v
		default:
			return Config{}, fmt.Errorf("LOG_LEVEL: unknown level %q", v)
		}
	}

	var err error
	if cfg.FujiReference.Latitude, err = floatEnv("FUJI_SUMMIT_LAT", cfg.FujiReference.Latitude); err != nil {
		return Config{}, err
	}
	if cfg.FujiReference.Longitude, err = floatEnv("FUJI_SUMMIT_LON", cfg.FujiReference.Longitude); err != nil {
		return Config{}, err
	}
	if cfg.FujiReference.ElevationM, err = floatEnv("FUJI_SUMMIT_ELEV", cfg.FujiReference.ElevationM); err != nil {
		return Config{}, err
	}
	if cfg.RefractionK, err = floatEnv("REFRACTION_K", cfg.RefractionK); err != nil {
		return Config{}, err
	}
	if cfg.FujiReference.Latitude < -90 || cfg.FujiReference.Latitude > 90 {
		return Config{}, fmt.Errorf("FUJI_SUMMIT_LAT out of range: %v", cfg.FujiReference.Latitude)
	}
	if cfg.FujiReference.Longitude < -180 || cfg.FujiReference.Longitude > 180 {
		return Config{}, fmt.Errorf("FUJI_SUMMIT_LON out of range: %v", cfg.FujiReference.Longitude)
	}
	if cfg.RefractionK < 0 || cfg.RefractionK > 1 {
		return Config{}, fmt.Errorf("REFRACTION_K out of range: %v", cfg.RefractionK)
	}

	return cfg, nil
}

func floatEnv(name string, fallback float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

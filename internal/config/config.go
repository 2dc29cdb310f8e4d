// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LinkLifetime is how long an exposed artifact stays reachable.
const LinkLifetime = 600 * time.Second

// Config holds all configuration values for the client.
type Config struct {
	// Backend
	BackendURL     string
	ArtifactPath   string
	RequestTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Progress stream
	StreamMaxRetries int
	StreamRetryDelay time.Duration

	// Outbound limits
	RateLimitRPS        float64
	RateLimitBurst      int
	BlockPrivateSources bool

	// Storage
	DataDir       string
	OutputDir     string
	MarkRetention time.Duration

	// Status API
	StatusAddr     string
	AllowedOrigins []string

	// R2 mirror (optional)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2Endpoint        string
}

// Load loads configuration from the environment, reading .env when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		BackendURL:     strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:3000"), "/"),
		ArtifactPath:   getEnv("ARTIFACT_PATH", "/ambil_download"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		StreamMaxRetries: getEnvInt("STREAM_MAX_RETRIES", 5),
		StreamRetryDelay: getEnvDuration("STREAM_RETRY_DELAY", 2*time.Second),

		RateLimitRPS:        getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 5),
		BlockPrivateSources: getEnvBool("BLOCK_PRIVATE_SOURCES", false),

		DataDir:       getEnv("DATA_DIR", "./data"),
		OutputDir:     getEnv("OUTPUT_DIR", "."),
		MarkRetention: getEnvDuration("MARK_RETENTION", 7*24*time.Hour),

		StatusAddr:     getEnv("STATUS_ADDR", ""),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),

		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2Endpoint:        getEnv("R2_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid BACKEND_URL %q", c.BackendURL)
	}
	if c.StreamMaxRetries < 0 {
		return errors.New("STREAM_MAX_RETRIES must not be negative")
	}
	if c.StreamRetryDelay <= 0 {
		return errors.New("STREAM_RETRY_DELAY must be positive")
	}
	if !strings.HasPrefix(c.ArtifactPath, "/") {
		return fmt.Errorf("ARTIFACT_PATH must start with '/': %q", c.ArtifactPath)
	}
	return nil
}

// MirrorEnabled reports whether all R2 credentials are present.
func (c *Config) MirrorEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration syntax or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

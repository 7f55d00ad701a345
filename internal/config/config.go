package config

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Host               string
	Port               string
	RequestTimeout     time.Duration
	ImageFetchTimeout  time.Duration
	RunTimeout         time.Duration
	MaxRequestBodySize int64

	// Pipeline
	Workers   int
	BatchSize int

	// Cache
	CacheMaxEntries  int
	CacheDir         string
	CacheCompression string
	S3               S3Config

	// Image sources
	AzureStorageAccount string
	AzureStorageKey     string
	FetchRateLimit      float64
	LocalImageRoot      string
}

// S3Config points the durable feature cache at an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// Enabled reports whether enough settings are present to open a bucket.
func (s S3Config) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

func (c *Config) ServerAddress() string {
	// Trim any whitespace from host and port
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

func LoadFromEnv() (*Config, error) {
	// Set defaults
	cfg := &Config{
		Host:               getEnvOrDefault("HOST", "0.0.0.0"),
		Port:               getEnvOrDefault("PORT", "8080"),
		RequestTimeout:     parseDurationOrDefault("REQUEST_TIMEOUT", 60*time.Second),
		ImageFetchTimeout:  parseDurationOrDefault("IMAGE_FETCH_TIMEOUT", 15*time.Second),
		RunTimeout:         parseDurationOrDefault("RUN_TIMEOUT", 45*time.Second),
		MaxRequestBodySize: parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 10*1024*1024), // 10MB

		Workers:   int(parseIntOrDefault("WORKERS", int64(runtime.NumCPU()))),
		BatchSize: int(parseIntOrDefault("BATCH_SIZE", 32)),

		CacheMaxEntries:  int(parseIntOrDefault("CACHE_MAX_ENTRIES", 10000)),
		CacheDir:         strings.TrimSpace(os.Getenv("CACHE_DIR")),
		CacheCompression: strings.ToLower(getEnvOrDefault("CACHE_COMPRESSION", "none")),
		S3: S3Config{
			Endpoint:  strings.TrimSpace(os.Getenv("CACHE_S3_ENDPOINT")),
			Bucket:    strings.TrimSpace(os.Getenv("CACHE_S3_BUCKET")),
			AccessKey: os.Getenv("CACHE_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("CACHE_S3_SECRET_KEY"),
			Secure:    parseBoolOrDefault("CACHE_S3_SECURE", true),
		},

		AzureStorageAccount: strings.TrimSpace(os.Getenv("AZURE_STORAGE_ACCOUNT")),
		AzureStorageKey:     os.Getenv("AZURE_STORAGE_KEY"),
		FetchRateLimit:      parseFloatOrDefault("FETCH_RATE_LIMIT", 20),
		LocalImageRoot:      strings.TrimSpace(os.Getenv("LOCAL_IMAGE_ROOT")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	// Validate port is numeric and in range
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.RequestTimeout <= 0 || c.ImageFetchTimeout <= 0 || c.RunTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, fetch=%s, run=%s)",
			c.RequestTimeout, c.ImageFetchTimeout, c.RunTimeout)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be >= 1 (got %d)", c.Workers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be >= 1 (got %d)", c.BatchSize)
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be >= 0 (got %d)", c.CacheMaxEntries)
	}
	switch c.CacheCompression {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("CACHE_COMPRESSION must be one of none, lz4, zstd (got %q)", c.CacheCompression)
	}
	if c.CacheDir != "" && c.S3.Enabled() {
		return fmt.Errorf("CACHE_DIR and CACHE_S3_ENDPOINT are mutually exclusive")
	}
	if (c.S3.Endpoint == "") != (c.S3.Bucket == "") {
		return fmt.Errorf("CACHE_S3_ENDPOINT and CACHE_S3_BUCKET must be set together")
	}
	if (c.AzureStorageAccount == "") != (c.AzureStorageKey == "") {
		return fmt.Errorf("AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY must be set together")
	}
	if c.FetchRateLimit < 0 {
		return fmt.Errorf("FETCH_RATE_LIMIT must be >= 0 (got %g)", c.FetchRateLimit)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

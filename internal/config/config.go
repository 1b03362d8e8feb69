/**
 * Configuration for the TextRealign Worker
 *
 * Loads configuration from environment variables matching .env.nexus
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue backends
const (
	BackendRedis = "redis"
	BackendAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL        string
	QdrantCollection string

	// API Keys
	VoyageAPIKey string // optional, enables line indexing

	// Queue configuration
	QueueBackend string
	QueueName    string
	MaxRetries   int

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds

	// HTTP API
	HTTPAddr string

	// Tesseract configuration
	TesseractLanguage  string
	TesseractPSM       int
	TesseractBlacklist string
	PreprocessImages   bool

	// Realignment defaults
	RealignLeftDistance int
	RealignTopDistance  int
	ConfThreshold       int
	RealignMaxPasses    int
	RealignWorkers      int

	// Logging
	LogLevel string

	// Node environment
	NodeEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	databaseURL, err := getEnvOrError("DATABASE_URL")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RedisURL:            getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		DatabaseURL:         databaseURL,
		QdrantURL:           getEnvOrDefault("QDRANT_URL", "nexus-qdrant:6334"),
		QdrantCollection:    getEnvOrDefault("QDRANT_COLLECTION", "textrealign_lines"),
		VoyageAPIKey:        getEnvOrDefault("VOYAGE_API_KEY", ""),
		QueueBackend:        strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", BackendRedis)),
		QueueName:           getEnvOrDefault("QUEUE_NAME", "textrealign:jobs"),
		MaxRetries:          getEnvAsIntOrDefault("MAX_RETRIES", 3),
		WorkerConcurrency:   getEnvAsIntOrDefault("WORKER_CONCURRENCY", 10),
		MaxFileSize:         getEnvAsInt64OrDefault("MAX_FILE_SIZE", 104857600), // 100MB
		ProcessingTimeout:   getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000), // 5 minutes
		HTTPAddr:            getEnvOrDefault("HTTP_ADDR", ":8097"),
		TesseractLanguage:   getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		TesseractPSM:        getEnvAsIntOrDefault("TESSERACT_PSM", 3),
		TesseractBlacklist:  getEnvOrDefault("TESSERACT_BLACKLIST", ""),
		PreprocessImages:    getEnvAsBoolOrDefault("PREPROCESS_IMAGES", false),
		RealignLeftDistance: getEnvAsIntOrDefault("REALIGN_LEFT_DISTANCE", 20),
		RealignTopDistance:  getEnvAsIntOrDefault("REALIGN_TOP_DISTANCE", 10),
		ConfThreshold:       getEnvAsIntOrDefault("CONF_THRESHOLD", 10),
		RealignMaxPasses:    getEnvAsIntOrDefault("REALIGN_MAX_PASSES", 0),
		RealignWorkers:      getEnvAsIntOrDefault("REALIGN_WORKERS", 1),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		NodeEnv:             getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueBackend != BackendRedis && c.QueueBackend != BackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", BackendRedis, BackendAsynq, c.QueueBackend)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.MaxRetries < 0 || c.MaxRetries > 25 {
		return fmt.Errorf("MAX_RETRIES must be between 0 and 25, got %d", c.MaxRetries)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 10737418240 { // 1KB to 10GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 10GB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.TesseractPSM < 0 || c.TesseractPSM > 13 {
		return fmt.Errorf("TESSERACT_PSM must be between 0 and 13, got %d", c.TesseractPSM)
	}

	if c.RealignLeftDistance < 0 || c.RealignTopDistance < 0 {
		return fmt.Errorf("realignment distances must not be negative, got left=%d top=%d",
			c.RealignLeftDistance, c.RealignTopDistance)
	}

	if c.ConfThreshold < 0 {
		return fmt.Errorf("CONF_THRESHOLD must not be negative, got %d", c.ConfThreshold)
	}

	if c.RealignMaxPasses < 0 {
		return fmt.Errorf("REALIGN_MAX_PASSES must not be negative, got %d", c.RealignMaxPasses)
	}

	if c.RealignWorkers < 1 || c.RealignWorkers > 64 {
		return fmt.Errorf("REALIGN_WORKERS must be between 1 and 64, got %d", c.RealignWorkers)
	}

	return nil
}

// ProcessingTimeoutDuration returns PROCESSING_TIMEOUT as a duration
func (c *Config) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrError gets a required environment variable
func getEnvOrError(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return value, nil
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

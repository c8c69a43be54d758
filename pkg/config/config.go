package config

import (
	"fmt"
	"os"
	"strconv"

	// Load environment variables from .env files when present.
	_ "github.com/joho/godotenv/autoload"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Import        ImportConfig
	Observability ObservabilityConfig
	Notify        NotifyConfig
	Storage       StorageConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	BaseURL            string
	RateLimitPerSecond int
	RateLimitBurst     int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type AuthConfig struct {
	JWTSecret string
}

// ImportConfig bounds the statement import pipeline.
type ImportConfig struct {
	MaxFileBytes      int64 // Oversize uploads fail before decoding.
	MaxRows           int   // Hard cap on data rows per file.
	PreviewRows       int   // Default preview window size.
	DuplicateWindow   int   // Recent existing records loaded for dedupe.
	AsyncRowThreshold int   // Commits above this row count run on the job queue.
	SignPolicy        string
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsPort    int
}

type NotifyConfig struct {
	ResendAPIKey string
	FromAddress  string
	Currency     string // ISO 4217 code used to format amounts in mail.
}

// StorageConfig locates the archive of raw statement uploads.
type StorageConfig struct {
	ArchiveDir string // Empty disables archiving.
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "localhost"),
			Port:               getEnvAsInt("SERVER_PORT", 8080),
			BaseURL:            getEnv("BASE_URL", "http://localhost:8080"),
			RateLimitPerSecond: getEnvAsInt("SERVER_RATE_LIMIT_PER_SECOND", 100),
			RateLimitBurst:     getEnvAsInt("SERVER_RATE_LIMIT_BURST", 200),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "moneta-dev"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "changeme"),
		},
		Import: ImportConfig{
			MaxFileBytes:      getEnvAsInt64("IMPORT_MAX_FILE_BYTES", 25<<20),
			MaxRows:           getEnvAsInt("IMPORT_MAX_ROWS", 50000),
			PreviewRows:       getEnvAsInt("IMPORT_PREVIEW_ROWS", 20),
			DuplicateWindow:   getEnvAsInt("IMPORT_DUPLICATE_WINDOW", 5000),
			AsyncRowThreshold: getEnvAsInt("IMPORT_ASYNC_ROW_THRESHOLD", 2000),
			SignPolicy:        getEnv("IMPORT_SIGN_POLICY", "negative-is-income"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
		},
		Notify: NotifyConfig{
			ResendAPIKey: getEnv("RESEND_API_KEY", ""),
			FromAddress:  getEnv("NOTIFY_FROM_ADDRESS", "imports@moneta.app"),
			Currency:     getEnv("NOTIFY_CURRENCY", "USD"),
		},
		Storage: StorageConfig{
			ArchiveDir: getEnv("STORAGE_ARCHIVE_DIR", "./uploads"),
		},
	}

	return cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

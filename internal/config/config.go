package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Server holds configuration for cmd/server
type Server struct {
	Port        string
	Env         string
	DatabaseURL string

	// Comma-separated allowed origins; "*" allows all
	CORSOrigins string

	DBMaxConns int32
	DBMinConns int32

	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Client holds configuration for the vote client and CLI
type Client struct {
	APIURL      string
	StoragePath string
	Timeout     time.Duration

	LogLevel  string
	LogFormat string
}

// LoadServer reads server configuration from environment variables.
// Returns an error if required variables are missing.
func LoadServer() (*Server, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	env := getEnv("ENV", "development")
	corsDefault := ""
	if env == "development" {
		corsDefault = "*"
	}

	return &Server{
		Port:        getEnv("PORT", "8080"),
		Env:         env,
		DatabaseURL: dbURL,
		CORSOrigins: getEnv("CORS_ORIGINS", corsDefault),

		DBMaxConns: getInt32("DB_MAX_CONNS", 10),
		DBMinConns: getInt32("DB_MIN_CONNS", 2),

		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}, nil
}

// LoadClient reads client configuration from environment variables.
// An empty StoragePath means the per-user default location.
func LoadClient() *Client {
	return &Client{
		APIURL:      getEnv("VOTES_API_URL", "http://localhost:8080/api/v1"),
		StoragePath: os.Getenv("VOTES_STORAGE_PATH"),
		Timeout:     getDuration("VOTES_TIMEOUT", 30*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "warn"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// IsProduction reports whether ENV is "production"
func (s *Server) IsProduction() bool {
	return s.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 32); err == nil && n > 0 {
			return int32(n)
		}
	}
	return defaultValue
}

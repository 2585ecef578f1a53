package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	Environment string
	Port        string
	LogLevel    slog.Level

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis (optional; empty disables caching)
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Kafka (optional; empty disables event publishing)
	KafkaBrokers string
	KafkaTopic   string

	Casdoor CasdoorConfig

	// Number of recorded integrity events that forces an attempt into
	// the blocked state.
	CheatEventThreshold int
}

// CasdoorConfig holds the identity provider settings.
type CasdoorConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Cert         string
	Organization string
	Application  string
}

// LoadConfig reads configuration from the environment, loading a .env file
// first when one is present.
func LoadConfig() (*Config, error) {
	// .env is optional; real environments set variables directly
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    parseLogLevel(getEnv("LOG_LEVEL", "info")),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  os.Getenv("DB_PASSWORD"),
		DBName:      getEnv("DB_NAME", "cbt_service"),
		DBSSLMode:   getEnv("DB_SSL_MODE", "disable"),

		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "cbt-service.events"),

		Casdoor: CasdoorConfig{
			Endpoint:     os.Getenv("CASDOOR_ENDPOINT"),
			ClientID:     os.Getenv("CASDOOR_CLIENT_ID"),
			ClientSecret: os.Getenv("CASDOOR_CLIENT_SECRET"),
			Cert:         os.Getenv("CASDOOR_CERT"),
			Organization: getEnv("CASDOOR_ORGANIZATION", "built-in"),
			Application:  getEnv("CASDOOR_APPLICATION", "cbt-service"),
		},

		CheatEventThreshold: getEnvInt("CHEAT_EVENT_THRESHOLD", 3),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" && c.DBHost == "" {
		return fmt.Errorf("either DATABASE_URL or DB_HOST must be set")
	}
	if c.CheatEventThreshold < 1 {
		return fmt.Errorf("CHEAT_EVENT_THRESHOLD must be at least 1, got %d", c.CheatEventThreshold)
	}
	return nil
}

// DSN builds the postgres connection string.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadENV loads environment variables from .env unless GO_ENV says otherwise
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

type EnviornmentVariable struct {
	// All variables
	GO_ENV       string
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	PORT         int
	// JWT Configuration
	JWT_SECRET string
	JWT_ISSUER string
	// Redis Configuration
	REDIS_URL string
	// Agent worker
	WORKER_BASE_URL        string
	WORKER_WEBHOOK_SECRET  string
	WORKER_REQUEST_TIMEOUT time.Duration
	// Usage metering
	QUERY_RATE_LIMIT  int
	QUERY_RATE_WINDOW time.Duration
	QUERY_COIN_COST   int64
	// Auto-continuation defaults (overridable at runtime via app settings)
	CONTINUATION_GLOBAL_ENABLED  bool
	CONTINUATION_DEFAULT_ENABLED bool
	CONTINUATION_MAX             int
	CONTINUATION_REQUIRE_OPT_IN  bool
}

func Get() (*EnviornmentVariable, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	// Database defaults
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	envVariables := &EnviornmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  os.Getenv("DB_SSL_MODE"),
		PORT:         port,
		// JWT
		JWT_SECRET: os.Getenv("JWT_SECRET"),
		JWT_ISSUER: os.Getenv("JWT_ISSUER"),
		// Redis
		REDIS_URL: os.Getenv("REDIS_URL"),
		// Worker
		WORKER_BASE_URL:        os.Getenv("WORKER_BASE_URL"),
		WORKER_WEBHOOK_SECRET:  os.Getenv("WORKER_WEBHOOK_SECRET"),
		WORKER_REQUEST_TIMEOUT: getDuration("WORKER_REQUEST_TIMEOUT", 10*time.Second),
		// Usage metering
		QUERY_RATE_LIMIT:  getInt("QUERY_RATE_LIMIT", 30),
		QUERY_RATE_WINDOW: getDuration("QUERY_RATE_WINDOW", time.Minute),
		QUERY_COIN_COST:   int64(getInt("QUERY_COIN_COST", 1)),
		// Continuation defaults
		CONTINUATION_GLOBAL_ENABLED:  getBool("CONTINUATION_GLOBAL_ENABLED", true),
		CONTINUATION_DEFAULT_ENABLED: getBool("CONTINUATION_DEFAULT_ENABLED", false),
		CONTINUATION_MAX:             getInt("CONTINUATION_MAX", 3),
		CONTINUATION_REQUIRE_OPT_IN:  getBool("CONTINUATION_REQUIRE_OPT_IN", true),
	}

	return envVariables, nil
}

func getInt(key string, fallback int) int {
	val, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return val
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return val
}

package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the conversation store
type Config struct {
	DynamoDBEndpoint   string
	DynamoDBRegion     string
	AWSAccessKey       string
	AWSSecretKey       string
	LogLevel           string
	TableName          string
	TableNameParameter string
	PageSize           int
	SearchLimit        int
	ConflictRetries    int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		DynamoDBEndpoint:   getEnv("DYNAMODB_ENDPOINT", "http://localhost:8000"),
		DynamoDBRegion:     getEnv("DYNAMODB_REGION", "us-east-1"),
		AWSAccessKey:       getEnv("AWS_ACCESS_KEY_ID", "dummy"),
		AWSSecretKey:       getEnv("AWS_SECRET_ACCESS_KEY", "dummy"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		TableName:          getEnv("TABLE_NAME", "UserConversationsTable"),
		TableNameParameter: getEnv("TABLE_NAME_PARAMETER", ""),
		PageSize:           getEnvIntRange("PAGE_SIZE", 100, 1, 1000),
		SearchLimit:        getEnvIntRange("SEARCH_LIMIT", 50, 1, 100),
		ConflictRetries:    getEnvInt("CONFLICT_RETRIES", 3),
	}
}

// getEnv reads an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt reads a non-negative integer environment variable. Unparseable
// or negative values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}

// getEnvIntRange reads an integer environment variable that must lie within
// [lo, hi]. Anything else falls back to the default.
func getEnvIntRange(key string, defaultValue, lo, hi int) int {
	n := getEnvInt(key, defaultValue)
	if n < lo || n > hi {
		return defaultValue
	}
	return n
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// DeepSeek AI
	DeepSeekAPIKey  string
	DeepSeekBaseURL string
	SystemPrompt    string

	// Streaming
	StreamTimeoutSeconds int

	// Persistence retry workers
	PersistWorkers int

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                 getEnvOrDefault("PORT", "8080"),
		Env:                  getEnvOrDefault("ENV", "development"),
		DatabaseURL:          mustGetEnv("DATABASE_URL"),
		RedisURL:             mustGetEnv("REDIS_URL"),
		JWTSecret:            mustGetEnv("JWT_SECRET"),
		DeepSeekAPIKey:       mustGetEnv("DEEPSEEK_API_KEY"),
		DeepSeekBaseURL:      getEnvOrDefault("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
		SystemPrompt:         getEnvOrDefault("SYSTEM_PROMPT", "You are a helpful assistant."),
		StreamTimeoutSeconds: getEnvAsIntOrDefault("STREAM_TIMEOUT_SECONDS", 30),
		PersistWorkers:       getEnvAsIntOrDefault("PERSIST_WORKERS", 2),
		FrontendURL:          getEnvOrDefault("FRONTEND_URL", "http://localhost:3000"),
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config carries everything the server needs, loaded from the environment
// with an optional .env file for development.
type Config struct {
	ListenAddress string `validate:"required"`

	// Empty DatabaseURL selects the in-memory store (dev mode).
	DatabaseURL string

	OpenAIKey     string
	OpenAIBaseURL string

	EmbeddingModel      string `validate:"required"`
	EmbeddingDimensions int    `validate:"gt=0"`
	LLMModel            string `validate:"required"`
	LLMTimeout          time.Duration

	StorageDir          string `validate:"required"`
	EmbeddingsBatchSize int    `validate:"gt=0"`
}

func LoadConfig() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddress:       envOr("LISTEN_ADDRESS", ":8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:       os.Getenv("OPENAI_API_BASE_URL"),
		EmbeddingModel:      envOr("EMBEDDING_MODEL", "all-MiniLM-L6-v2"),
		EmbeddingDimensions: envIntOr("EMBEDDING_DIMENSIONS", 384),
		LLMModel:            envOr("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:          time.Duration(envIntOr("LLM_TIMEOUT_MS", 120000)) * time.Millisecond,
		StorageDir:          envOr("STORAGE_DIR", "storage"),
		EmbeddingsBatchSize: envIntOr("EMBEDDINGS_BATCH_SIZE", 128),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// Package main wires the state database, filesystem layout, model
// clients, vector store, pipeline scheduler, retrieval stack, and session
// memory into one HTTP server.
package main

import (
	"os"
	"strconv"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	DataRoot   string
	VectorRoot string
	LogsRoot   string
	SQLitePath string

	QdrantAddr       string
	QdrantCollection string
	EmbedDimensions  int

	ModelBaseURL string
	ModelAPIKey  string
	ChatModel    string
	EmbedModel   string

	CORSOrigin       string
	UserSessionDays  int
	GuestSessionDays int
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		DataRoot:   envOr("DATA_ROOT", "./data"),
		VectorRoot: envOr("VECTOR_ROOT", ""),
		LogsRoot:   envOr("LOGS_ROOT", ""),
		SQLitePath: envOr("SQLITE_PATH", "./data/storyforge.sqlite3"),

		QdrantAddr:       envOr("QDRANT_ADDR", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "storyforge_scenes"),
		EmbedDimensions:  envIntOr("EMBED_DIMENSIONS", 1536),

		ModelBaseURL: envOr("MODEL_BASE_URL", "https://api.openai.com/v1"),
		ModelAPIKey:  os.Getenv("MODEL_API_KEY"),
		ChatModel:    envOr("CHAT_MODEL", "gpt-4o-mini"),
		EmbedModel:   envOr("EMBED_MODEL", "text-embedding-3-small"),

		CORSOrigin:       envOr("CORS_ORIGIN", "*"),
		UserSessionDays:  envIntOr("USER_SESSION_DAYS", 30),
		GuestSessionDays: envIntOr("GUEST_SESSION_DAYS", 30),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIBaseURL   string
	WSPath       string
	DBPath       string
	SystemPrompt string

	RequestTimeout time.Duration
	HistoryLimit   int

	// Streaming transport
	IdleCompletionWindow time.Duration
	ResponseCeiling      time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

func Load() Config {
	baseURL := os.Getenv("ASSISTANT_API_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}

	wsPath := os.Getenv("ASSISTANT_WS_PATH")
	if wsPath == "" {
		wsPath = "/chatgpt/ws"
	}

	dbPath := os.Getenv("ASSISTANT_DB_PATH")
	if dbPath == "" {
		dbPath = "assistant.db"
	}

	systemPrompt := os.Getenv("ASSISTANT_SYSTEM_PROMPT")
	if systemPrompt == "" {
		systemPrompt = "You are a helpful campus-life assistant. Answer questions about organizations, events, scholarships and student services."
	}

	requestTimeout := durationEnv("ASSISTANT_REQUEST_TIMEOUT", 10*time.Second)

	historyLimit := 20
	if v := os.Getenv("ASSISTANT_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			historyLimit = n
		}
	}

	idleWindow := durationEnv("ASSISTANT_IDLE_COMPLETION_WINDOW", 2*time.Second)
	ceiling := durationEnv("ASSISTANT_RESPONSE_CEILING", 15*time.Second)
	reconnectDelay := durationEnv("ASSISTANT_RECONNECT_DELAY", 2*time.Second)

	maxReconnects := 5
	if v := os.Getenv("ASSISTANT_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxReconnects = n
		}
	}

	return Config{
		APIBaseURL:   baseURL,
		WSPath:       wsPath,
		DBPath:       dbPath,
		SystemPrompt: systemPrompt,

		RequestTimeout: requestTimeout,
		HistoryLimit:   historyLimit,

		IdleCompletionWindow: idleWindow,
		ResponseCeiling:      ceiling,
		ReconnectBaseDelay:   reconnectDelay,
		MaxReconnectAttempts: maxReconnects,
	}
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

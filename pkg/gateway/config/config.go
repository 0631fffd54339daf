// Package config loads gateway configuration from the environment. All knobs
// carry defaults so a bare `VOICECOACH_OPENAI_API_KEY=... voicecoach` run
// works out of the box.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

// StoreBackend selects where durable practice-session state lives.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreRedis  StoreBackend = "redis"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS; empty means the check is disabled.
	CORSAllowedOrigins map[string]struct{}

	// Default upstream credentials and models. Clients may override per
	// session in the open frame.
	OpenAIAPIKey      string
	RealtimeWSURL     string
	ConversationModel string
	STTModel          string
	Voice             string

	FeedbackProvider string
	FeedbackModel    string
	FeedbackBaseURL  string
	FeedbackLanguage string

	QuestionBankPath string
	MaxEvidenceDocs  int
	RebaseTurns      int

	// Session state store.
	StoreBackend  StoreBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	// Live websocket knobs (/v1/practice).
	LiveMaxJSONMessageBytes int64
	LiveHandshakeTimeout    time.Duration
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VOICECOACH_ADDR", ":8080"),
		AuthMode:                AuthMode(envOr("VOICECOACH_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                 make(map[string]struct{}),
		CORSAllowedOrigins:      make(map[string]struct{}),
		OpenAIAPIKey:            strings.TrimSpace(os.Getenv("VOICECOACH_OPENAI_API_KEY")),
		RealtimeWSURL:           envOr("VOICECOACH_REALTIME_WS_URL", "wss://api.openai.com/v1/realtime"),
		ConversationModel:       envOr("VOICECOACH_CONVERSATION_MODEL", "gpt-4o-realtime-preview"),
		STTModel:                envOr("VOICECOACH_STT_MODEL", "whisper-1"),
		Voice:                   envOr("VOICECOACH_VOICE", "alloy"),
		FeedbackProvider:        envOr("VOICECOACH_FEEDBACK_PROVIDER", "openai"),
		FeedbackModel:           envOr("VOICECOACH_FEEDBACK_MODEL", "gpt-4.1-mini"),
		FeedbackBaseURL:         strings.TrimSpace(os.Getenv("VOICECOACH_FEEDBACK_BASE_URL")),
		FeedbackLanguage:        envOr("VOICECOACH_FEEDBACK_LANGUAGE", "ko"),
		QuestionBankPath:        envOr("VOICECOACH_QUESTION_BANK", "questions.yaml"),
		MaxEvidenceDocs:         envIntOr("VOICECOACH_MAX_EVIDENCE_DOCS", 3),
		RebaseTurns:             envIntOr("VOICECOACH_REBASE_TURNS", 20),
		StoreBackend:            StoreBackend(envOr("VOICECOACH_STORE", string(StoreMemory))),
		RedisAddr:               envOr("VOICECOACH_REDIS_ADDR", "localhost:6379"),
		RedisPassword:           os.Getenv("VOICECOACH_REDIS_PASSWORD"),
		RedisDB:                 envIntOr("VOICECOACH_REDIS_DB", 0),
		SessionTTL:              envDurationOr("VOICECOACH_SESSION_TTL", 24*time.Hour),
		LiveMaxJSONMessageBytes: envInt64Or("VOICECOACH_LIVE_MAX_JSON_MESSAGE_BYTES", 256*1024),
		LiveHandshakeTimeout:    envDurationOr("VOICECOACH_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveWSPingInterval:      envDurationOr("VOICECOACH_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:      envDurationOr("VOICECOACH_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:       envDurationOr("VOICECOACH_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:             envDurationOr("VOICECOACH_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:     envDurationOr("VOICECOACH_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOICECOACH_AUTH_MODE must be one of required|optional|disabled")
	}
	switch cfg.StoreBackend {
	case StoreMemory, StoreRedis:
	default:
		return Config{}, fmt.Errorf("VOICECOACH_STORE must be one of memory|redis")
	}

	for _, key := range splitCSV(os.Getenv("VOICECOACH_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOICECOACH_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOICECOACH_API_KEYS must be set when VOICECOACH_AUTH_MODE=required")
	}
	if cfg.MaxEvidenceDocs < 0 {
		return Config{}, fmt.Errorf("VOICECOACH_MAX_EVIDENCE_DOCS must be >= 0")
	}
	if cfg.RebaseTurns <= 0 {
		return Config{}, fmt.Errorf("VOICECOACH_REBASE_TURNS must be > 0")
	}
	if cfg.StoreBackend == StoreRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		return Config{}, fmt.Errorf("VOICECOACH_REDIS_ADDR must be set when VOICECOACH_STORE=redis")
	}
	if cfg.SessionTTL < 0 {
		return Config{}, fmt.Errorf("VOICECOACH_SESSION_TTL must be >= 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICECOACH_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECOACH_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICECOACH_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECOACH_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 || cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("read timeouts must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICECOACH_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

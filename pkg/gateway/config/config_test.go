package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" || cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.ConversationModel != "gpt-4o-realtime-preview" || cfg.Voice != "alloy" {
		t.Fatalf("model defaults = %+v", cfg)
	}
	if cfg.StoreBackend != StoreMemory || cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("store defaults = %+v", cfg)
	}
	if cfg.RebaseTurns != 20 || cfg.MaxEvidenceDocs != 3 {
		t.Fatalf("practice defaults = %+v", cfg)
	}
	if cfg.LiveMaxJSONMessageBytes != 256*1024 {
		t.Fatalf("ws defaults = %+v", cfg)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("VOICECOACH_ADDR", "127.0.0.1:9090")
	t.Setenv("VOICECOACH_AUTH_MODE", "required")
	t.Setenv("VOICECOACH_API_KEYS", "key-a, key-b,")
	t.Setenv("VOICECOACH_CORS_ORIGINS", "https://app.example.com")
	t.Setenv("VOICECOACH_STORE", "redis")
	t.Setenv("VOICECOACH_REDIS_ADDR", "redis:6379")
	t.Setenv("VOICECOACH_SESSION_TTL", "1h")
	t.Setenv("VOICECOACH_REBASE_TURNS", "5")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "127.0.0.1:9090" || cfg.AuthMode != AuthModeRequired {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("api keys = %v", cfg.APIKeys)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://app.example.com"]; !ok {
		t.Fatalf("cors = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.StoreBackend != StoreRedis || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("store = %+v", cfg)
	}
	if cfg.SessionTTL != time.Hour || cfg.RebaseTurns != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad auth mode", "VOICECOACH_AUTH_MODE", "open-bar"},
		{"bad store", "VOICECOACH_STORE", "postgres"},
		{"zero rebase turns", "VOICECOACH_REBASE_TURNS", "0"},
		{"negative evidence", "VOICECOACH_MAX_EVIDENCE_DOCS", "-1"},
		{"negative ttl", "VOICECOACH_SESSION_TTL", "-1s"},
		{"zero message limit", "VOICECOACH_LIVE_MAX_JSON_MESSAGE_BYTES", "-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestRequiredAuthNeedsKeys(t *testing.T) {
	t.Setenv("VOICECOACH_AUTH_MODE", "required")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("required auth without keys must fail")
	}
}

func TestMalformedNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("VOICECOACH_REBASE_TURNS", "lots")
	t.Setenv("VOICECOACH_SESSION_TTL", "soon")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RebaseTurns != 20 || cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, ,b,,c ")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("splitCSV = %v", got)
	}
	if splitCSV("  ") != nil {
		t.Fatal("blank input must yield nil")
	}
}

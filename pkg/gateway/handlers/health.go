package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/speaklab/voicecoach/pkg/gateway/config"
	"github.com/speaklab/voicecoach/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config   config.Config
	Sessions *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		AuthMode       string   `json:"auth_mode"`
		Store          string   `json:"store"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if strings.TrimSpace(h.Config.OpenAIAPIKey) == "" {
		issues = append(issues, "no default openai api key; clients must bring their own")
	}
	if strings.TrimSpace(h.Config.QuestionBankPath) == "" {
		issues = append(issues, "question bank path is empty")
	}
	if h.Config.StoreBackend == config.StoreRedis && strings.TrimSpace(h.Config.RedisAddr) == "" {
		issues = append(issues, "store=redis but no redis addr configured")
	}
	if h.Config.LiveHandshakeTimeout <= 0 || h.Config.LiveWSWriteTimeout <= 0 || h.Config.LiveWSPingInterval <= 0 {
		issues = append(issues, "live websocket timeouts must be > 0")
	}

	// A missing default key is advisory, not a readiness failure.
	ok := true
	for _, issue := range issues {
		if !strings.HasPrefix(issue, "no default openai api key") {
			ok = false
		}
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		AuthMode:       string(h.Config.AuthMode),
		Store:          string(h.Config.StoreBackend),
		ActiveSessions: h.Sessions.Count(),
		Issues:         issues,
	})
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": "not_found_error", "message": "unknown route"},
	})
}

package handlers

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speaklab/voicecoach/pkg/core/audio"
	"github.com/speaklab/voicecoach/pkg/core/feedback"
	"github.com/speaklab/voicecoach/pkg/core/orchestrator"
	"github.com/speaklab/voicecoach/pkg/core/question"
	"github.com/speaklab/voicecoach/pkg/core/state"
	"github.com/speaklab/voicecoach/pkg/gateway/config"
	"github.com/speaklab/voicecoach/pkg/gateway/lifecycle"
	"github.com/speaklab/voicecoach/pkg/gateway/live/protocol"
	"github.com/speaklab/voicecoach/pkg/gateway/live/session"
	"github.com/speaklab/voicecoach/pkg/gateway/live/sessions"
)

// GeneratorFactory builds the feedback generator for one connection. It is a
// seam for tests; production wiring uses feedback.NewGenerator.
type GeneratorFactory func(p feedback.Provider, opts feedback.Options) (feedback.Generator, error)

// PracticeHandler serves /v1/practice websocket sessions.
type PracticeHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker

	Gateway   audio.Gateway
	Questions question.Source
	Store     state.Store
	Observer  orchestrator.Observer

	NewGenerator GeneratorFactory
}

func (h PracticeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		http.Error(w, "gateway is draining", http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	open, ok := h.handshake(conn)
	if !ok {
		return
	}
	logger = logger.With("session_id", open.SessionID)
	logger.Info("practice session opening", "open", open.RedactedForLog())

	apiKey := strings.TrimSpace(open.APIKey)
	if apiKey == "" {
		apiKey = h.Config.OpenAIAPIKey
	}
	if apiKey == "" {
		h.writeWSError(conn, "unauthorized", "no upstream api key: supply api_key in session.open", "")
		return
	}

	if err := h.applyOpenState(r, open); err != nil {
		h.writeWSError(conn, "internal", "failed to prepare session state", "")
		logger.Error("prepare session state", "error", err)
		return
	}

	settings := h.buildSettings(open, apiKey)

	newGenerator := h.NewGenerator
	if newGenerator == nil {
		newGenerator = feedback.NewGenerator
	}
	generator, err := newGenerator(settings.FeedbackProvider, feedback.Options{
		Model:       settings.FeedbackModel,
		BaseURL:     h.Config.FeedbackBaseURL,
		RebaseTurns: h.Config.RebaseTurns,
	})
	if err != nil {
		h.writeWSError(conn, "unsupported", err.Error(), "feedback.provider")
		return
	}

	wire := session.NewWire(conn, session.Config{
		PingInterval: h.Config.LiveWSPingInterval,
		WriteTimeout: h.Config.LiveWSWriteTimeout,
	})
	go func() {
		if err := wire.Run(); err != nil {
			logger.Debug("writer stopped", "error", err)
		}
	}()
	defer wire.Close()

	orch, err := orchestrator.Open(r.Context(), settings, orchestrator.Deps{
		Logger:    logger,
		Gateway:   h.Gateway,
		Questions: h.Questions,
		Feedback:  generator,
		Store:     h.Store,
		Sink:      wire,
		Observer:  h.Observer,
	})
	if err != nil {
		h.writeWSError(conn, "bad_request", err.Error(), "")
		return
	}
	defer orch.Close("CLIENT_DISCONNECTED")

	unregister := h.Sessions.Register(open.SessionID, sessions.Handle{
		Stop: orch.Stop,
		Notify: func(code, message string) error {
			return wire.Send(orchestrator.EventError, map[string]any{
				"scope": "session", "code": code, "message": message,
			})
		},
	})
	defer unregister()

	// Unblock the read loop when the orchestrator closes on its own, e.g.
	// auto-stop or a dead sink.
	go func() {
		<-orch.Done()
		wire.Close()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Time{})
	h.readLoop(conn, wire, orch, logger)
	orch.Wait()
}

// handshake reads and validates the mandatory session.open first frame.
func (h PracticeHandler) handshake(conn *websocket.Conn) (protocol.ClientOpen, bool) {
	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read session.open", "")
		return protocol.ClientOpen{}, false
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be session.open", "")
		return protocol.ClientOpen{}, false
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.writeDecodeError(conn, err)
		return protocol.ClientOpen{}, false
	}
	open, ok := decoded.(protocol.ClientOpen)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be session.open", "")
		return protocol.ClientOpen{}, false
	}
	if strings.TrimSpace(open.ProtocolVersion) != protocol.ProtocolVersion1 {
		h.writeWSError(conn, "unsupported_version", "unsupported protocol_version", "protocol_version")
		return protocol.ClientOpen{}, false
	}
	return open, true
}

// applyOpenState writes the open frame's practice knobs into the durable
// session record before the engine starts.
func (h PracticeHandler) applyOpenState(r *http.Request, open protocol.ClientOpen) error {
	sess, err := h.Store.Get(r.Context(), open.SessionID)
	if err != nil {
		return err
	}
	if mode := strings.TrimSpace(open.Mode); mode != "" {
		sess.SetMode(state.Mode(mode))
	}
	if open.BatchSize > 0 {
		sess.SetBatchSize(open.BatchSize)
	}
	if lang := strings.TrimSpace(open.Feedback.Language); lang != "" {
		sess.SetFeedbackLanguage(state.Language(lang))
	} else if h.Config.FeedbackLanguage != "" {
		sess.SetFeedbackLanguage(state.Language(h.Config.FeedbackLanguage))
	}
	return h.Store.Put(r.Context(), sess)
}

func (h PracticeHandler) buildSettings(open protocol.ClientOpen, apiKey string) orchestrator.Settings {
	pick := func(v, def string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return def
	}
	provider := feedback.Provider(pick(open.Feedback.Provider, h.Config.FeedbackProvider))
	language := state.Language(pick(open.Feedback.Language, h.Config.FeedbackLanguage))
	return orchestrator.Settings{
		SessionID:         open.SessionID,
		APIKey:            apiKey,
		ConversationModel: pick(open.Models.Conversation, h.Config.ConversationModel),
		STTModel:          pick(open.Models.STT, h.Config.STTModel),
		Voice:             pick(open.Models.Voice, h.Config.Voice),
		FeedbackProvider:  provider,
		FeedbackModel:     pick(open.Feedback.Model, h.Config.FeedbackModel),
		FeedbackAPIKey:    strings.TrimSpace(open.Feedback.APIKey),
		FeedbackLanguage:  language,
		MaxEvidenceDocs:   h.Config.MaxEvidenceDocs,
	}
}

func (h PracticeHandler) readLoop(conn *websocket.Conn, wire *session.Wire, orch *orchestrator.Session, logger *slog.Logger) {
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			h.sendClientError(wire, &protocol.DecodeError{Code: "bad_request", Message: "frames must be json text"})
			continue
		}
		decoded, err := protocol.DecodeClientMessage(raw)
		if err != nil {
			h.sendClientError(wire, err)
			continue
		}
		switch msg := decoded.(type) {
		case protocol.ClientOpen:
			h.sendClientError(wire, &protocol.DecodeError{Code: "bad_request", Message: "session is already open"})
		case protocol.ClientAudioFrame:
			data, decErr := base64.StdEncoding.DecodeString(msg.DataB64)
			if decErr != nil {
				h.sendClientError(wire, &protocol.DecodeError{Code: "bad_request", Message: "audio.append.data_b64 is not valid base64", Param: "data_b64"})
				continue
			}
			if err := orch.AppendAudio(data); err != nil {
				logger.Warn("append audio", "error", err)
			}
		case protocol.ClientCommit:
			if err := orch.Commit(); err != nil {
				logger.Warn("commit audio", "error", err)
			}
		case protocol.ClientCancel:
			orch.CancelResponse()
		case protocol.ClientUpdate:
			if err := orch.ApplyUpdate(updateFromFrame(msg)); err != nil {
				h.sendClientError(wire, &protocol.DecodeError{Code: "bad_request", Message: err.Error()})
			}
		case protocol.ClientStop:
			orch.Stop()
			return
		}
	}
}

func updateFromFrame(msg protocol.ClientUpdate) orchestrator.Update {
	var u orchestrator.Update
	if msg.Mode != nil {
		mode := state.Mode(*msg.Mode)
		u.Mode = &mode
	}
	if msg.BatchSize != nil {
		u.BatchSize = msg.BatchSize
	}
	if msg.Models != nil {
		if v := strings.TrimSpace(msg.Models.Conversation); v != "" {
			u.ConversationModel = &v
		}
		if v := strings.TrimSpace(msg.Models.STT); v != "" {
			u.STTModel = &v
		}
		if v := strings.TrimSpace(msg.Models.Voice); v != "" {
			u.Voice = &v
		}
	}
	if msg.Feedback != nil {
		if v := strings.TrimSpace(msg.Feedback.Provider); v != "" {
			p := feedback.Provider(v)
			u.FeedbackProvider = &p
		}
		if v := strings.TrimSpace(msg.Feedback.Model); v != "" {
			u.FeedbackModel = &v
		}
		if v := strings.TrimSpace(msg.Feedback.APIKey); v != "" {
			u.FeedbackAPIKey = &v
		}
		if v := strings.TrimSpace(msg.Feedback.Language); v != "" {
			lang := state.Language(v)
			u.FeedbackLanguage = &lang
		}
	}
	return u
}

func (h PracticeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// sendClientError reports a recoverable protocol violation over the wire.
func (h PracticeHandler) sendClientError(wire *session.Wire, err error) {
	payload := map[string]any{"scope": "client", "message": err.Error()}
	if de, ok := err.(*protocol.DecodeError); ok {
		payload["code"] = de.Code
		if de.Param != "" {
			payload["param"] = de.Param
		}
	}
	_ = wire.Send(orchestrator.EventError, payload)
}

// writeWSError is for pre-wire failures: one error frame straight on the
// connection, then close.
func (h PracticeHandler) writeWSError(conn *websocket.Conn, code, message, param string) {
	payload := map[string]any{"event": orchestrator.EventError, "scope": "session", "code": code, "message": message}
	if param != "" {
		payload["param"] = param
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	writeTimeout := h.Config.LiveWSWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

func (h PracticeHandler) writeDecodeError(conn *websocket.Conn, err error) {
	if de, ok := err.(*protocol.DecodeError); ok {
		h.writeWSError(conn, de.Code, de.Message, de.Param)
		return
	}
	h.writeWSError(conn, "bad_request", err.Error(), "")
}

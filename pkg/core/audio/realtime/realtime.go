// Package realtime is the production audio-gateway adapter: a websocket
// client for the OpenAI Realtime API that translates wire events into the
// engine's tagged-event variant.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/speaklab/voicecoach/pkg/core/audio"
)

const (
	// DefaultWSURL is the realtime websocket endpoint.
	DefaultWSURL = "wss://api.openai.com/v1/realtime"

	defaultModel = "gpt-4o-realtime-preview"

	eventBuffer = 128
)

// Gateway dials realtime sessions.
type Gateway struct {
	WSURL string
	// Dial is swappable for tests; defaults to websocket.DefaultDialer.
	Dial func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)
}

func NewGateway(wsURL string) *Gateway {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = DefaultWSURL
	}
	return &Gateway{WSURL: wsURL}
}

func (g *Gateway) Open(ctx context.Context, settings audio.ModelSettings) (audio.Session, error) {
	if strings.TrimSpace(settings.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(settings.ConversationModel)
	if model == "" {
		model = defaultModel
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+settings.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dial := g.Dial
	if dial == nil {
		dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			if err != nil {
				if resp != nil {
					return nil, fmt.Errorf("dial realtime gateway: %w (status %d)", err, resp.StatusCode)
				}
				return nil, fmt.Errorf("dial realtime gateway: %w", err)
			}
			return conn, nil
		}
	}

	conn, err := dial(ctx, g.WSURL+"?model="+model, header)
	if err != nil {
		return nil, err
	}

	s := &session{
		conn:     conn,
		settings: settings,
		events:   make(chan audio.Event, eventBuffer),
		closed:   make(chan struct{}),
	}
	if err := s.configure(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go s.readLoop()
	return s, nil
}

type session struct {
	conn     *websocket.Conn
	settings audio.ModelSettings

	writeMu sync.Mutex

	events chan audio.Event
	closed chan struct{}
	once   sync.Once

	// pendingTurns maps the FIFO of SpeakText calls onto response ids as the
	// gateway acknowledges them with response.created.
	turnMu       sync.Mutex
	pendingTurns []int64
	turnByResp   map[string]int64
}

// configure enables input transcription with the resolved STT model.
func (s *session) configure() error {
	sttModel := strings.TrimSpace(s.settings.STTModel)
	if sttModel == "" {
		sttModel = "whisper-1"
	}
	return s.sendEvent(map[string]any{
		"event_id": eventID(),
		"type":     "session.update",
		"session": map[string]any{
			"modalities": []string{"audio", "text"},
			"input_audio_transcription": map[string]any{
				"model": sttModel,
			},
		},
	})
}

func (s *session) AppendAudio(data []byte) error {
	return s.sendEvent(map[string]any{
		"event_id": eventID(),
		"type":     "input_audio_buffer.append",
		"audio":    base64.StdEncoding.EncodeToString(data),
	})
}

func (s *session) Commit() error {
	return s.sendEvent(map[string]any{
		"event_id": eventID(),
		"type":     "input_audio_buffer.commit",
	})
}

func (s *session) CancelResponse() error {
	return s.sendEvent(map[string]any{
		"event_id": eventID(),
		"type":     "response.cancel",
	})
}

func (s *session) SpeakText(turnID int64, text, voice string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("speak text is empty")
	}
	s.turnMu.Lock()
	s.pendingTurns = append(s.pendingTurns, turnID)
	s.turnMu.Unlock()

	resp := map[string]any{
		"modalities":   []string{"audio", "text"},
		"instructions": "Say exactly the following, naturally and clearly: " + text,
	}
	if strings.TrimSpace(voice) != "" {
		resp["voice"] = voice
	}
	err := s.sendEvent(map[string]any{
		"event_id": eventID(),
		"type":     "response.create",
		"response": resp,
	})
	if err != nil {
		s.turnMu.Lock()
		if n := len(s.pendingTurns); n > 0 && s.pendingTurns[n-1] == turnID {
			s.pendingTurns = s.pendingTurns[:n-1]
		}
		s.turnMu.Unlock()
	}
	return err
}

func (s *session) Events() <-chan audio.Event { return s.events }

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *session) sendEvent(ev map[string]any) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode gateway event: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send gateway event: %w", err)
	}
	return nil
}

// serverEvent is the subset of the realtime wire shape this adapter consumes.
type serverEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *session) readLoop() {
	defer close(s.events)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.emit(audio.GatewayError{Message: "gateway connection lost: " + err.Error()})
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.emit(audio.GatewayError{Message: "undecodable gateway event"})
			continue
		}
		s.dispatch(ev)
	}
}

func (s *session) dispatch(ev serverEvent) {
	switch ev.Type {
	case "conversation.item.input_audio_transcription.delta":
		if ev.Delta != "" {
			s.emit(audio.Partial{Text: ev.Delta})
		}
	case "conversation.item.input_audio_transcription.completed":
		s.emit(audio.Final{Text: ev.Transcript})
	case "conversation.item.input_audio_transcription.failed":
		s.emit(audio.GatewayError{Message: "transcription failed"})
	case "response.created":
		s.bindResponse(ev.Response.ID)
	case "response.audio.delta":
		if turnID, ok := s.turnFor(ev.ResponseID); ok {
			s.emit(audio.AudioChunk{TurnID: turnID, DataB64: ev.Delta})
		}
	case "response.audio.done":
		// Completion is reported on response.done so a single speech
		// operation completes exactly once.
	case "response.done":
		if turnID, ok := s.releaseResponse(ev.Response.ID); ok {
			s.emit(audio.AudioCompleted{TurnID: turnID})
		}
	case "response.failed", "response.cancelled", "response.incomplete":
		if turnID, ok := s.releaseResponse(ev.Response.ID); ok {
			msg := ev.Error.Message
			if msg == "" {
				msg = ev.Type
			}
			s.emit(audio.AudioFailed{TurnID: turnID, Message: msg})
		}
	case "error":
		s.emit(audio.GatewayError{Message: ev.Error.Message})
	}
}

func (s *session) bindResponse(responseID string) {
	if responseID == "" {
		return
	}
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if len(s.pendingTurns) == 0 {
		return
	}
	if s.turnByResp == nil {
		s.turnByResp = make(map[string]int64)
	}
	s.turnByResp[responseID] = s.pendingTurns[0]
	s.pendingTurns = s.pendingTurns[1:]
}

func (s *session) turnFor(responseID string) (int64, bool) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	id, ok := s.turnByResp[responseID]
	return id, ok
}

func (s *session) releaseResponse(responseID string) (int64, bool) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	id, ok := s.turnByResp[responseID]
	if ok {
		delete(s.turnByResp, responseID)
	}
	return id, ok
}

func (s *session) emit(ev audio.Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func eventID() string {
	return "evt_" + uuid.NewString()[:12]
}

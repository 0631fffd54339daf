// Package state holds the durable per-session practice record. One Session
// exists per logical session id; it outlives any single websocket connection
// and is re-attached when the same session reconnects.
package state

import (
	"context"
	"strings"
)

// Mode selects how answers turn into feedback.
type Mode string

const (
	// ModeImmediate feeds back after every answer.
	ModeImmediate Mode = "IMMEDIATE"
	// ModeContinuous batches answers across question groups.
	ModeContinuous Mode = "CONTINUOUS"
)

// Language is the feedback language.
type Language string

const (
	LanguageKorean  Language = "ko"
	LanguageEnglish Language = "en"
)

const (
	// MinBatchSize and MaxBatchSize bound continuousBatchSize; writes outside
	// the range are clamped, never rejected.
	MinBatchSize = 1
	MaxBatchSize = 10

	// maxSTTSegments bounds the raw transcript buffer used as continuous-mode
	// batch input.
	maxSTTSegments = 50
)

// Conversation is the remote multi-turn LLM handle. An empty ConversationID
// means no remote conversation has been started yet.
type Conversation struct {
	ConversationID   string `json:"conversation_id,omitempty"`
	ResponseID       string `json:"response_id,omitempty"`
	TurnsSinceRebase int    `json:"turns_since_rebase,omitempty"`
}

// Session is the per-session mutable practice record.
type Session struct {
	ID string `json:"id"`

	Mode                Mode     `json:"mode"`
	ContinuousBatchSize int      `json:"continuous_batch_size"`
	CompletedGroupCount int      `json:"completed_group_count"`
	FeedbackLanguage    Language `json:"feedback_language"`

	Conversation    Conversation `json:"conversation"`
	LLMBootstrapped bool         `json:"llm_bootstrapped"`

	STTSegments []string `json:"stt_segments,omitempty"`

	// QuestionCursor is the sequential question-list cursor. It advances
	// monotonically and is rewound only by an explicit reset.
	QuestionCursor int `json:"question_cursor"`
}

// NewSession returns a session with the documented defaults: immediate mode,
// batch size 1, Korean feedback.
func NewSession(id string) *Session {
	return &Session{
		ID:                  id,
		Mode:                ModeImmediate,
		ContinuousBatchSize: MinBatchSize,
		FeedbackLanguage:    LanguageKorean,
	}
}

// SetMode switches the practice mode and resets batching progress.
func (s *Session) SetMode(mode Mode) {
	if mode != ModeImmediate && mode != ModeContinuous {
		return
	}
	if s.Mode != mode {
		s.CompletedGroupCount = 0
	}
	s.Mode = mode
}

// SetBatchSize clamps the requested size into [MinBatchSize, MaxBatchSize].
func (s *Session) SetBatchSize(n int) {
	if n < MinBatchSize {
		n = MinBatchSize
	}
	if n > MaxBatchSize {
		n = MaxBatchSize
	}
	s.ContinuousBatchSize = n
}

// SetFeedbackLanguage accepts only the supported languages; anything else is
// ignored and the current value is kept.
func (s *Session) SetFeedbackLanguage(lang Language) {
	switch Language(strings.ToLower(string(lang))) {
	case LanguageKorean:
		s.FeedbackLanguage = LanguageKorean
	case LanguageEnglish:
		s.FeedbackLanguage = LanguageEnglish
	}
}

// AppendSTTSegment appends a raw transcript segment, dropping the oldest
// entries once the buffer is full.
func (s *Session) AppendSTTSegment(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.STTSegments = append(s.STTSegments, text)
	if n := len(s.STTSegments); n > maxSTTSegments {
		s.STTSegments = append(s.STTSegments[:0], s.STTSegments[n-maxSTTSegments:]...)
	}
}

// ClearSTTSegments drops the buffered transcript segments, typically after a
// continuous batch has been fed back.
func (s *Session) ClearSTTSegments() {
	s.STTSegments = nil
}

// ResetConversation clears the remote conversation handle. The bootstrap flag
// is managed by the caller: a rebase preserves it, a cold reset clears it.
func (s *Session) ResetConversation() {
	s.Conversation = Conversation{}
}

// Store owns Session records keyed by session id. Implementations must be
// safe for concurrent use; callers re-fetch before every mutation instead of
// caching a session across asynchronous boundaries.
type Store interface {
	// Get returns the session for id, creating a default record if none
	// exists yet.
	Get(ctx context.Context, id string) (*Session, error)
	// Put persists the session.
	Put(ctx context.Context, s *Session) error
	// Reset deletes the session record.
	Reset(ctx context.Context, id string) error
}

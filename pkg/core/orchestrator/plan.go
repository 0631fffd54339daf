package orchestrator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/speaklab/voicecoach/pkg/core/feedback"
	"github.com/speaklab/voicecoach/pkg/core/policy"
	"github.com/speaklab/voicecoach/pkg/core/state"
)

// Event names are part of the wire contract.
const (
	EventConnectionReady   = "connection.ready"
	EventSTTPartial        = "stt.partial"
	EventSTTFinal          = "stt.final"
	EventQuestionPrompt    = "question.prompt"
	EventFeedbackSkipped   = "feedback.skipped"
	EventFeedbackFinal     = "feedback.final"
	EventTTSChunk          = "tts.chunk"
	EventTTSError          = "tts.error"
	EventResponseCancelled = "response.cancelled"
	EventSessionUpdated    = "session.updated"
	EventTurnCompleted     = "turn.completed"
	EventSessionStopped    = "session.stopped"
	EventError             = "error"
)

// StopReasonUserRequested labels an explicit client stop, as opposed to the
// policy-decided QUESTION_EXHAUSTED auto-stop.
const StopReasonUserRequested = "USER_REQUESTED"

// Settings is the immutable per-connection settings snapshot. A session
// update replaces the snapshot wholesale; nothing mutates it in place.
type Settings struct {
	SessionID string
	APIKey    string

	ConversationModel string
	STTModel          string
	Voice             string

	FeedbackProvider feedback.Provider
	FeedbackModel    string
	FeedbackAPIKey   string
	FeedbackLanguage state.Language

	MaxEvidenceDocs int
}

// Validate rejects a snapshot that cannot open a session. Validation failures
// happen before any runtime context is created.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return fmt.Errorf("sessionId is required")
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return fmt.Errorf("apiKey is required")
	}
	return nil
}

// feedbackAPIKey falls back to the gateway key when no dedicated feedback key
// was supplied.
func (s Settings) feedbackAPIKey() string {
	if k := strings.TrimSpace(s.FeedbackAPIKey); k != "" {
		return k
	}
	return s.APIKey
}

// Sink delivers one named event to the client. A send failure means the
// client is gone: the orchestrator treats it as fatal for the context.
type Sink interface {
	Send(event string, payload map[string]any) error
}

// Observer receives engine milestones for metrics. Implementations must be
// cheap and non-blocking.
type Observer interface {
	SessionOpened()
	SessionClosed(reason string)
	TurnStarted()
	TurnCompleted(cancelled bool)
	FeedbackEmitted(reason string, batchSize int)
	FeedbackFailed()
	SpeechStarted()
	SpeechFinished(failed bool)
}

// NopObserver discards all milestones.
type NopObserver struct{}

func (NopObserver) SessionOpened()              {}
func (NopObserver) SessionClosed(string)        {}
func (NopObserver) TurnStarted()                {}
func (NopObserver) TurnCompleted(bool)          {}
func (NopObserver) FeedbackEmitted(string, int) {}
func (NopObserver) FeedbackFailed()             {}
func (NopObserver) SpeechStarted()              {}
func (NopObserver) SpeechFinished(bool)         {}

// answer is one not-yet-fed-back user answer.
type answer struct {
	QuestionID    string
	QuestionText  string
	QuestionGroup string
	GroupID       string
	Text          string
}

// feedbackPlan is the per-turn decision of what to feed back.
type feedbackPlan struct {
	inputs   []answer
	reason   policy.Reason
	residual bool
	// speak controls whether the concatenated feedback is streamed to speech.
	speak bool
}

// continuousQueue is the FIFO of answers awaiting a continuous-mode batch.
type continuousQueue struct {
	mu    sync.Mutex
	items []answer
}

func (q *continuousQueue) push(a answer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, a)
}

func (q *continuousQueue) drain() []answer {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *continuousQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Package feedback defines the coaching-feedback boundary of the practice
// engine. Feedback content generation is a remote LLM concern; the engine
// only depends on the Generator contract and on the conversation-continuity
// behavior specified for it.
package feedback

import (
	"context"
	"fmt"

	"github.com/speaklab/voicecoach/pkg/core/state"
)

// Feedback is one structured coaching result for an answer (or a batch of
// answers in continuous mode).
type Feedback struct {
	Summary          string   `json:"summary"`
	CorrectionPoints []string `json:"correction_points"`
	ExampleAnswer    string   `json:"example_answer"`
	RulebookEvidence []string `json:"rulebook_evidence,omitempty"`
}

// Command carries everything one generate call needs. Session is the
// re-fetched session record: the generator mutates its conversation fields
// and the caller persists them afterwards.
type Command struct {
	Session *state.Session

	APIKey string
	Model  string

	QuestionText  string
	QuestionGroup string
	AnswerText    string

	Language        state.Language
	MaxEvidenceDocs int
}

// Generator produces coaching feedback for one turn. Implementations may
// fail; failures must never take the session down, the orchestrator reports
// them as turn-scoped errors and keeps the exam flowing.
type Generator interface {
	GenerateForTurn(ctx context.Context, cmd Command) (Feedback, error)
}

// Provider identifies a feedback backend. Only OpenAI is enabled today; the
// lookup stays open for future variants.
type Provider string

const ProviderOpenAI Provider = "openai"

// Options configures a provider-backed generator.
type Options struct {
	Model       string
	BaseURL     string
	RebaseTurns int
}

// NewGenerator resolves a provider to its implementation.
func NewGenerator(p Provider, opts Options) (Generator, error) {
	switch p {
	case ProviderOpenAI:
		return newOpenAIGenerator(opts), nil
	default:
		return nil, fmt.Errorf("unsupported feedback provider %q", p)
	}
}

package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/speaklab/voicecoach/pkg/core/conversation"
	"github.com/speaklab/voicecoach/pkg/core/state"
)

const defaultFeedbackModel = "gpt-4.1-mini"

const systemPromptEN = `You are a speaking coach for language exam candidates.
For each answer you receive, return coaching feedback as a single JSON object:
{"summary": string, "correction_points": [string], "example_answer": string, "rulebook_evidence": [string]}.
Be specific about grammar, vocabulary, and fluency. Return only JSON.`

const systemPromptKO = `당신은 어학 시험 응시자를 위한 스피킹 코치입니다.
답변마다 코칭 피드백을 하나의 JSON 객체로 반환하세요:
{"summary": string, "correction_points": [string], "example_answer": string, "rulebook_evidence": [string]}.
문법, 어휘, 유창성에 대해 구체적으로 지적하세요. JSON만 반환하세요.`

// openAIGenerator generates feedback through the OpenAI Responses API,
// chaining previous_response_id as the remote multi-turn handle.
type openAIGenerator struct {
	model   string
	baseURL string
	tracker conversation.Tracker

	// newClient is swappable for tests.
	newClient func(apiKey string) responseCreator
}

// responseCreator is the slice of the OpenAI client this generator uses.
type responseCreator interface {
	New(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error)
}

type openAIResponses struct {
	client openai.Client
}

func (o openAIResponses) New(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	return o.client.Responses.New(ctx, params)
}

func newOpenAIGenerator(opts Options) *openAIGenerator {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultFeedbackModel
	}
	g := &openAIGenerator{
		model:   model,
		baseURL: strings.TrimSpace(opts.BaseURL),
		tracker: conversation.NewTracker(opts.RebaseTurns),
	}
	g.newClient = func(apiKey string) responseCreator {
		reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if g.baseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(g.baseURL))
		}
		return openAIResponses{client: openai.NewClient(reqOpts...)}
	}
	return g
}

func (g *openAIGenerator) GenerateForTurn(ctx context.Context, cmd Command) (Feedback, error) {
	if cmd.Session == nil {
		return Feedback{}, fmt.Errorf("session record is required")
	}
	if strings.TrimSpace(cmd.APIKey) == "" {
		return Feedback{}, fmt.Errorf("api key is required")
	}
	client := g.newClient(cmd.APIKey)

	g.tracker.PrepareTurn(cmd.Session)
	hadConversation := cmd.Session.Conversation.ConversationID != ""

	fb, err := g.generate(ctx, client, cmd)
	if err == nil {
		return fb, nil
	}
	if !conversation.Recoverable(err, hadConversation) {
		return Feedback{}, err
	}

	// The remote handle is gone: reset, re-bootstrap only if this session had
	// been bootstrapped before, and retry exactly once. A second failure
	// propagates unchanged.
	wasBootstrapped := cmd.Session.LLMBootstrapped
	cmd.Session.ResetConversation()
	cmd.Session.LLMBootstrapped = false
	if wasBootstrapped {
		if berr := g.bootstrap(ctx, client, cmd); berr != nil {
			return Feedback{}, fmt.Errorf("re-bootstrap after invalid conversation: %w", berr)
		}
	}
	return g.generate(ctx, client, cmd)
}

// bootstrap makes the one-time system-prompt call that anchors a fresh remote
// conversation.
func (g *openAIGenerator) bootstrap(ctx context.Context, client responseCreator, cmd Command) error {
	resp, err := client.New(ctx, responses.ResponseNewParams{
		Model:        shared.ResponsesModel(g.modelFor(cmd)),
		Instructions: openai.String(systemPromptFor(cmd.Language)),
		Input:        responses.ResponseNewParamsInputUnion{OfString: openai.String("Ready to coach. Acknowledge briefly.")},
	})
	if err != nil {
		return err
	}
	cmd.Session.Conversation = state.Conversation{
		ConversationID: resp.ID,
		ResponseID:     resp.ID,
	}
	cmd.Session.LLMBootstrapped = true
	return nil
}

func (g *openAIGenerator) generate(ctx context.Context, client responseCreator, cmd Command) (Feedback, error) {
	sess := cmd.Session
	if sess.Conversation.ConversationID == "" && !sess.LLMBootstrapped {
		if err := g.bootstrap(ctx, client, cmd); err != nil {
			return Feedback{}, err
		}
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(g.modelFor(cmd)),
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(buildTurnPrompt(cmd))},
	}
	if sess.Conversation.ResponseID != "" {
		params.PreviousResponseID = openai.String(sess.Conversation.ResponseID)
	} else {
		// Fresh conversation after a rebase: the system prompt travels as
		// instructions instead of a separate bootstrap call.
		params.Instructions = openai.String(systemPromptFor(cmd.Language))
	}

	resp, err := client.New(ctx, params)
	if err != nil {
		return Feedback{}, fmt.Errorf("generate feedback: %w", err)
	}

	var fb Feedback
	if err := decodeFeedbackJSON(resp.OutputText(), &fb); err != nil {
		return Feedback{}, fmt.Errorf("decode feedback response: %w", err)
	}
	if cmd.MaxEvidenceDocs > 0 && len(fb.RulebookEvidence) > cmd.MaxEvidenceDocs {
		fb.RulebookEvidence = fb.RulebookEvidence[:cmd.MaxEvidenceDocs]
	}

	convID := sess.Conversation.ConversationID
	if convID == "" {
		convID = resp.ID
	}
	g.tracker.RecordTurn(sess, convID, resp.ID)
	return fb, nil
}

func (g *openAIGenerator) modelFor(cmd Command) string {
	if m := strings.TrimSpace(cmd.Model); m != "" {
		return m
	}
	return g.model
}

func systemPromptFor(lang state.Language) string {
	if lang == state.LanguageEnglish {
		return systemPromptEN
	}
	return systemPromptKO
}

func buildTurnPrompt(cmd Command) string {
	var b strings.Builder
	if cmd.QuestionGroup != "" {
		fmt.Fprintf(&b, "Question group: %s\n", cmd.QuestionGroup)
	}
	if cmd.QuestionText != "" {
		fmt.Fprintf(&b, "Exam question: %s\n", cmd.QuestionText)
	}
	fmt.Fprintf(&b, "Candidate answer: %s\n", cmd.AnswerText)
	if cmd.Language == state.LanguageEnglish {
		b.WriteString("Respond with the feedback JSON object in English.")
	} else {
		b.WriteString("피드백 JSON 객체를 한국어로 작성하세요.")
	}
	return b.String()
}

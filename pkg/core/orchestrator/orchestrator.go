// Package orchestrator owns one live voice-practice session: it consumes
// audio-gateway events, sequences overlapping asynchronous work into ordered
// turns, drives question selection, feedback generation and speech synthesis,
// and emits a single event stream to the client.
//
// One dispatch goroutine per session consumes the gateway's tagged-event
// channel; each turn's processing runs on its own goroutine and may overlap
// with the next turn's transcript handling. All shared bookkeeping lives in
// the lock-free runtimeContext.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/speaklab/voicecoach/pkg/core/audio"
	"github.com/speaklab/voicecoach/pkg/core/feedback"
	"github.com/speaklab/voicecoach/pkg/core/policy"
	"github.com/speaklab/voicecoach/pkg/core/question"
	"github.com/speaklab/voicecoach/pkg/core/state"
)

// Deps are the collaborators a session is built from.
type Deps struct {
	Logger    *slog.Logger
	Gateway   audio.Gateway
	Questions question.Source
	Feedback  feedback.Generator
	Store     state.Store
	Sink      Sink
	Observer  Observer
}

// Session is one live practice session bound to one gateway connection.
type Session struct {
	logger    *slog.Logger
	gateway   audio.Session
	questions question.Source
	feedback  feedback.Generator
	store     state.Store
	sink      Sink
	obs       Observer

	sessionID string
	settings  atomic.Value // Settings

	rc         *runtimeContext
	continuous continuousQueue

	// currentQuestion is the question the user is answering right now.
	currentQuestion atomic.Value // question.Selection

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// Open validates the settings, opens the audio gateway, announces readiness,
// and schedules the opening question. Validation failures reject the open
// before any runtime context exists.
func Open(ctx context.Context, settings Settings, deps Deps) (*Session, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if deps.Gateway == nil || deps.Questions == nil || deps.Feedback == nil || deps.Store == nil || deps.Sink == nil {
		return nil, fmt.Errorf("missing session dependency")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}

	gw, err := deps.Gateway.Open(ctx, audio.ModelSettings{
		APIKey:            settings.APIKey,
		ConversationModel: settings.ConversationModel,
		STTModel:          settings.STTModel,
		Voice:             settings.Voice,
	})
	if err != nil {
		return nil, fmt.Errorf("open audio gateway: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		logger:    deps.Logger.With("component", "orchestrator", "session_id", settings.SessionID),
		gateway:   gw,
		questions: deps.Questions,
		feedback:  deps.Feedback,
		store:     deps.Store,
		sink:      deps.Sink,
		obs:       deps.Observer,
		sessionID: settings.SessionID,
		rc:        newRuntimeContext(),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.settings.Store(settings)
	s.currentQuestion.Store(question.Selection{})
	s.obs.SessionOpened()

	s.send(EventConnectionReady, s.payload())

	// The opening question is a real turn so its speech and completion
	// bookkeeping is uniform with answer turns. It never carries feedback.
	turnID := s.rc.nextTurn()
	s.rc.activeTurn.Store(turnID)
	s.wg.Add(1)
	go s.processOpeningTurn(turnID)

	go s.dispatchLoop()
	return s, nil
}

// Done is closed once the session context is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// SessionID returns the logical session id this context serves.
func (s *Session) SessionID() string { return s.sessionID }

func (s *Session) snapshot() Settings {
	set, _ := s.settings.Load().(Settings)
	return set
}

// AppendAudio forwards caller audio to the gateway.
func (s *Session) AppendAudio(data []byte) error {
	if !s.rc.active() {
		return fmt.Errorf("session is closed")
	}
	return s.gateway.AppendAudio(data)
}

// Commit marks the end of the current utterance.
func (s *Session) Commit() error {
	if !s.rc.active() {
		return fmt.Errorf("session is closed")
	}
	return s.gateway.Commit()
}

// CancelResponse raises the cancellation mark to the active turn, forwards
// the cancel to the gateway best-effort, and acknowledges the client. Speech
// for any turn at or below the mark is skipped before it is ever registered;
// audio already in flight is not interrupted here.
func (s *Session) CancelResponse() {
	if !s.rc.active() {
		return
	}
	mark := s.rc.cancelThrough()
	if err := s.gateway.CancelResponse(); err != nil {
		s.logger.Warn("gateway cancel failed", "error", err)
	}
	s.send(EventResponseCancelled, s.payload("cancelledThroughTurn", mark))
}

// Stop is the explicit client stop: the context stops accepting work and
// closes immediately.
func (s *Session) Stop() {
	if !s.rc.active() {
		return
	}
	s.rc.forcedStopped.Store(true)
	s.send(EventSessionStopped, s.payload("reason", StopReasonUserRequested))
	s.Close(StopReasonUserRequested)
}

// Update is the mid-session settings override. Nil fields keep their current
// value.
type Update struct {
	ConversationModel *string
	STTModel          *string
	Voice             *string
	FeedbackProvider  *feedback.Provider
	FeedbackModel     *string
	FeedbackAPIKey    *string
	FeedbackLanguage  *state.Language

	Mode      *state.Mode
	BatchSize *int
}

// ApplyUpdate replaces the settings snapshot and applies any practice-state
// changes to the session record.
func (s *Session) ApplyUpdate(u Update) error {
	if !s.rc.active() {
		return fmt.Errorf("session is closed")
	}
	set := s.snapshot()
	if u.ConversationModel != nil {
		set.ConversationModel = *u.ConversationModel
	}
	if u.STTModel != nil {
		set.STTModel = *u.STTModel
	}
	if u.Voice != nil {
		set.Voice = *u.Voice
	}
	if u.FeedbackProvider != nil {
		set.FeedbackProvider = *u.FeedbackProvider
	}
	if u.FeedbackModel != nil {
		set.FeedbackModel = *u.FeedbackModel
	}
	if u.FeedbackAPIKey != nil {
		set.FeedbackAPIKey = *u.FeedbackAPIKey
	}
	if u.FeedbackLanguage != nil {
		set.FeedbackLanguage = *u.FeedbackLanguage
	}
	s.settings.Store(set)

	if u.Mode != nil || u.BatchSize != nil || u.FeedbackLanguage != nil {
		if _, err := s.updateSession(func(sess *state.Session) {
			if u.Mode != nil {
				sess.SetMode(*u.Mode)
			}
			if u.BatchSize != nil {
				sess.SetBatchSize(*u.BatchSize)
			}
			if u.FeedbackLanguage != nil {
				sess.SetFeedbackLanguage(*u.FeedbackLanguage)
			}
		}); err != nil {
			return err
		}
	}

	s.send(EventSessionUpdated, s.payload())
	return nil
}

// Close tears the context down. It is idempotent; the first reason wins.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.rc.closed.Store(true)
		close(s.done)
		s.cancel()
		if err := s.gateway.Close(); err != nil {
			s.logger.Debug("gateway close", "error", err)
		}
		s.obs.SessionClosed(reason)
		s.logger.Info("session closed", "reason", reason)
	})
}

// Wait blocks until all turn workers have finished. Intended for shutdown
// and tests.
func (s *Session) Wait() { s.wg.Wait() }

// dispatchLoop is the single consumer of the gateway event channel. Gateway
// callbacks are concurrent with turn workers but serialized with each other
// here.
func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.gateway.Events():
			if !ok {
				s.Close("GATEWAY_CLOSED")
				return
			}
			s.handleGatewayEvent(ev)
		}
	}
}

func (s *Session) handleGatewayEvent(ev audio.Event) {
	switch e := ev.(type) {
	case audio.Partial:
		if s.rc.active() {
			s.send(EventSTTPartial, s.payload("text", e.Text))
		}
	case audio.Final:
		s.handleFinalTranscript(e.Text)
	case audio.AudioChunk:
		if !s.rc.turnInactive(e.TurnID) {
			s.send(EventTTSChunk, s.turnPayload(e.TurnID, "audioB64", e.DataB64))
		}
	case audio.AudioCompleted:
		s.obs.SpeechFinished(false)
		s.rc.completeSpeech(e.TurnID)
		s.finishTurn(e.TurnID)
	case audio.AudioFailed:
		s.obs.SpeechFinished(true)
		s.send(EventTTSError, s.turnPayload(e.TurnID, "message", e.Message))
		s.rc.completeSpeech(e.TurnID)
		s.finishTurn(e.TurnID)
	case audio.GatewayError:
		// Gateway protocol errors are reported but do not close the context.
		s.send(EventError, s.payload("scope", "gateway", "message", e.Message))
	}
}

// handleFinalTranscript defines a new turn. The turn id is allocated
// synchronously here, so stt.final events are strictly ordered even though
// turn completion may happen out of order.
func (s *Session) handleFinalTranscript(text string) {
	if !s.rc.active() {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	turnID := s.rc.nextTurn()
	s.rc.activeTurn.Store(turnID)
	s.obs.TurnStarted()

	answered, _ := s.currentQuestion.Load().(question.Selection)

	s.send(EventSTTFinal, s.turnPayload(turnID, "text", text))

	if _, err := s.updateSession(func(sess *state.Session) {
		sess.AppendSTTSegment(text)
	}); err != nil {
		s.logger.Warn("persist stt segment", "error", err)
	}

	s.wg.Add(1)
	go s.processTurn(turnID, answered, text)
}

// processOpeningTurn asks the first question. It carries no answer and no
// feedback but shares the full completion bookkeeping.
func (s *Session) processOpeningTurn(turnID int64) {
	defer s.wg.Done()
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("opening turn panic", "panic", v)
			s.send(EventError, s.turnPayload(turnID, "message", "internal error"))
		}
		s.rc.markReady(turnID)
		s.finishTurn(turnID)
	}()

	if s.rc.turnInactive(turnID) {
		return
	}
	next, err := s.questions.Next(s.ctx, s.sessionID)
	if err != nil {
		s.send(EventError, s.turnPayload(turnID, "message", "question selection failed: "+err.Error()))
		return
	}
	s.send(EventQuestionPrompt, s.turnPayload(turnID,
		"questionId", next.ID,
		"text", next.Text,
		"group", next.Group,
		"exhausted", next.Exhausted,
	))
	flow := policy.AfterQuestionSelection(next.Exhausted)
	if !next.Exhausted {
		s.currentQuestion.Store(next)
		s.streamSpeech(turnID, next.Text)
	}
	if flow.Action == policy.FlowAutoStop {
		s.rc.requestAutoStop(turnID, flow.StopReason)
	}
}

// processTurn runs the turn pipeline for one answered question. It executes
// on its own goroutine; the trailing defer marks the turn ready for
// completion even when the pipeline fails.
func (s *Session) processTurn(turnID int64, answered question.Selection, answerText string) {
	defer s.wg.Done()
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("turn panic", "turn", turnID, "panic", v)
			s.send(EventError, s.turnPayload(turnID, "message", "internal error"))
		}
		s.rc.markReady(turnID)
		s.finishTurn(turnID)
	}()

	if s.rc.turnInactive(turnID) {
		return
	}
	if err := s.runTurn(turnID, answered, answerText); err != nil {
		s.send(EventError, s.turnPayload(turnID, "message", err.Error()))
	}
}

func (s *Session) runTurn(turnID int64, answered question.Selection, answerText string) error {
	sess, err := s.store.Get(s.ctx, s.sessionID)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	mode := sess.Mode

	// Question selection happens only for the known practice modes and only
	// while the context is still live.
	var next question.Selection
	selected := false
	if (mode == state.ModeImmediate || mode == state.ModeContinuous) && !s.rc.turnInactive(turnID) {
		next, err = s.questions.Next(s.ctx, s.sessionID)
		if err != nil {
			return fmt.Errorf("select next question: %w", err)
		}
		selected = true
		s.send(EventQuestionPrompt, s.turnPayload(turnID,
			"questionId", next.ID,
			"text", next.Text,
			"group", next.Group,
			"exhausted", next.Exhausted,
		))
	}

	exhausted := selected && next.Exhausted
	flow := policy.AfterQuestionSelection(exhausted)

	// A group counts as completed only when a comparison is possible: the
	// answered question carried a group and a next question was actually
	// selected.
	groupCompleted := selected && answered.GroupID != "" && answered.GroupID != next.GroupID

	ans := answer{
		QuestionID:    answered.ID,
		QuestionText:  answered.Text,
		QuestionGroup: answered.Group,
		GroupID:       answered.GroupID,
		Text:          answerText,
	}

	// The batching decision is a read-modify-write on the live record: the
	// question source advanced its cursor on the same record after the read
	// above, so only the counter this step owns is written back.
	var decision policy.Decision
	if _, err := s.updateSession(func(cur *state.Session) {
		decision = policy.Decide(mode, cur.CompletedGroupCount, cur.ContinuousBatchSize, groupCompleted)
		cur.CompletedGroupCount = decision.NextCount
	}); err != nil {
		return fmt.Errorf("store batching progress: %w", err)
	}

	emitted := false
	switch mode {
	case state.ModeContinuous:
		s.continuous.push(ans)
		if decision.Emit {
			plan := feedbackPlan{inputs: s.continuous.drain(), reason: decision.Reason}
			emitted = s.emitFeedback(turnID, plan, flow)
			if _, err := s.updateSession(func(cur *state.Session) {
				cur.ClearSTTSegments()
			}); err != nil {
				s.logger.Warn("clear stt segments", "error", err)
			}
		} else {
			s.send(EventFeedbackSkipped, s.turnPayload(turnID, "reason", string(decision.Reason)))
		}
	default:
		plan := feedbackPlan{inputs: []answer{ans}, reason: decision.Reason, speak: true}
		emitted = s.emitFeedback(turnID, plan, flow)
	}

	// Exhaustion flushes whatever the continuous queue still holds so no
	// answer ends the session unfed-back.
	if policy.ShouldEmitResidual(mode, exhausted, emitted) && s.continuous.len() > 0 {
		plan := feedbackPlan{
			inputs:   s.continuous.drain(),
			reason:   policy.ReasonExhaustedWithRemainder,
			residual: true,
			speak:    true,
		}
		s.emitFeedback(turnID, plan, flow)
	}

	if selected && !next.Exhausted {
		s.currentQuestion.Store(next)
		s.streamSpeech(turnID, next.Text)
	}

	if flow.Action == policy.FlowAutoStop {
		s.rc.requestAutoStop(turnID, flow.StopReason)
	}
	return nil
}

// updateSession is the one write path to the durable record: re-fetch, apply
// the mutation, persist. The question source and the transcript handler write
// the same record concurrently, so mutations never ride on a snapshot taken
// across a blocking step, and each caller touches only the fields it owns.
func (s *Session) updateSession(mutate func(*state.Session)) (*state.Session, error) {
	sess, err := s.store.Get(s.ctx, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}
	mutate(sess)
	if err := s.store.Put(s.ctx, sess); err != nil {
		return nil, fmt.Errorf("store session state: %w", err)
	}
	return sess, nil
}

// emitFeedback generates feedback for every input of the plan, publishes one
// feedback.final, and optionally streams the concatenated text to speech.
// Generation failures degrade to turn-scoped error events; the turn keeps
// going.
func (s *Session) emitFeedback(turnID int64, plan feedbackPlan, flow policy.FlowDecision) bool {
	set := s.snapshot()
	sess, err := s.store.Get(s.ctx, s.sessionID)
	if err != nil {
		s.send(EventError, s.turnPayload(turnID, "scope", "feedback", "message", err.Error()))
		return false
	}
	items := make([]map[string]any, 0, len(plan.inputs))
	var speakParts []string

	for _, in := range plan.inputs {
		cmd := feedback.Command{
			Session:         sess,
			APIKey:          set.feedbackAPIKey(),
			Model:           set.FeedbackModel,
			QuestionText:    in.QuestionText,
			QuestionGroup:   in.QuestionGroup,
			AnswerText:      in.Text,
			Language:        sess.FeedbackLanguage,
			MaxEvidenceDocs: set.MaxEvidenceDocs,
		}
		fb, err := s.feedback.GenerateForTurn(s.ctx, cmd)
		if err != nil {
			s.obs.FeedbackFailed()
			s.send(EventError, s.turnPayload(turnID, "scope", "feedback", "message", err.Error()))
			continue
		}
		items = append(items, map[string]any{
			"questionId":       in.QuestionID,
			"summary":          fb.Summary,
			"correctionPoints": fb.CorrectionPoints,
			"exampleAnswer":    fb.ExampleAnswer,
			"rulebookEvidence": fb.RulebookEvidence,
		})
		if fb.Summary != "" {
			speakParts = append(speakParts, fb.Summary)
		}
	}

	// Conversation continuity mutations ride on the session record. Only the
	// fields the generator owns are written back: the question cursor and
	// transcript buffer may have moved while generation was in flight.
	if _, err := s.updateSession(func(cur *state.Session) {
		cur.Conversation = sess.Conversation
		cur.LLMBootstrapped = sess.LLMBootstrapped
	}); err != nil {
		s.logger.Warn("store conversation state", "error", err)
	}

	if len(items) == 0 {
		return false
	}

	s.send(EventFeedbackFinal, s.turnPayload(turnID,
		"batchSize", len(plan.inputs),
		"reason", string(plan.reason),
		"residual", plan.residual,
		"nextAction", string(flow.Action),
		"items", items,
	))
	s.obs.FeedbackEmitted(string(plan.reason), len(plan.inputs))

	if plan.speak && len(speakParts) > 0 {
		s.streamSpeech(turnID, strings.Join(speakParts, " "))
	}
	return true
}

// streamSpeech registers and starts one synthesis operation for a turn.
// Cancellation is checked before registering: speech for a cancelled turn is
// never initiated.
func (s *Session) streamSpeech(turnID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if !s.rc.active() || s.rc.cancelled(turnID) {
		return
	}
	s.rc.registerSpeech(turnID)
	s.obs.SpeechStarted()
	if err := s.gateway.SpeakText(turnID, text, s.snapshot().Voice); err != nil {
		s.obs.SpeechFinished(true)
		s.send(EventTTSError, s.turnPayload(turnID, "message", err.Error()))
		s.rc.completeSpeech(turnID)
		s.finishTurn(turnID)
	}
}

// finishTurn attempts to publish the turn completion. It is called from the
// end of processing and from every speech completion or failure, which makes
// the completion check order-independent; the runtime context guarantees a
// single winner.
func (s *Session) finishTurn(turnID int64) {
	if !s.rc.tryComplete(turnID) {
		return
	}
	cancelled := s.rc.cancelled(turnID)
	s.obs.TurnCompleted(cancelled)
	s.send(EventTurnCompleted, s.turnPayload(turnID, "cancelled", cancelled))

	if reason, ok := s.rc.consumeAutoStop(turnID); ok {
		s.send(EventSessionStopped, s.payload("reason", reason))
		s.Close(reason)
	}
}

// send delivers one event to the sink. A sink failure means the client is
// unreachable: the context closes immediately.
func (s *Session) send(event string, payload map[string]any) {
	if s.rc.closed.Load() {
		return
	}
	if err := s.sink.Send(event, payload); err != nil {
		s.logger.Warn("event sink failed", "event", event, "error", err)
		s.Close("SINK_FAILED")
	}
}

func (s *Session) payload(kv ...any) map[string]any {
	p := map[string]any{"sessionId": s.sessionID}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			p[key] = kv[i+1]
		}
	}
	return p
}

func (s *Session) turnPayload(turnID int64, kv ...any) map[string]any {
	p := s.payload(kv...)
	p["turnId"] = turnID
	return p
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/speaklab/voicecoach/pkg/core/audio"
	"github.com/speaklab/voicecoach/pkg/core/feedback"
	"github.com/speaklab/voicecoach/pkg/core/question"
	"github.com/speaklab/voicecoach/pkg/core/state"
)

// --- fakes ---

type speakCall struct {
	turnID int64
	text   string
	voice  string
}

type fakeAudioSession struct {
	mu      sync.Mutex
	events  chan audio.Event
	speaks  []speakCall
	commits int
	cancels int
	closed  bool

	// autoAck completes every speech operation as soon as it starts.
	autoAck  bool
	speakErr error
}

func newFakeAudioSession(autoAck bool) *fakeAudioSession {
	return &fakeAudioSession{events: make(chan audio.Event, 64), autoAck: autoAck}
}

func (f *fakeAudioSession) AppendAudio([]byte) error { return nil }

func (f *fakeAudioSession) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeAudioSession) CancelResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeAudioSession) SpeakText(turnID int64, text, voice string) error {
	f.mu.Lock()
	if f.speakErr != nil {
		err := f.speakErr
		f.mu.Unlock()
		return err
	}
	f.speaks = append(f.speaks, speakCall{turnID: turnID, text: text, voice: voice})
	f.mu.Unlock()
	if f.autoAck {
		f.events <- audio.AudioCompleted{TurnID: turnID}
	}
	return nil
}

func (f *fakeAudioSession) Events() <-chan audio.Event { return f.events }

func (f *fakeAudioSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAudioSession) speakCalls() []speakCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]speakCall, len(f.speaks))
	copy(out, f.speaks)
	return out
}

func (f *fakeAudioSession) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fakeAudioGateway struct {
	session *fakeAudioSession
	err     error
}

func (f *fakeAudioGateway) Open(context.Context, audio.ModelSettings) (audio.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type fakeSource struct {
	mu    sync.Mutex
	queue []question.Selection
}

func (f *fakeSource) Next(context.Context, string) (question.Selection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return question.Selection{Exhausted: true}, nil
	}
	sel := f.queue[0]
	f.queue = f.queue[1:]
	return sel, nil
}

func (f *fakeSource) ResetCursor(context.Context, string) error { return nil }

type fakeGenerator struct {
	mu    sync.Mutex
	cmds  []feedback.Command
	fails int
}

func (f *fakeGenerator) GenerateForTurn(_ context.Context, cmd feedback.Command) (feedback.Feedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if f.fails > 0 {
		f.fails--
		return feedback.Feedback{}, errors.New("llm unavailable")
	}
	return feedback.Feedback{
		Summary:       "feedback for: " + cmd.AnswerText,
		ExampleAnswer: "example",
	}, nil
}

func (f *fakeGenerator) commands() []feedback.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]feedback.Command, len(f.cmds))
	copy(out, f.cmds)
	return out
}

type sinkEvent struct {
	name    string
	payload map[string]any
}

type captureSink struct {
	mu     sync.Mutex
	events []sinkEvent
	fail   bool
}

func (c *captureSink) Send(event string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("sink is gone")
	}
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	c.events = append(c.events, sinkEvent{name: event, payload: cp})
	return nil
}

func (c *captureSink) all() []sinkEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sinkEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureSink) count(name string, match func(map[string]any) bool) int {
	n := 0
	for _, ev := range c.all() {
		if ev.name != name {
			continue
		}
		if match == nil || match(ev.payload) {
			n++
		}
	}
	return n
}

func (c *captureSink) waitFor(t *testing.T, name string, match func(map[string]any) bool) sinkEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range c.all() {
			if ev.name != name {
				continue
			}
			if match == nil || match(ev.payload) {
				return ev
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event; got %v", name, c.names())
	return sinkEvent{}
}

func (c *captureSink) names() []string {
	var out []string
	for _, ev := range c.all() {
		out = append(out, ev.name)
	}
	return out
}

func turnIs(id int64) func(map[string]any) bool {
	return func(p map[string]any) bool {
		got, ok := p["turnId"].(int64)
		return ok && got == id
	}
}

// --- harness ---

type harness struct {
	orch *Session
	gw   *fakeAudioSession
	src  *fakeSource
	gen  *fakeGenerator
	sink *captureSink
	st   *state.MemoryStore
}

func questionsFor(specs ...[2]string) []question.Selection {
	out := make([]question.Selection, 0, len(specs))
	for i, s := range specs {
		out = append(out, question.Selection{
			ID:      fmt.Sprintf("q%d", i+1),
			Text:    s[1],
			Group:   s[0],
			GroupID: s[0],
		})
	}
	return out
}

func openHarness(t *testing.T, autoAck bool, mode state.Mode, batchSize int, questions []question.Selection) *harness {
	t.Helper()
	h := &harness{
		gw:   newFakeAudioSession(autoAck),
		src:  &fakeSource{queue: questions},
		gen:  &fakeGenerator{},
		sink: &captureSink{},
		st:   state.NewMemoryStore(),
	}

	ctx := context.Background()
	sess, err := h.st.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	sess.SetMode(mode)
	sess.SetBatchSize(batchSize)
	if err := h.st.Put(ctx, sess); err != nil {
		t.Fatal(err)
	}

	orch, err := Open(ctx, Settings{SessionID: "sess-1", APIKey: "sk-test", Voice: "nova"}, Deps{
		Gateway:   &fakeAudioGateway{session: h.gw},
		Questions: h.src,
		Feedback:  h.gen,
		Store:     h.st,
		Sink:      h.sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.orch = orch
	t.Cleanup(func() {
		orch.Close("TEST_DONE")
		orch.Wait()
	})
	return h
}

// answer waits for the previous turn to settle, then feeds a final
// transcript and returns once its turn.completed is published.
func (h *harness) answer(t *testing.T, turnID int64, text string) {
	t.Helper()
	h.gw.events <- audio.Final{Text: text}
	h.sink.waitFor(t, EventTurnCompleted, turnIs(turnID))
}

// --- tests ---

func TestOpenAsksFirstQuestion(t *testing.T) {
	h := openHarness(t, true, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "Tell me about yourself."},
		[2]string{"g1", "Describe your hometown."},
	))

	h.sink.waitFor(t, EventConnectionReady, nil)
	prompt := h.sink.waitFor(t, EventQuestionPrompt, turnIs(1))
	if prompt.payload["text"] != "Tell me about yourself." {
		t.Fatalf("first prompt = %v", prompt.payload)
	}
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))

	speaks := h.gw.speakCalls()
	if len(speaks) != 1 || speaks[0].text != "Tell me about yourself." || speaks[0].voice != "nova" {
		t.Fatalf("opening speech = %+v", speaks)
	}
	if got := h.sink.count(EventFeedbackFinal, nil); got != 0 {
		t.Fatalf("opening turn carried %d feedback events", got)
	}
}

func TestImmediateModeFeedsBackEveryTurn(t *testing.T) {
	h := openHarness(t, true, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "Tell me about yourself."},
		[2]string{"g1", "Describe your hometown."},
		[2]string{"g2", "Walk me through a weekday."},
	))
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))

	h.answer(t, 2, "I am a software engineer.")

	fb := h.sink.waitFor(t, EventFeedbackFinal, turnIs(2))
	if fb.payload["reason"] != "IMMEDIATE_MODE" || fb.payload["batchSize"] != 1 {
		t.Fatalf("feedback payload = %v", fb.payload)
	}

	cmds := h.gen.commands()
	if len(cmds) != 1 {
		t.Fatalf("generator calls = %d", len(cmds))
	}
	if cmds[0].QuestionText != "Tell me about yourself." || cmds[0].AnswerText != "I am a software engineer." {
		t.Fatalf("generator command = %+v", cmds[0])
	}

	// Feedback is spoken, then the next question.
	var spokeFeedback, spokeNext bool
	for _, s := range h.gw.speakCalls() {
		if s.turnID == 2 && s.text == "feedback for: I am a software engineer." {
			spokeFeedback = true
		}
		if s.turnID == 2 && s.text == "Describe your hometown." {
			spokeNext = true
		}
	}
	if !spokeFeedback || !spokeNext {
		t.Fatalf("speech calls = %+v", h.gw.speakCalls())
	}

	if got := h.sink.count(EventTurnCompleted, turnIs(2)); got != 1 {
		t.Fatalf("turn 2 completed %d times", got)
	}
}

func TestContinuousModeBatchesAcrossGroups(t *testing.T) {
	h := openHarness(t, true, state.ModeContinuous, 2, questionsFor(
		[2]string{"g1", "q one"},
		[2]string{"g1", "q two"},
		[2]string{"g2", "q three"},
		[2]string{"g3", "q four"},
		[2]string{"g4", "q five"},
	))
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))

	h.answer(t, 2, "answer one")
	skip := h.sink.waitFor(t, EventFeedbackSkipped, turnIs(2))
	if skip.payload["reason"] != "WAITING_FOR_GROUP_COMPLETION" {
		t.Fatalf("turn 2 skip reason = %v", skip.payload["reason"])
	}

	h.answer(t, 3, "answer two")
	skip = h.sink.waitFor(t, EventFeedbackSkipped, turnIs(3))
	if skip.payload["reason"] != "WAITING_FOR_BATCH" {
		t.Fatalf("turn 3 skip reason = %v", skip.payload["reason"])
	}

	h.answer(t, 4, "answer three")
	fb := h.sink.waitFor(t, EventFeedbackFinal, turnIs(4))
	if fb.payload["reason"] != "BATCH_READY" || fb.payload["batchSize"] != 3 {
		t.Fatalf("batch payload = %v", fb.payload)
	}
	if fb.payload["residual"] != false {
		t.Fatalf("batch marked residual: %v", fb.payload)
	}

	// Batched feedback in continuous mode is not spoken; only questions are.
	for _, s := range h.gw.speakCalls() {
		if s.text == "feedback for: answer one" {
			t.Fatal("continuous batch feedback must not be spoken")
		}
	}

	if got := h.sink.count(EventFeedbackFinal, nil); got != 1 {
		t.Fatalf("feedback.final emitted %d times", got)
	}
}

func TestContinuousResidualFlushAndAutoStop(t *testing.T) {
	h := openHarness(t, true, state.ModeContinuous, 10, questionsFor(
		[2]string{"g1", "q one"},
		[2]string{"g2", "q two"},
	))
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))

	h.answer(t, 2, "answer one")
	h.sink.waitFor(t, EventFeedbackSkipped, turnIs(2))

	// The last answer exhausts the source: the partial batch is flushed and
	// the session stops on the turn boundary.
	h.gw.events <- audio.Final{Text: "answer two"}

	fb := h.sink.waitFor(t, EventFeedbackFinal, turnIs(3))
	if fb.payload["reason"] != "EXHAUSTED_WITH_REMAINDER" || fb.payload["residual"] != true {
		t.Fatalf("residual payload = %v", fb.payload)
	}
	if fb.payload["batchSize"] != 2 {
		t.Fatalf("residual batch size = %v", fb.payload["batchSize"])
	}
	if fb.payload["nextAction"] != "AUTO_STOP" {
		t.Fatalf("nextAction = %v", fb.payload["nextAction"])
	}

	h.sink.waitFor(t, EventTurnCompleted, turnIs(3))
	stopped := h.sink.waitFor(t, EventSessionStopped, nil)
	if stopped.payload["reason"] != "QUESTION_EXHAUSTED" {
		t.Fatalf("stop reason = %v", stopped.payload["reason"])
	}

	select {
	case <-h.orch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after auto-stop")
	}

	// The residual flush is spoken even in continuous mode.
	var spokeResidual bool
	for _, s := range h.gw.speakCalls() {
		if s.turnID == 3 && s.text == "feedback for: answer one feedback for: answer two" {
			spokeResidual = true
		}
	}
	if !spokeResidual {
		t.Fatalf("residual speech missing: %+v", h.gw.speakCalls())
	}

	// turn.completed precedes session.stopped.
	events := h.sink.names()
	completedIdx, stoppedIdx := -1, -1
	for i, name := range events {
		if name == EventTurnCompleted && completedIdx < 0 {
			completedIdx = i
		}
		if name == EventSessionStopped {
			stoppedIdx = i
		}
	}
	if completedIdx < 0 || stoppedIdx < completedIdx {
		t.Fatalf("event order = %v", events)
	}
}

// The YAML bank keeps its cursor on the same session record the engine
// persists batching and transcript state to. Driving the engine with the real
// bank checks that no write path clobbers the cursor: every turn must get the
// next question, down to exhaustion, residual flush and auto-stop.
func TestBankBackedSessionProgressesToExhaustion(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemoryStore()
	bank, err := question.NewBank(question.BankFile{
		Name: "mini",
		Groups: []question.BankGroup{
			{ID: "g1", Name: "Self Introduction", Questions: []question.BankQuestion{
				{ID: "q1", Text: "Tell me about yourself."},
				{ID: "q2", Text: "Describe your hometown."},
			}},
			{ID: "g2", Name: "Daily Life", Questions: []question.BankQuestion{
				{ID: "q3", Text: "Walk me through a weekday."},
			}},
		},
	}, st)
	if err != nil {
		t.Fatal(err)
	}

	sess, err := st.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	sess.SetMode(state.ModeContinuous)
	sess.SetBatchSize(10)
	if err := st.Put(ctx, sess); err != nil {
		t.Fatal(err)
	}

	gw := newFakeAudioSession(true)
	sink := &captureSink{}
	orch, err := Open(ctx, Settings{SessionID: "sess-1", APIKey: "sk-test", Voice: "nova"}, Deps{
		Gateway:   &fakeAudioGateway{session: gw},
		Questions: bank,
		Feedback:  &fakeGenerator{},
		Store:     st,
		Sink:      sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		orch.Close("TEST_DONE")
		orch.Wait()
	})

	prompt := sink.waitFor(t, EventQuestionPrompt, turnIs(1))
	if prompt.payload["questionId"] != "q1" {
		t.Fatalf("turn 1 question = %v", prompt.payload["questionId"])
	}
	sink.waitFor(t, EventTurnCompleted, turnIs(1))

	// Each answered turn must be asked the next bank question, not a repeat.
	for i, want := range []string{"q2", "q3"} {
		turn := int64(i + 2)
		gw.events <- audio.Final{Text: fmt.Sprintf("answer %d", i+1)}
		prompt := sink.waitFor(t, EventQuestionPrompt, turnIs(turn))
		if prompt.payload["questionId"] != want {
			t.Fatalf("turn %d question = %v, want %s", turn, prompt.payload["questionId"], want)
		}
		sink.waitFor(t, EventTurnCompleted, turnIs(turn))
	}

	// The last answer exhausts the bank: the queued answers flush as a
	// residual batch and the session stops.
	gw.events <- audio.Final{Text: "answer 3"}
	prompt = sink.waitFor(t, EventQuestionPrompt, turnIs(4))
	if prompt.payload["exhausted"] != true {
		t.Fatalf("turn 4 prompt = %v", prompt.payload)
	}
	fb := sink.waitFor(t, EventFeedbackFinal, turnIs(4))
	if fb.payload["reason"] != "EXHAUSTED_WITH_REMAINDER" || fb.payload["residual"] != true {
		t.Fatalf("residual payload = %v", fb.payload)
	}
	if fb.payload["batchSize"] != 3 {
		t.Fatalf("residual batch size = %v", fb.payload["batchSize"])
	}
	stopped := sink.waitFor(t, EventSessionStopped, nil)
	if stopped.payload["reason"] != "QUESTION_EXHAUSTED" {
		t.Fatalf("stop reason = %v", stopped.payload["reason"])
	}
	select {
	case <-orch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after exhaustion")
	}

	// The record kept both collaborators' writes: the cursor consumed the
	// whole bank and no transcript segment was lost along the way.
	final, err := st.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.QuestionCursor != bank.Len() {
		t.Fatalf("question cursor = %d, want %d", final.QuestionCursor, bank.Len())
	}
	if len(final.STTSegments) != 3 {
		t.Fatalf("stt segments = %v", final.STTSegments)
	}
}

func TestTurnCompletesOnlyAfterSpeechResolves(t *testing.T) {
	h := openHarness(t, false, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "q one"},
	))
	h.sink.waitFor(t, EventQuestionPrompt, turnIs(1))

	// Processing is done but speech is outstanding: no completion yet.
	time.Sleep(20 * time.Millisecond)
	if got := h.sink.count(EventTurnCompleted, turnIs(1)); got != 0 {
		t.Fatal("turn completed while speech was pending")
	}

	h.gw.events <- audio.AudioCompleted{TurnID: 1}
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))
	if got := h.sink.count(EventTurnCompleted, turnIs(1)); got != 1 {
		t.Fatalf("turn 1 completed %d times", got)
	}
}

func TestSpeechFailureStillCompletesTurn(t *testing.T) {
	h := openHarness(t, false, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "q one"},
	))
	h.sink.waitFor(t, EventQuestionPrompt, turnIs(1))

	h.gw.events <- audio.AudioFailed{TurnID: 1, Message: "synthesis died"}
	h.sink.waitFor(t, EventTTSError, turnIs(1))
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))
}

func TestCancelMarksTurnsAndAcks(t *testing.T) {
	h := openHarness(t, false, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "q one"},
	))
	h.sink.waitFor(t, EventQuestionPrompt, turnIs(1))

	h.orch.CancelResponse()
	ack := h.sink.waitFor(t, EventResponseCancelled, nil)
	if ack.payload["cancelledThroughTurn"] != int64(1) {
		t.Fatalf("cancel mark = %v", ack.payload["cancelledThroughTurn"])
	}
	if h.gw.cancelCount() != 1 {
		t.Fatalf("gateway cancels = %d", h.gw.cancelCount())
	}

	// The gateway reports the cancelled synthesis; the turn completes with
	// the cancelled flag.
	h.gw.events <- audio.AudioFailed{TurnID: 1, Message: "response.cancelled"}
	done := h.sink.waitFor(t, EventTurnCompleted, turnIs(1))
	if done.payload["cancelled"] != true {
		t.Fatalf("completion payload = %v", done.payload)
	}

	// Audio for a cancelled turn is dropped.
	h.gw.events <- audio.AudioChunk{TurnID: 1, DataB64: "QUJD"}
	time.Sleep(20 * time.Millisecond)
	if got := h.sink.count(EventTTSChunk, nil); got != 0 {
		t.Fatalf("cancelled turn leaked %d audio chunks", got)
	}
}

func TestCancelMarkIsMonotonic(t *testing.T) {
	h := openHarness(t, true, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "q one"},
		[2]string{"g1", "q two"},
	))
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))

	h.orch.CancelResponse()
	h.orch.CancelResponse()
	if got := h.sink.count(EventResponseCancelled, nil); got != 2 {
		t.Fatalf("cancel acks = %d", got)
	}
	for _, ev := range h.sink.all() {
		if ev.name == EventResponseCancelled && ev.payload["cancelledThroughTurn"] != int64(1) {
			t.Fatalf("mark moved unexpectedly: %v", ev.payload)
		}
	}
}

func TestFeedbackFailureIsTurnScoped(t *testing.T) {
	h := openHarness(t, true, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "q one"},
		[2]string{"g1", "q two"},
	))
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))
	h.gen.mu.Lock()
	h.gen.fails = 1
	h.gen.mu.Unlock()

	h.answer(t, 2, "an answer")

	h.sink.waitFor(t, EventError, func(p map[string]any) bool { return p["scope"] == "feedback" })
	if got := h.sink.count(EventFeedbackFinal, nil); got != 0 {
		t.Fatalf("failed generation still emitted %d feedback events", got)
	}
	// The session keeps going: the next question was still asked and spoken.
	h.sink.waitFor(t, EventQuestionPrompt, turnIs(2))
}

func TestStopOnClientRequest(t *testing.T) {
	h := openHarness(t, true, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "q one"},
	))
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))

	h.orch.Stop()
	stopped := h.sink.waitFor(t, EventSessionStopped, nil)
	if stopped.payload["reason"] != StopReasonUserRequested {
		t.Fatalf("stop reason = %v", stopped.payload["reason"])
	}

	select {
	case <-h.orch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	if err := h.orch.AppendAudio([]byte("x")); err == nil {
		t.Fatal("stopped session must reject audio")
	}
}

func TestSinkFailureClosesSession(t *testing.T) {
	gw := newFakeAudioSession(true)
	sink := &captureSink{fail: true}
	st := state.NewMemoryStore()

	orch, err := Open(context.Background(), Settings{SessionID: "sess-1", APIKey: "sk-test"}, Deps{
		Gateway:   &fakeAudioGateway{session: gw},
		Questions: &fakeSource{},
		Feedback:  &fakeGenerator{},
		Store:     st,
		Sink:      sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer orch.Wait()

	select {
	case <-orch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dead sink must close the session")
	}
}

func TestOpenValidatesSettings(t *testing.T) {
	_, err := Open(context.Background(), Settings{SessionID: " "}, Deps{
		Gateway:   &fakeAudioGateway{session: newFakeAudioSession(true)},
		Questions: &fakeSource{},
		Feedback:  &fakeGenerator{},
		Store:     state.NewMemoryStore(),
		Sink:      &captureSink{},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestApplyUpdatePersistsPracticeState(t *testing.T) {
	h := openHarness(t, true, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "q one"},
	))
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))

	mode := state.ModeContinuous
	batch := 3
	voice := "verse"
	if err := h.orch.ApplyUpdate(Update{Mode: &mode, BatchSize: &batch, Voice: &voice}); err != nil {
		t.Fatal(err)
	}
	h.sink.waitFor(t, EventSessionUpdated, nil)

	sess, err := h.st.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Mode != state.ModeContinuous || sess.ContinuousBatchSize != 3 {
		t.Fatalf("persisted state = %+v", sess)
	}
	if h.orch.snapshot().Voice != "verse" {
		t.Fatalf("voice = %s", h.orch.snapshot().Voice)
	}
}

func TestGatewayErrorIsReportedNotFatal(t *testing.T) {
	h := openHarness(t, true, state.ModeImmediate, 1, questionsFor(
		[2]string{"g1", "q one"},
		[2]string{"g1", "q two"},
	))
	h.sink.waitFor(t, EventTurnCompleted, turnIs(1))

	h.gw.events <- audio.GatewayError{Message: "rate limited"}
	h.sink.waitFor(t, EventError, func(p map[string]any) bool { return p["scope"] == "gateway" })

	// The session is still alive and keeps taking turns.
	h.answer(t, 2, "still here")
}

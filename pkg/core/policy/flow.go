package policy

// FlowAction is what the session does after a question selection.
type FlowAction string

const (
	FlowAskNext  FlowAction = "ASK_NEXT"
	FlowAutoStop FlowAction = "AUTO_STOP"
)

// StopReasonQuestionExhausted is the only auto-stop reason this layer knows.
const StopReasonQuestionExhausted = "QUESTION_EXHAUSTED"

// FlowDecision pairs the action with its reason when the action is a stop.
type FlowDecision struct {
	Action     FlowAction
	StopReason string
}

// AfterQuestionSelection is the single place an auto-stop is decided. The
// orchestrator is responsible for scheduling the stop at the correct turn
// boundary; this function only answers "keep going or wind down".
func AfterQuestionSelection(exhausted bool) FlowDecision {
	if exhausted {
		return FlowDecision{Action: FlowAutoStop, StopReason: StopReasonQuestionExhausted}
	}
	return FlowDecision{Action: FlowAskNext}
}

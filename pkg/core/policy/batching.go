// Package policy holds the pure decision functions of the practice engine:
// when completed answers turn into feedback, and what happens once the
// question source runs dry. Nothing in here touches I/O or mutable state so
// every decision is trivially testable.
package policy

import "github.com/speaklab/voicecoach/pkg/core/state"

// Reason explains a batching decision. Reasons are part of the wire contract:
// they are reported verbatim on feedback.skipped and feedback.final events.
type Reason string

const (
	ReasonImmediateMode             Reason = "IMMEDIATE_MODE"
	ReasonWaitingForGroupCompletion Reason = "WAITING_FOR_GROUP_COMPLETION"
	ReasonWaitingForBatch           Reason = "WAITING_FOR_BATCH"
	ReasonBatchReady                Reason = "BATCH_READY"
	ReasonExhaustedWithRemainder    Reason = "EXHAUSTED_WITH_REMAINDER"
)

// Decision is the outcome of one batching check.
type Decision struct {
	Emit      bool
	NextCount int
	Reason    Reason
}

// Decide determines whether a completed interaction should emit feedback now.
//
// IMMEDIATE mode always emits and keeps the group counter at zero. CONTINUOUS
// mode accumulates completed question groups and emits once the configured
// batch size is reached; a turn that did not complete a group leaves the
// counter untouched.
func Decide(mode state.Mode, completedGroupCount, batchSize int, groupCompletedThisTurn bool) Decision {
	if mode != state.ModeContinuous {
		return Decision{Emit: true, NextCount: 0, Reason: ReasonImmediateMode}
	}
	if !groupCompletedThisTurn {
		return Decision{Emit: false, NextCount: completedGroupCount, Reason: ReasonWaitingForGroupCompletion}
	}
	next := completedGroupCount + 1
	if next < batchSize {
		return Decision{Emit: false, NextCount: next, Reason: ReasonWaitingForBatch}
	}
	return Decision{Emit: true, NextCount: 0, Reason: ReasonBatchReady}
}

// ShouldEmitResidual reports whether a partial continuous batch must be
// flushed because the question source is exhausted and this turn has not
// already produced feedback. The residual emission carries
// ReasonExhaustedWithRemainder.
func ShouldEmitResidual(mode state.Mode, questionsExhausted, emittedThisTurn bool) bool {
	return mode == state.ModeContinuous && questionsExhausted && !emittedThisTurn
}

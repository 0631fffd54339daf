package orchestrator

import (
	"sync"
	"sync/atomic"
)

// runtimeContext is the ephemeral per-connection bookkeeping record. It is
// created on open, destroyed on close, and never reused; the durable session
// record lives in the state store instead.
//
// Every field is either a monotonic counter, an insert-once set, or a
// per-turn counter, so concurrent gateway callbacks and turn workers
// coordinate without locks. The single place that needs mutual exclusion,
// publishing a turn completion exactly once, rides on the atomic
// insert-if-absent of completedTurns.
type runtimeContext struct {
	// turnSequence is the source of turn ids: positive, strictly increasing.
	turnSequence atomic.Int64

	// activeTurn is the most recently started turn, the target of
	// cancellation.
	activeTurn atomic.Int64

	// cancelledThroughTurn is a high-water mark: every turn id at or below it
	// counts as cancelled. It never decreases.
	cancelledThroughTurn atomic.Int64

	// autoStopAfterTurn is -1 while unset; once set, the session closes when
	// a turn with id >= this value completes.
	autoStopAfterTurn atomic.Int64
	autoStopPending   atomic.Bool
	stopReason        atomic.Value // string

	// pendingSpeech counts outstanding synthesis operations per turn.
	pendingSpeech sync.Map // int64 -> *atomic.Int64

	// readyTurns holds turns whose processing routine has finished.
	readyTurns sync.Map // int64 -> struct{}

	// completedTurns is the exactly-once gate for turn.completed.
	completedTurns sync.Map // int64 -> struct{}

	closed        atomic.Bool
	forcedStopped atomic.Bool
}

func newRuntimeContext() *runtimeContext {
	rc := &runtimeContext{}
	rc.autoStopAfterTurn.Store(-1)
	return rc
}

// nextTurn allocates a fresh turn id. Allocation happens synchronously on the
// callback that observes the final transcript, so ids order stt.final events.
func (rc *runtimeContext) nextTurn() int64 {
	return rc.turnSequence.Add(1)
}

// active reports whether the context still accepts new work.
func (rc *runtimeContext) active() bool {
	return !rc.closed.Load() && !rc.forcedStopped.Load()
}

// turnInactive reports whether work for turnID should be abandoned: the
// context is gone or the turn falls under the cancellation mark.
func (rc *runtimeContext) turnInactive(turnID int64) bool {
	return !rc.active() || rc.cancelledThroughTurn.Load() >= turnID
}

// cancelThrough raises the cancellation high-water mark to the active turn
// and returns the mark. The mark is monotonic.
func (rc *runtimeContext) cancelThrough() int64 {
	target := rc.activeTurn.Load()
	for {
		cur := rc.cancelledThroughTurn.Load()
		if cur >= target {
			return cur
		}
		if rc.cancelledThroughTurn.CompareAndSwap(cur, target) {
			return target
		}
	}
}

// cancelled reports whether turnID falls under the cancellation mark.
func (rc *runtimeContext) cancelled(turnID int64) bool {
	return rc.cancelledThroughTurn.Load() >= turnID
}

// registerSpeech records one outstanding synthesis operation for a turn. It
// must be called before the speakText call it covers.
func (rc *runtimeContext) registerSpeech(turnID int64) {
	v, _ := rc.pendingSpeech.LoadOrStore(turnID, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

// completeSpeech resolves one synthesis operation for a turn. The entry is
// never removed: a zero counter must stay observable so a registration racing
// this decrement keeps counting on the same entry instead of an orphan.
func (rc *runtimeContext) completeSpeech(turnID int64) {
	v, ok := rc.pendingSpeech.Load(turnID)
	if !ok {
		return
	}
	v.(*atomic.Int64).Add(-1)
}

// markReady records that the processing routine for turnID has finished.
func (rc *runtimeContext) markReady(turnID int64) {
	rc.readyTurns.Store(turnID, struct{}{})
}

// tryComplete reports whether the caller won the right to publish the
// completion of turnID. A turn completes when processing is done and no
// speech is outstanding; the insert-if-absent on completedTurns guarantees a
// single winner regardless of how the processing-done and speech callbacks
// interleave.
func (rc *runtimeContext) tryComplete(turnID int64) bool {
	if _, ready := rc.readyTurns.Load(turnID); !ready {
		return false
	}
	if v, ok := rc.pendingSpeech.Load(turnID); ok && v.(*atomic.Int64).Load() > 0 {
		return false
	}
	_, loaded := rc.completedTurns.LoadOrStore(turnID, struct{}{})
	return !loaded
}

// requestAutoStop schedules the session to close after turnID completes. The
// latest qualifying turn wins.
func (rc *runtimeContext) requestAutoStop(turnID int64, reason string) {
	for {
		cur := rc.autoStopAfterTurn.Load()
		if cur >= turnID {
			break
		}
		if rc.autoStopAfterTurn.CompareAndSwap(cur, turnID) {
			break
		}
	}
	rc.stopReason.Store(reason)
	rc.autoStopPending.Store(true)
}

// consumeAutoStop returns the stop reason if turnID satisfies a pending
// auto-stop and the caller won the consume race. The compare-and-swap keeps
// two concurrently-completing qualifying turns from stopping twice.
func (rc *runtimeContext) consumeAutoStop(turnID int64) (string, bool) {
	if !rc.autoStopPending.Load() {
		return "", false
	}
	after := rc.autoStopAfterTurn.Load()
	if after < 0 || turnID < after {
		return "", false
	}
	if !rc.autoStopPending.CompareAndSwap(true, false) {
		return "", false
	}
	reason, _ := rc.stopReason.Load().(string)
	return reason, true
}

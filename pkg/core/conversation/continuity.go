// Package conversation tracks the remote multi-turn LLM handle for a practice
// session: when it must be rebased onto a fresh conversation and when a
// failed call means the remote handle has gone away and a single
// reset-and-retry is warranted.
package conversation

import (
	"strings"

	"github.com/speaklab/voicecoach/pkg/core/state"
)

// DefaultRebaseTurns bounds remote context growth: after this many turns on
// one conversation the next call starts a fresh one.
const DefaultRebaseTurns = 20

// Tracker applies the continuity rules to a session record. It mutates only
// the conversation fields; persisting the record stays with the caller.
type Tracker struct {
	RebaseTurns int
}

func NewTracker(rebaseTurns int) Tracker {
	if rebaseTurns <= 0 {
		rebaseTurns = DefaultRebaseTurns
	}
	return Tracker{RebaseTurns: rebaseTurns}
}

// PrepareTurn rebases the conversation if it has accumulated enough turns.
// A rebase only resets the handle and the turn counter; a session that was
// already bootstrapped keeps its bootstrap flag so the next call skips the
// cold system-prompt bootstrap.
func (t Tracker) PrepareTurn(sess *state.Session) (rebased bool) {
	if sess == nil {
		return false
	}
	if sess.Conversation.ConversationID == "" {
		return false
	}
	if sess.Conversation.TurnsSinceRebase < t.RebaseTurns {
		return false
	}
	sess.ResetConversation()
	return true
}

// RecordTurn counts one successful generate call against the current
// conversation and stores the new remote ids.
func (t Tracker) RecordTurn(sess *state.Session, conversationID, responseID string) {
	if sess == nil {
		return
	}
	if sess.Conversation.ConversationID != conversationID {
		sess.Conversation = state.Conversation{ConversationID: conversationID}
	}
	sess.Conversation.ResponseID = responseID
	sess.Conversation.TurnsSinceRebase++
}

// invalidHandleMarkers is the fixed set of substrings that identify an
// "unknown/invalid conversation" failure from the remote provider. Matching
// is case-insensitive and deliberately narrow: any other failure propagates
// unchanged.
var invalidHandleMarkers = []string{
	"conversation not found",
	"invalid conversation",
	"unknown conversation",
	"previous response with id",
	"previous response not found",
	"response not found",
}

// Recoverable reports whether err indicates the remote conversation handle is
// gone. It is false when no conversation was in play, so a cold call that
// fails never triggers the recovery path.
func Recoverable(err error, hadConversation bool) bool {
	if err == nil || !hadConversation {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range invalidHandleMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

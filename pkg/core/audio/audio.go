// Package audio defines the audio-gateway boundary: the external service that
// transcribes inbound speech and synthesizes outbound speech. The gateway
// notifies through a single tagged-event channel consumed by one dispatch
// loop per session, so ordering within a session is the channel's ordering.
package audio

import "context"

// ModelSettings is the immutable settings snapshot a session opens with.
// Session updates replace the snapshot, they never mutate it in place.
type ModelSettings struct {
	APIKey            string
	ConversationModel string
	STTModel          string
	Voice             string
}

// Event is the variant carried on the gateway event channel.
type Event interface{ isAudioEvent() }

// Partial is an in-progress transcript of the user's current utterance.
type Partial struct{ Text string }

// Final is a completed utterance transcript; it defines a new turn.
type Final struct{ Text string }

// AudioChunk is one synthesized speech chunk for a turn, base64-encoded.
type AudioChunk struct {
	TurnID  int64
	DataB64 string
}

// AudioCompleted signals that all speech for one synthesis operation has been
// delivered.
type AudioCompleted struct{ TurnID int64 }

// AudioFailed signals that a synthesis operation failed mid-stream.
type AudioFailed struct {
	TurnID  int64
	Message string
}

// GatewayError is a protocol-level error from the gateway. It is reported to
// the client but does not by itself close the session.
type GatewayError struct{ Message string }

func (Partial) isAudioEvent()        {}
func (Final) isAudioEvent()          {}
func (AudioChunk) isAudioEvent()     {}
func (AudioCompleted) isAudioEvent() {}
func (AudioFailed) isAudioEvent()    {}
func (GatewayError) isAudioEvent()   {}

// Session is one live gateway connection.
type Session interface {
	// AppendAudio forwards a chunk of caller audio to transcription.
	AppendAudio(data []byte) error
	// Commit marks the end of the current user utterance.
	Commit() error
	// CancelResponse cancels in-flight synthesis on the gateway, best-effort.
	CancelResponse() error
	// SpeakText synthesizes text for the given turn. Completion or failure is
	// reported on the event channel with the same turn id.
	SpeakText(turnID int64, text, voice string) error
	// Events is the tagged-event stream. It is closed when the session ends.
	Events() <-chan Event
	Close() error
}

// Gateway opens live audio sessions.
type Gateway interface {
	Open(ctx context.Context, settings ModelSettings) (Session, error)
}

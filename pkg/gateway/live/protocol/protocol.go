// Package protocol defines the client-facing websocket frames for
// /v1/practice and their strict decoding.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// OpenModels carries the per-session model overrides of the open frame.
type OpenModels struct {
	Conversation string `json:"conversation,omitempty"`
	STT          string `json:"stt,omitempty"`
	Voice        string `json:"voice,omitempty"`
}

// OpenFeedback carries the per-session feedback overrides of the open frame.
type OpenFeedback struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Language string `json:"language,omitempty"`
}

// ClientOpen is the mandatory first frame of a practice connection.
type ClientOpen struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	SessionID       string       `json:"session_id"`
	APIKey          string       `json:"api_key,omitempty"`
	Mode            string       `json:"mode,omitempty"`
	BatchSize       int          `json:"batch_size,omitempty"`
	Models          OpenModels   `json:"models,omitempty"`
	Feedback        OpenFeedback `json:"feedback,omitempty"`
}

// RedactedForLog strips credentials before the open frame hits the access
// log.
func (o ClientOpen) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             o.Type,
		"protocol_version": o.ProtocolVersion,
		"session_id":       o.SessionID,
		"mode":             o.Mode,
		"batch_size":       o.BatchSize,
		"models":           o.Models,
		"has_api_key":      strings.TrimSpace(o.APIKey) != "",
		"has_feedback_key": strings.TrimSpace(o.Feedback.APIKey) != "",
	}
}

// ClientAudioFrame carries one chunk of caller audio, base64-encoded.
type ClientAudioFrame struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

// ClientCommit ends the current utterance.
type ClientCommit struct {
	Type string `json:"type"`
}

// ClientCancel cancels the in-flight response.
type ClientCancel struct {
	Type string `json:"type"`
}

// ClientUpdate overrides session settings mid-connection. Absent fields keep
// their current value.
type ClientUpdate struct {
	Type      string        `json:"type"`
	Mode      *string       `json:"mode,omitempty"`
	BatchSize *int          `json:"batch_size,omitempty"`
	Models    *OpenModels   `json:"models,omitempty"`
	Feedback  *OpenFeedback `json:"feedback,omitempty"`
}

// ClientStop asks for an orderly session stop.
type ClientStop struct {
	Type string `json:"type"`
}

// DecodeClientMessage decodes one inbound frame into its typed form. Unknown
// types and shape violations come back as *DecodeError.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "session.open":
		var msg ClientOpen
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.open frame", "")
		}
		if err := ValidateOpen(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio.append":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.append frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio.append.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "audio.commit":
		return ClientCommit{Type: typ}, nil
	case "response.cancel":
		return ClientCancel{Type: typ}, nil
	case "session.update":
		var msg ClientUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.update frame", "")
		}
		if msg.Mode != nil {
			mode := strings.TrimSpace(*msg.Mode)
			if mode != "IMMEDIATE" && mode != "CONTINUOUS" {
				return nil, unsupported("unsupported practice mode", "mode")
			}
			msg.Mode = &mode
		}
		if msg.BatchSize != nil && *msg.BatchSize <= 0 {
			return nil, badRequest("session.update.batch_size must be > 0", "batch_size")
		}
		return msg, nil
	case "session.stop":
		return ClientStop{Type: typ}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ValidateOpen enforces the open-frame contract.
func ValidateOpen(msg ClientOpen) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("session.open.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.SessionID) == "" {
		return badRequest("session.open.session_id is required", "session_id")
	}
	switch strings.TrimSpace(msg.Mode) {
	case "", "IMMEDIATE", "CONTINUOUS":
	default:
		return unsupported("unsupported practice mode", "mode")
	}
	if msg.BatchSize < 0 {
		return badRequest("session.open.batch_size must be >= 0", "batch_size")
	}
	switch strings.TrimSpace(msg.Feedback.Language) {
	case "", "ko", "en":
	default:
		return unsupported("unsupported feedback language", "feedback.language")
	}
	return nil
}

// ServerEvent is the uniform outbound envelope: the event name plus its
// payload fields flattened into one object.
type ServerEvent struct {
	Event   string
	Payload map[string]any
}

// MarshalJSON flattens the payload around the event field. A payload key
// named "event" never overrides the envelope.
func (e ServerEvent) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		if k == "event" {
			continue
		}
		obj[k] = v
	}
	obj["event"] = e.Event
	return json.Marshal(obj)
}

// Package question defines the question-source boundary of the practice
// engine and ships a YAML-backed implementation for exam question banks.
package question

import "context"

// Selection is one selected exam question. Exhausted selections carry empty
// text: the source keeps answering "exhausted" once the list is consumed.
type Selection struct {
	ID        string
	Text      string
	Group     string
	GroupID   string
	Exhausted bool
}

// Source hands out the next question for a session. Implementations keep a
// per-session cursor that advances monotonically and is rewound only through
// ResetCursor.
type Source interface {
	Next(ctx context.Context, sessionID string) (Selection, error)
	ResetCursor(ctx context.Context, sessionID string) error
}

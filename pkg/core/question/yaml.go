package question

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/speaklab/voicecoach/pkg/core/state"
)

// BankFile is the on-disk shape of a question bank.
type BankFile struct {
	Name   string      `yaml:"name"`
	Groups []BankGroup `yaml:"groups"`
}

type BankGroup struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Questions []BankQuestion `yaml:"questions"`
}

type BankQuestion struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`
}

// Bank serves questions from a loaded bank file in sequence. The per-session
// cursor lives on the session record so it survives reconnects alongside the
// rest of the practice state.
type Bank struct {
	name  string
	flat  []Selection
	store state.Store
}

// LoadBank reads and validates a YAML question bank.
func LoadBank(path string, store state.Store) (*Bank, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}
	var file BankFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse question bank %s: %w", path, err)
	}
	return NewBank(file, store)
}

// NewBank builds a Bank from an already-decoded file.
func NewBank(file BankFile, store state.Store) (*Bank, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if err := ValidateBank(file); err != nil {
		return nil, err
	}
	b := &Bank{name: file.Name, store: store}
	for _, g := range file.Groups {
		for _, q := range g.Questions {
			b.flat = append(b.flat, Selection{
				ID:      q.ID,
				Text:    q.Text,
				Group:   g.Name,
				GroupID: g.ID,
			})
		}
	}
	return b, nil
}

// ValidateBank checks structural invariants: non-empty groups, unique ids,
// non-empty question text.
func ValidateBank(file BankFile) error {
	if len(file.Groups) == 0 {
		return fmt.Errorf("question bank has no groups")
	}
	seenGroup := make(map[string]struct{}, len(file.Groups))
	seenQuestion := make(map[string]struct{})
	for i, g := range file.Groups {
		if strings.TrimSpace(g.ID) == "" {
			return fmt.Errorf("group[%d]: id is required", i)
		}
		if _, dup := seenGroup[g.ID]; dup {
			return fmt.Errorf("group[%d]: duplicate group id %q", i, g.ID)
		}
		seenGroup[g.ID] = struct{}{}
		if len(g.Questions) == 0 {
			return fmt.Errorf("group %q has no questions", g.ID)
		}
		for j, q := range g.Questions {
			if strings.TrimSpace(q.ID) == "" {
				return fmt.Errorf("group %q question[%d]: id is required", g.ID, j)
			}
			if _, dup := seenQuestion[q.ID]; dup {
				return fmt.Errorf("group %q question[%d]: duplicate question id %q", g.ID, j, q.ID)
			}
			seenQuestion[q.ID] = struct{}{}
			if strings.TrimSpace(q.Text) == "" {
				return fmt.Errorf("question %q: text is required", q.ID)
			}
		}
	}
	return nil
}

// Len reports the number of questions in the bank.
func (b *Bank) Len() int { return len(b.flat) }

// Name reports the bank name from the file header.
func (b *Bank) Name() string { return b.name }

// All returns the flattened question order.
func (b *Bank) All() []Selection {
	out := make([]Selection, len(b.flat))
	copy(out, b.flat)
	return out
}

func (b *Bank) Next(ctx context.Context, sessionID string) (Selection, error) {
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return Selection{}, fmt.Errorf("next question: %w", err)
	}
	if sess.QuestionCursor >= len(b.flat) {
		return Selection{Exhausted: true}, nil
	}
	sel := b.flat[sess.QuestionCursor]
	sess.QuestionCursor++
	if err := b.store.Put(ctx, sess); err != nil {
		return Selection{}, fmt.Errorf("advance question cursor: %w", err)
	}
	return sel, nil
}

func (b *Bank) ResetCursor(ctx context.Context, sessionID string) error {
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reset question cursor: %w", err)
	}
	sess.QuestionCursor = 0
	if err := b.store.Put(ctx, sess); err != nil {
		return fmt.Errorf("reset question cursor: %w", err)
	}
	return nil
}

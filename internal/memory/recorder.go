package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/foreman/internal/intent"
	"github.com/ent0n29/foreman/internal/tasks"
)

const maxContextLineChars = 280

// Recorder writes redacted turns and renders recent ones as prompt context.
type Recorder struct {
	store Store
	turns int
}

func NewRecorder(store Store, turns int) *Recorder {
	if turns <= 0 {
		turns = 6
	}
	return &Recorder{store: store, turns: turns}
}

func (r *Recorder) Remember(ctx context.Context, conv tasks.ConversationID, role Role, content string) error {
	if r == nil || r.store == nil {
		return nil
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	redacted, changed := intent.Redact(content)
	return r.store.SaveTurn(ctx, TurnRecord{
		ConversationID: conv,
		Role:           role,
		Content:        redacted,
		PIIRedacted:    changed,
	})
}

// Context returns the recent turns as "role: text" lines, oldest first.
func (r *Recorder) Context(ctx context.Context, conv tasks.ConversationID) ([]string, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	records, err := r.store.RecentContext(ctx, conv, r.turns)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(records))
	for _, rec := range records {
		text := strings.Join(strings.Fields(rec.Content), " ")
		if len(text) > maxContextLineChars {
			text = text[:maxContextLineChars] + "..."
		}
		out = append(out, fmt.Sprintf("%s: %s", rec.Role, text))
	}
	return out, nil
}

package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MockRunner provides deterministic local results when no agent CLI is installed.
type MockRunner struct {
	Delay time.Duration
}

func NewMockRunner() *MockRunner { return &MockRunner{} }

func (r *MockRunner) Invoke(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	sessionID := strings.TrimSpace(req.ResumeSessionID)
	if sessionID == "" {
		sessionID = "mock-" + uuid.NewString()
	}
	if req.OnSession != nil {
		req.OnSession(sessionID)
	}

	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	text := buildMockResult(req)
	if req.OnDelta != nil {
		req.OnDelta(text)
	}
	text, restart := extractRestartMarker(text)
	return Result{
		Text:         text,
		Success:      true,
		DurationMs:   time.Since(started).Milliseconds(),
		SessionID:    sessionID,
		NeedsRestart: restart,
	}, nil
}

func buildMockResult(req Request) string {
	subject := firstLine(req.Prompt)
	if subject == "" {
		subject = "the request"
	}
	if req.Mode == ModeReadWrite {
		return fmt.Sprintf("Completed: %s", subject)
	}
	return fmt.Sprintf("1. Investigate %s\n2. Apply the change\n3. Verify and commit", subject)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

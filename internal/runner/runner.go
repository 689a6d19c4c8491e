// Package runner invokes the external coding agent that does the actual planning and
// execution work. The orchestration layer treats it as an opaque call.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type Mode string

const (
	// ModeReadOnly investigates without mutating the working tree.
	ModeReadOnly  Mode = "readonly"
	ModeReadWrite Mode = "readwrite"
)

// RestartMarker in result text asks the operator to restart the service after the run.
const RestartMarker = "[[RESTART_REQUIRED]]"

// SessionHandler is called once, as soon as the runner reports its session id.
type SessionHandler func(sessionID string)

// DeltaHandler receives streaming assistant text.
type DeltaHandler func(delta string)

type Request struct {
	Prompt          string
	WorkingDir      string
	ResumeSessionID string
	Mode            Mode
	OnSession       SessionHandler
	OnDelta         DeltaHandler
}

type Result struct {
	Text         string  `json:"text"`
	Success      bool    `json:"success"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMs   int64   `json:"duration_ms"`
	SessionID    string  `json:"session_id,omitempty"`
	NeedsRestart bool    `json:"needs_restart,omitempty"`
}

// Runner performs one invocation. Cancelling ctx aborts it and must return ctx.Err().
type Runner interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

var ErrTimeout = errors.New("runner timed out")

type Config struct {
	Mode    string
	CLIPath string
	Model   string
	Timeout time.Duration
}

func NewRunner(cfg Config) (Runner, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		cliPath := strings.TrimSpace(cfg.CLIPath)
		if cliPath != "" {
			if _, err := exec.LookPath(cliPath); err == nil {
				return NewCLIRunner(cliPath, cfg.Model, cfg.Timeout), nil
			}
		}
		return NewMockRunner(), nil
	case "cli":
		if strings.TrimSpace(cfg.CLIPath) == "" {
			return nil, errors.New("runner CLI path is required for cli mode")
		}
		return NewCLIRunner(cfg.CLIPath, cfg.Model, cfg.Timeout), nil
	case "mock":
		return NewMockRunner(), nil
	default:
		return nil, fmt.Errorf("unsupported runner mode %q", cfg.Mode)
	}
}

// extractRestartMarker strips RestartMarker from text and reports whether it was present.
func extractRestartMarker(text string) (string, bool) {
	if !strings.Contains(text, RestartMarker) {
		return text, false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, RestartMarker, "")), true
}

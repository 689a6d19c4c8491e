package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxStreamLine = 8 * 1024 * 1024

// CLIRunner executes the agent CLI in print mode and parses its stream-json output.
type CLIRunner struct {
	binaryPath string
	model      string
	timeout    time.Duration
}

// NewCLIRunner builds a runner for binaryPath. A zero timeout means no limit.
func NewCLIRunner(binaryPath, model string, timeout time.Duration) *CLIRunner {
	return &CLIRunner{
		binaryPath: strings.TrimSpace(binaryPath),
		model:      strings.TrimSpace(model),
		timeout:    timeout,
	}
}

func (r *CLIRunner) args(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if id := strings.TrimSpace(req.ResumeSessionID); id != "" {
		args = append(args, "--resume", id)
	}
	if req.Mode == ModeReadWrite {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		args = append(args, "--permission-mode", "plan")
	}
	return args
}

func (r *CLIRunner) Invoke(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.New("prompt is required")
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.binaryPath, r.args(req)...)
	cmd.Dir = req.WorkingDir
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("runner stdout pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start runner: %w", err)
	}

	collector := newStreamCollector(req.OnSession, req.OnDelta)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		collector.ConsumeLine(scanner.Text())
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Nothing reads stdout any more, so the child would block on a full pipe.
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	// exec.CommandContext surfaces "signal: killed" rather than the context error.
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if runCtx.Err() != nil {
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}

	res := collector.Result()
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(started).Milliseconds()
	}
	if scanErr != nil {
		return res, fmt.Errorf("read runner output: %w", scanErr)
	}
	if collector.Completed() {
		return res, nil
	}
	if waitErr != nil {
		errText := strings.TrimSpace(stderr.String())
		if errText != "" {
			return res, fmt.Errorf("runner cli failed: %w: %s", waitErr, errText)
		}
		return res, fmt.Errorf("runner cli failed: %w", waitErr)
	}
	return res, errors.New("runner exited without a result event")
}

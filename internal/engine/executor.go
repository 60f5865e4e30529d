package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/runner"
	"github.com/buildlane/autopilot/internal/store"
)

// timeoutExitCode marks an attempt that was cut off by its deadline.
// This is a convention shared with the shell's timeout(1), not a signal
// from the OS.
const timeoutExitCode = 124

// Executor orchestrates one attempt's full lifecycle against a Runner.
// Side effects are confined to the store; the executor never touches
// run-level state.
type Executor struct {
	store  *store.Store
	runner runner.Runner
}

// NewExecutor creates an Executor
func NewExecutor(st *store.Store, r runner.Runner) *Executor {
	return &Executor{store: st, runner: r}
}

// ExecuteAttempt drives one attempt to a terminal status: it marks the
// attempt running, races the runner against the timeout, persists output
// as artifacts and log lines, and writes exactly one of completed or
// failed. No attempt is left running after this call returns.
func (x *Executor) ExecuteAttempt(ctx context.Context, attemptID string, req runner.Request, timeout time.Duration) (*domain.Attempt, error) {
	if err := x.store.MarkAttemptRunning(attemptID); err != nil {
		return nil, fmt.Errorf("marking attempt running: %w", err)
	}

	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	emit := func(level domain.LogLevel, msg string) {
		x.store.AppendLog(attemptID, level, msg)
	}

	res, runErr := x.runner.Run(runCtx, req, emit)

	timedOut := runCtx.Err() == context.DeadlineExceeded ||
		(runErr != nil && strings.Contains(strings.ToLower(runErr.Error()), "timed out"))

	switch {
	case timedOut:
		msg := fmt.Sprintf("attempt timed out after %s", timeout)
		x.persistFailure(attemptID, timeoutExitCode, msg)
	case runErr != nil:
		x.persistFailure(attemptID, res.ExitCode, runErr.Error())
	case res.ExitCode != 0:
		msg := fmt.Sprintf("runner exited with code %d", res.ExitCode)
		x.persistFailure(attemptID, res.ExitCode, msg)
	default:
		payload, _ := json.Marshal(map[string]any{"exit_code": 0})
		x.store.AppendArtifact(attemptID, domain.ArtifactRunnerOutput, string(payload))
		code := 0
		if err := x.store.FinishAttempt(attemptID, domain.AttemptCompleted, &code, ""); err != nil {
			return nil, fmt.Errorf("finishing attempt: %w", err)
		}
	}

	return x.store.GetAttempt(attemptID)
}

func (x *Executor) persistFailure(attemptID string, exitCode int, message string) {
	payload, _ := json.Marshal(map[string]any{
		"message":   message,
		"exit_code": exitCode,
	})
	x.store.AppendArtifact(attemptID, domain.ArtifactError, string(payload))
	x.store.FinishAttempt(attemptID, domain.AttemptFailed, &exitCode, message)
}

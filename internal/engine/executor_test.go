package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/runner"
	"github.com/buildlane/autopilot/internal/store"
)

// scriptedRunner returns a canned result, optionally after blocking on
// the context
type scriptedRunner struct {
	result     runner.Result
	err        error
	blockOnCtx bool
	lines      []string
}

func (r *scriptedRunner) Run(ctx context.Context, req runner.Request, emit runner.LineFunc) (runner.Result, error) {
	for _, line := range r.lines {
		emit(domain.LogInfo, line)
	}
	if r.blockOnCtx {
		<-ctx.Done()
		return runner.Result{ExitCode: -1}, ctx.Err()
	}
	return r.result, r.err
}

func newQueuedAttempt(t *testing.T, st *store.Store) *domain.Attempt {
	t.Helper()
	a := &domain.Attempt{
		ID:        "at1",
		TaskID:    "task1",
		ProjectID: "proj1",
		Status:    domain.AttemptQueued,
		QueuedAt:  time.Now(),
	}
	if err := st.CreateAttempt(a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestExecutor_Success(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	newQueuedAttempt(t, st)

	x := NewExecutor(st, &scriptedRunner{lines: []string{"hello"}})
	got, err := x.ExecuteAttempt(context.Background(), "at1", runner.Request{Command: []string{"ok"}}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != domain.AttemptCompleted {
		t.Errorf("status = %v, want completed", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", got.ExitCode)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("timestamps not set on terminal attempt")
	}

	logs, _, err := st.ListLogsAfter("at1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Message != "hello" {
		t.Errorf("logs = %+v, want one hello line", logs)
	}

	arts, err := st.ListArtifactsByAttempt("at1")
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0].Kind != domain.ArtifactRunnerOutput {
		t.Errorf("artifacts = %+v, want one runner_output", arts)
	}
}

func TestExecutor_NonZeroExit(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	newQueuedAttempt(t, st)

	x := NewExecutor(st, &scriptedRunner{result: runner.Result{ExitCode: 7}})
	got, err := x.ExecuteAttempt(context.Background(), "at1", runner.Request{Command: []string{"fail"}}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != domain.AttemptFailed {
		t.Errorf("status = %v, want failed", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 7 {
		t.Errorf("exit code = %v, want 7", got.ExitCode)
	}

	arts, err := st.ListArtifactsByAttempt("at1")
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0].Kind != domain.ArtifactError {
		t.Errorf("artifacts = %+v, want one error artifact", arts)
	}
}

func TestExecutor_BackendError(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	newQueuedAttempt(t, st)

	x := NewExecutor(st, &scriptedRunner{err: errors.New("backend unreachable")})
	got, err := x.ExecuteAttempt(context.Background(), "at1", runner.Request{Command: []string{"x"}}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != domain.AttemptFailed {
		t.Errorf("status = %v, want failed", got.Status)
	}
	if got.ErrorText != "backend unreachable" {
		t.Errorf("error text = %q, want backend unreachable", got.ErrorText)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	newQueuedAttempt(t, st)

	x := NewExecutor(st, &scriptedRunner{blockOnCtx: true})
	got, err := x.ExecuteAttempt(context.Background(), "at1", runner.Request{Command: []string{"slow"}}, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != domain.AttemptFailed {
		t.Errorf("status = %v, want failed", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != timeoutExitCode {
		t.Errorf("exit code = %v, want %d", got.ExitCode, timeoutExitCode)
	}
}

func TestExecutor_AlreadyTerminal(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	newQueuedAttempt(t, st)

	code := 0
	if err := st.FinishAttempt("at1", domain.AttemptStopped, &code, ""); err != nil {
		t.Fatal(err)
	}

	x := NewExecutor(st, &scriptedRunner{})
	if _, err := x.ExecuteAttempt(context.Background(), "at1", runner.Request{Command: []string{"x"}}, time.Minute); err == nil {
		t.Error("executing a stopped attempt succeeded, want error")
	}

	got, err := st.GetAttempt("at1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.AttemptStopped {
		t.Errorf("status = %v, want stopped to stick", got.Status)
	}
}

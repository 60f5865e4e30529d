package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/buildlane/autopilot/internal/domain"
)

// Local runs commands as child processes on the same host
type Local struct{}

// NewLocal creates a Local runner
func NewLocal() *Local {
	return &Local{}
}

// Run executes the request's command, streaming stdout as info lines and
// stderr as error lines. The exit code is recovered from the process;
// context cancellation kills the child.
func (l *Local) Run(ctx context.Context, req Request, emit LineFunc) (Result, error) {
	if len(req.Command) == 0 {
		return Result{ExitCode: -1}, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("starting %s: %w", req.Command[0], err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go l.streamLines(&wg, stdout, domain.LogInfo, emit)
	go l.streamLines(&wg, stderr, domain.LogError, emit)
	wg.Wait()

	err = cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{ExitCode: exitErr.ExitCode()}, nil
		}
		return Result{ExitCode: -1}, err
	}
	return Result{ExitCode: 0}, nil
}

func (l *Local) streamLines(wg *sync.WaitGroup, r io.Reader, level domain.LogLevel, emit LineFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	// Room for long single-line output
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if emit != nil {
			emit(level, scanner.Text())
		}
	}
}

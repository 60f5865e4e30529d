// Package runner defines the execution backend contract. The runner is
// the only component allowed to block on real I/O; how work is sandboxed
// or where it runs is the backend's concern.
package runner

import (
	"context"
	"time"

	"github.com/buildlane/autopilot/internal/domain"
)

// Request describes one unit of work to execute
type Request struct {
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result is the outcome of one execution
type Result struct {
	ExitCode int
}

// LineFunc receives log lines as the runner emits them
type LineFunc func(level domain.LogLevel, message string)

// Runner executes one unit of work and streams its output. A non-nil
// error means the backend itself broke; a non-zero exit code in Result
// is an ordinary work failure.
type Runner interface {
	Run(ctx context.Context, req Request, emit LineFunc) (Result, error)
}

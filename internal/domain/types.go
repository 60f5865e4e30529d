package domain

// AttemptStatus represents the lifecycle state of a single attempt
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptQueued    AttemptStatus = "queued"
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptStopped   AttemptStatus = "stopped"
)

// IsTerminal reports whether an attempt in this status can never change again
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptStopped:
		return true
	}
	return false
}

// RunStatus represents the stored state of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// DerivedStatus is a run's externally visible status, computed on demand
// from stored rows and never cached
type DerivedStatus string

const (
	StatusIdle      DerivedStatus = "IDLE"
	StatusRunning   DerivedStatus = "RUNNING"
	StatusCompleted DerivedStatus = "COMPLETED"
	StatusFailed    DerivedStatus = "FAILED"
	StatusCancelled DerivedStatus = "CANCELLED"
)

// ArtifactKind classifies an attempt's stored output
type ArtifactKind string

const (
	ArtifactRunnerOutput ArtifactKind = "runner_output"
	ArtifactError        ArtifactKind = "error"
	ArtifactSummary      ArtifactKind = "summary"
)

// LogLevel is the severity of a log line
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

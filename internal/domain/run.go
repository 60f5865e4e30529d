package domain

import "time"

// WorkItem identifies one task to execute. Immutable once enqueued.
type WorkItem struct {
	ID        string
	ProjectID string
	TaskID    string
}

// Attempt is one execution of a work item
type Attempt struct {
	ID         string
	TaskID     string
	ProjectID  string
	RunID      string // empty until linked to a run
	Status     AttemptStatus
	QueuedAt   time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	ExitCode   *int
	ErrorText  string
}

// Run is a batch of attempts started together for a project
type Run struct {
	ID         string
	ProjectID  string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	ErrorJSON  string // serialized failure.Error, empty when none
}

// RunSummary is a run annotated with aggregate attempt counts
type RunSummary struct {
	Run
	AttemptsCount  int
	FailedAttempts int
}

// Artifact is structured output from one attempt. Append-only.
type Artifact struct {
	ID        string
	AttemptID string
	Kind      ArtifactKind
	Payload   string // opaque JSON
	CreatedAt time.Time
}

// LogLine is one log message from an attempt. Append-only, ordered by rowid.
type LogLine struct {
	ID        int64
	AttemptID string
	Timestamp time.Time
	Level     LogLevel
	Message   string
}

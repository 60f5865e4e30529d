package failure

// Severity grades how serious a failure is for the user
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Guidance pairs an error code with remediation text. Every terminal failure
// shown to a user carries one of these, never a bare code.
type Guidance struct {
	Title     string   `json:"title"`
	NextSteps []string `json:"next_steps"`
	Severity  Severity `json:"severity"`
}

var guidanceTable = map[Code]Guidance{
	CodeAINotConfigured: {
		Title: "AI provider is not configured",
		NextSteps: []string{
			"Add an API key for your AI provider in project settings",
			"Verify the configured model is available for your account",
		},
		Severity: SeverityCritical,
	},
	CodeBudgetExceeded: {
		Title: "Spending budget exceeded",
		NextSteps: []string{
			"Raise the monthly budget limit in project settings",
			"Wait for the budget window to reset before starting a new run",
		},
		Severity: SeverityWarning,
	},
	CodeEmptyDiff: {
		Title: "No changes were produced",
		NextSteps: []string{
			"Check whether the task was already done on the target branch",
			"Rephrase the task description with more concrete acceptance criteria",
		},
		Severity: SeverityInfo,
	},
	CodeRepoNotReady: {
		Title: "Repository is not ready",
		NextSteps: []string{
			"Connect and clone the project repository before starting autopilot",
			"Check repository access permissions",
		},
		Severity: SeverityCritical,
	},
	CodeOpenPRLimit: {
		Title: "Too many open pull requests",
		NextSteps: []string{
			"Review and merge or close open autopilot pull requests",
			"Re-run the remaining tasks once the queue has drained",
		},
		Severity: SeverityWarning,
	},
	CodeGitError: {
		Title: "Git operation failed",
		NextSteps: []string{
			"Inspect the attempt log for the failing git command",
			"Verify branch protection rules and push access",
		},
		Severity: SeverityCritical,
	},
	CodeCancelled: {
		Title: "Run was cancelled",
		NextSteps: []string{
			"Start a new run when you are ready to continue",
		},
		Severity: SeverityInfo,
	},
	CodeUnknown: {
		Title: "Something went wrong",
		NextSteps: []string{
			"Inspect the attempt logs for details",
			"Retry the run; transient failures often clear on a second attempt",
		},
		Severity: SeverityCritical,
	},
}

// GuidanceFor returns remediation guidance for an error. Total over the
// closed code set; anything else is treated as UNKNOWN.
func GuidanceFor(e *Error) Guidance {
	e = Normalize(e)
	if g, ok := guidanceTable[e.Code]; ok {
		return g
	}
	return guidanceTable[CodeUnknown]
}

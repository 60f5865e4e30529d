package engine

import (
	"fmt"
	"strings"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/runner"
)

// CommandPlanner builds runner requests from a command template. The
// placeholders {project} and {task} are substituted into each argument.
type CommandPlanner struct {
	// Command is the argv template; must be non-empty
	Command []string

	// Dir is the working directory, with {project} substitution
	Dir string

	// Env holds extra KEY=VALUE pairs appended to the process env
	Env []string
}

func (p *CommandPlanner) PlanWork(item domain.WorkItem) (runner.Request, error) {
	if len(p.Command) == 0 {
		return runner.Request{}, fmt.Errorf("no command configured")
	}

	expand := strings.NewReplacer("{project}", item.ProjectID, "{task}", item.TaskID)
	argv := make([]string, len(p.Command))
	for i, arg := range p.Command {
		argv[i] = expand.Replace(arg)
	}

	env := append([]string{}, p.Env...)
	env = append(env,
		"AUTOPILOT_PROJECT_ID="+item.ProjectID,
		"AUTOPILOT_TASK_ID="+item.TaskID,
	)

	return runner.Request{
		Command: argv,
		Dir:     expand.Replace(p.Dir),
		Env:     env,
	}, nil
}

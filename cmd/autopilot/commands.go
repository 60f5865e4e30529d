package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildlane/autopilot/internal/config"
	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/engine"
	"github.com/buildlane/autopilot/internal/failure"
	"github.com/buildlane/autopilot/internal/runner"
	"github.com/buildlane/autopilot/internal/store"
)

var runsLimit int

func init() {
	statusCmd := &cobra.Command{
		Use:   "status PROJECT",
		Short: "Show a project's derived autopilot status",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	runsCmd := &cobra.Command{
		Use:   "runs PROJECT",
		Short: "List a project's runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuns,
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(runsCmd)

	logsCmd := &cobra.Command{
		Use:   "logs ATTEMPT",
		Short: "Print an attempt's log lines",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	rootCmd.AddCommand(logsCmd)

	runCmd := &cobra.Command{
		Use:   "run PROJECT",
		Short: "Start a run and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	rootCmd.AddCommand(runCmd)
}

func openStore() (*store.Store, *config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	projectID := args[0]

	latest, err := st.GetLatestRun(projectID)
	if err != nil {
		return err
	}
	status := engine.DeriveStatus(latest)
	fmt.Printf("Project:  %s\n", projectID)
	fmt.Printf("Status:   %s\n", status)

	if latest == nil {
		return nil
	}
	fmt.Printf("Last run: %s (%d attempts, %d failed)\n",
		latest.ID, latest.AttemptsCount, latest.FailedAttempts)

	if latest.ErrorJSON != "" {
		e := failure.Unmarshal(latest.ErrorJSON)
		g := failure.GuidanceFor(e)
		fmt.Printf("Error:    [%s] %s\n", e.Code, e.Message)
		for _, step := range g.NextSteps {
			fmt.Printf("  - %s\n", step)
		}
	}

	running, _ := st.CountRunningAttempts(projectID)
	queued, _ := st.CountQueuedAttempts(projectID)
	if running+queued > 0 {
		fmt.Printf("Active:   %d running, %d queued\n", running, queued)
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(args[0], runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tATTEMPTS\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.Status, r.StartedAt.Format(time.RFC3339),
			r.AttemptsCount, r.FailedAttempts)
	}
	return w.Flush()
}

func runRun(cmd *cobra.Command, args []string) error {
	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	projectID := args[0]

	runtime := config.NewRuntime(cfg)
	eng := engine.New(engine.Options{
		Store:  st,
		Runner: runner.NewLocal(),
		Tasks:  &fileTasks{workDir: cfg.General.WorkDir},
		AI:     &envAI{cfg: runtime},
		Repo:   &dirRepo{workDir: cfg.General.WorkDir},
		Planner: &engine.CommandPlanner{
			Command: cfg.Executor.Command,
			Dir:     cfg.General.WorkDir + "/{project}",
			Env:     cfg.Executor.Env,
		},
		Limits:         runtime,
		AttemptTimeout: runtime.AttemptTimeout,
	})
	defer eng.Close()

	run, blockers, err := eng.StartRun(projectID)
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("Run blocked:")
		for _, b := range blockers {
			fmt.Printf("  [%s] %s\n", b.Code, b.Message)
		}
		return fmt.Errorf("run could not start")
	}
	fmt.Printf("Run %s started\n", run.ID)

	for {
		status, err := eng.ProjectStatus(projectID)
		if err != nil {
			return err
		}
		if status != domain.StatusRunning {
			fmt.Printf("Run finished: %s\n", status)
			if status == domain.StatusFailed {
				return fmt.Errorf("run %s failed", run.ID)
			}
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func runLogs(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	attemptID := args[0]

	if _, err := st.GetAttempt(attemptID); err != nil {
		return fmt.Errorf("attempt %s not found", attemptID)
	}

	var cursor int64
	for {
		lines, next, err := st.ListLogsAfter(attemptID, cursor, 500)
		if err != nil {
			return err
		}
		for _, l := range lines {
			prefix := ""
			if l.Level == domain.LogError {
				prefix = "ERROR "
			}
			fmt.Printf("%s %s%s\n", l.Timestamp.Format(time.RFC3339), prefix, l.Message)
			cursor = l.ID
		}
		if next == 0 {
			return nil
		}
	}
}

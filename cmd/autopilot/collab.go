package main

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildlane/autopilot/internal/config"
	"github.com/buildlane/autopilot/internal/engine"
)

// fileTasks reads eligible task ids from <workdir>/<project>/tasks.todo,
// one id per line. Blank lines and # comments are skipped.
type fileTasks struct {
	workDir string
}

func (f *fileTasks) EligibleTaskIDs(projectID string) ([]string, error) {
	path := filepath.Join(f.workDir, projectID, "tasks.todo")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var ids []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, scanner.Err()
}

// envAI reports the provider as configured when the API key env var is
// set. Spend tracking lives with the provider; only the presence check
// happens here.
type envAI struct {
	cfg *config.Runtime
}

func (a *envAI) Check(projectID string) (engine.AICheck, error) {
	c := a.cfg.Current().AI
	if c.APIKeyEnv == "" || os.Getenv(c.APIKeyEnv) == "" {
		return engine.AICheck{Reason: engine.AINotConfigured}, nil
	}
	return engine.AICheck{Reason: engine.AIOK, LimitUSD: c.BudgetUSD}, nil
}

// dirRepo treats a project as ready when its work directory exists
type dirRepo struct {
	workDir string
}

func (r *dirRepo) Ready(projectID string) (bool, error) {
	info, err := os.Stat(filepath.Join(r.workDir, projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/buildlane/autopilot/internal/domain"
)

// ErrRunFinished is returned when finishing a run that already has a
// terminal status; a run's terminal status is written exactly once.
var ErrRunFinished = errors.New("run already finished")

// CreateRun inserts a new run in running state
func (s *Store) CreateRun(r *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, project_id, status, started_at, finished_at, error_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.ProjectID, string(r.Status), r.StartedAt, r.FinishedAt, nullString(r.ErrorJSON))
	return err
}

// FinishRun writes a run's terminal status. The conditional update makes
// the write exactly-once: a second finish affects zero rows and returns
// ErrRunFinished.
func (s *Store) FinishRun(id string, status domain.RunStatus, errorJSON string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, finished_at = ?, error_json = ?
		WHERE id = ? AND status = 'running'
	`, string(status), time.Now(), nullString(errorJSON), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunFinished
	}
	return nil
}

// GetRun retrieves a run with aggregate attempt counts
func (s *Store) GetRun(id string) (*domain.RunSummary, error) {
	row := s.db.QueryRow(runSummaryQuery+` WHERE r.id = ? GROUP BY r.id`, id)
	return scanRunSummary(row)
}

// GetLatestRun returns the most recently started run for a project, or
// nil when the project has no runs
func (s *Store) GetLatestRun(projectID string) (*domain.RunSummary, error) {
	row := s.db.QueryRow(runSummaryQuery+`
		WHERE r.project_id = ?
		GROUP BY r.id
		ORDER BY r.started_at DESC, r.id DESC
		LIMIT 1
	`, projectID)

	summary, err := scanRunSummary(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return summary, err
}

// ListRuns returns a project's runs newest-first, each annotated with
// attempt counts
func (s *Store) ListRuns(projectID string, limit int) ([]*domain.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(runSummaryQuery+`
		WHERE r.project_id = ?
		GROUP BY r.id
		ORDER BY r.started_at DESC, r.id DESC
		LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.RunSummary
	for rows.Next() {
		summary, err := scanRunSummaryRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, summary)
	}
	return runs, rows.Err()
}

// ListStalledRuns returns runs still marked running with no linked
// attempts that started before the cutoff. These are reported, never
// mutated; stored rows stay the source of truth.
func (s *Store) ListStalledRuns(cutoff time.Time) ([]*domain.Run, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.project_id, r.started_at
		FROM runs r
		WHERE r.status = 'running'
		AND r.started_at < ?
		AND NOT EXISTS (SELECT 1 FROM attempts a WHERE a.run_id = r.id)
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stalled []*domain.Run
	for rows.Next() {
		r := &domain.Run{Status: domain.RunRunning}
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.StartedAt); err != nil {
			return nil, err
		}
		stalled = append(stalled, r)
	}
	return stalled, rows.Err()
}

const runSummaryQuery = `
	SELECT r.id, r.project_id, r.status, r.started_at, r.finished_at, r.error_json,
	       COUNT(a.id) AS attempts_count,
	       COALESCE(SUM(CASE WHEN a.status = 'failed' THEN 1 ELSE 0 END), 0) AS failed_attempts
	FROM runs r
	LEFT JOIN attempts a ON a.run_id = r.id
`

func scanRunSummaryInto(sc rowScanner) (*domain.RunSummary, error) {
	var summary domain.RunSummary
	var status string
	var finishedAt sql.NullTime
	var errorJSON sql.NullString

	err := sc.Scan(&summary.ID, &summary.ProjectID, &status, &summary.StartedAt,
		&finishedAt, &errorJSON, &summary.AttemptsCount, &summary.FailedAttempts)
	if err != nil {
		return nil, err
	}

	summary.Status = domain.RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		summary.FinishedAt = &t
	}
	if errorJSON.Valid {
		summary.ErrorJSON = errorJSON.String
	}
	return &summary, nil
}

func scanRunSummary(row *sql.Row) (*domain.RunSummary, error) {
	return scanRunSummaryInto(row)
}

func scanRunSummaryRows(rows *sql.Rows) (*domain.RunSummary, error) {
	return scanRunSummaryInto(rows)
}

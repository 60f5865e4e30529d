package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/buildlane/autopilot/internal/domain"
)

const attemptColumns = `id, task_id, project_id, run_id, status, queued_at, started_at, finished_at, exit_code, error_text`

// CreateAttempt inserts a new attempt row
func (s *Store) CreateAttempt(a *domain.Attempt) error {
	_, err := s.db.Exec(`
		INSERT INTO attempts (id, task_id, project_id, run_id, status, queued_at, started_at, finished_at, exit_code, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.TaskID,
		a.ProjectID,
		nullString(a.RunID),
		string(a.Status),
		a.QueuedAt,
		a.StartedAt,
		a.FinishedAt,
		nullInt(a.ExitCode),
		nullString(a.ErrorText),
	)
	return err
}

// GetAttempt retrieves an attempt by ID
func (s *Store) GetAttempt(id string) (*domain.Attempt, error) {
	row := s.db.QueryRow(`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	return scanAttempt(row)
}

// ListAttemptsByRun returns a run's attempts ordered by enqueue time
func (s *Store) ListAttemptsByRun(runID string) ([]*domain.Attempt, error) {
	rows, err := s.db.Query(`
		SELECT `+attemptColumns+` FROM attempts WHERE run_id = ? ORDER BY queued_at, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.Attempt
	for rows.Next() {
		a, err := scanAttemptRows(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ClaimNextQueued atomically promotes the oldest queued attempt for a
// project from queued to running, conditioned on the stored row still
// being queued and the running count being under the concurrency limit.
// The single conditional update is the race arbiter: when two scheduling
// passes contend, only one affects a row and the other simply reports no
// claim. Losing the race is not an error.
func (s *Store) ClaimNextQueued(projectID string, limit int) (*domain.Attempt, bool, error) {
	if limit < 1 {
		limit = 1
	}

	row := s.db.QueryRow(`
		UPDATE attempts SET status = 'running', started_at = ?
		WHERE id = (
			SELECT id FROM attempts
			WHERE project_id = ? AND status = 'queued'
			ORDER BY queued_at, id
			LIMIT 1
		)
		AND status = 'queued'
		AND (SELECT COUNT(*) FROM attempts WHERE project_id = ? AND status = 'running') < ?
		RETURNING id
	`, time.Now(), projectID, projectID, limit)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			// Nothing queued, or someone else holds the slot
			return nil, false, nil
		}
		return nil, false, err
	}

	a, err := s.GetAttempt(id)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// MarkAttemptRunning records the start of an attempt that was not claimed
// through the queue (direct execution). Already-running rows are accepted
// as is; terminal rows are never revived.
func (s *Store) MarkAttemptRunning(id string) error {
	res, err := s.db.Exec(`
		UPDATE attempts SET status = 'running', started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN ('pending', 'queued')
	`, time.Now(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	a, err := s.GetAttempt(id)
	if err != nil {
		return err
	}
	if a.Status != domain.AttemptRunning {
		return fmt.Errorf("attempt %s is %s, cannot start", id, a.Status)
	}
	return nil
}

// FinishAttempt writes a terminal status for an attempt. Status transitions
// are monotonic: a row already in a terminal status is left unchanged.
func (s *Store) FinishAttempt(id string, status domain.AttemptStatus, exitCode *int, errorText string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish status %q is not terminal", status)
	}
	_, err := s.db.Exec(`
		UPDATE attempts SET status = ?, finished_at = ?, exit_code = ?, error_text = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'stopped')
	`, string(status), time.Now(), nullInt(exitCode), nullString(errorText), id)
	return err
}

// StopQueuedAttempts marks every still-queued attempt for a project as
// stopped. In-flight attempts are left alone; cancellation is cooperative.
func (s *Store) StopQueuedAttempts(projectID string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE attempts SET status = 'stopped', finished_at = ?
		WHERE project_id = ? AND status IN ('pending', 'queued')
	`, time.Now(), projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRunningAttempts returns the number of attempts currently running
// for a project
func (s *Store) CountRunningAttempts(projectID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM attempts WHERE project_id = ? AND status = 'running'
	`, projectID).Scan(&n)
	return n, err
}

// CountQueuedAttempts returns the number of attempts waiting for a slot
func (s *Store) CountQueuedAttempts(projectID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM attempts WHERE project_id = ? AND status = 'queued'
	`, projectID).Scan(&n)
	return n, err
}

// QueuePosition returns an attempt's 1-indexed FIFO position among queued
// attempts for its project, or ok=false if the attempt is not queued
func (s *Store) QueuePosition(attemptID string) (int, bool, error) {
	var pos int
	err := s.db.QueryRow(`
		SELECT COUNT(*) + 1 FROM attempts older
		JOIN attempts self ON self.id = ?
		WHERE older.project_id = self.project_id
		  AND older.status = 'queued'
		  AND self.status = 'queued'
		  AND (older.queued_at < self.queued_at
		       OR (older.queued_at = self.queued_at AND older.id < self.id))
	`, attemptID).Scan(&pos)
	if err != nil {
		return 0, false, err
	}
	// The join drops every row when the attempt itself is not queued
	var status string
	if err := s.db.QueryRow(`SELECT status FROM attempts WHERE id = ?`, attemptID).Scan(&status); err != nil {
		return 0, false, err
	}
	if status != string(domain.AttemptQueued) {
		return 0, false, nil
	}
	return pos, true, nil
}

// LinkAttemptToRun associates an attempt with a run
func (s *Store) LinkAttemptToRun(attemptID, runID string) error {
	_, err := s.db.Exec(`UPDATE attempts SET run_id = ? WHERE id = ?`, runID, attemptID)
	return err
}

// DeleteFinishedAttemptsBefore removes terminal attempts whose work finished
// before the cutoff, together with their logs and artifacts. Attempts
// linked to a project's most recent run are kept regardless of age: the
// derived status is computed from those rows.
func (s *Store) DeleteFinishedAttemptsBefore(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const old = `
		SELECT id FROM attempts
		WHERE status IN ('completed','failed','stopped')
		AND finished_at < ?
		AND (run_id IS NULL OR run_id NOT IN (
			SELECT id FROM (SELECT id, MAX(started_at) FROM runs GROUP BY project_id)
		))`

	if _, err := tx.Exec(`DELETE FROM logs WHERE attempt_id IN (`+old+`)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM artifacts WHERE attempt_id IN (`+old+`)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM attempts WHERE id IN (`+old+`)`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttemptInto(sc rowScanner) (*domain.Attempt, error) {
	var a domain.Attempt
	var runID, errorText sql.NullString
	var status string
	var startedAt, finishedAt sql.NullTime
	var exitCode sql.NullInt64

	err := sc.Scan(&a.ID, &a.TaskID, &a.ProjectID, &runID, &status, &a.QueuedAt, &startedAt, &finishedAt, &exitCode, &errorText)
	if err != nil {
		return nil, err
	}

	a.Status = domain.AttemptStatus(status)
	if runID.Valid {
		a.RunID = runID.String
	}
	if errorText.Valid {
		a.ErrorText = errorText.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		a.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		a.FinishedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		a.ExitCode = &c
	}
	return &a, nil
}

func scanAttempt(row *sql.Row) (*domain.Attempt, error) {
	return scanAttemptInto(row)
}

func scanAttemptRows(rows *sql.Rows) (*domain.Attempt, error) {
	return scanAttemptInto(rows)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

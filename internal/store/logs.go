package store

import (
	"time"

	"github.com/buildlane/autopilot/internal/domain"
)

// AppendLog stores one log line for an attempt
func (s *Store) AppendLog(attemptID string, level domain.LogLevel, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO logs (attempt_id, timestamp, level, message)
		VALUES (?, ?, ?, ?)
	`, attemptID, time.Now(), string(level), message)
	return err
}

// ListLogsAfter returns up to limit log lines for an attempt with rowid
// greater than cursor, plus the cursor for the next page. nextCursor is
// zero when no further lines exist.
func (s *Store) ListLogsAfter(attemptID string, cursor int64, limit int) ([]*domain.LogLine, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, attempt_id, timestamp, level, message
		FROM logs
		WHERE attempt_id = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, attemptID, cursor, limit+1)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var lines []*domain.LogLine
	for rows.Next() {
		var l domain.LogLine
		var level string
		if err := rows.Scan(&l.ID, &l.AttemptID, &l.Timestamp, &level, &l.Message); err != nil {
			return nil, 0, err
		}
		l.Level = domain.LogLevel(level)
		lines = append(lines, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var nextCursor int64
	if len(lines) > limit {
		lines = lines[:limit]
		nextCursor = lines[len(lines)-1].ID
	}
	return lines, nextCursor, nil
}

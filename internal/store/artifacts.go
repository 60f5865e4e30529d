package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/buildlane/autopilot/internal/domain"
)

// AppendArtifact stores a new artifact for an attempt. Artifacts are
// append-only and never mutated after creation.
func (s *Store) AppendArtifact(attemptID string, kind domain.ArtifactKind, payloadJSON string) (*domain.Artifact, error) {
	a := &domain.Artifact{
		ID:        uuid.NewString(),
		AttemptID: attemptID,
		Kind:      kind,
		Payload:   payloadJSON,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(`
		INSERT INTO artifacts (id, attempt_id, kind, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.AttemptID, string(a.Kind), a.Payload, a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListArtifactsByAttempt returns an attempt's artifacts oldest-first
func (s *Store) ListArtifactsByAttempt(attemptID string) ([]*domain.Artifact, error) {
	rows, err := s.db.Query(`
		SELECT id, attempt_id, kind, payload_json, created_at
		FROM artifacts WHERE attempt_id = ? ORDER BY created_at, id
	`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var kind string
		if err := rows.Scan(&a.ID, &a.AttemptID, &kind, &a.Payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = domain.ArtifactKind(kind)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pressroom/pkg/proto"
)

// ErrAlreadyResolved is returned when resolving an escalation twice.
var ErrAlreadyResolved = errors.New("escalation already resolved")

// InsertEscalation records a new escalation.
func (s *Store) InsertEscalation(esc *proto.Escalation) error {
	contextJSON, err := marshalList(esc.Context)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO escalations (
			id, subject_id, category, question, context, recommendation,
			resolution, resolved, version, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		esc.ID, esc.SubjectID, string(esc.Category), esc.Question, contextJSON,
		esc.Recommendation, esc.Resolution, boolToInt(esc.Resolved), esc.Version,
		esc.CreatedAt, esc.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escalation %s: %w", esc.ID, err)
	}
	return nil
}

// GetEscalation retrieves an escalation by id.
func (s *Store) GetEscalation(id string) (*proto.Escalation, error) {
	row := s.db.QueryRow(escalationSelect+` WHERE id = ?`, id)
	esc, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	return esc, err
}

// FindUnresolved returns the unresolved escalation for a subject and
// category, or ErrNotFound. At most one such escalation can exist; the
// manager enforces this before inserting.
func (s *Store) FindUnresolved(subjectID string, category proto.EscalationCategory) (*proto.Escalation, error) {
	row := s.db.QueryRow(
		escalationSelect+` WHERE subject_id = ? AND category = ? AND resolved = 0`,
		subjectID, string(category),
	)
	esc, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unresolved escalation for %s/%s: %w", subjectID, category, ErrNotFound)
	}
	return esc, err
}

// ListUnresolvedEscalations returns all escalations awaiting a human, oldest first.
func (s *Store) ListUnresolvedEscalations() ([]*proto.Escalation, error) {
	return s.listEscalations(escalationSelect + ` WHERE resolved = 0 ORDER BY created_at ASC, id ASC`)
}

// ListEscalations returns every escalation, oldest first.
func (s *Store) ListEscalations() ([]*proto.Escalation, error) {
	return s.listEscalations(escalationSelect + ` ORDER BY created_at ASC, id ASC`)
}

// ResolveEscalation marks an escalation resolved with the given resolution
// payload, using compare-and-swap on its version. Resolving twice fails with
// ErrAlreadyResolved.
func (s *Store) ResolveEscalation(id, resolution string) (*proto.Escalation, error) {
	esc, err := s.GetEscalation(id)
	if err != nil {
		return nil, err
	}
	if esc.Resolved {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrAlreadyResolved)
	}

	now := time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE escalations SET resolved = 1, resolution = ?, resolved_at = ?, version = version + 1
		WHERE id = ? AND resolved = 0 AND version = ?`,
		resolution, now, id, esc.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve escalation %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check resolve result for %s: %w", id, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrVersionConflict)
	}

	esc.Resolved = true
	esc.Resolution = resolution
	esc.ResolvedAt = &now
	esc.Version++
	return esc, nil
}

const escalationSelect = `
	SELECT id, subject_id, category, question, context, recommendation,
	       resolution, resolved, version, created_at, resolved_at
	FROM escalations`

func (s *Store) listEscalations(query string, args ...any) ([]*proto.Escalation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var escalations []*proto.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escalations = append(escalations, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalations: %w", err)
	}
	return escalations, nil
}

func scanEscalation(row rowScanner) (*proto.Escalation, error) {
	var (
		esc               proto.Escalation
		category, context string
		resolved          int
	)
	err := row.Scan(
		&esc.ID, &esc.SubjectID, &category, &esc.Question, &context,
		&esc.Recommendation, &esc.Resolution, &resolved, &esc.Version,
		&esc.CreatedAt, &esc.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan escalation: %w", err)
	}

	esc.Category = proto.EscalationCategory(category)
	esc.Resolved = resolved != 0
	if err := unmarshalList(context, &esc.Context); err != nil {
		return nil, err
	}
	return &esc, nil
}

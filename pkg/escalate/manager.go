// Package escalate implements the escalation manager: structured
// human-decision requests raised when automation cannot safely decide.
package escalate

import (
	"errors"
	"fmt"
	"time"

	"pressroom/pkg/logx"
	"pressroom/pkg/persistence"
	"pressroom/pkg/proto"
)

// ErrDuplicateEscalation indicates an unresolved escalation already exists
// for the same subject and category. Repeated polling must not spam the
// human queue.
var ErrDuplicateEscalation = errors.New("unresolved escalation already exists for subject")

// Typed resolution errors, re-exported so callers need not import persistence.
var (
	ErrNotFound        = persistence.ErrNotFound
	ErrAlreadyResolved = persistence.ErrAlreadyResolved
)

// Manager creates, tracks, and resolves escalations.
type Manager struct {
	store  *persistence.Store
	logger *logx.Logger
}

// NewManager creates an escalation manager backed by the given store.
func NewManager(store *persistence.Store) *Manager {
	return &Manager{
		store:  store,
		logger: logx.NewLogger("escalate"),
	}
}

// Raise creates a new escalation for a subject. The question must be
// answerable by a human and the context must carry the concrete evidence
// (which checks failed and why) - never a bare "needs review".
func (m *Manager) Raise(subjectID string, category proto.EscalationCategory, question string, context []string, recommendation string) (string, error) {
	if _, err := m.store.FindUnresolved(subjectID, category); err == nil {
		return "", fmt.Errorf("subject %s category %s: %w", subjectID, category, ErrDuplicateEscalation)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return "", err
	}

	esc := &proto.Escalation{
		ID:             proto.GenerateEscalationID(),
		SubjectID:      subjectID,
		Category:       category,
		Question:       question,
		Context:        context,
		Recommendation: recommendation,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.InsertEscalation(esc); err != nil {
		return "", err
	}

	m.logger.Warn("Escalation %s raised for %s (%s): %s", esc.ID, subjectID, category, question)
	return esc.ID, nil
}

// Resolve records a human resolution for an escalation. Fails with
// ErrAlreadyResolved if called twice and ErrNotFound for an unknown id.
// Applying the resolution (unblocking the task it concerns) is the
// orchestration loop's job and the only legal unblock path.
func (m *Manager) Resolve(id, resolution string) (*proto.Escalation, error) {
	esc, err := m.store.ResolveEscalation(id, resolution)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Escalation %s resolved: %s", id, resolution)
	return esc, nil
}

// ListUnresolved returns all escalations still awaiting a human, oldest first.
func (m *Manager) ListUnresolved() ([]*proto.Escalation, error) {
	return m.store.ListUnresolvedEscalations()
}

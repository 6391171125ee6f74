package escalate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressroom/pkg/persistence"
	"pressroom/pkg/proto"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "escalate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store)
}

func TestRaiseAndResolve(t *testing.T) {
	mgr := newTestManager(t)

	id, err := mgr.Raise(
		"item-001-editing", proto.CategoryCompletionFailure,
		"Editing output violated 2 checks. Accept or rework?",
		[]string{"self-validation check failed: tone"},
		"Resolve with \"rework\".",
	)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	open, err := mgr.ListUnresolved()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "item-001-editing", open[0].SubjectID)
	assert.Equal(t, proto.CategoryCompletionFailure, open[0].Category)

	esc, err := mgr.Resolve(id, "rework")
	require.NoError(t, err)
	assert.True(t, esc.Resolved)
	assert.Equal(t, "rework", esc.Resolution)

	open, err = mgr.ListUnresolved()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRaiseDeduplicatesPerSubjectAndCategory(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.Raise("item-001", proto.CategoryReadinessGap, "Missing fields?", []string{"missing risks"}, "")
	require.NoError(t, err)

	// Same subject and category: duplicate.
	_, err = mgr.Raise("item-001", proto.CategoryReadinessGap, "Missing fields?", []string{"missing risks"}, "")
	assert.ErrorIs(t, err, ErrDuplicateEscalation)

	// Same subject, different category: allowed.
	_, err = mgr.Raise("item-001", proto.CategoryDependencyBlocked, "Stalled?", nil, "")
	require.NoError(t, err)

	// After resolution the same category may be raised again.
	open, err := mgr.ListUnresolved()
	require.NoError(t, err)
	for _, esc := range open {
		if esc.Category == proto.CategoryReadinessGap {
			_, err = mgr.Resolve(esc.ID, "revalidate")
			require.NoError(t, err)
		}
	}
	_, err = mgr.Raise("item-001", proto.CategoryReadinessGap, "Still missing fields?", []string{"missing risks"}, "")
	require.NoError(t, err)
}

func TestResolveTwiceFails(t *testing.T) {
	mgr := newTestManager(t)

	id, err := mgr.Raise("item-001", proto.CategoryReadinessGap, "Proceed?", nil, "")
	require.NoError(t, err)

	_, err = mgr.Resolve(id, "proceed")
	require.NoError(t, err)

	_, err = mgr.Resolve(id, "cancel")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveUnknownID(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.Resolve("no-such-id", "proceed")
	assert.ErrorIs(t, err, ErrNotFound)
}

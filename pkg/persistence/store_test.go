package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressroom/pkg/proto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testWorkItem(id string) *proto.WorkItem {
	return &proto.WorkItem{
		ID:                  id,
		Title:               "Write launch post",
		Description:         "Announcement post for the new release",
		SizeEstimate:        "M",
		ApprovedBy:          "editor-in-chief",
		State:               proto.ItemStateQueued,
		AcceptanceCriteria:  []string{"covers all headline features"},
		CompletionCriteria:  []string{"published to staging"},
		QualityRequirements: map[string]string{"tone": "house style"},
		Dependencies:        []string{},
		Risks:               []string{"release date may slip"},
		Priority:            5,
		CreatedAt:           time.Now().UTC(),
	}
}

func testTask(itemID string, phase proto.Phase) *proto.Task {
	role, _ := proto.RoleForPhase(phase)
	now := time.Now().UTC()
	return &proto.Task{
		ID:         proto.TaskID(itemID, phase, 1),
		WorkItemID: itemID,
		Phase:      phase,
		AssignedTo: role,
		Status:     proto.TaskStatusPending,
		DependsOn:  []string{},
		Attempt:    1,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestOpenCreatesStateDirectory(t *testing.T) {
	// The default layout nests the database under a state directory that
	// does not exist on first run.
	path := filepath.Join(t.TempDir(), ".pressroom", "pressroom.db")

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.InsertWorkItem(testWorkItem("item-001")))
}

func TestWorkItemRoundTrip(t *testing.T) {
	store := newTestStore(t)

	item := testWorkItem("item-001")
	require.NoError(t, store.InsertWorkItem(item))

	got, err := store.GetWorkItem("item-001")
	require.NoError(t, err)
	assert.Equal(t, item.Title, got.Title)
	assert.Equal(t, item.AcceptanceCriteria, got.AcceptanceCriteria)
	assert.Equal(t, item.QualityRequirements, got.QualityRequirements)
	assert.Equal(t, proto.ItemStateQueued, got.State)
	assert.Equal(t, 5, got.Priority)
	assert.False(t, got.Cancelled)
}

func TestWorkItemNilListsSurviveRoundTrip(t *testing.T) {
	store := newTestStore(t)

	// Undeclared fields must come back nil, not empty: readiness checks
	// distinguish "never declared" from "declared none".
	item := testWorkItem("item-001")
	item.Dependencies = nil
	item.Risks = []string{}
	require.NoError(t, store.InsertWorkItem(item))

	got, err := store.GetWorkItem("item-001")
	require.NoError(t, err)
	assert.Nil(t, got.Dependencies)
	assert.NotNil(t, got.Risks)
	assert.Empty(t, got.Risks)
}

func TestInsertWorkItemDuplicate(t *testing.T) {
	store := newTestStore(t)

	item := testWorkItem("item-001")
	require.NoError(t, store.InsertWorkItem(item))

	err := store.InsertWorkItem(item)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetWorkItemNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetWorkItem("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListWorkItemsOrdering(t *testing.T) {
	store := newTestStore(t)

	low := testWorkItem("item-low")
	low.Priority = 1
	high := testWorkItem("item-high")
	high.Priority = 9
	mid := testWorkItem("item-mid")
	mid.Priority = 5

	for _, item := range []*proto.WorkItem{low, high, mid} {
		require.NoError(t, store.InsertWorkItem(item))
	}

	items, err := store.ListWorkItems()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "item-high", items[0].ID)
	assert.Equal(t, "item-mid", items[1].ID)
	assert.Equal(t, "item-low", items[2].ID)
}

func TestWorkItemStateAndFlags(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertWorkItem(testWorkItem("item-001")))

	require.NoError(t, store.UpdateWorkItemState("item-001", proto.ItemStateInProgress))
	require.NoError(t, store.SetWorkItemReady("item-001", true))
	require.NoError(t, store.SetWorkItemCancelled("item-001"))

	got, err := store.GetWorkItem("item-001")
	require.NoError(t, err)
	assert.Equal(t, proto.ItemStateInProgress, got.State)
	assert.True(t, got.Ready)
	assert.True(t, got.Cancelled)

	assert.ErrorIs(t, store.UpdateWorkItemState("missing", proto.ItemStateComplete), ErrNotFound)
}

func TestUpdateWorkItemFields(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertWorkItem(testWorkItem("item-001")))
	require.NoError(t, store.UpdateWorkItemState("item-001", proto.ItemStateEscalated))

	amended := testWorkItem("item-001")
	amended.Title = "Write launch post, revised"
	amended.SizeEstimate = "L"
	amended.Priority = 8
	amended.Risks = []string{"scope creep"}
	require.NoError(t, store.UpdateWorkItemFields(amended))

	got, err := store.GetWorkItem("item-001")
	require.NoError(t, err)
	assert.Equal(t, "Write launch post, revised", got.Title)
	assert.Equal(t, "L", got.SizeEstimate)
	assert.Equal(t, 8, got.Priority)
	assert.Equal(t, []string{"scope creep"}, got.Risks)

	// The orchestrator-owned columns are untouched.
	assert.Equal(t, proto.ItemStateEscalated, got.State)
	assert.False(t, got.Ready)
	assert.False(t, got.Cancelled)

	assert.ErrorIs(t, store.UpdateWorkItemFields(testWorkItem("missing")), ErrNotFound)
}

func TestTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertWorkItem(testWorkItem("item-001")))

	task := testTask("item-001", proto.PhaseWriting)
	task.DependsOn = []string{"item-001-research"}
	require.NoError(t, store.InsertTasks([]*proto.Task{task}))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseWriting, got.Phase)
	assert.Equal(t, proto.RoleWriterAgent, got.AssignedTo)
	assert.Equal(t, []string{"item-001-research"}, got.DependsOn)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 1, got.Attempt)
}

func TestUpdateTaskCAS(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertWorkItem(testWorkItem("item-001")))

	task := testTask("item-001", proto.PhaseResearch)
	require.NoError(t, store.InsertTasks([]*proto.Task{task}))

	task.Status = proto.TaskStatusAssigned
	require.NoError(t, store.UpdateTask(task))
	assert.Equal(t, int64(2), task.Version)

	// A writer holding the old version must lose.
	stale := *task
	stale.Version = 1
	stale.Status = proto.TaskStatusInProgress
	assert.ErrorIs(t, store.UpdateTask(&stale), ErrVersionConflict)

	// The current holder proceeds.
	task.Status = proto.TaskStatusInProgress
	require.NoError(t, store.UpdateTask(task))
	assert.Equal(t, int64(3), task.Version)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskStatusInProgress, got.Status)
}

func TestUpdateTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	ghost := testTask("item-x", proto.PhaseResearch)
	assert.ErrorIs(t, store.UpdateTask(ghost), ErrNotFound)
}

func TestListTasksByStatusAndItem(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertWorkItem(testWorkItem("item-001")))

	research := testTask("item-001", proto.PhaseResearch)
	research.Status = proto.TaskStatusAssigned
	writing := testTask("item-001", proto.PhaseWriting)
	require.NoError(t, store.InsertTasks([]*proto.Task{research, writing}))

	assigned, err := store.ListTasksByStatus(proto.TaskStatusAssigned)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, research.ID, assigned[0].ID)

	byItem, err := store.ListTasksByItem("item-001")
	require.NoError(t, err)
	assert.Len(t, byItem, 2)
}

func TestSignalAppendAndPoll(t *testing.T) {
	store := newTestStore(t)

	first := &proto.AgentStatusSignal{
		ID:          proto.GenerateSignalID(),
		TaskID:      "item-001-research",
		AgentRole:   proto.RoleResearchAgent,
		Status:      proto.SignalComplete,
		Validation:  proto.ValidationResult{Passed: true, ChecksRun: []string{"sources-cited"}},
		CompletedAt: time.Now().UTC(),
	}
	second := &proto.AgentStatusSignal{
		ID:          proto.GenerateSignalID(),
		TaskID:      "item-001-writing",
		AgentRole:   proto.RoleWriterAgent,
		Status:      proto.SignalFailed,
		Validation:  proto.ValidationResult{ChecksFailed: []string{"word-count"}},
		CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, store.AppendSignal(first))
	require.NoError(t, store.AppendSignal(second))

	records, err := store.ListSignalsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].Signal.ID)
	assert.True(t, records[0].Signal.Validation.Passed)
	assert.Less(t, records[0].Seq, records[1].Seq)

	// Only signals past the watermark come back.
	records, err = store.ListSignalsAfter(records[0].Seq)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second.ID, records[0].Signal.ID)
}

func TestSignalWatermarkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	store, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, store.SaveSignalWatermark("item-001-research", 3))
	require.NoError(t, store.SaveSignalWatermark("item-001-writing", 5))
	// Upsert: a later mark replaces the earlier one.
	require.NoError(t, store.SaveSignalWatermark("item-001-research", 7))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	marks, err := reopened.LoadSignalWatermarks()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"item-001-research": 7,
		"item-001-writing":  5,
	}, marks)
}

func TestEscalationLifecycle(t *testing.T) {
	store := newTestStore(t)

	esc := &proto.Escalation{
		ID:        proto.GenerateEscalationID(),
		SubjectID: "item-001",
		Category:  proto.CategoryReadinessGap,
		Question:  "Backlog entry is missing fields. Proceed anyway?",
		Context:   []string{"missing size_estimate"},
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertEscalation(esc))

	found, err := store.FindUnresolved("item-001", proto.CategoryReadinessGap)
	require.NoError(t, err)
	assert.Equal(t, esc.ID, found.ID)

	_, err = store.FindUnresolved("item-001", proto.CategoryCompletionFailure)
	assert.ErrorIs(t, err, ErrNotFound)

	resolved, err := store.ResolveEscalation(esc.ID, "proceed")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "proceed", resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = store.ResolveEscalation(esc.ID, "proceed again")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = store.FindUnresolved("item-001", proto.CategoryReadinessGap)
	assert.ErrorIs(t, err, ErrNotFound)

	open, err := store.ListUnresolvedEscalations()
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := store.ListEscalations()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSchemaSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.InsertWorkItem(testWorkItem("item-001")))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetWorkItem("item-001")
	require.NoError(t, err)
	assert.Equal(t, "Write launch post", got.Title)
}

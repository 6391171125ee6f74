// Package queue implements the task queue manager: it fans a work item out
// into one task per workflow phase, wires the dependency chain that enforces
// phase order, and hands out ready tasks in deterministic order.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pressroom/pkg/logx"
	"pressroom/pkg/persistence"
	"pressroom/pkg/proto"
)

// InvalidWorkItemError indicates a work item reached Enqueue without the
// fields the queue requires. Readiness validation should have caught this
// before Enqueue was called; this guard keeps a broken caller from creating
// an unrunnable task chain.
type InvalidWorkItemError struct {
	WorkItemID string
	Missing    []string
}

func (e *InvalidWorkItemError) Error() string {
	return fmt.Sprintf("work item %s is not enqueueable: %s", e.WorkItemID, strings.Join(e.Missing, ", "))
}

// ErrDependencyCycle indicates the generated task graph is not acyclic.
var ErrDependencyCycle = errors.New("dependency cycle detected")

// Manager owns the task queue.
type Manager struct {
	store  *persistence.Store
	logger *logx.Logger
}

// NewManager creates a task queue manager backed by the given store.
func NewManager(store *persistence.Store) *Manager {
	return &Manager{
		store:  store,
		logger: logx.NewLogger("queue"),
	}
}

// Enqueue fans a work item out into one task per workflow phase. Each phase
// depends on the prior phase of the same work item; independent work items
// share no dependencies.
//
// Every task leaves this function with its agent role populated and written
// back to the store - a queue that creates tasks without assignment silently
// defeats the automation goal. The first phase starts in "assigned"; later
// phases start "pending" until their dependency completes.
func (m *Manager) Enqueue(item *proto.WorkItem) ([]*proto.Task, error) {
	var missing []string
	if strings.TrimSpace(item.Title) == "" {
		missing = append(missing, "title")
	}
	if len(item.AcceptanceCriteria) == 0 {
		missing = append(missing, "acceptance criteria")
	}
	if strings.TrimSpace(item.SizeEstimate) == "" {
		missing = append(missing, "size estimate")
	}
	if len(missing) > 0 {
		return nil, &InvalidWorkItemError{WorkItemID: item.ID, Missing: missing}
	}

	return m.fanOut(item)
}

// EnqueueWaived fans a work item out without the field guard. Used when a
// human has explicitly waived a readiness gap: the agents run from whatever
// brief the item carries.
func (m *Manager) EnqueueWaived(item *proto.WorkItem) ([]*proto.Task, error) {
	return m.fanOut(item)
}

func (m *Manager) fanOut(item *proto.WorkItem) ([]*proto.Task, error) {
	now := time.Now().UTC()
	phases := proto.WorkflowPhases()
	tasks := make([]*proto.Task, 0, len(phases))

	var prevID string
	for i, phase := range phases {
		role, err := proto.RoleForPhase(phase)
		if err != nil {
			return nil, fmt.Errorf("failed to assign agent for %s: %w", item.ID, err)
		}

		task := &proto.Task{
			ID:         proto.TaskID(item.ID, phase, 1),
			WorkItemID: item.ID,
			Phase:      phase,
			AssignedTo: role,
			Status:     proto.TaskStatusPending,
			DependsOn:  []string{},
			Attempt:    1,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if i == 0 {
			task.Status = proto.TaskStatusAssigned
			assignedAt := now
			task.AssignedAt = &assignedAt
		} else {
			task.DependsOn = []string{prevID}
		}

		prevID = task.ID
		tasks = append(tasks, task)
	}

	if err := checkAcyclic(tasks); err != nil {
		return nil, fmt.Errorf("work item %s: %w", item.ID, err)
	}

	if err := m.store.InsertTasks(tasks); err != nil {
		return nil, fmt.Errorf("failed to persist tasks for %s: %w", item.ID, err)
	}

	m.logger.Info("Enqueued work item %s: %d tasks, first task %s assigned to %s",
		item.ID, len(tasks), tasks[0].ID, tasks[0].AssignedTo)
	return tasks, nil
}

// NextReady returns all tasks in "assigned" status whose dependencies are
// complete, ordered by work item priority, then creation time, then task id.
// The ordering is a stable sort with the id tiebreak so repeated calls over
// unchanged state return the same slice.
func (m *Manager) NextReady() ([]*proto.Task, error) {
	assigned, err := m.store.ListTasksByStatus(proto.TaskStatusAssigned)
	if err != nil {
		return nil, err
	}

	priorities := make(map[string]int)
	items, err := m.store.ListWorkItems()
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		priorities[item.ID] = item.Priority
	}

	var ready []*proto.Task
	for _, task := range assigned {
		ok, err := m.dependenciesComplete(task)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, task)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := priorities[ready[i].WorkItemID], priorities[ready[j].WorkItemID]
		if pi != pj {
			return pi > pj
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

// PromoteReady advances pending tasks whose dependencies have completed to
// "assigned". Returns the promoted tasks.
func (m *Manager) PromoteReady() ([]*proto.Task, error) {
	pending, err := m.store.ListTasksByStatus(proto.TaskStatusPending)
	if err != nil {
		return nil, err
	}

	var promoted []*proto.Task
	for _, task := range pending {
		ok, err := m.dependenciesComplete(task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := m.Transition(task, proto.TaskStatusAssigned); err != nil {
			return nil, err
		}
		promoted = append(promoted, task)
	}
	return promoted, nil
}

// Transition moves a task to a new status, enforcing the task state machine,
// and writes the change back with compare-and-swap.
func (m *Manager) Transition(task *proto.Task, to proto.TaskStatus) error {
	if !proto.IsValidTaskTransition(task.Status, to) {
		return fmt.Errorf("invalid task transition %s -> %s for %s", task.Status, to, task.ID)
	}

	now := time.Now().UTC()
	task.Status = to
	switch to {
	case proto.TaskStatusAssigned:
		task.AssignedAt = &now
	case proto.TaskStatusComplete:
		task.CompletedAt = &now
	}

	if err := m.store.UpdateTask(task); err != nil {
		return err
	}
	m.logger.Debug("Task %s -> %s", task.ID, to)
	return nil
}

// CreateRework creates a fresh task for the same phase after a rejection.
// The rejected task stays in the store as terminal history; the replacement
// carries the next attempt number and starts assigned, since its
// dependencies were already satisfied when the original ran.
func (m *Manager) CreateRework(rejected *proto.Task) (*proto.Task, error) {
	now := time.Now().UTC()
	assignedAt := now

	rework := &proto.Task{
		ID:         proto.TaskID(rejected.WorkItemID, rejected.Phase, rejected.Attempt+1),
		WorkItemID: rejected.WorkItemID,
		Phase:      rejected.Phase,
		AssignedTo: rejected.AssignedTo,
		Status:     proto.TaskStatusAssigned,
		DependsOn:  rejected.DependsOn,
		Attempt:    rejected.Attempt + 1,
		Version:    1,
		CreatedAt:  now,
		AssignedAt: &assignedAt,
		UpdatedAt:  now,
	}

	if err := m.store.InsertTasks([]*proto.Task{rework}); err != nil {
		return nil, fmt.Errorf("failed to create rework task for %s: %w", rejected.ID, err)
	}

	m.logger.Info("Created rework task %s (attempt %d) replacing %s", rework.ID, rework.Attempt, rejected.ID)
	return rework, nil
}

// dependenciesComplete reports whether every dependency of a task is
// satisfied. A dependency is satisfied when the referenced task is complete,
// or when a rework of the same work item phase has completed in its place.
func (m *Manager) dependenciesComplete(task *proto.Task) (bool, error) {
	for _, depID := range task.DependsOn {
		dep, err := m.store.GetTask(depID)
		if err != nil {
			return false, fmt.Errorf("task %s depends on unknown task: %w", task.ID, err)
		}
		if dep.Status == proto.TaskStatusComplete {
			continue
		}

		// Rejected dependencies may have been replaced by a rework task.
		satisfied := false
		if dep.Status == proto.TaskStatusRejected {
			siblings, err := m.store.ListTasksByItem(task.WorkItemID)
			if err != nil {
				return false, err
			}
			for _, sib := range siblings {
				if sib.Phase == dep.Phase && sib.Status == proto.TaskStatusComplete {
					satisfied = true
					break
				}
			}
		}
		if !satisfied {
			return false, nil
		}
	}
	return true, nil
}

// checkAcyclic verifies the generated task graph has no dependency cycles.
// The fixed linear workflow cannot produce one, but the check keeps a future
// branching workflow definition from corrupting task ordering.
func checkAcyclic(tasks []*proto.Task) error {
	deps := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		deps[task.ID] = task.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: at task %s", ErrDependencyCycle, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if _, local := deps[dep]; !local {
				continue // Dependency on an already-persisted task.
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, task := range tasks {
		if err := visit(task.ID); err != nil {
			return err
		}
	}
	return nil
}

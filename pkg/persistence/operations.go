package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pressroom/pkg/proto"
)

// marshalList serializes a string slice to its JSON column form. A nil slice
// round-trips as null: a backlog field that was never declared must stay
// distinguishable from one explicitly declared empty, since readiness checks
// treat the two differently.
func marshalList(list []string) (string, error) {
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal list: %w", err)
	}
	return string(data), nil
}

// unmarshalList deserializes a JSON column into a string slice. A malformed
// column is a corruption error: the loop must refuse to proceed rather than
// guess at task ordering.
func unmarshalList(raw string, out *[]string) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: malformed list column %q: %v", ErrCorruptRecord, raw, err)
	}
	return nil
}

// workItemColumns holds the JSON column forms of a work item's list and map
// fields.
type workItemColumns struct {
	criteria   string
	completion string
	deps       string
	risks      string
	quality    string
}

func marshalWorkItemColumns(item *proto.WorkItem) (workItemColumns, error) {
	var cols workItemColumns
	var err error
	if cols.criteria, err = marshalList(item.AcceptanceCriteria); err != nil {
		return cols, err
	}
	if cols.completion, err = marshalList(item.CompletionCriteria); err != nil {
		return cols, err
	}
	if cols.deps, err = marshalList(item.Dependencies); err != nil {
		return cols, err
	}
	if cols.risks, err = marshalList(item.Risks); err != nil {
		return cols, err
	}
	quality := item.QualityRequirements
	if quality == nil {
		quality = map[string]string{}
	}
	qualityJSON, err := json.Marshal(quality)
	if err != nil {
		return cols, fmt.Errorf("failed to marshal quality requirements: %w", err)
	}
	cols.quality = string(qualityJSON)
	return cols, nil
}

// InsertWorkItem appends a work item to the store. The intake feed is
// append-only; inserting an existing id fails with ErrAlreadyExists.
func (s *Store) InsertWorkItem(item *proto.WorkItem) error {
	cols, err := marshalWorkItemColumns(item)
	if err != nil {
		return err
	}

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM work_items WHERE id = ?`, item.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check work item %s: %w", item.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("work item %s: %w", item.ID, ErrAlreadyExists)
	}

	_, err = s.db.Exec(`
		INSERT INTO work_items (
			id, title, description, size_estimate, approved_by, state,
			acceptance_criteria, completion_criteria, dependencies, risks,
			quality_requirements, priority, ready, cancelled, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, item.Description, item.SizeEstimate, item.ApprovedBy,
		string(item.State), cols.criteria, cols.completion, cols.deps, cols.risks,
		cols.quality, item.Priority, boolToInt(item.Ready), boolToInt(item.Cancelled),
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item %s: %w", item.ID, err)
	}
	return nil
}

// UpdateWorkItemFields overwrites the feed-owned descriptive fields of a work
// item. State, readiness, and cancellation stay untouched; those columns
// belong to the orchestrator.
func (s *Store) UpdateWorkItemFields(item *proto.WorkItem) error {
	cols, err := marshalWorkItemColumns(item)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE work_items SET
			title = ?, description = ?, size_estimate = ?, approved_by = ?,
			acceptance_criteria = ?, completion_criteria = ?, dependencies = ?,
			risks = ?, quality_requirements = ?, priority = ?
		WHERE id = ?`,
		item.Title, item.Description, item.SizeEstimate, item.ApprovedBy,
		cols.criteria, cols.completion, cols.deps, cols.risks, cols.quality,
		item.Priority, item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item fields for %s: %w", item.ID, err)
	}
	return requireRowAffected(result, item.ID)
}

// GetWorkItem retrieves a work item by id.
func (s *Store) GetWorkItem(id string) (*proto.WorkItem, error) {
	row := s.db.QueryRow(`
		SELECT id, title, description, size_estimate, approved_by, state,
		       acceptance_criteria, completion_criteria, dependencies, risks,
		       quality_requirements, priority, ready, cancelled, created_at
		FROM work_items WHERE id = ?`, id)

	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return item, err
}

// ListWorkItems returns all work items ordered by priority then creation time.
func (s *Store) ListWorkItems() ([]*proto.WorkItem, error) {
	rows, err := s.db.Query(`
		SELECT id, title, description, size_estimate, approved_by, state,
		       acceptance_criteria, completion_criteria, dependencies, risks,
		       quality_requirements, priority, ready, cancelled, created_at
		FROM work_items ORDER BY priority DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query work items: %w", err)
	}
	defer rows.Close()

	var items []*proto.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate work items: %w", err)
	}
	return items, nil
}

// UpdateWorkItemState records the loop's state for a work item. State is the
// only work item field the orchestrator owns.
func (s *Store) UpdateWorkItemState(id string, state proto.ItemState) error {
	result, err := s.db.Exec(`UPDATE work_items SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to update work item state for %s: %w", id, err)
	}
	return requireRowAffected(result, id)
}

// SetWorkItemReady records the readiness validation outcome.
func (s *Store) SetWorkItemReady(id string, ready bool) error {
	result, err := s.db.Exec(`UPDATE work_items SET ready = ? WHERE id = ?`, boolToInt(ready), id)
	if err != nil {
		return fmt.Errorf("failed to update readiness for %s: %w", id, err)
	}
	return requireRowAffected(result, id)
}

// SetWorkItemCancelled mirrors an external cancellation into the store.
func (s *Store) SetWorkItemCancelled(id string) error {
	result, err := s.db.Exec(`UPDATE work_items SET cancelled = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark work item %s cancelled: %w", id, err)
	}
	return requireRowAffected(result, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*proto.WorkItem, error) {
	var (
		item                                        proto.WorkItem
		state                                       string
		criteria, completion, deps, risks, quality  string
		ready, cancelled                            int
	)
	err := row.Scan(
		&item.ID, &item.Title, &item.Description, &item.SizeEstimate, &item.ApprovedBy,
		&state, &criteria, &completion, &deps, &risks, &quality,
		&item.Priority, &ready, &cancelled, &item.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}

	item.State = proto.ItemState(state)
	item.Ready = ready != 0
	item.Cancelled = cancelled != 0

	if err := unmarshalList(criteria, &item.AcceptanceCriteria); err != nil {
		return nil, err
	}
	if err := unmarshalList(completion, &item.CompletionCriteria); err != nil {
		return nil, err
	}
	if err := unmarshalList(deps, &item.Dependencies); err != nil {
		return nil, err
	}
	if err := unmarshalList(risks, &item.Risks); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(quality), &item.QualityRequirements); err != nil {
		return nil, fmt.Errorf("%w: malformed quality requirements for %s: %v", ErrCorruptRecord, item.ID, err)
	}
	return &item, nil
}

// InsertTasks inserts a batch of tasks atomically. Tasks for a work item are
// created together at enqueue time and are immutable in number and ordering
// thereafter.
func (s *Store) InsertTasks(tasks []*proto.Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, task := range tasks {
		deps, err := marshalList(task.DependsOn)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO tasks (
				id, work_item_id, phase, assigned_to, status, depends_on,
				attempt, version, created_at, assigned_at, completed_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.WorkItemID, string(task.Phase), string(task.AssignedTo),
			string(task.Status), deps, task.Attempt, task.Version,
			task.CreatedAt, task.AssignedAt, task.CompletedAt, task.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task batch: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id string) (*proto.Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// ListTasksByItem returns all tasks for a work item in creation order.
func (s *Store) ListTasksByItem(workItemID string) ([]*proto.Task, error) {
	return s.listTasks(taskSelect+` WHERE work_item_id = ? ORDER BY created_at ASC, id ASC`, workItemID)
}

// ListTasksByStatus returns all tasks in the given status, ordered by
// creation time then id for determinism.
func (s *Store) ListTasksByStatus(status proto.TaskStatus) ([]*proto.Task, error) {
	return s.listTasks(taskSelect+` WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
}

// ListTasks returns every task in the store.
func (s *Store) ListTasks() ([]*proto.Task, error) {
	return s.listTasks(taskSelect + ` ORDER BY created_at ASC, id ASC`)
}

const taskSelect = `
	SELECT id, work_item_id, phase, assigned_to, status, depends_on,
	       attempt, version, created_at, assigned_at, completed_at, updated_at
	FROM tasks`

func (s *Store) listTasks(query string, args ...any) ([]*proto.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*proto.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (*proto.Task, error) {
	var (
		task                      proto.Task
		phase, assignedTo, status string
		deps                      string
	)
	err := row.Scan(
		&task.ID, &task.WorkItemID, &phase, &assignedTo, &status, &deps,
		&task.Attempt, &task.Version, &task.CreatedAt, &task.AssignedAt,
		&task.CompletedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Phase = proto.Phase(phase)
	task.AssignedTo = proto.AgentRole(assignedTo)
	task.Status = proto.TaskStatus(status)
	if !proto.IsValidPhase(task.Phase) {
		return nil, fmt.Errorf("%w: task %s has unknown phase %q", ErrCorruptRecord, task.ID, phase)
	}
	if err := unmarshalList(deps, &task.DependsOn); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask writes back a mutated task using compare-and-swap on its
// version. On success the task's Version field is advanced in place.
func (s *Store) UpdateTask(task *proto.Task) error {
	deps, err := marshalList(task.DependsOn)
	if err != nil {
		return err
	}

	task.UpdatedAt = time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE tasks SET
			status = ?, assigned_to = ?, depends_on = ?, attempt = ?,
			assigned_at = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(task.Status), string(task.AssignedTo), deps, task.Attempt,
		task.AssignedAt, task.CompletedAt, task.UpdatedAt,
		task.ID, task.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result for task %s: %w", task.ID, err)
	}
	if affected == 0 {
		// Distinguish a missing row from a concurrent writer.
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, task.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check task %s: %w", task.ID, err)
		}
		if exists == 0 {
			return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
		}
		return fmt.Errorf("task %s: %w", task.ID, ErrVersionConflict)
	}

	task.Version++
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRowAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result for %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return nil
}

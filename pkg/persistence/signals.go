package persistence

import (
	"encoding/json"
	"fmt"

	"pressroom/pkg/proto"
)

// SignalRecord pairs an agent status signal with its store sequence number.
// The monitor uses Seq as its per-task high-water mark.
type SignalRecord struct {
	Signal proto.AgentStatusSignal
	Seq    int64
}

// AppendSignal records an agent status signal. The write side of this table
// belongs to the external agents; the orchestrator only appends in tests and
// via agent tooling.
func (s *Store) AppendSignal(sig *proto.AgentStatusSignal) error {
	validation, err := json.Marshal(sig.Validation)
	if err != nil {
		return fmt.Errorf("failed to marshal validation result: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO agent_signals (
			id, task_id, agent_role, status, output, validation, next_agent, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.TaskID, string(sig.AgentRole), string(sig.Status),
		sig.Output, string(validation), string(sig.NextAgent), sig.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append signal %s: %w", sig.ID, err)
	}
	return nil
}

// LoadSignalWatermarks returns the persisted per-task consumption marks.
// Signals at or below their task's mark have already been processed and must
// not be redelivered after a restart.
func (s *Store) LoadSignalWatermarks() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT task_id, seq FROM signal_watermarks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal watermarks: %w", err)
	}
	defer rows.Close()

	marks := make(map[string]int64)
	for rows.Next() {
		var taskID string
		var seq int64
		if err := rows.Scan(&taskID, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan signal watermark: %w", err)
		}
		marks[taskID] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signal watermarks: %w", err)
	}
	return marks, nil
}

// SaveSignalWatermark records that signals for taskID up to and including seq
// have been consumed.
func (s *Store) SaveSignalWatermark(taskID string, seq int64) error {
	_, err := s.db.Exec(`
		INSERT INTO signal_watermarks (task_id, seq) VALUES (?, ?)
		ON CONFLICT(task_id) DO UPDATE SET seq = excluded.seq`,
		taskID, seq,
	)
	if err != nil {
		return fmt.Errorf("failed to save signal watermark for %s: %w", taskID, err)
	}
	return nil
}

// ListSignalsAfter returns signals with a sequence number greater than seq,
// in arrival order.
func (s *Store) ListSignalsAfter(seq int64) ([]SignalRecord, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, task_id, agent_role, status, output, validation, next_agent, completed_at
		FROM agent_signals WHERE seq > ? ORDER BY seq ASC`, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var records []SignalRecord
	for rows.Next() {
		var (
			rec               SignalRecord
			role, status, next string
			validation        string
		)
		err := rows.Scan(
			&rec.Seq, &rec.Signal.ID, &rec.Signal.TaskID, &role, &status,
			&rec.Signal.Output, &validation, &next, &rec.Signal.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		rec.Signal.AgentRole = proto.AgentRole(role)
		rec.Signal.Status = proto.SignalStatus(status)
		rec.Signal.NextAgent = proto.AgentRole(next)
		if err := json.Unmarshal([]byte(validation), &rec.Signal.Validation); err != nil {
			return nil, fmt.Errorf("%w: malformed validation for signal %s: %v", ErrCorruptRecord, rec.Signal.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signals: %w", err)
	}
	return records, nil
}

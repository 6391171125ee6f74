// Package monitor implements the agent status monitor: it consumes the
// completion signals external agents write into the store, determines which
// agent role runs next in the workflow, and flags tasks that look stalled.
package monitor

import (
	"time"

	"pressroom/pkg/logx"
	"pressroom/pkg/persistence"
	"pressroom/pkg/proto"
)

// Monitor reads the agent status channel. It keeps a high-water mark per
// task id so a signal already consumed is never returned again, even if the
// store is re-read. The marks are persisted, so a restarted orchestrator
// never re-gates a signal it already acted on.
type Monitor struct {
	store      *persistence.Store
	logger     *logx.Logger
	watermarks map[string]int64 // task id -> highest consumed signal seq
	lastSeq    int64            // highest seq seen overall, bounds the store query
}

// New creates a status monitor backed by the given store. The persisted
// watermarks are loaded on the first poll.
func New(store *persistence.Store) *Monitor {
	return &Monitor{
		store:  store,
		logger: logx.NewLogger("monitor"),
	}
}

// PollSignals returns signals that have arrived since the last poll, in
// arrival order, up to limit. Idempotent: polling twice without new arrivals
// returns nothing the second time. The watermark is tracked per task id, not
// per poll call, so interleaved signals for different tasks are each
// delivered exactly once, across restarts.
func (m *Monitor) PollSignals(limit int) ([]*proto.AgentStatusSignal, error) {
	if m.watermarks == nil {
		marks, err := m.store.LoadSignalWatermarks()
		if err != nil {
			return nil, err
		}
		m.watermarks = marks
		// Every seq at or below the highest mark has been consumed: polls
		// advance through the signal table in seq order.
		for _, seq := range marks {
			if seq > m.lastSeq {
				m.lastSeq = seq
			}
		}
	}

	records, err := m.store.ListSignalsAfter(m.lastSeq)
	if err != nil {
		return nil, err
	}

	var fresh []*proto.AgentStatusSignal
	for i := range records {
		rec := records[i]
		if rec.Seq > m.lastSeq {
			m.lastSeq = rec.Seq
		}
		if rec.Seq <= m.watermarks[rec.Signal.TaskID] {
			continue
		}
		m.watermarks[rec.Signal.TaskID] = rec.Seq
		if err := m.store.SaveSignalWatermark(rec.Signal.TaskID, rec.Seq); err != nil {
			return nil, err
		}

		sig := rec.Signal
		fresh = append(fresh, &sig)
		if limit > 0 && len(fresh) >= limit {
			break
		}
	}

	if len(fresh) > 0 {
		m.logger.Debug("Polled %d new signals (seq high-water %d)", len(fresh), m.lastSeq)
	}
	return fresh, nil
}

// NextAgent returns the agent role for the phase following a completed
// task's phase, or false if the task was the terminal workflow phase.
func (m *Monitor) NextAgent(task *proto.Task) (proto.AgentRole, bool) {
	next, ok := proto.NextPhase(task.Phase)
	if !ok {
		return "", false
	}
	role, err := proto.RoleForPhase(next)
	if err != nil {
		// Unreachable while NextPhase only yields workflow phases.
		m.logger.Error("No role for phase %s: %v", next, err)
		return "", false
	}
	return role, true
}

// DetectBlocked returns in-progress tasks whose last update is older than
// maxAge. This is a heuristic for escalation, not a timeout: callers must
// only flag the returned tasks, never cancel them.
func (m *Monitor) DetectBlocked(maxAge time.Duration) ([]*proto.Task, error) {
	inProgress, err := m.store.ListTasksByStatus(proto.TaskStatusInProgress)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var stale []*proto.Task
	for _, task := range inProgress {
		if task.UpdatedAt.Before(cutoff) {
			stale = append(stale, task)
		}
	}
	return stale, nil
}

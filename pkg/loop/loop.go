// Package loop implements the orchestration loop: a single-threaded
// cooperative polling loop that admits work items, drives the task queue,
// applies gate decisions, and routes unresolved ambiguity to the escalation
// manager until the sprint is closed out.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pressroom/pkg/config"
	"pressroom/pkg/escalate"
	"pressroom/pkg/eventlog"
	"pressroom/pkg/gate"
	"pressroom/pkg/intake"
	"pressroom/pkg/logx"
	"pressroom/pkg/metrics"
	"pressroom/pkg/monitor"
	"pressroom/pkg/persistence"
	"pressroom/pkg/proto"
	"pressroom/pkg/queue"
)

// Orchestrator ties the queue manager, status monitor, gate validator, and
// escalation manager together. All state lives in the store; the
// orchestrator itself only carries the monitor's signal watermark and the
// set of escalation resolutions it has already applied.
type Orchestrator struct {
	cfg         config.Config
	store       *persistence.Store
	queue       *queue.Manager
	monitor     *monitor.Monitor
	gate        *gate.Validator
	escalations *escalate.Manager
	intake      *intake.Intake
	events      *eventlog.Writer
	metrics     *metrics.Metrics
	logger      *logx.Logger

	applied map[string]bool // escalation ids whose resolution has been applied
}

// New wires up an orchestrator over the given store and intake feed.
func New(cfg config.Config, store *persistence.Store, feed *intake.Intake, events *eventlog.Writer, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		store:       store,
		queue:       queue.NewManager(store),
		monitor:     monitor.New(store),
		gate:        gate.NewValidator(gate.Policy{EscalateThreshold: cfg.GateEscalateThreshold}),
		escalations: escalate.NewManager(store),
		intake:      feed,
		events:      events,
		metrics:     m,
		logger:      logx.NewLogger("loop"),
		applied:     make(map[string]bool),
	}
}

// Run executes ticks until the sprint closes, the context is cancelled, or a
// fatal store error surfaces. The loop never blocks on an external agent:
// agents write their signals asynchronously and the next tick discovers
// them.
func (o *Orchestrator) Run(ctx context.Context) error {
	wake, err := o.intake.Watch(ctx)
	if err != nil {
		// Watcher is an optimization; the per-tick rescan still covers intake.
		o.logger.Warn("Intake watch unavailable, relying on poll interval: %v", err)
		wake = make(chan struct{})
	}

	interval := time.Duration(o.cfg.PollIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("Orchestration loop started (interval %s)", interval)
	for {
		if err := o.Tick(ctx); err != nil {
			return err
		}

		closed, err := o.sprintClosed()
		if err != nil {
			return err
		}
		if closed {
			o.logger.Info("Sprint closed: all work items terminal")
			return nil
		}

		select {
		case <-ctx.Done():
			o.logger.Info("Orchestration loop cancelled")
			return nil
		case <-ticker.C:
		case <-wake:
			o.logger.Debug("Woken early by intake activity")
		}
	}
}

// Tick runs one logical pass: cancellations first, then intake and
// readiness, signal processing, blocked detection, resolution application,
// and dependency-ordered task release. Integrity errors on a single entity
// are logged and skipped; store corruption aborts the tick with an error.
func (o *Orchestrator) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		o.metrics.TicksTotal.Inc()
		o.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	steps := []func(context.Context) error{
		o.applyCancellations,
		o.admitIntake,
		o.admitQueuedItems,
		o.processSignals,
		o.detectBlockedTasks,
		o.applyResolutions,
		o.releaseReadyTasks,
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			return nil
		}
		if err := step(ctx); err != nil {
			if errors.Is(err, persistence.ErrCorruptRecord) {
				return logx.Wrap(err, "store corruption detected, refusing to proceed")
			}
			o.logger.Error("Tick step failed: %v", err)
		}
	}

	return o.updateGauges()
}

// admitIntake pulls new backlog items from the feed into the store.
func (o *Orchestrator) admitIntake(context.Context) error {
	fresh, err := o.intake.Scan()
	if err != nil {
		return err
	}
	for _, item := range fresh {
		if err := o.events.Write(&eventlog.Event{
			Type:      eventlog.EventItemQueued,
			SubjectID: item.ID,
			Detail:    map[string]any{"title": item.Title},
		}); err != nil {
			o.logger.Warn("Failed to log intake event for %s: %v", item.ID, err)
		}
	}
	return nil
}

// applyCancellations propagates external cancellations: every non-terminal
// task of a cancelled item is marked cancelled, without raising escalations
// for any of them. Runs at the top of the tick.
func (o *Orchestrator) applyCancellations(context.Context) error {
	items, err := o.store.ListWorkItems()
	if err != nil {
		return err
	}

	for _, item := range items {
		if !item.Cancelled || proto.IsTerminalItemState(item.State) {
			continue
		}

		tasks, err := o.store.ListTasksByItem(item.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if proto.IsTerminalTaskStatus(task.Status) {
				continue
			}
			if err := o.queue.Transition(task, proto.TaskStatusCancelled); err != nil {
				return err
			}
		}

		if err := o.closeItem(item.ID, proto.ItemStateCancelled, eventlog.EventItemCancelled, nil); err != nil {
			return err
		}
		o.logger.Info("Work item %s cancelled, %d tasks swept", item.ID, len(tasks))
	}
	return nil
}

// admitQueuedItems validates readiness for newly queued work items and fans
// the ready ones out into tasks, up to the in-flight limit. Items that fail
// readiness are escalated with the concrete missing fields and not enqueued.
func (o *Orchestrator) admitQueuedItems(context.Context) error {
	items, err := o.store.ListWorkItems()
	if err != nil {
		return err
	}

	// Only items with live tasks occupy agent capacity. Escalated items are
	// waiting on a human and must not starve admission of ready work.
	inFlight := 0
	for _, item := range items {
		if item.State == proto.ItemStateInProgress || item.State == proto.ItemStateAwaitingGate {
			inFlight++
		}
	}

	for _, item := range items {
		if item.State != proto.ItemStateQueued || item.Cancelled {
			continue
		}
		if inFlight >= o.cfg.MaxInFlightItems {
			o.logger.Debug("In-flight limit %d reached, %s stays queued", o.cfg.MaxInFlightItems, item.ID)
			break
		}

		ok, missing := o.gate.ValidateReadiness(item)
		if !ok {
			// Readiness failures always go to a human, never auto-reject:
			// the gap is in the backlog entry, not the agent's work.
			if _, err := o.raiseEscalation(
				item.ID, proto.CategoryReadinessGap,
				fmt.Sprintf("Work item %q is missing required fields. Amend the backlog entry or waive readiness?", item.Title),
				missing,
				"Amend the backlog entry and resolve with \"revalidate\", or resolve with \"proceed\" to waive.",
			); err != nil {
				return err
			}
			if err := o.store.UpdateWorkItemState(item.ID, proto.ItemStateEscalated); err != nil {
				return err
			}
			continue
		}

		if err := o.store.SetWorkItemReady(item.ID, true); err != nil {
			return err
		}
		decision := o.gate.Decide(item.ID, nil)
		o.metrics.GateDecisions.WithLabelValues(string(decision.Verdict)).Inc()
		if err := o.enqueueItem(item, &decision, false); err != nil {
			return err
		}
		inFlight++
	}
	return nil
}

func (o *Orchestrator) enqueueItem(item *proto.WorkItem, decision *proto.GateDecision, waived bool) error {
	var tasks []*proto.Task
	var err error
	if waived {
		tasks, err = o.queue.EnqueueWaived(item)
	} else {
		tasks, err = o.queue.Enqueue(item)
	}
	if err != nil {
		var invalid *queue.InvalidWorkItemError
		if errors.As(err, &invalid) {
			// Readiness passed but the queue disagrees; a human sorts it out.
			_, raiseErr := o.raiseEscalation(
				item.ID, proto.CategoryReadinessGap,
				fmt.Sprintf("Work item %q passed readiness but could not be enqueued.", item.Title),
				invalid.Missing,
				"Inspect the backlog entry for field mismatches.",
			)
			return raiseErr
		}
		return err
	}

	if err := o.store.UpdateWorkItemState(item.ID, proto.ItemStateInProgress); err != nil {
		return err
	}
	return o.events.Write(&eventlog.Event{
		Type:      eventlog.EventItemEnqueued,
		SubjectID: item.ID,
		Decision:  decision,
		Detail:    map[string]any{"tasks": len(tasks)},
	})
}

// processSignals consumes new agent status signals and applies one gate
// decision per signal: approve advances the workflow, escalate parks the
// task behind a human question, reject spawns a rework task.
func (o *Orchestrator) processSignals(context.Context) error {
	signals, err := o.monitor.PollSignals(o.cfg.SignalBatchSize)
	if err != nil {
		return err
	}

	for _, sig := range signals {
		task, err := o.store.GetTask(sig.TaskID)
		if errors.Is(err, persistence.ErrNotFound) {
			o.logger.Warn("Signal %s references unknown task %s, dropped", sig.ID, sig.TaskID)
			continue
		}
		if err != nil {
			return err
		}
		if proto.IsTerminalTaskStatus(task.Status) || task.Status == proto.TaskStatusBlocked {
			o.logger.Debug("Signal %s for %s ignored (status %s)", sig.ID, task.ID, task.Status)
			continue
		}

		// The agent picked the task up and finished between ticks.
		if task.Status == proto.TaskStatusAssigned {
			if err := o.queue.Transition(task, proto.TaskStatusInProgress); err != nil {
				return err
			}
		}

		if err := o.store.UpdateWorkItemState(task.WorkItemID, proto.ItemStateAwaitingGate); err != nil {
			return err
		}

		_, issues := o.gate.ValidateCompletion(task, sig)
		decision := o.gate.Decide(task.ID, issues)
		o.metrics.GateDecisions.WithLabelValues(string(decision.Verdict)).Inc()
		if err := o.events.Write(&eventlog.Event{
			Type:      eventlog.EventGateDecision,
			SubjectID: task.ID,
			Decision:  &decision,
		}); err != nil {
			o.logger.Warn("Failed to log gate decision for %s: %v", task.ID, err)
		}

		switch decision.Verdict {
		case proto.VerdictApprove:
			err = o.approveTask(task, &decision)
		case proto.VerdictEscalate:
			err = o.escalateTask(task, &decision)
		case proto.VerdictReject:
			err = o.rejectTask(task, &decision)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) approveTask(task *proto.Task, decision *proto.GateDecision) error {
	if err := o.queue.Transition(task, proto.TaskStatusComplete); err != nil {
		return err
	}
	if err := o.events.Write(&eventlog.Event{
		Type:      eventlog.EventTaskTransition,
		SubjectID: task.ID,
		Decision:  decision,
		Detail:    map[string]any{"status": string(task.Status)},
	}); err != nil {
		o.logger.Warn("Failed to log transition for %s: %v", task.ID, err)
	}

	if next, ok := o.monitor.NextAgent(task); ok {
		o.logger.Info("Task %s approved, next phase handled by %s", task.ID, next)
		return o.store.UpdateWorkItemState(task.WorkItemID, proto.ItemStateInProgress)
	}

	// Terminal phase: the item closes once every phase has a completed task.
	done, err := o.itemComplete(task.WorkItemID)
	if err != nil {
		return err
	}
	if !done {
		return o.store.UpdateWorkItemState(task.WorkItemID, proto.ItemStateInProgress)
	}

	o.logger.Info("Work item %s complete", task.WorkItemID)
	return o.closeItem(task.WorkItemID, proto.ItemStateComplete, eventlog.EventItemClosed, decision)
}

func (o *Orchestrator) escalateTask(task *proto.Task, decision *proto.GateDecision) error {
	if _, err := o.raiseEscalation(
		task.ID, proto.CategoryCompletionFailure,
		fmt.Sprintf("Task %s (%s phase) completed with ambiguous quality. Accept the output or send it back?", task.ID, task.Phase),
		decision.Issues,
		"Review the violated checks; resolve with \"accept\" or \"rework\".",
	); err != nil {
		return err
	}
	if err := o.queue.Transition(task, proto.TaskStatusBlocked); err != nil {
		return err
	}
	return o.store.UpdateWorkItemState(task.WorkItemID, proto.ItemStateEscalated)
}

func (o *Orchestrator) rejectTask(task *proto.Task, decision *proto.GateDecision) error {
	if err := o.queue.Transition(task, proto.TaskStatusRejected); err != nil {
		return err
	}

	if task.Attempt >= o.cfg.MaxReworkAttempts {
		o.logger.Warn("Task %s rejected on attempt %d, rework budget exhausted", task.ID, task.Attempt)
		tasks, err := o.store.ListTasksByItem(task.WorkItemID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if !proto.IsTerminalTaskStatus(t.Status) {
				if err := o.queue.Transition(t, proto.TaskStatusCancelled); err != nil {
					return err
				}
			}
		}
		return o.closeItem(task.WorkItemID, proto.ItemStateRejectedExhausted, eventlog.EventItemClosed, decision)
	}

	rework, err := o.queue.CreateRework(task)
	if err != nil {
		return err
	}
	if err := o.events.Write(&eventlog.Event{
		Type:      eventlog.EventReworkCreated,
		SubjectID: rework.ID,
		Decision:  decision,
		Detail:    map[string]any{"replaces": task.ID, "attempt": rework.Attempt},
	}); err != nil {
		o.logger.Warn("Failed to log rework event for %s: %v", rework.ID, err)
	}
	return o.store.UpdateWorkItemState(task.WorkItemID, proto.ItemStateInProgress)
}

// detectBlockedTasks flags stale in-progress tasks for a human, separately
// from completion failures. The tasks themselves are untouched until the
// escalation resolves.
func (o *Orchestrator) detectBlockedTasks(context.Context) error {
	maxAge := time.Duration(o.cfg.BlockedMaxAgeMin) * time.Minute
	stale, err := o.monitor.DetectBlocked(maxAge)
	if err != nil {
		return err
	}

	for _, task := range stale {
		age := time.Since(task.UpdatedAt).Round(time.Minute)
		raised, err := o.raiseEscalation(
			task.ID, proto.CategoryDependencyBlocked,
			fmt.Sprintf("Task %s has been in progress for %s with no status signal. Is %s stalled?", task.ID, age, task.AssignedTo),
			[]string{fmt.Sprintf("last update %s", task.UpdatedAt.Format(time.RFC3339)), fmt.Sprintf("max age %s", maxAge)},
			"Check the agent; resolve with \"retry\" to requeue or \"wait\" to keep watching.",
		)
		if err != nil {
			return err
		}
		if !raised {
			continue
		}
		if err := o.events.Write(&eventlog.Event{
			Type:      eventlog.EventBlockedDetected,
			SubjectID: task.ID,
			Detail:    map[string]any{"age": age.String()},
		}); err != nil {
			o.logger.Warn("Failed to log blocked event for %s: %v", task.ID, err)
		}
	}
	return nil
}

// applyResolutions applies escalation resolutions recorded since the last
// tick. Resolution application is the only path that moves a blocked task
// back to assigned.
func (o *Orchestrator) applyResolutions(context.Context) error {
	escalations, err := o.store.ListEscalations()
	if err != nil {
		return err
	}

	for _, esc := range escalations {
		if !esc.Resolved || o.applied[esc.ID] {
			continue
		}
		if err := o.applyResolution(esc); err != nil {
			return err
		}
		o.applied[esc.ID] = true
		o.metrics.EscalationsResolved.Inc()
		if err := o.events.Write(&eventlog.Event{
			Type:      eventlog.EventEscalationResolved,
			SubjectID: esc.SubjectID,
			Detail:    map[string]any{"escalation_id": esc.ID, "resolution": esc.Resolution},
		}); err != nil {
			o.logger.Warn("Failed to log resolution event for %s: %v", esc.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) applyResolution(esc *proto.Escalation) error {
	resolution := strings.ToLower(strings.TrimSpace(esc.Resolution))

	// Task-level escalations unblock the task they concern.
	task, err := o.store.GetTask(esc.SubjectID)
	if err == nil {
		if task.Status != proto.TaskStatusBlocked && task.Status != proto.TaskStatusInProgress {
			o.logger.Debug("Resolution for %s has nothing to unblock (status %s)", task.ID, task.Status)
			return nil
		}

		switch {
		case strings.HasPrefix(resolution, "accept"):
			// Human accepted the output despite the gate's doubts.
			if task.Status == proto.TaskStatusBlocked {
				if err := o.queue.Transition(task, proto.TaskStatusAssigned); err != nil {
					return err
				}
				if err := o.queue.Transition(task, proto.TaskStatusInProgress); err != nil {
					return err
				}
			}
			if err := o.queue.Transition(task, proto.TaskStatusComplete); err != nil {
				return err
			}
			return o.store.UpdateWorkItemState(task.WorkItemID, proto.ItemStateInProgress)
		case strings.HasPrefix(resolution, "wait"):
			// Keep watching; the agent is trusted to finish.
			return nil
		default:
			// "rework", "retry", and anything else hand the task back to
			// its agent for another pass. A stalled in-progress task is
			// parked first so the state machine allows the reset.
			if task.Status == proto.TaskStatusInProgress {
				if err := o.queue.Transition(task, proto.TaskStatusBlocked); err != nil {
					return err
				}
			}
			if err := o.queue.Transition(task, proto.TaskStatusAssigned); err != nil {
				return err
			}
			return o.store.UpdateWorkItemState(task.WorkItemID, proto.ItemStateInProgress)
		}
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	// Item-level escalations (readiness gaps).
	item, err := o.store.GetWorkItem(esc.SubjectID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			o.logger.Warn("Resolution for unknown subject %s dropped", esc.SubjectID)
			return nil
		}
		return err
	}
	if proto.IsTerminalItemState(item.State) {
		return nil
	}

	switch {
	case strings.HasPrefix(resolution, "proceed"):
		// Readiness waived by the human. Skip if the item already moved on,
		// which happens when an old resolution is re-applied after a restart.
		if item.State != proto.ItemStateQueued && item.State != proto.ItemStateEscalated {
			return nil
		}
		if err := o.store.SetWorkItemReady(item.ID, true); err != nil {
			return err
		}
		decision := o.gate.Decide(item.ID, nil)
		return o.enqueueItem(item, &decision, true)
	case strings.HasPrefix(resolution, "cancel"):
		return o.store.SetWorkItemCancelled(item.ID)
	default:
		// Re-validate on the next tick; the backlog entry was presumably fixed.
		return o.store.UpdateWorkItemState(item.ID, proto.ItemStateQueued)
	}
}

// releaseReadyTasks promotes pending tasks whose dependencies completed.
func (o *Orchestrator) releaseReadyTasks(context.Context) error {
	promoted, err := o.queue.PromoteReady()
	if err != nil {
		return err
	}
	for _, task := range promoted {
		o.logger.Info("Task %s released to %s", task.ID, task.AssignedTo)
	}

	ready, err := o.queue.NextReady()
	if err != nil {
		return err
	}
	if len(ready) > 0 {
		o.logger.Debug("%d tasks ready for agents", len(ready))
	}
	return nil
}

func (o *Orchestrator) raiseEscalation(subjectID string, category proto.EscalationCategory, question string, context []string, recommendation string) (bool, error) {
	id, err := o.escalations.Raise(subjectID, category, question, context, recommendation)
	if errors.Is(err, escalate.ErrDuplicateEscalation) {
		return false, nil // Already waiting on a human; repeated polling must not spam.
	}
	if err != nil {
		return false, err
	}

	o.metrics.EscalationsRaised.WithLabelValues(string(category)).Inc()
	return true, o.events.Write(&eventlog.Event{
		Type:      eventlog.EventEscalationRaised,
		SubjectID: subjectID,
		Detail:    map[string]any{"escalation_id": id, "category": string(category), "context": context},
	})
}

// itemComplete reports whether every workflow phase of an item has a
// completed task.
func (o *Orchestrator) itemComplete(workItemID string) (bool, error) {
	tasks, err := o.store.ListTasksByItem(workItemID)
	if err != nil {
		return false, err
	}

	completed := make(map[proto.Phase]bool)
	for _, task := range tasks {
		if task.Status == proto.TaskStatusComplete {
			completed[task.Phase] = true
		}
	}
	for _, phase := range proto.WorkflowPhases() {
		if !completed[phase] {
			return false, nil
		}
	}
	return true, nil
}

func (o *Orchestrator) closeItem(id string, state proto.ItemState, event eventlog.EventType, decision *proto.GateDecision) error {
	if err := o.store.UpdateWorkItemState(id, state); err != nil {
		return err
	}
	o.metrics.ItemsClosed.WithLabelValues(string(state)).Inc()
	return o.events.Write(&eventlog.Event{
		Type:      event,
		SubjectID: id,
		Decision:  decision,
		Detail:    map[string]any{"state": string(state)},
	})
}

// sprintClosed reports whether every known work item is terminal. An empty
// store keeps the loop waiting for intake.
func (o *Orchestrator) sprintClosed() (bool, error) {
	items, err := o.store.ListWorkItems()
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}
	for _, item := range items {
		if !proto.IsTerminalItemState(item.State) {
			return false, nil
		}
	}
	return true, nil
}

// updateGauges refreshes the in-flight task gauge.
func (o *Orchestrator) updateGauges() error {
	tasks, err := o.store.ListTasks()
	if err != nil {
		return err
	}
	inFlight := 0
	for _, task := range tasks {
		if !proto.IsTerminalTaskStatus(task.Status) {
			inFlight++
		}
	}
	o.metrics.TasksInFlight.Set(float64(inFlight))
	return nil
}

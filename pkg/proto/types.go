// Package proto defines the contract types shared between the orchestrator
// and its external collaborators: work items produced by the planning
// process, tasks owned by the queue, status signals written by agents, gate
// decisions, and escalations.
package proto

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase is one stage of the fixed content workflow.
type Phase string

const (
	PhaseResearch Phase = "research"
	PhaseWriting  Phase = "writing"
	PhaseEditing  Phase = "editing"
	PhaseGraphics Phase = "graphics"
)

// WorkflowPhases returns the workflow stages in execution order.
// Phase N+1 of a work item never starts before phase N completes.
func WorkflowPhases() []Phase {
	return []Phase{PhaseResearch, PhaseWriting, PhaseEditing, PhaseGraphics}
}

// IsValidPhase checks whether a phase string names a workflow stage.
func IsValidPhase(p Phase) bool {
	for _, phase := range WorkflowPhases() {
		if p == phase {
			return true
		}
	}
	return false
}

// NextPhase returns the phase following p, or false if p is terminal.
func NextPhase(p Phase) (Phase, bool) {
	phases := WorkflowPhases()
	for i, phase := range phases {
		if phase == p && i+1 < len(phases) {
			return phases[i+1], true
		}
	}
	return "", false
}

// AgentRole identifies the specialist agent responsible for a phase.
type AgentRole string

const (
	RoleResearchAgent AgentRole = "research-agent"
	RoleWriterAgent   AgentRole = "writer-agent"
	RoleEditorAgent   AgentRole = "editor-agent"
	RoleGraphicsAgent AgentRole = "graphics-agent"
)

// RoleForPhase maps a workflow phase to its specialist agent role.
// The switch is exhaustive over Phase so a new phase forces an update here.
func RoleForPhase(p Phase) (AgentRole, error) {
	switch p {
	case PhaseResearch:
		return RoleResearchAgent, nil
	case PhaseWriting:
		return RoleWriterAgent, nil
	case PhaseEditing:
		return RoleEditorAgent, nil
	case PhaseGraphics:
		return RoleGraphicsAgent, nil
	default:
		return "", fmt.Errorf("no agent role mapped for phase %q", p)
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending - created, agent role assigned, waiting on dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusAssigned - dependencies complete, ready for its agent to pick up.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusInProgress - the agent reported it has started work.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusComplete - gate approved the agent's output.
	TaskStatusComplete TaskStatus = "complete"
	// TaskStatusBlocked - parked behind an unresolved escalation.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusRejected - gate rejected the output; a rework task replaced it.
	TaskStatusRejected TaskStatus = "complete-rejected"
	// TaskStatusCancelled - parent work item was cancelled externally.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// validTaskTransitions defines the task state machine. Transitions are
// monotonic: rework never resurrects a rejected task, it creates a new one.
//
//nolint:gochecknoglobals // Package-level constant for state machine definition
var validTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusComplete, TaskStatusBlocked, TaskStatusRejected, TaskStatusCancelled},
	TaskStatusBlocked:    {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusComplete:   {},
	TaskStatusRejected:   {},
	TaskStatusCancelled:  {},
}

// IsValidTaskTransition checks whether a task may move from one status to another.
func IsValidTaskTransition(from, to TaskStatus) bool {
	for _, allowed := range validTaskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalTaskStatus reports whether a status has no outgoing transitions.
func IsTerminalTaskStatus(s TaskStatus) bool {
	return len(validTaskTransitions[s]) == 0
}

// ItemState is the orchestration loop's state for a work item.
type ItemState string

const (
	ItemStateQueued            ItemState = "queued"
	ItemStateInProgress        ItemState = "in_progress"
	ItemStateAwaitingGate      ItemState = "awaiting_gate"
	ItemStateEscalated         ItemState = "escalated"
	ItemStateComplete          ItemState = "complete"
	ItemStateRejectedExhausted ItemState = "rejected_exhausted"
	ItemStateCancelled         ItemState = "cancelled"
)

// IsTerminalItemState reports whether the loop is finished with an item.
func IsTerminalItemState(s ItemState) bool {
	return s == ItemStateComplete || s == ItemStateRejectedExhausted || s == ItemStateCancelled
}

// Verdict is the gate's tri-state decision.
type Verdict string

const (
	VerdictApprove  Verdict = "APPROVE"
	VerdictEscalate Verdict = "ESCALATE"
	VerdictReject   Verdict = "REJECT"
)

// EscalationCategory classifies why a human decision is needed.
type EscalationCategory string

const (
	CategoryAmbiguousCriteria EscalationCategory = "ambiguous-acceptance-criteria"
	CategoryReadinessGap      EscalationCategory = "readiness-gap"
	CategoryCompletionFailure EscalationCategory = "completion-failure"
	CategoryDependencyBlocked EscalationCategory = "dependency-blocked"
	CategoryCapacity          EscalationCategory = "capacity"
)

// WorkItem is an approved unit of work entering the pipeline. It is produced
// by the upstream planning process and read-only here except for State.
//
//nolint:govet // struct alignment optimization not critical for this type
type WorkItem struct {
	CreatedAt           time.Time         `json:"created_at" yaml:"created_at"`
	QualityRequirements map[string]string `json:"quality_requirements,omitempty" yaml:"quality_requirements,omitempty"`
	ID                  string            `json:"id" yaml:"id"`
	Title               string            `json:"title" yaml:"title"`
	Description         string            `json:"description" yaml:"description"`
	SizeEstimate        string            `json:"size_estimate" yaml:"size_estimate"`
	ApprovedBy          string            `json:"approved_by,omitempty" yaml:"approved_by"`
	State               ItemState         `json:"state" yaml:"state"`
	AcceptanceCriteria  []string          `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	CompletionCriteria  []string          `json:"completion_criteria,omitempty" yaml:"completion_criteria"`
	Dependencies        []string          `json:"dependencies,omitempty" yaml:"dependencies"`
	Risks               []string          `json:"risks,omitempty" yaml:"risks"`
	Priority            int               `json:"priority" yaml:"priority"`
	Ready               bool              `json:"ready" yaml:"-"`
	Cancelled           bool              `json:"cancelled" yaml:"cancelled"`
}

// Task is one phase of executing a work item. Tasks for an item are created
// together at enqueue time; only status and assignment mutate afterwards.
//
//nolint:govet // struct alignment optimization not critical for this type
type Task struct {
	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ID          string     `json:"task_id"`
	WorkItemID  string     `json:"parent_work_item_id"`
	Phase       Phase      `json:"phase"`
	AssignedTo  AgentRole  `json:"assigned_to"`
	Status      TaskStatus `json:"status"`
	DependsOn   []string   `json:"depends_on"`
	Attempt     int        `json:"attempt"`
	Version     int64      `json:"version"`
}

// SignalStatus is the terminal outcome an agent reports for one attempt.
type SignalStatus string

const (
	SignalComplete SignalStatus = "complete"
	SignalFailed   SignalStatus = "failed"
	SignalBlocked  SignalStatus = "blocked"
)

// ValidationResult is the agent's self-reported check outcome.
type ValidationResult struct {
	Passed       bool     `json:"passed"`
	ChecksRun    []string `json:"checks_run,omitempty"`
	ChecksFailed []string `json:"checks_failed,omitempty"`
}

// AgentStatusSignal is written exactly once per task execution attempt by an
// external agent and consumed at most once by the status monitor.
//
//nolint:govet // struct alignment optimization not critical for this type
type AgentStatusSignal struct {
	CompletedAt time.Time        `json:"completed_at"`
	ID          string           `json:"id"`
	AgentRole   AgentRole        `json:"agent_role"`
	TaskID      string           `json:"task_id"`
	Status      SignalStatus     `json:"status"`
	Output      string           `json:"output,omitempty"`
	Validation  ValidationResult `json:"validation"`
	NextAgent   AgentRole        `json:"next_agent,omitempty"`
}

// GateDecision is derived fresh from current state on every evaluation and
// never cached across runs.
type GateDecision struct {
	DecidedAt time.Time `json:"decided_at"`
	SubjectID string    `json:"subject_id"`
	Verdict   Verdict   `json:"verdict"`
	Issues    []string  `json:"issues,omitempty"`
}

// Escalation is a structured human-decision request. Once resolved it is
// immutable history.
//
//nolint:govet // struct alignment optimization not critical for this type
type Escalation struct {
	CreatedAt      time.Time          `json:"created_at"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
	ID             string             `json:"id"`
	SubjectID      string             `json:"subject_id"`
	Category       EscalationCategory `json:"category"`
	Question       string             `json:"question"`
	Context        []string           `json:"context,omitempty"`
	Recommendation string             `json:"recommendation,omitempty"`
	Resolution     string             `json:"resolution,omitempty"`
	Resolved       bool               `json:"resolved"`
	Version        int64              `json:"version"`
}

// TaskID derives the canonical task id for a work item phase attempt.
// Attempt 1 is the original task; rework attempts append -r<N>.
func TaskID(workItemID string, phase Phase, attempt int) string {
	if attempt <= 1 {
		return fmt.Sprintf("%s-%s", workItemID, phase)
	}
	return fmt.Sprintf("%s-%s-r%d", workItemID, phase, attempt)
}

// GenerateWorkItemID generates an 8-character hex id (like short commit hashes).
func GenerateWorkItemID() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", bytes), nil
}

// GenerateEscalationID generates a new UUID for an escalation.
func GenerateEscalationID() string {
	return uuid.New().String()
}

// GenerateSignalID generates a new UUID for an agent status signal.
func GenerateSignalID() string {
	return uuid.New().String()
}

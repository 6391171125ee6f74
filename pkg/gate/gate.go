// Package gate implements the quality gate: readiness checks for work items
// entering the queue, completion checks for agent output, and the tri-state
// APPROVE/ESCALATE/REJECT decision.
//
// The validator is deterministic and referentially transparent given its
// inputs. Decisions are derived fresh on every call and never cached, since
// the underlying work item or signal may have changed between evaluations.
package gate

import (
	"fmt"
	"strings"
	"time"

	"pressroom/pkg/proto"
)

// Policy holds the gate's tunable thresholds. The escalate threshold bounds
// how much ambiguity is tolerated before automatic rejection: issue counts
// in [1, EscalateThreshold] escalate to a human, anything above rejects.
type Policy struct {
	EscalateThreshold int
}

// Validator evaluates work items and task output against the gate checklists.
type Validator struct {
	policy Policy
}

// NewValidator creates a gate validator with the given policy.
func NewValidator(policy Policy) *Validator {
	if policy.EscalateThreshold < 1 {
		policy.EscalateThreshold = 2
	}
	return &Validator{policy: policy}
}

// bannedPatternCheck is the self-validation check prefix the editing phase
// must have run and passed.
const bannedPatternCheck = "banned-pattern"

// ValidateReadiness checks a work item against the definition-of-ready
// checklist. It returns pass/fail plus the specific missing items so the
// caller can escalate with concrete evidence.
func (v *Validator) ValidateReadiness(item *proto.WorkItem) (bool, []string) {
	var missing []string

	if strings.TrimSpace(item.Title) == "" {
		missing = append(missing, "missing title")
	}
	if len(item.AcceptanceCriteria) == 0 {
		missing = append(missing, "missing acceptance_criteria")
	}
	if strings.TrimSpace(item.SizeEstimate) == "" {
		missing = append(missing, "missing size_estimate")
	}
	if len(item.QualityRequirements) == 0 {
		missing = append(missing, "missing quality_requirements")
	}
	if item.Dependencies == nil {
		missing = append(missing, "missing dependencies")
	}
	if item.Risks == nil {
		missing = append(missing, "missing risks")
	}
	if len(item.CompletionCriteria) == 0 {
		missing = append(missing, "missing completion_criteria")
	}
	if strings.TrimSpace(item.ApprovedBy) == "" {
		missing = append(missing, "missing approver")
	}

	return len(missing) == 0, missing
}

// ValidateCompletion checks an agent's status signal for a task against the
// definition-of-done: the agent's self-validation result plus any
// phase-specific completion rules.
func (v *Validator) ValidateCompletion(task *proto.Task, sig *proto.AgentStatusSignal) (bool, []string) {
	var issues []string

	switch sig.Status {
	case proto.SignalComplete:
		// Terminal success; self-validation decides below.
	case proto.SignalFailed:
		issues = append(issues, "agent reported failure")
	case proto.SignalBlocked:
		issues = append(issues, "agent reported blocked")
	default:
		issues = append(issues, fmt.Sprintf("unknown signal status %q", sig.Status))
	}

	if !sig.Validation.Passed && len(sig.Validation.ChecksFailed) == 0 {
		issues = append(issues, "self-validation failed without detail")
	}
	for _, check := range sig.Validation.ChecksFailed {
		issues = append(issues, fmt.Sprintf("self-validation check failed: %s", check))
	}

	// Editing output must have been scanned for banned patterns; zero
	// violations is required, and a missing scan is itself a violation.
	if task.Phase == proto.PhaseEditing {
		ran := false
		for _, check := range sig.Validation.ChecksRun {
			if strings.HasPrefix(check, bannedPatternCheck) {
				ran = true
				break
			}
		}
		if !ran {
			issues = append(issues, "editing output missing banned-pattern scan")
		}
	}

	return len(issues) == 0, issues
}

// Decide renders the tri-state gate decision for a subject given its issue
// list. Pure function: zero issues approve, up to the policy threshold
// escalate, and anything beyond that rejects.
func (v *Validator) Decide(subjectID string, issues []string) proto.GateDecision {
	decision := proto.GateDecision{
		SubjectID: subjectID,
		DecidedAt: time.Now().UTC(),
		Issues:    issues,
	}

	switch {
	case len(issues) == 0:
		decision.Verdict = proto.VerdictApprove
	case len(issues) <= v.policy.EscalateThreshold:
		decision.Verdict = proto.VerdictEscalate
	default:
		decision.Verdict = proto.VerdictReject
	}
	return decision
}

package gate

import (
	"testing"

	"pressroom/pkg/proto"
)

func readyItem() *proto.WorkItem {
	return &proto.WorkItem{
		ID:                  "item-001",
		Title:               "Launch announcement",
		SizeEstimate:        "M",
		ApprovedBy:          "editor-in-chief",
		AcceptanceCriteria:  []string{"covers headline features"},
		CompletionCriteria:  []string{"published to staging"},
		QualityRequirements: map[string]string{"tone": "house style"},
		Dependencies:        []string{},
		Risks:               []string{"date may slip"},
	}
}

func passingSignal(taskID string) *proto.AgentStatusSignal {
	return &proto.AgentStatusSignal{
		ID:     proto.GenerateSignalID(),
		TaskID: taskID,
		Status: proto.SignalComplete,
		Validation: proto.ValidationResult{
			Passed:    true,
			ChecksRun: []string{"sources-cited"},
		},
	}
}

func TestValidateReadinessPasses(t *testing.T) {
	v := NewValidator(Policy{})

	ok, missing := v.ValidateReadiness(readyItem())
	if !ok {
		t.Fatalf("Expected readiness to pass, missing: %v", missing)
	}
}

func TestValidateReadinessReportsEachMissingField(t *testing.T) {
	v := NewValidator(Policy{})

	ok, missing := v.ValidateReadiness(&proto.WorkItem{ID: "item-bad"})
	if ok {
		t.Fatal("Expected readiness to fail for an empty item")
	}

	expected := []string{
		"missing title",
		"missing acceptance_criteria",
		"missing size_estimate",
		"missing quality_requirements",
		"missing dependencies",
		"missing risks",
		"missing completion_criteria",
		"missing approver",
	}
	if len(missing) != len(expected) {
		t.Fatalf("Expected %d findings, got %d: %v", len(expected), len(missing), missing)
	}
	for i, want := range expected {
		if missing[i] != want {
			t.Errorf("Finding %d: expected %q, got %q", i, want, missing[i])
		}
	}
}

func TestValidateReadinessPartialItem(t *testing.T) {
	v := NewValidator(Policy{})

	item := readyItem()
	item.SizeEstimate = "  "
	item.Risks = nil

	ok, missing := v.ValidateReadiness(item)
	if ok {
		t.Fatal("Expected readiness to fail")
	}
	if len(missing) != 2 || missing[0] != "missing size_estimate" || missing[1] != "missing risks" {
		t.Errorf("Unexpected findings: %v", missing)
	}
}

func TestValidateCompletionCleanSignal(t *testing.T) {
	v := NewValidator(Policy{})
	task := &proto.Task{ID: "item-001-writing", Phase: proto.PhaseWriting}

	ok, issues := v.ValidateCompletion(task, passingSignal(task.ID))
	if !ok {
		t.Fatalf("Expected clean completion, issues: %v", issues)
	}
}

func TestValidateCompletionFailedChecks(t *testing.T) {
	v := NewValidator(Policy{})
	task := &proto.Task{ID: "item-001-writing", Phase: proto.PhaseWriting}

	sig := passingSignal(task.ID)
	sig.Validation.Passed = false
	sig.Validation.ChecksFailed = []string{"word-count", "tone"}

	ok, issues := v.ValidateCompletion(task, sig)
	if ok {
		t.Fatal("Expected completion to fail")
	}
	if len(issues) != 2 {
		t.Fatalf("Expected 2 issues, got %v", issues)
	}
	if issues[0] != "self-validation check failed: word-count" {
		t.Errorf("Unexpected first issue: %q", issues[0])
	}
}

func TestValidateCompletionFailedWithoutDetail(t *testing.T) {
	v := NewValidator(Policy{})
	task := &proto.Task{ID: "item-001-writing", Phase: proto.PhaseWriting}

	sig := passingSignal(task.ID)
	sig.Validation.Passed = false
	sig.Validation.ChecksFailed = nil

	ok, issues := v.ValidateCompletion(task, sig)
	if ok {
		t.Fatal("Expected completion to fail")
	}
	if len(issues) != 1 || issues[0] != "self-validation failed without detail" {
		t.Errorf("Unexpected issues: %v", issues)
	}
}

func TestValidateCompletionAgentFailure(t *testing.T) {
	v := NewValidator(Policy{})
	task := &proto.Task{ID: "item-001-writing", Phase: proto.PhaseWriting}

	sig := passingSignal(task.ID)
	sig.Status = proto.SignalFailed

	ok, issues := v.ValidateCompletion(task, sig)
	if ok {
		t.Fatal("Expected completion to fail for a failed signal")
	}
	if issues[0] != "agent reported failure" {
		t.Errorf("Unexpected first issue: %q", issues[0])
	}
}

func TestEditingRequiresBannedPatternScan(t *testing.T) {
	v := NewValidator(Policy{})
	task := &proto.Task{ID: "item-001-editing", Phase: proto.PhaseEditing}

	// No banned-pattern check in the run list: that is itself a violation.
	sig := passingSignal(task.ID)
	ok, issues := v.ValidateCompletion(task, sig)
	if ok {
		t.Fatal("Expected editing completion to fail without the scan")
	}
	if len(issues) != 1 || issues[0] != "editing output missing banned-pattern scan" {
		t.Errorf("Unexpected issues: %v", issues)
	}

	sig.Validation.ChecksRun = append(sig.Validation.ChecksRun, "banned-pattern-scan")
	ok, issues = v.ValidateCompletion(task, sig)
	if !ok {
		t.Fatalf("Expected editing completion to pass with the scan, issues: %v", issues)
	}
}

func TestDecideTriState(t *testing.T) {
	v := NewValidator(Policy{EscalateThreshold: 2})

	cases := []struct {
		issues  []string
		verdict proto.Verdict
	}{
		{nil, proto.VerdictApprove},
		{[]string{"one"}, proto.VerdictEscalate},
		{[]string{"one", "two"}, proto.VerdictEscalate},
		{[]string{"one", "two", "three"}, proto.VerdictReject},
	}
	for _, tc := range cases {
		decision := v.Decide("item-001", tc.issues)
		if decision.Verdict != tc.verdict {
			t.Errorf("%d issues: expected %s, got %s", len(tc.issues), tc.verdict, decision.Verdict)
		}
		if decision.SubjectID != "item-001" {
			t.Errorf("Expected subject item-001, got %s", decision.SubjectID)
		}
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	v := NewValidator(Policy{EscalateThreshold: 2})

	issues := []string{"self-validation check failed: tone"}
	first := v.Decide("item-001", issues)
	second := v.Decide("item-001", issues)

	if first.Verdict != second.Verdict {
		t.Errorf("Same inputs produced %s then %s", first.Verdict, second.Verdict)
	}
}

func TestDefaultEscalateThreshold(t *testing.T) {
	v := NewValidator(Policy{})

	decision := v.Decide("item-001", []string{"one", "two"})
	if decision.Verdict != proto.VerdictEscalate {
		t.Errorf("Expected default threshold 2 to escalate, got %s", decision.Verdict)
	}
	decision = v.Decide("item-001", []string{"one", "two", "three"})
	if decision.Verdict != proto.VerdictReject {
		t.Errorf("Expected 3 issues to reject, got %s", decision.Verdict)
	}
}

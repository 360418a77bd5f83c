package types

import "testing"

func TestDone_FalseBeforeLastStep(t *testing.T) {
	s := &ExecutionState{Steps: []Step{{Index: 0}, {Index: 1}}, CurrentStepIndex: 1}
	if s.Done() {
		t.Error("expected Done() false while CurrentStepIndex < len(Steps)")
	}
}

func TestDone_TrueAfterLastStep(t *testing.T) {
	s := &ExecutionState{Steps: []Step{{Index: 0}, {Index: 1}}, CurrentStepIndex: 2}
	if !s.Done() {
		t.Error("expected Done() true once CurrentStepIndex == len(Steps)")
	}
}

func TestCurrentStep_ReturnsStepAtIndex(t *testing.T) {
	s := &ExecutionState{Steps: []Step{{Index: 0}, {Index: 1, OptimizerInstruction: "second"}}, CurrentStepIndex: 1}
	if got := s.CurrentStep(); got.OptimizerInstruction != "second" {
		t.Errorf("got %q, want %q", got.OptimizerInstruction, "second")
	}
}

func TestRouteDecision_StringIsReadable(t *testing.T) {
	if RouteCommit.String() != "Commit" {
		t.Errorf("got %q", RouteCommit.String())
	}
	if RouteDecision(99).String() != "Unknown" {
		t.Errorf("expected Unknown for an out-of-range value, got %q", RouteDecision(99).String())
	}
}

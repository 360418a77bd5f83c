// Package steprunner implements the Step Runner — the inner loop driving a
// single Step through PREPARE → OPTIMIZE → (TOOL | FINALIZE) → … → EVALUATE
// → (COMMIT | OPTIMIZE | ESCALATE). It is the hardest part of the engine:
// the state machine enforcing retry budgets, the stuck-loop replan escape
// hatch, and the primary-directive anchor that counters attention drift in
// long tool sequences.
package steprunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/skillrun/skillrun/internal/bus"
	"github.com/skillrun/skillrun/internal/llmclient"
	"github.com/skillrun/skillrun/internal/memory"
	"github.com/skillrun/skillrun/internal/types"
)

// CompletionMarker is the reserved text prefix by which the Optimizer
// declares a step done without issuing further tool calls.
const CompletionMarker = "STEP_COMPLETE"

// Defaults for the anti-divergence mechanisms. All are overridable via
// Config so a deployment can tune them without a code change.
const (
	DefaultStuckThreshold          = 8
	DefaultAnchorEveryNToolCalls   = 3
	DefaultEvaluatorMaxToolRounds  = 5
)

// Config holds the tunable thresholds governing one Step Runner instance.
type Config struct {
	StuckThreshold         int
	AnchorEveryNToolCalls  int
	EvaluatorMaxToolRounds int

	// ImplicitCompletionIsFailure resolves the spec's open question on
	// completion-marker tolerance. false (the default) matches the
	// system's historical behavior: a missing marker is accepted as an
	// implicit completion and logged, not treated as FAIL.
	ImplicitCompletionIsFailure bool
}

// DefaultConfig returns the engine's default thresholds.
func DefaultConfig() Config {
	return Config{
		StuckThreshold:         DefaultStuckThreshold,
		AnchorEveryNToolCalls:  DefaultAnchorEveryNToolCalls,
		EvaluatorMaxToolRounds: DefaultEvaluatorMaxToolRounds,
	}
}

// ChatClient is the subset of *llmclient.Client the Step Runner depends on.
// Tests drive RunStep against a scripted fake instead of a real model
// endpoint.
type ChatClient interface {
	Chat(ctx context.Context, msgs []types.LoopMessage, tools []llmclient.ToolSpec, structured bool) (types.LoopMessage, error)
}

// ToolGateway is the subset of *gateway.Gateway the Step Runner depends on.
type ToolGateway interface {
	ToolSpecs() []llmclient.ToolSpec
	ExecuteCLI(ctx context.Context, toolName string, params map[string]string) string
}

// Adapters bundles every external collaborator the Step Runner calls
// through, so tests can substitute deterministic fakes instead of reaching
// for global singletons. Bus is optional: a nil Bus silently disables event
// publishing.
type Adapters struct {
	Optimizer ChatClient
	Evaluator ChatClient
	Gateway   ToolGateway
	Bus       *bus.Bus
	ThreadID  string
	Log       *slog.Logger
}

// Runner drives exactly one Step at a time over a caller-supplied
// ExecutionState. It holds no state of its own between calls — the entire
// state machine's working memory is the ExecutionState the Orchestrator
// passes in.
type Runner struct {
	cfg Config
	ad  Adapters
}

// New creates a Runner bound to the given Config and Adapters.
func New(cfg Config, ad Adapters) *Runner {
	if ad.Log == nil {
		ad.Log = slog.New(slog.DiscardHandler)
	}
	return &Runner{cfg: cfg, ad: ad}
}

// Outcome reports how RunStep concluded: COMMIT, ESCALATE are the only two
// ways control returns to the Orchestrator for a given step attempt; a
// replan (stuck-loop) is handled internally and never surfaces as a
// distinct Outcome.
type Outcome struct {
	Route   types.RouteDecision // RouteCommit or RouteEscalate
	Verdict types.VerdictResult
}

// RunStep drives the current step of state to completion or escalation. It
// mutates state in place — the Orchestrator hands it a mutable reference
// for the step's duration and resumes ownership when RunStep returns.
func (r *Runner) RunStep(ctx context.Context, state *types.ExecutionState, toolCatalog string) (Outcome, error) {
	step := state.CurrentStep()
	r.prepare(state, step, toolCatalog)
	lastToolSig := ""

	for {
		msg, err := r.ad.Optimizer.Chat(ctx, state.LoopMessages, r.ad.Gateway.ToolSpecs(), false)
		if err != nil {
			r.ad.Log.Warn("optimizer transport error", "step", step.Index, "error", err)
			// Transient: treated as a FAIL verdict so the retry budget governs it.
			verdict := types.VerdictResult{Verdict: types.VerdictFail, Feedback: "model transport error: " + err.Error()}
			route, escErr := r.afterVerdict(state, verdict)
			if route == types.RouteEscalate || escErr != nil {
				return Outcome{Route: types.RouteEscalate, Verdict: verdict}, escErr
			}
			// route == RouteOptimizeStep: L3 already carries the feedback
			// message afterVerdict appended; loop straight back to OPTIMIZE.
			continue
		}

		state.LoopMessages = append(state.LoopMessages, msg)

		if len(msg.ToolCalls) > 0 {
			if r.stuckLoopTriggered(state) {
				r.ad.Log.Info("stuck-loop cutoff reached, replanning", "step", step.Index, "loop_count", state.CurrentLoopCount)
				r.publish(types.EventStuckReplan, state.CurrentStepIndex, types.RoleOptimizer, fmt.Sprintf("loop_count=%d", state.CurrentLoopCount))
				r.prepare(state, state.CurrentStep(), toolCatalog)
				lastToolSig = ""
				continue
			}
			lastToolSig = r.runTools(ctx, state, msg.ToolCalls, lastToolSig)
			r.maybeAnchor(state, step)
			continue
		}

		// No tool calls: either an explicit completion marker or an
		// implicit one. Either way we move to EVALUATE.
		implicit := !strings.HasPrefix(strings.TrimSpace(msg.Content), CompletionMarker)
		if implicit {
			r.ad.Log.Warn("optimizer finished without completion marker, treating as implicit completion", "step", step.Index)
		}
		if implicit && r.cfg.ImplicitCompletionIsFailure {
			verdict := types.VerdictResult{Verdict: types.VerdictFail, Feedback: "missing completion marker"}
			route, err := r.afterVerdict(state, verdict)
			if route == types.RouteEscalate || err != nil {
				return Outcome{Route: types.RouteEscalate, Verdict: verdict}, err
			}
			continue
		}

		verdict, err := r.evaluate(ctx, state, step)
		if err != nil {
			verdict = types.VerdictResult{Verdict: types.VerdictFail, Feedback: "verdict schema violation"}
		}

		route, escErr := r.afterVerdict(state, verdict)
		switch route {
		case types.RouteCommit:
			r.commit(state, verdict)
			return Outcome{Route: types.RouteCommit, Verdict: verdict}, nil
		case types.RouteEscalate:
			return Outcome{Route: types.RouteEscalate, Verdict: verdict}, escErr
		default: // RouteOptimizeStep: loop continues with L3 preserved
			continue
		}
	}
}

// prepare implements PREPARE: clear L3, reset all per-step counters, and
// seed L3 with the canonical [system, user] pair (I3).
func (r *Runner) prepare(state *types.ExecutionState, step types.Step, toolCatalog string) {
	state.LoopMessages = memory.ClearLoopMessages()
	state.StepRetryCount = 0
	state.StepToolCallCount = 0
	state.CurrentLoopCount = 0
	state.LastVerdict = types.VerdictResult{}

	system := fmt.Sprintf(
		"You execute one step of a plan using the available tools.\n\nAvailable tools:\n%s",
		toolCatalog,
	)
	user := fmt.Sprintf(
		"<skill_memory>\n%s\n</skill_memory>\n\n<instruction>\n%s\n\nWhen the step is done, emit a response beginning with the reserved completion marker %q.\n</instruction>",
		memory.FormatSkillMemory(state.SkillMemory),
		step.OptimizerInstruction,
		CompletionMarker,
	)

	state.LoopMessages = append(state.LoopMessages,
		types.LoopMessage{Role: types.MsgSystem, Content: system},
		types.LoopMessage{Role: types.MsgUser, Content: user},
	)
}

// stuckLoopTriggered implements the stuck-loop cutoff: a tool call arriving
// while current_loop_count already exceeds StuckThreshold re-enters
// PREPARE, wiping L3 while preserving L2 (P5).
func (r *Runner) stuckLoopTriggered(state *types.ExecutionState) bool {
	return state.CurrentLoopCount > r.cfg.StuckThreshold
}

// runTools passes every tool call in calls through the Security Gateway in
// order, appends each tool_result to L3, and increments current_loop_count
// once for the batch (one Optimizer turn → one TOOL transition). A call
// whose signature (tool name plus leading parameter bytes) matches the
// immediately preceding call is suppressed with a hard-stop notice instead
// of re-invoked — the duplicate-call anti-divergence check, counted toward
// the same current_loop_count the stuck-loop cutoff watches. Returns the
// signature of the last call processed, for the caller to thread into the
// next batch.
func (r *Runner) runTools(ctx context.Context, state *types.ExecutionState, calls []types.ToolCall, lastSig string) string {
	for _, tc := range calls {
		sig := toolCallSignature(tc)
		var output string
		if sig == lastSig {
			output = fmt.Sprintf("[DUPLICATE CALL SUPPRESSED] %s was just invoked with the same parameters; try a different approach instead of repeating it.", tc.Name)
		} else {
			output = r.ad.Gateway.ExecuteCLI(ctx, tc.Name, tc.Params)
			r.publish(types.EventToolInvoked, state.CurrentStepIndex, types.RoleGateway, tc.Name)
		}
		state.LoopMessages = append(state.LoopMessages, types.LoopMessage{
			Role:       types.MsgToolResult,
			ToolResult: &types.ToolResult{ToolCallID: tc.ID, Output: output},
		})
		state.StepToolCallCount++
		lastSig = sig
	}
	state.CurrentLoopCount++
	return lastSig
}

// duplicateSigLeadingBytes bounds how much of a call's parameters feed the
// duplicate-detection signature, so a single huge parameter value (file
// content, say) doesn't make every comparison pay for a full string copy.
const duplicateSigLeadingBytes = 40

// toolCallSignature builds a same-tool-same-arguments fingerprint: the tool
// name plus the leading bytes of its parameters rendered in sorted-key
// order, so map iteration order never produces a false "different call"
// mismatch between two calls with identical params.
func toolCallSignature(tc types.ToolCall) string {
	keys := make([]string, 0, len(tc.Params))
	for k := range tc.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tc.Params[k])
		b.WriteByte(';')
	}
	sig := b.String()
	if len(sig) > duplicateSigLeadingBytes {
		sig = sig[:duplicateSigLeadingBytes]
	}
	return tc.Name + "|" + sig
}

// maybeAnchor implements the primary-directive anchor: every
// AnchorEveryNToolCalls cumulative tool calls, a synthetic user message
// re-states the step's instruction to counter attention drift (P6).
func (r *Runner) maybeAnchor(state *types.ExecutionState, step types.Step) {
	n := r.cfg.AnchorEveryNToolCalls
	if n <= 0 {
		return
	}
	due := state.StepToolCallCount / n
	given := 0
	for _, m := range state.LoopMessages {
		if m.Role == types.MsgUser && strings.HasPrefix(m.Content, "<primary_directive>") {
			given++
		}
	}
	for ; given < due; given++ {
		state.LoopMessages = append(state.LoopMessages, types.LoopMessage{
			Role:    types.MsgUser,
			Content: fmt.Sprintf("<primary_directive>\n%s\n</primary_directive>", step.OptimizerInstruction),
		})
		r.publish(types.EventAnchorInjected, state.CurrentStepIndex, types.RoleOptimizer, fmt.Sprintf("tool_call_count=%d", state.StepToolCallCount))
	}
}

// publish emits an ExecutionEvent on the Step Runner's bus, if one was
// configured. A nil Bus (e.g. in unit tests driving helpers directly) makes
// this a no-op rather than a nil-pointer panic.
func (r *Runner) publish(kind types.EventKind, stepIndex int, from types.Role, detail string) {
	if r.ad.Bus == nil {
		return
	}
	r.ad.Bus.Publish(types.ExecutionEvent{
		Timestamp: time.Now(),
		From:      from,
		Kind:      kind,
		ThreadID:  r.ad.ThreadID,
		StepIndex: stepIndex,
		Detail:    detail,
	})
}

// evaluate drives the two-phase Evaluator: Phase 1 is a bounded read/verify
// tool loop sharing the same conversation context as Phase 2's structured
// verdict, so inspection evidence is never dropped between the phases
// (resolves the spec's Evaluator phase-split open question).
func (r *Runner) evaluate(ctx context.Context, state *types.ExecutionState, step types.Step) (types.VerdictResult, error) {
	evalPrompt := fmt.Sprintf(
		"You verify whether a step was completed correctly.\n\nCriteria:\n%s\n\nRespond ONLY with a JSON object: {\"verdict\":\"PASS\"|\"FAIL\",\"feedback\":\"...\",\"key_outputs\":{}}. key_outputs is only populated on PASS.",
		step.EvaluatorInstruction,
	)
	evalMsgs := append([]types.LoopMessage{{Role: types.MsgSystem, Content: evalPrompt}}, state.LoopMessages...)

	for round := 0; round < r.cfg.EvaluatorMaxToolRounds; round++ {
		msg, err := r.ad.Evaluator.Chat(ctx, evalMsgs, r.ad.Gateway.ToolSpecs(), false)
		if err != nil {
			return types.VerdictResult{}, err
		}
		evalMsgs = append(evalMsgs, msg)

		if len(msg.ToolCalls) == 0 {
			return parseVerdict(msg.Content)
		}

		for _, tc := range msg.ToolCalls {
			output := r.ad.Gateway.ExecuteCLI(ctx, tc.Name, tc.Params)
			r.publish(types.EventToolInvoked, state.CurrentStepIndex, types.RoleGateway, tc.Name)
			tr := types.LoopMessage{Role: types.MsgToolResult, ToolResult: &types.ToolResult{ToolCallID: tc.ID, Output: output}}
			evalMsgs = append(evalMsgs, tr)
			state.LoopMessages = append(state.LoopMessages, tr)
		}
		state.StepToolCallCount += len(msg.ToolCalls)
		r.maybeAnchor(state, step)
	}

	// Phase 2: force a structured verdict after exhausting the tool rounds.
	verdictMsgs := append(evalMsgs, types.LoopMessage{
		Role:    types.MsgUser,
		Content: "Tool rounds exhausted. Emit the final structured verdict now.",
	})
	msg, err := r.ad.Evaluator.Chat(ctx, verdictMsgs, nil, true)
	if err != nil {
		return types.VerdictResult{}, err
	}
	return parseVerdict(msg.Content)
}

func parseVerdict(raw string) (types.VerdictResult, error) {
	clean := llmclient.StripFences(raw)
	var v types.VerdictResult
	if err := json.Unmarshal([]byte(clean), &v); err != nil {
		return types.VerdictResult{}, fmt.Errorf("steprunner: verdict schema violation: %w", err)
	}
	if v.Verdict != types.VerdictPass {
		v.KeyOutputs = nil
	}
	return v, nil
}

// afterVerdict appends the Evaluator's feedback to L3, increments
// step_retry_count, and returns the routing decision per spec §4.4:
// PASS→Commit, FAIL with budget remaining→OptimizeStep (L3 preserved),
// FAIL exhausted→Escalate.
func (r *Runner) afterVerdict(state *types.ExecutionState, verdict types.VerdictResult) (types.RouteDecision, error) {
	state.LoopMessages = append(state.LoopMessages, types.LoopMessage{
		Role:    types.MsgUser,
		Content: fmt.Sprintf("[Evaluator] Verdict=%s; Feedback=%s", verdict.Verdict, verdict.Feedback),
	})
	state.StepRetryCount++
	state.LastVerdict = verdict
	r.publish(types.EventVerdict, state.CurrentStepIndex, types.RoleEvaluator, fmt.Sprintf("%s: %s", verdict.Verdict, verdict.Feedback))

	if verdict.Verdict == types.VerdictPass {
		return types.RouteCommit, nil
	}
	if state.StepRetryCount < state.MaxRetries {
		return types.RouteOptimizeStep, nil
	}
	return types.RouteEscalate, nil
}

// commit implements COMMIT: append key_outputs to L2 and advance
// current_step_index. It is the only place the Step Runner advances
// current_step_index (P1); the Orchestrator also advances it when the
// operator skips an escalated step.
func (r *Runner) commit(state *types.ExecutionState, verdict types.VerdictResult) {
	state.SkillMemory = memory.AppendSkillMemory(state.SkillMemory, verdict.KeyOutputs)
	state.CurrentStepIndex++
	state.LoopMessages = memory.ClearLoopMessages()
	state.StepRetryCount = 0
}

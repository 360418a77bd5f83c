// Package orchestrator implements the outer loop (C5): load a skill file,
// get the Planner's approval-gated Plan, drive the Step Runner step by
// step, and persist learning back into the skill file between steps and
// after the final one.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skillrun/skillrun/internal/bus"
	"github.com/skillrun/skillrun/internal/checkpoint"
	"github.com/skillrun/skillrun/internal/gateway"
	"github.com/skillrun/skillrun/internal/llmclient"
	"github.com/skillrun/skillrun/internal/planner"
	"github.com/skillrun/skillrun/internal/skillfile"
	"github.com/skillrun/skillrun/internal/steprunner"
	"github.com/skillrun/skillrun/internal/types"
)

// ErrOperatorRejectedPlan is returned when the operator declines the
// proposed Plan. Per the documented exit-code contract an unapproved plan
// is an abort, not a success: the caller should exit 1.
var ErrOperatorRejectedPlan = errors.New("OPERATOR_REJECTED_PLAN")

// ErrEmptySkill is returned when the skill file has no usable content.
var ErrEmptySkill = errors.New("skill file is empty")

// Approver is asked to approve a Plan before any step executes, and for
// free-text feedback after the final step. A CLI implementation prompts the
// operator on a terminal; a test implementation can auto-approve.
type Approver interface {
	ApprovePlan(types.Plan) bool
	CollectFeedback() string
	// Intervene is called on ESCALATE; the returned string ("skip",
	// "retry", "abort") tells the Orchestrator how to proceed.
	Intervene(step types.Step, verdict types.VerdictResult) string
}

// Orchestrator drives one skill file to completion.
type Orchestrator struct {
	bus        *bus.Bus
	gateway    *gateway.Gateway
	checkpoint *checkpoint.Store
	optimizer  *llmclient.Client
	evaluator  *llmclient.Client
	approver   Approver
	log        *slog.Logger
	maxRetries int
}

// New builds an Orchestrator from its adapters.
func New(b *bus.Bus, gw *gateway.Gateway, ck *checkpoint.Store, optimizer, evaluator *llmclient.Client, approver Approver, maxRetries int, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Orchestrator{
		bus: b, gateway: gw, checkpoint: ck,
		optimizer: optimizer, evaluator: evaluator,
		approver: approver, maxRetries: maxRetries, log: log,
	}
}

// Run executes the skill at skillPath end to end. threadID identifies this
// run for checkpointing and resume.
func (o *Orchestrator) Run(ctx context.Context, skillPath, threadID string) error {
	text, err := skillfile.Read(skillPath)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if len(text) == 0 {
		return ErrEmptySkill
	}

	scripts, _ := o.gateway.DiscoverScripts()
	scriptLines := make([]string, 0, len(scripts))
	for _, s := range scripts {
		scriptLines = append(scriptLines, fmt.Sprintf("%s: %s", s.Name, s.Description))
	}
	cat := planner.Catalog{ToolDescriptions: o.gateway.Describe(), Scripts: scriptLines}

	plan, err := planner.Parse(ctx, o.optimizer, text, cat, o.log)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	o.bus.Publish(types.ExecutionEvent{Timestamp: time.Now(), From: types.RolePlanner, Kind: types.EventPlanReady, ThreadID: threadID, Detail: plan.Goal})

	if !o.approver.ApprovePlan(plan) {
		return ErrOperatorRejectedPlan
	}

	state, err := o.resumeOrInit(threadID, plan)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	runner := steprunner.New(steprunner.DefaultConfig(), steprunner.Adapters{
		Optimizer: o.optimizer,
		Evaluator: o.evaluator,
		Gateway:   o.gateway,
		Bus:       o.bus,
		ThreadID:  threadID,
		Log:       o.log,
	})

	for !state.Done() {
		step := state.CurrentStep()
		o.bus.Publish(types.ExecutionEvent{Timestamp: time.Now(), From: types.RoleOrchestrator, Kind: types.EventStepStarted, ThreadID: threadID, StepIndex: step.Index})

		outcome, err := runner.RunStep(ctx, state, o.gateway.Describe())
		if err != nil && outcome.Route != types.RouteEscalate {
			return fmt.Errorf("orchestrator: step %d: %w", step.Index, err)
		}

		o.recordVerdict(skillPath, outcome.Verdict)

		if outcome.Route == types.RouteEscalate {
			o.bus.Publish(types.ExecutionEvent{Timestamp: time.Now(), From: types.RoleOrchestrator, Kind: types.EventEscalated, ThreadID: threadID, StepIndex: step.Index})
			decision := o.approver.Intervene(step, outcome.Verdict)
			state.StepRetryCount = 0
			switch decision {
			case "skip":
				state.CurrentStepIndex++
			case "abort":
				return fmt.Errorf("orchestrator: aborted at step %d by operator", step.Index)
			default: // "retry"
				// loop again; Step Runner re-enters PREPARE on next RunStep call
			}
		} else {
			o.bus.Publish(types.ExecutionEvent{Timestamp: time.Now(), From: types.RoleOrchestrator, Kind: types.EventStepCommitted, ThreadID: threadID, StepIndex: step.Index})
		}

		if err := o.checkpoint.Save(threadID, state); err != nil {
			o.log.Warn("checkpoint write failed, continuing best-effort", "error", err)
		} else {
			o.bus.Publish(types.ExecutionEvent{Timestamp: time.Now(), From: types.RoleOrchestrator, Kind: types.EventCheckpointSaved, ThreadID: threadID})
		}
	}

	if feedback := o.approver.CollectFeedback(); feedback != "" {
		o.appendSection(skillPath, skillfile.SectionFeedback, feedback)
	}

	o.bus.Publish(types.ExecutionEvent{Timestamp: time.Now(), From: types.RoleOrchestrator, Kind: types.EventRunFinished, ThreadID: threadID})
	return nil
}

func (o *Orchestrator) resumeOrInit(threadID string, plan types.Plan) (*types.ExecutionState, error) {
	if saved, err := o.checkpoint.Load(threadID); err == nil && saved != nil {
		o.log.Info("resuming from checkpoint", "thread_id", threadID, "step", saved.CurrentStepIndex)
		return saved, nil
	}
	return &types.ExecutionState{
		ThreadID:   threadID,
		Goal:       plan.Goal,
		Steps:      plan.Steps,
		MaxRetries: o.maxRetries,
	}, nil
}

// recordVerdict writes the skill-learning feedback cycle: a PASS verdict is
// appended under Success Cases, a FAIL under Failure Cases.
func (o *Orchestrator) recordVerdict(skillPath string, verdict types.VerdictResult) {
	if verdict.Verdict == "" {
		return
	}
	section := skillfile.SectionFailure
	if verdict.Verdict == types.VerdictPass {
		section = skillfile.SectionSuccess
	}
	o.appendSection(skillPath, section, verdict.Feedback)
}

func (o *Orchestrator) appendSection(skillPath, section, body string) {
	text, err := skillfile.Read(skillPath)
	if err != nil {
		o.log.Warn("could not read skill file for append", "error", err)
		return
	}
	updated := skillfile.AppendEntry(text, section, body, time.Now())
	if err := skillfile.Write(skillPath, updated); err != nil {
		o.log.Warn("could not write skill file", "error", err)
	}
}

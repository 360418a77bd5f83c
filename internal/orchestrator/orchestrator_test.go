package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/skillrun/skillrun/internal/bus"
	"github.com/skillrun/skillrun/internal/checkpoint"
	"github.com/skillrun/skillrun/internal/gateway"
	"github.com/skillrun/skillrun/internal/llmclient"
	"github.com/skillrun/skillrun/internal/types"
)

// fakeApprover auto-approves plans and scripts a fixed sequence of
// intervention decisions, so a test can drive the escalate path without a
// terminal.
type fakeApprover struct {
	approve    bool
	decisions  []string
	intervened int
}

func (a *fakeApprover) ApprovePlan(types.Plan) bool { return a.approve }
func (a *fakeApprover) CollectFeedback() string     { return "" }
func (a *fakeApprover) Intervene(step types.Step, verdict types.VerdictResult) string {
	if a.intervened >= len(a.decisions) {
		return "abort"
	}
	d := a.decisions[a.intervened]
	a.intervened++
	return d
}

// stubModelServer answers every chat-completion request with content chosen
// by respond, which inspects the raw request body to tell the Planner, the
// Optimizer and the Evaluator apart — they all speak the same wire shape.
// Every request body is recorded for later assertions.
type stubModelServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
}

func newStubModelServer(t *testing.T, respond func(body string) string) *stubModelServer {
	t.Helper()
	s := &stubModelServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(raw))
		s.mu.Unlock()

		content := respond(string(raw))
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *stubModelServer) sawBodyContaining(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bodies {
		if strings.Contains(b, substr) {
			return true
		}
	}
	return false
}

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tools_config.yaml")
	if err := os.WriteFile(cfgPath, []byte("cli_whitelist: {}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	gw, err := gateway.New(cfgPath, dir, nil)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	return gw
}

func newTestCheckpoint(t *testing.T) *checkpoint.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "checkpoint.db")
	store, err := checkpoint.Open(dbPath)
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeSkillFile(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skill.md")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write skill file: %v", err)
	}
	return path
}

const validPlanJSON = `{"goal":"placeholder","steps":[{"index":0,"optimizer_instruction":"placeholder-optimizer","evaluator_instruction":"placeholder-evaluator","tools_hint":[],"depends_on":[]}]}`

// TestRun_ResumesFromCheckpointWithoutRerunningCommittedSteps covers the
// resume path of spec §4.5: a saved Execution State for a thread is loaded
// instead of a fresh one, and a step already committed there is never
// re-driven through the Step Runner.
func TestRun_ResumesFromCheckpointWithoutRerunningCommittedSteps(t *testing.T) {
	server := newStubModelServer(t, func(body string) string {
		switch {
		case strings.Contains(body, "Decompose the skill"):
			return validPlanJSON
		case strings.Contains(body, "You verify whether a step was completed"):
			return `{"verdict":"PASS","feedback":"done","key_outputs":{"out":"1"}}`
		default:
			return "STEP_COMPLETE"
		}
	})

	client := llmclient.New(server.URL, "test-key", "test-model", "test", nil)
	gw := newTestGateway(t)
	store := newTestCheckpoint(t)

	threadID := "resume-thread"
	saved := &types.ExecutionState{
		ThreadID:         threadID,
		Goal:             "already planned",
		CurrentStepIndex: 1,
		MaxRetries:       2,
		SkillMemory:      []string{"earlier=already-committed"},
		Steps: []types.Step{
			{Index: 0, OptimizerInstruction: "stepA-optimizer", EvaluatorInstruction: "stepA-evaluator"},
			{Index: 1, OptimizerInstruction: "stepB-optimizer", EvaluatorInstruction: "stepB-evaluator"},
		},
	}
	if err := store.Save(threadID, saved); err != nil {
		t.Fatalf("pre-seed checkpoint: %v", err)
	}

	skillPath := writeSkillFile(t, "# Skill\n\ndo the thing\n")
	orch := New(bus.New(nil), gw, store, client, client, &fakeApprover{approve: true}, 2, nil)

	if err := orch.Run(context.Background(), skillPath, threadID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if server.sawBodyContaining("stepA-optimizer") || server.sawBodyContaining("stepA-evaluator") {
		t.Error("resumed run must not re-drive the already-committed step 0")
	}
	if !server.sawBodyContaining("stepB-optimizer") {
		t.Error("expected the resumed run to drive step 1, the only step left")
	}

	final, err := store.Load(threadID)
	if err != nil || final == nil {
		t.Fatalf("load final checkpoint: %v", err)
	}
	if final.CurrentStepIndex != 2 {
		t.Errorf("want final CurrentStepIndex=2 (both steps committed), got %d", final.CurrentStepIndex)
	}
	found := false
	for _, kv := range final.SkillMemory {
		if kv == "earlier=already-committed" {
			found = true
		}
	}
	if !found {
		t.Error("expected skill memory from before resume to survive into the final checkpoint")
	}
}

// TestRun_EscalateThenRetryCommits covers the escalate/intervene path of
// spec §4.5: a step that exhausts its retry budget escalates to the
// operator, and a "retry" decision re-drives the same step from scratch
// rather than aborting or skipping it.
func TestRun_EscalateThenRetryCommits(t *testing.T) {
	var mu sync.Mutex
	evaluatorCalls := 0

	server := newStubModelServer(t, func(body string) string {
		switch {
		case strings.Contains(body, "Decompose the skill"):
			return validPlanJSON
		case strings.Contains(body, "You verify whether a step was completed"):
			mu.Lock()
			evaluatorCalls++
			n := evaluatorCalls
			mu.Unlock()
			if n == 1 {
				return `{"verdict":"FAIL","feedback":"not good enough"}`
			}
			return `{"verdict":"PASS","feedback":"good now","key_outputs":{"out":"2"}}`
		default:
			return "STEP_COMPLETE"
		}
	})

	client := llmclient.New(server.URL, "test-key", "test-model", "test", nil)
	gw := newTestGateway(t)
	store := newTestCheckpoint(t)

	threadID := "escalate-thread"
	skillPath := writeSkillFile(t, "# Skill\n\ndo the thing\n")
	approver := &fakeApprover{approve: true, decisions: []string{"retry"}}

	// MaxRetries=1: the first FAIL already exhausts the budget, forcing escalation.
	orch := New(bus.New(nil), gw, store, client, client, approver, 1, nil)

	if err := orch.Run(context.Background(), skillPath, threadID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if approver.intervened != 1 {
		t.Errorf("want exactly one escalation intervened, got %d", approver.intervened)
	}

	final, err := store.Load(threadID)
	if err != nil || final == nil {
		t.Fatalf("load final checkpoint: %v", err)
	}
	if final.CurrentStepIndex != 1 {
		t.Errorf("want the single step committed after the retry, got CurrentStepIndex=%d", final.CurrentStepIndex)
	}

	text, err := os.ReadFile(skillPath)
	if err != nil {
		t.Fatalf("read skill file: %v", err)
	}
	if !strings.Contains(string(text), "Failure Cases") || !strings.Contains(string(text), "not good enough") {
		t.Error("expected the FAIL verdict's feedback written back under Failure Cases")
	}
	if !strings.Contains(string(text), "Success Cases") || !strings.Contains(string(text), "good now") {
		t.Error("expected the eventual PASS verdict's feedback written back under Success Cases")
	}
}

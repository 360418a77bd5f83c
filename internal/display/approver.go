package display

import (
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/skillrun/skillrun/internal/types"
)

// CLIApprover prompts the operator on a terminal for plan approval, ESCALATE
// intervention, and post-run feedback, using the same readline session the
// rest of the CLI's interactive surface shares.
type CLIApprover struct {
	rl *readline.Instance
}

// NewCLIApprover wraps an existing readline instance. Passing nil falls back
// to a line-oriented stdin reader so the Orchestrator still runs in a
// non-interactive or redirected-input environment.
func NewCLIApprover(rl *readline.Instance) *CLIApprover {
	return &CLIApprover{rl: rl}
}

func (a *CLIApprover) readLine(prompt string) string {
	if a.rl != nil {
		a.rl.SetPrompt(prompt)
		line, err := a.rl.Readline()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(line)
	}
	fmt.Print(prompt)
	var line strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 && buf[0] == '\n' {
			break
		}
		if n > 0 {
			line.WriteByte(buf[0])
		}
		if err != nil {
			break
		}
	}
	return strings.TrimSpace(line.String())
}

// ApprovePlan prints the plan and blocks until the operator types y/n.
func (a *CLIApprover) ApprovePlan(plan types.Plan) bool {
	fmt.Println(styleRole[types.RolePlanner].Render("Proposed plan: ") + plan.Goal)
	for _, s := range plan.Steps {
		fmt.Printf("  %d. %s\n", s.Index, s.OptimizerInstruction)
		if len(s.ToolsHint) > 0 {
			fmt.Printf("     tool: %s\n", strings.Join(s.ToolsHint, ", "))
		}
	}
	answer := strings.ToLower(a.readLine("Approve this plan? [y/N] "))
	return answer == "y" || answer == "yes"
}

// CollectFeedback asks for optional free-text feedback after the final step.
func (a *CLIApprover) CollectFeedback() string {
	return a.readLine("Any feedback on this run? (enter to skip) ")
}

// Intervene presents an ESCALATE to the operator and returns one of
// "skip", "retry", "abort".
func (a *CLIApprover) Intervene(step types.Step, verdict types.VerdictResult) string {
	fmt.Println(styleFail.Render(fmt.Sprintf("Step %d exhausted its retry budget.", step.Index)))
	fmt.Println("  " + step.OptimizerInstruction)
	fmt.Println(styleDim.Render("  last feedback: ") + verdict.Feedback)
	for {
		switch strings.ToLower(a.readLine("[s]kip step / [r]etry / [a]bort run? ")) {
		case "s", "skip":
			return "skip"
		case "r", "retry", "":
			return "retry"
		case "a", "abort":
			return "abort"
		}
	}
}

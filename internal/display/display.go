// Package display renders a live terminal view of an Orchestrator run. It
// reads from its own independent bus tap so rendering never competes with,
// or blocks, the engine's own control flow.
package display

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/skillrun/skillrun/internal/types"
)

var (
	styleRole = map[types.Role]lipgloss.Style{
		types.RoleOrchestrator: lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
		types.RolePlanner:      lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		types.RoleOptimizer:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		types.RoleEvaluator:    lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		types.RoleGateway:      lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		types.RoleOperator:     lipgloss.NewStyle().Foreground(lipgloss.Color("15")),
	}

	stylePass = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleFail = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleBox  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)
)

var eventLabel = map[types.EventKind]string{
	types.EventPlanReady:       "plan ready",
	types.EventStepStarted:     "step started",
	types.EventToolInvoked:     "tool invoked",
	types.EventAnchorInjected:  "primary directive re-anchored",
	types.EventStuckReplan:     "stuck loop — re-entering PREPARE",
	types.EventVerdict:         "verdict",
	types.EventStepCommitted:   "step committed",
	types.EventEscalated:       "escalated to operator",
	types.EventCheckpointSaved: "checkpoint saved",
	types.EventRunFinished:     "run finished",
}

// Display renders ExecutionEvents arriving on tap to stdout.
type Display struct {
	tap       <-chan types.ExecutionEvent
	mu        sync.Mutex
	stepIndex int
	started   time.Time
}

// New creates a Display reading from tap.
func New(tap <-chan types.ExecutionEvent) *Display {
	return &Display{tap: tap, started: time.Now()}
}

// Run consumes events from the tap until ctx is done or the tap closes.
func (d *Display) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.tap:
			if !ok {
				return
			}
			d.render(ev)
		}
	}
}

func (d *Display) render(ev types.ExecutionEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	label := eventLabel[ev.Kind]
	if label == "" {
		label = string(ev.Kind)
	}
	style := styleRole[ev.From]

	var line strings.Builder
	fmt.Fprintf(&line, "%s %s", styleDim.Render(ev.Timestamp.Format("15:04:05")), style.Render(string(ev.From)))
	if ev.StepIndex > 0 || ev.Kind == types.EventStepStarted || ev.Kind == types.EventStepCommitted {
		fmt.Fprintf(&line, " step=%d", ev.StepIndex)
	}
	fmt.Fprintf(&line, " %s", label)
	if ev.Detail != "" {
		fmt.Fprintf(&line, ": %s", ev.Detail)
	}

	switch ev.Kind {
	case types.EventRunFinished:
		fmt.Println(styleBox.Render(stylePass.Render("run finished") + "\n" + line.String()))
	case types.EventEscalated:
		fmt.Println(styleBox.Render(styleFail.Render("escalation") + "\n" + line.String()))
	default:
		fmt.Println(line.String())
	}
}

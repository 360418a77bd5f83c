// Package memory implements the L1/L2/L3 layers of the four-layer memory
// model: a process-wide read-only global context, an append-only per-plan
// skill memory, and the per-step loop message helpers used to reset L3
// atomically at the start of every step.
package memory

import (
	"os"
	"strings"
	"sync"

	"github.com/skillrun/skillrun/internal/types"
)

// globalContext caches the L1 file so repeated calls across many steps
// never re-read it from disk.
type globalContext struct {
	once    sync.Once
	content string
}

var l1 globalContext

// LoadGlobalContext reads the well-known global-context file once and
// caches it for the process lifetime. Absence is not an error — it yields a
// placeholder string instead, mirroring the rest of the gateway's
// tagged-string failure convention.
func LoadGlobalContext(path string) string {
	l1.once.Do(func() {
		raw, err := os.ReadFile(path)
		if err != nil {
			l1.content = "(no global context file found)"
			return
		}
		l1.content = strings.TrimSpace(string(raw))
	})
	return l1.content
}

// AppendSkillMemory appends each "k=v" line from keyOutputs to current,
// returning current unchanged if keyOutputs is empty. Insertion order among
// the new entries does not matter; entries already in current are never
// reordered or removed — this is the engine's only path to L2 mutation, and
// it is always additive (I4: skill_memory is monotonic).
func AppendSkillMemory(current []string, keyOutputs map[string]string) []string {
	if len(keyOutputs) == 0 {
		return current
	}
	out := make([]string, len(current), len(current)+len(keyOutputs))
	copy(out, current)
	for k, v := range keyOutputs {
		out = append(out, k+"="+v)
	}
	return out
}

// FormatSkillMemory renders L2 for prompt injection, substituting a human
// placeholder when memory is still empty.
func FormatSkillMemory(memory []string) string {
	if len(memory) == 0 {
		return "(empty — no cross-step data yet)"
	}
	return strings.Join(memory, "\n")
}

// ClearLoopMessages returns the canonical empty L3, used by the Step Runner
// to reset the loop atomically at PREPARE.
func ClearLoopMessages() []types.LoopMessage {
	return []types.LoopMessage{}
}

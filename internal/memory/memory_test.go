package memory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendSkillMemory_EmptyKeyOutputsReturnsUnchanged(t *testing.T) {
	// A FAIL verdict carries no key_outputs; L2 must not grow on a FAIL commit.
	current := []string{"a=1", "b=2"}
	got := AppendSkillMemory(current, nil)
	if len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("expected memory unchanged, got %v", got)
	}
}

func TestAppendSkillMemory_IsMonotonic(t *testing.T) {
	// I4: skill_memory only grows, prior entries are never reordered or removed.
	current := []string{"a=1"}
	got := AppendSkillMemory(current, map[string]string{"b": "2"})
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(got), got)
	}
	if got[0] != "a=1" {
		t.Errorf("expected prior entry preserved first, got %v", got)
	}
	if got[1] != "b=2" {
		t.Errorf("expected new entry appended, got %v", got)
	}
	// The original slice must not have been mutated in place.
	if len(current) != 1 {
		t.Errorf("AppendSkillMemory must not mutate its input slice, got %v", current)
	}
}

func TestFormatSkillMemory_EmptyYieldsPlaceholder(t *testing.T) {
	got := FormatSkillMemory(nil)
	if got == "" {
		t.Error("expected a non-empty placeholder for empty memory")
	}
}

func TestLoadGlobalContext_MissingFileYieldsPlaceholder(t *testing.T) {
	got := LoadGlobalContext(filepath.Join(t.TempDir(), "does-not-exist.md"))
	if got == "" {
		t.Error("expected a placeholder string for a missing global context file")
	}
}

func TestLoadGlobalContext_CachesAfterFirstRead(t *testing.T) {
	// sync.Once caches the first call's result (the file's text, or the
	// placeholder if that read failed) across calls, even when called again
	// with a different path later in the process.
	dir := t.TempDir()
	path := filepath.Join(dir, "global.md")
	os.WriteFile(path, []byte("some global context"), 0o644)

	// l1 may already be populated by an earlier test in this file, so the
	// first result is only checked for being non-empty; the second call, with
	// another path, must return that same cached result.
	got := LoadGlobalContext(path)
	if got == "" {
		t.Error("expected non-empty content")
	}
	again := LoadGlobalContext(filepath.Join(dir, "other.md"))
	if again != got {
		t.Errorf("expected the cached result %q on a later call, got %q", got, again)
	}
}

func TestClearLoopMessages_ReturnsEmptyNotNil(t *testing.T) {
	got := ClearLoopMessages()
	if got == nil {
		t.Error("expected an empty slice, not nil")
	}
	if len(got) != 0 {
		t.Errorf("expected zero length, got %d", len(got))
	}
}

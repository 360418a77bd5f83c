package skillfile

import (
	"strings"
	"testing"
	"time"
)

func fixedTime() time.Time {
	return time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
}

func TestAppendEntry_CreatesSectionWhenAbsent(t *testing.T) {
	// Appending to a section that doesn't exist yet adds a new H2 block at EOF.
	text := "# My Skill\n\nDo the thing.\n"
	got := AppendEntry(text, SectionSuccess, "it worked", fixedTime())
	if !strings.Contains(got, "## Success Cases") {
		t.Fatalf("expected a new Success Cases header, got:\n%s", got)
	}
	if !strings.Contains(got, "### [2026-07-31 14:05 UTC]") {
		t.Fatalf("expected a timestamped entry, got:\n%s", got)
	}
	if !strings.Contains(got, "it worked") {
		t.Fatalf("expected the body text, got:\n%s", got)
	}
}

func TestAppendEntry_InsertsBeforeNextHeading(t *testing.T) {
	// An existing section with a following H2 gets the new entry inserted
	// immediately before that heading, preserving every other section byte-for-byte.
	text := "# Skill\n\n## Success Cases\n\n### [2026-01-01 00:00 UTC]\nfirst\n\n## Failure Cases\n\nnothing yet\n"
	got := AppendEntry(text, SectionSuccess, "second", fixedTime())

	if !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Fatalf("expected both old and new entries present, got:\n%s", got)
	}
	firstIdx := strings.Index(got, "first")
	secondIdx := strings.Index(got, "second")
	failureIdx := strings.Index(got, "## Failure Cases")
	if !(firstIdx < secondIdx && secondIdx < failureIdx) {
		t.Fatalf("expected order first < second < Failure Cases heading, got:\n%s", got)
	}
	if !strings.Contains(got, "nothing yet") {
		t.Fatal("expected the Failure Cases section body to survive untouched")
	}
}

func TestAppendEntry_PreservesPriorSectionsWhenAddingNew(t *testing.T) {
	// Scenario 6: adding a Success Cases entry must not disturb other sections.
	text := "# Skill\n\n## Operator Feedback\n\n### [2026-01-01 00:00 UTC]\nlooks good\n"
	got := AppendEntry(text, SectionSuccess, "looks good", fixedTime())
	if !strings.Contains(got, "## Operator Feedback") || !strings.Contains(got, "looks good") {
		t.Fatalf("expected the original Operator Feedback section preserved, got:\n%s", got)
	}
	if !strings.Contains(got, "## Success Cases") {
		t.Fatalf("expected a new Success Cases section, got:\n%s", got)
	}
}

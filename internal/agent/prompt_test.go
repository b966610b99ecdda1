package agent

import (
	"strings"
	"testing"

	"github.com/finchbot/finch/pkg/models"
)

func TestPromptBuilderSectionsOrdered(t *testing.T) {
	b := NewPromptBuilder().
		Section("identity", "You are finch.").
		Section("rules", "Be brief.")
	out := b.Build()
	if !strings.HasPrefix(out, "You are finch.") {
		t.Errorf("identity not first: %q", out)
	}
	if !strings.Contains(out, "\n\nBe brief.") {
		t.Errorf("sections not blank-line separated: %q", out)
	}
}

func TestPromptBuilderReplaceAndRemove(t *testing.T) {
	b := NewPromptBuilder().Section("a", "one").Section("a", "two")
	if got := b.Build(); got != "two" {
		t.Errorf("replace failed: %q", got)
	}
	b.Section("a", "")
	if got := b.Build(); got != "" {
		t.Errorf("remove failed: %q", got)
	}
}

func TestPromptBuilderToolsAndMemory(t *testing.T) {
	b := NewPromptBuilder().
		ToolsSection([]models.ToolSpec{{Name: "shell", Description: "run commands"}}).
		MemorySection([]models.ScoredEntry{{Entry: models.MemoryEntry{Key: "k", Content: "fact"}}})
	out := b.Build()
	if !strings.Contains(out, "- shell: run commands") {
		t.Errorf("tools missing: %q", out)
	}
	if !strings.Contains(out, "[k] fact") {
		t.Errorf("memory missing: %q", out)
	}
}

package agent

import (
	"fmt"
	"strings"

	"github.com/finchbot/finch/pkg/models"
)

// PromptBuilder assembles the system prompt from ordered named sections.
// Sections keep insertion order so the identity block always leads.
type PromptBuilder struct {
	sections []promptSection
}

type promptSection struct {
	name string
	body string
}

// NewPromptBuilder creates an empty builder.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// Section appends or replaces the named section. Empty bodies remove it.
func (b *PromptBuilder) Section(name, body string) *PromptBuilder {
	for i := range b.sections {
		if b.sections[i].name == name {
			if body == "" {
				b.sections = append(b.sections[:i], b.sections[i+1:]...)
			} else {
				b.sections[i].body = body
			}
			return b
		}
	}
	if body != "" {
		b.sections = append(b.sections, promptSection{name: name, body: body})
	}
	return b
}

// ToolsSection renders the tool inventory as a section.
func (b *PromptBuilder) ToolsSection(specs []models.ToolSpec) *PromptBuilder {
	if len(specs) == 0 {
		return b
	}
	var sb strings.Builder
	sb.WriteString("You can use the following tools:\n")
	for _, s := range specs {
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
	}
	return b.Section("tools", strings.TrimRight(sb.String(), "\n"))
}

// MemorySection renders recalled memory entries as context.
func (b *PromptBuilder) MemorySection(entries []models.ScoredEntry) *PromptBuilder {
	if len(entries) == 0 {
		return b
	}
	var sb strings.Builder
	sb.WriteString("Relevant memory:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "- [%s] %s\n", e.Entry.Key, e.Entry.Content)
	}
	return b.Section("memory", strings.TrimRight(sb.String(), "\n"))
}

// Build joins all sections with blank lines.
func (b *PromptBuilder) Build() string {
	parts := make([]string, 0, len(b.sections))
	for _, s := range b.sections {
		parts = append(parts, s.body)
	}
	return strings.Join(parts, "\n\n")
}

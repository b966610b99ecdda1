package tools

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/finchbot/finch/internal/security"
)

func testPolicy() *security.Policy {
	return security.NewPolicy(security.DefaultConfig())
}

func TestInferParamType(t *testing.T) {
	tests := []struct {
		desc string
		want ParamType
	}{
		{"number of lines to show", ParamInteger},
		{"port to connect to", ParamInteger},
		{"whether to include hidden files", ParamBoolean},
		{"true/false verbose output", ParamBoolean},
		{"the file to inspect", ParamString},
	}
	for _, tt := range tests {
		if got := inferParamType(tt.desc); got != tt.want {
			t.Errorf("inferParamType(%q) = %s, want %s", tt.desc, got, tt.want)
		}
	}
}

func TestSkillRenderCommand(t *testing.T) {
	def := SkillDefinition{
		Name:    "tailer",
		Kind:    "shell",
		Command: "tail -n {count} {file} --follow={follow}",
		Args: map[string]string{
			"count":  "number of lines to show",
			"file":   "the file to inspect",
			"follow": "whether to keep following the file",
		},
	}
	tool, err := NewSkillTool(def, testPolicy(), "")
	if err != nil {
		t.Fatal(err)
	}

	cmd, err := tool.renderCommand(map[string]any{
		"count":  float64(20),
		"file":   "var/log/app.log",
		"follow": true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "tail -n 20 'var/log/app.log' --follow=true" {
		t.Errorf("rendered = %q", cmd)
	}
}

func TestSkillStripsAbsentOptionalFlag(t *testing.T) {
	def := SkillDefinition{
		Name:    "lister",
		Kind:    "shell",
		Command: "ls {dir} --depth {depth}",
		Args: map[string]string{
			"dir":   "directory to list",
			"depth": "number of levels to descend",
		},
	}
	tool, err := NewSkillTool(def, testPolicy(), "")
	if err != nil {
		t.Fatal(err)
	}

	cmd, err := tool.renderCommand(map[string]any{"dir": "src"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(cmd, "--depth") || strings.Contains(cmd, "{depth}") {
		t.Errorf("flag not stripped: %q", cmd)
	}
	if cmd != "ls 'src'" {
		t.Errorf("rendered = %q", cmd)
	}
}

func TestSkillEqualsFormFlag(t *testing.T) {
	def := SkillDefinition{
		Name:    "greper",
		Kind:    "shell",
		Command: "grep {pattern} --context={ctx}",
		Args: map[string]string{
			"pattern": "pattern to search",
			"ctx":     "number of context lines",
		},
	}
	tool, err := NewSkillTool(def, testPolicy(), "")
	if err != nil {
		t.Fatal(err)
	}
	cmd, err := tool.renderCommand(map[string]any{"pattern": "todo"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(cmd, "--context") {
		t.Errorf("equals-form flag not stripped: %q", cmd)
	}
}

func TestSkillMissingRequiredArgument(t *testing.T) {
	def := SkillDefinition{
		Name:    "cat",
		Kind:    "shell",
		Command: "cat {file}",
		Args:    map[string]string{"file": "file to print"},
	}
	tool, err := NewSkillTool(def, testPolicy(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tool.renderCommand(map[string]any{}); err == nil {
		t.Error("missing required argument should error")
	}
}

func TestSkillIntegerValidation(t *testing.T) {
	def := SkillDefinition{
		Name:    "head",
		Kind:    "shell",
		Command: "head -n {count} x",
		Args:    map[string]string{"count": "number of lines"},
	}
	tool, _ := NewSkillTool(def, testPolicy(), "")
	if _, err := tool.renderCommand(map[string]any{"count": "twelve"}); err == nil {
		t.Error("non-integer should be rejected")
	}
	if _, err := tool.renderCommand(map[string]any{"count": 2.5}); err == nil {
		t.Error("fractional should be rejected")
	}
}

func TestSkillShellEscaping(t *testing.T) {
	def := SkillDefinition{
		Name:    "echoer",
		Kind:    "shell",
		Command: "echo {msg}",
		Args:    map[string]string{"msg": "message to print"},
	}
	tool, _ := NewSkillTool(def, testPolicy(), "")
	cmd, err := tool.renderCommand(map[string]any{"msg": "hello; rm -rf ~"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd != `echo 'hello; rm -rf ~'` {
		t.Errorf("rendered = %q", cmd)
	}
}

func TestSkillSchemaTypes(t *testing.T) {
	def := SkillDefinition{
		Name:    "mixed",
		Kind:    "shell",
		Command: "run {n} {flag} {name}",
		Args: map[string]string{
			"n":    "number of repetitions",
			"flag": "whether to be verbose",
			"name": "target name",
		},
	}
	tool, _ := NewSkillTool(def, testPolicy(), "")
	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatal(err)
	}
	if schema.Properties["n"].Type != "integer" ||
		schema.Properties["flag"].Type != "boolean" ||
		schema.Properties["name"].Type != "string" {
		t.Errorf("schema types = %+v", schema.Properties)
	}
	if len(schema.Required) != 3 {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestSkillRejectsNonShellKind(t *testing.T) {
	if _, err := NewSkillTool(SkillDefinition{Name: "x", Kind: "python", Command: "x"}, testPolicy(), ""); err == nil {
		t.Error("non-shell kind should be rejected")
	}
}

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/finchbot/finch/internal/scrub"
	"github.com/finchbot/finch/internal/security"
	"github.com/finchbot/finch/pkg/models"
)

// SkillDefinition is a declarative shell-backed skill loaded from a skill
// package: a command template with {placeholder} arguments described in
// prose.
type SkillDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Kind        string            `json:"kind" yaml:"kind"`
	Command     string            `json:"command" yaml:"command"`
	Args        map[string]string `json:"args" yaml:"args"`
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// SkillTool adapts one shell skill definition into a native tool.
type SkillTool struct {
	def      SkillDefinition
	policy   *security.Policy
	workdir  string
	required []string
}

// NewSkillTool validates the definition and builds the tool. Only
// kind="shell" definitions are supported.
func NewSkillTool(def SkillDefinition, policy *security.Policy, workdir string) (*SkillTool, error) {
	if def.Kind != "" && def.Kind != "shell" {
		return nil, fmt.Errorf("unsupported skill kind %q for %s", def.Kind, def.Name)
	}
	if strings.TrimSpace(def.Command) == "" {
		return nil, fmt.Errorf("skill %s has no command template", def.Name)
	}

	placeholders := extractPlaceholders(def.Command)
	required := make([]string, 0, len(placeholders))
	for _, p := range placeholders {
		// A placeholder wrapped in a strippable flag is optional.
		if _, optional := enclosingFlag(def.Command, p); !optional {
			required = append(required, p)
		}
	}
	sort.Strings(required)
	return &SkillTool{def: def, policy: policy, workdir: workdir, required: required}, nil
}

func (t *SkillTool) Name() string { return t.def.Name }

func (t *SkillTool) Description() string { return t.def.Description }

func (t *SkillTool) Schema() json.RawMessage {
	properties := map[string]any{}
	for _, p := range extractPlaceholders(t.def.Command) {
		desc := t.def.Args[p]
		properties[p] = map[string]any{
			"type":        string(inferParamType(desc)),
			"description": desc,
		}
	}
	return ObjectSchema(properties, t.required...)
}

func (t *SkillTool) Execute(ctx context.Context, raw json.RawMessage) (models.ToolResult, error) {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	command, err := t.renderCommand(args)
	if err != nil {
		return models.Fail(err.Error()), nil
	}

	if err := t.policy.EnforceToolOperation(security.OpExecute, t.Name()); err != nil {
		return models.Fail(err.Error()), nil
	}
	if err := t.policy.ValidateCommandExecution(command, false); err != nil {
		return models.Fail(err.Error()), nil
	}
	if !t.policy.RecordAction() {
		return models.ToolResult{Success: false, Output: "Rate limit exceeded, try again later."}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if t.workdir != "" {
		cmd.Dir = t.workdir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := scrub.Credentials(out.String())
	if runErr != nil {
		return models.Fail(fmt.Sprintf("skill %s failed: %v\n%s", t.Name(), runErr, output)), nil
	}
	return models.Ok(output), nil
}

// renderCommand substitutes placeholders with validated, shell-escaped
// values. Absent optional values strip their enclosing flag entirely.
func (t *SkillTool) renderCommand(args map[string]any) (string, error) {
	command := t.def.Command
	for _, p := range extractPlaceholders(t.def.Command) {
		value, present := args[p]
		if !present || value == nil {
			if flagRegion, optional := enclosingFlag(command, p); optional {
				command = strings.Replace(command, flagRegion, "", 1)
				continue
			}
			return "", fmt.Errorf("missing required argument %s", p)
		}

		rendered, err := renderValue(value, inferParamType(t.def.Args[p]), p)
		if err != nil {
			return "", err
		}
		command = strings.ReplaceAll(command, "{"+p+"}", rendered)
	}
	return strings.Join(strings.Fields(command), " "), nil
}

// ParamType is the inferred JSON type of one skill argument.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
)

// inferParamType guesses the argument type from description keywords, the
// way skill authors actually write them.
func inferParamType(description string) ParamType {
	lower := strings.ToLower(description)
	for _, kw := range []string{"number of", "integer", "count", "numeric", "port", "seconds", "how many"} {
		if strings.Contains(lower, kw) {
			return ParamInteger
		}
	}
	for _, kw := range []string{"true/false", "boolean", "whether to", "enable or disable", "flag indicating"} {
		if strings.Contains(lower, kw) {
			return ParamBoolean
		}
	}
	return ParamString
}

func renderValue(value any, paramType ParamType, name string) (string, error) {
	switch paramType {
	case ParamInteger:
		switch v := value.(type) {
		case float64:
			if v != float64(int64(v)) {
				return "", fmt.Errorf("argument %s must be an integer", name)
			}
			return strconv.FormatInt(int64(v), 10), nil
		case string:
			if _, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
				return "", fmt.Errorf("argument %s must be an integer", name)
			}
			return strings.TrimSpace(v), nil
		default:
			return "", fmt.Errorf("argument %s must be an integer", name)
		}
	case ParamBoolean:
		switch v := value.(type) {
		case bool:
			return strconv.FormatBool(v), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return "", fmt.Errorf("argument %s must be a boolean", name)
			}
			return strconv.FormatBool(b), nil
		default:
			return "", fmt.Errorf("argument %s must be a boolean", name)
		}
	default:
		return shellQuote(fmt.Sprintf("%v", value)), nil
	}
}

// shellQuote single-quotes a string for sh, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// extractPlaceholders returns the distinct placeholder names in template
// order.
func extractPlaceholders(template string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// enclosingFlag finds a "--flag {x}" or "--flag={x}" region wrapping the
// placeholder. When found, the whole region (flag included) can be removed
// if the argument is absent.
func enclosingFlag(command, placeholder string) (string, bool) {
	re := regexp.MustCompile(`(^|\s)(--[A-Za-z0-9][A-Za-z0-9-]*(?:[= ])\{` + regexp.QuoteMeta(placeholder) + `\})`)
	m := re.FindStringSubmatch(command)
	if m == nil {
		return "", false
	}
	return m[2], true
}

package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/finchbot/finch/pkg/models"
)

const maxSearchResults = 200

// GlobSearchTool lists workspace files matching a glob pattern.
type GlobSearchTool struct {
	resolver Resolver
}

func NewGlobSearchTool(workspace string) *GlobSearchTool {
	return &GlobSearchTool{resolver: Resolver{Root: workspace}}
}

func (t *GlobSearchTool) Name() string { return "glob_search" }

func (t *GlobSearchTool) Description() string {
	return "Find workspace files matching a glob pattern like **/*.go."
}

func (t *GlobSearchTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"pattern": map[string]any{"type": "string", "description": "Glob pattern, matched against workspace-relative paths."},
	}, "pattern")
}

func (t *GlobSearchTool) Execute(_ context.Context, params json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	pattern := strings.TrimSpace(input.Pattern)
	if pattern == "" {
		return models.Fail("pattern is required"), nil
	}

	var matches []string
	err := filepath.WalkDir(t.resolver.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(t.resolver.Root, path)
		if relErr != nil {
			return nil
		}
		if matchGlob(pattern, rel) {
			matches = append(matches, rel)
			if len(matches) >= maxSearchResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return models.Fail(fmt.Sprintf("walk workspace: %v", err)), nil
	}
	if len(matches) == 0 {
		return models.Ok("No files matched."), nil
	}
	return models.Ok(strings.Join(matches, "\n")), nil
}

// matchGlob supports ** across path separators on top of path.Match
// semantics for single segments.
func matchGlob(pattern, rel string) bool {
	rel = filepath.ToSlash(rel)
	pattern = filepath.ToSlash(pattern)
	if !strings.Contains(pattern, "**") {
		ok, err := filepath.Match(pattern, rel)
		if ok && err == nil {
			return true
		}
		// Also match against the basename so "*.go" works anywhere.
		ok, err = filepath.Match(pattern, filepath.Base(rel))
		return ok && err == nil
	}
	re := globToRegexp(pattern)
	return re.MatchString(rel)
}

func globToRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
				// Swallow a following slash so "**/" matches zero dirs too.
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					sb.WriteString("/?")
				}
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

// ContentSearchTool greps workspace files for a regular expression.
type ContentSearchTool struct {
	resolver Resolver
}

func NewContentSearchTool(workspace string) *ContentSearchTool {
	return &ContentSearchTool{resolver: Resolver{Root: workspace}}
}

func (t *ContentSearchTool) Name() string { return "content_search" }

func (t *ContentSearchTool) Description() string {
	return "Search workspace file contents with a regular expression."
}

func (t *ContentSearchTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"pattern": map[string]any{"type": "string", "description": "Regular expression to search for."},
		"glob":    map[string]any{"type": "string", "description": "Optional glob restricting which files are searched."},
	}, "pattern")
}

func (t *ContentSearchTool) Execute(_ context.Context, params json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Pattern string `json:"pattern"`
		Glob    string `json:"glob"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	re, err := regexp.Compile(input.Pattern)
	if err != nil {
		return models.Fail(fmt.Sprintf("invalid pattern: %v", err)), nil
	}

	var lines []string
	walkErr := filepath.WalkDir(t.resolver.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(t.resolver.Root, path)
		if relErr != nil {
			return nil
		}
		if input.Glob != "" && !matchGlob(input.Glob, rel) {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			if re.MatchString(sc.Text()) {
				lines = append(lines, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(sc.Text())))
				if len(lines) >= maxSearchResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return models.Fail(fmt.Sprintf("walk workspace: %v", walkErr)), nil
	}
	if len(lines) == 0 {
		return models.Ok("No matches."), nil
	}
	return models.Ok(strings.Join(lines, "\n")), nil
}

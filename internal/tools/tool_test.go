package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/finchbot/finch/pkg/models"
)

func TestRegistryOrderedSpecs(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		n := name
		r.Register(&FuncTool{ToolName: n, Desc: n, Params: ObjectSchema(map[string]any{}),
			Run: func(context.Context, json.RawMessage) (models.ToolResult, error) { return models.Ok(""), nil }})
	}
	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("specs = %d", len(specs))
	}
	// Registration order, not lexical.
	if specs[0].Name != "zeta" || specs[1].Name != "alpha" || specs[2].Name != "mid" {
		t.Errorf("order = %s, %s, %s", specs[0].Name, specs[1].Name, specs[2].Name)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "missing", json.RawMessage("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Output != "Unknown tool: missing" {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistrySchemaValidation(t *testing.T) {
	r := NewRegistry()
	r.Register(&FuncTool{
		ToolName: "typed",
		Desc:     "needs an integer",
		Params: ObjectSchema(map[string]any{
			"n": map[string]any{"type": "integer"},
		}, "n"),
		Run: func(context.Context, json.RawMessage) (models.ToolResult, error) {
			return models.Ok("ran"), nil
		},
	})

	res, err := r.Execute(context.Background(), "typed", json.RawMessage(`{"n":"not a number"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("schema mismatch should fail")
	}

	res, err = r.Execute(context.Background(), "typed", json.RawMessage(`{"n":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Output != "ran" {
		t.Errorf("valid args result = %+v", res)
	}
}

func TestTaskPlanLifecycle(t *testing.T) {
	plan := NewTaskPlanTool()
	ctx := context.Background()

	run := func(args string) models.ToolResult {
		t.Helper()
		res, err := plan.Execute(ctx, json.RawMessage(args))
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	res := run(`{"action":"create","titles":["first","second"]}`)
	if !res.Success {
		t.Fatalf("create failed: %+v", res)
	}
	items := plan.Items()
	if len(items) != 2 || items[0].ID != 1 || items[1].ID != 2 {
		t.Fatalf("items = %+v", items)
	}

	run(`{"action":"add","titles":["third"]}`)
	if items = plan.Items(); items[2].ID != 3 {
		t.Errorf("monotonic id broken: %+v", items)
	}

	run(`{"action":"update","id":2,"status":"in_progress"}`)
	if items = plan.Items(); items[1].Status != TaskInProgress {
		t.Errorf("update failed: %+v", items[1])
	}
	run(`{"action":"complete","id":2}`)
	if items = plan.Items(); items[1].Status != TaskCompleted {
		t.Errorf("complete failed: %+v", items[1])
	}

	// Create replaces the list and resets the counter.
	run(`{"action":"create","titles":["fresh"]}`)
	items = plan.Items()
	if len(items) != 1 || items[0].ID != 1 || items[0].Title != "fresh" {
		t.Errorf("create did not reset: %+v", items)
	}

	if res := run(`{"action":"update","id":99,"status":"completed"}`); res.Success {
		t.Error("update of unknown id should fail")
	}
	if res := run(`{"action":"bogus"}`); res.Success {
		t.Error("unknown action should fail")
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "pkg/util.go", true},
		{"**/*.go", "pkg/deep/util.go", true},
		{"**/*.go", "main.go", true},
		{"cmd/**/*.go", "cmd/app/main.go", true},
		{"cmd/**/*.go", "pkg/app/main.go", false},
		{"*.md", "main.go", false},
	}
	for _, tt := range tests {
		if got := matchGlob(tt.pattern, tt.path); got != tt.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestStripHTML(t *testing.T) {
	in := `<html><head><script>var x=1;</script><style>p{}</style></head><body><p>Hello &amp; welcome</p></body></html>`
	out := stripHTML(in)
	if strings.Contains(out, "var x") || strings.Contains(out, "p{}") {
		t.Errorf("script/style leaked: %q", out)
	}
	if !strings.Contains(out, "Hello & welcome") {
		t.Errorf("text lost: %q", out)
	}
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/finchbot/finch/pkg/models"
)

// TaskStatus is the state of one plan item.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// TaskItem is one entry in the session task plan.
type TaskItem struct {
	ID     int        `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// TaskPlanTool keeps a session-scoped task list. The list dies with the
// agent instance; "create" replaces it and resets the id counter.
type TaskPlanTool struct {
	mu     sync.Mutex
	items  []TaskItem
	nextID int
}

func NewTaskPlanTool() *TaskPlanTool {
	return &TaskPlanTool{nextID: 1}
}

func (t *TaskPlanTool) Name() string { return "task_plan" }

func (t *TaskPlanTool) Description() string {
	return "Manage the working task plan: create a plan, add items, update status, or show it."
}

func (t *TaskPlanTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"action": map[string]any{
			"type":        "string",
			"description": "One of create, add, update, complete, show.",
		},
		"titles": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Item titles for create/add.",
		},
		"id": map[string]any{
			"type":        "integer",
			"description": "Item id for update/complete.",
		},
		"status": map[string]any{
			"type":        "string",
			"description": "New status for update: pending, in_progress, completed.",
		},
	}, "action")
}

func (t *TaskPlanTool) Execute(_ context.Context, raw json.RawMessage) (models.ToolResult, error) {
	var args struct {
		Action string   `json:"action"`
		Titles []string `json:"titles"`
		ID     int      `json:"id"`
		Status string   `json:"status"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch strings.ToLower(strings.TrimSpace(args.Action)) {
	case "create":
		t.items = nil
		t.nextID = 1
		for _, title := range args.Titles {
			t.addLocked(title)
		}
		return models.Ok(t.renderLocked()), nil

	case "add":
		if len(args.Titles) == 0 {
			return models.Fail("add requires titles"), nil
		}
		for _, title := range args.Titles {
			t.addLocked(title)
		}
		return models.Ok(t.renderLocked()), nil

	case "update":
		status, ok := parseTaskStatus(args.Status)
		if !ok {
			return models.Fail("status must be pending, in_progress, or completed"), nil
		}
		if !t.setStatusLocked(args.ID, status) {
			return models.Fail(fmt.Sprintf("no task with id %d", args.ID)), nil
		}
		return models.Ok(t.renderLocked()), nil

	case "complete":
		if !t.setStatusLocked(args.ID, TaskCompleted) {
			return models.Fail(fmt.Sprintf("no task with id %d", args.ID)), nil
		}
		return models.Ok(t.renderLocked()), nil

	case "show":
		return models.Ok(t.renderLocked()), nil

	default:
		return models.Fail("unknown action: " + args.Action), nil
	}
}

func (t *TaskPlanTool) addLocked(title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	t.items = append(t.items, TaskItem{ID: t.nextID, Title: title, Status: TaskPending})
	t.nextID++
}

func (t *TaskPlanTool) setStatusLocked(id int, status TaskStatus) bool {
	for i := range t.items {
		if t.items[i].ID == id {
			t.items[i].Status = status
			return true
		}
	}
	return false
}

func (t *TaskPlanTool) renderLocked() string {
	if len(t.items) == 0 {
		return "Task plan is empty."
	}
	var sb strings.Builder
	for _, item := range t.items {
		marker := " "
		switch item.Status {
		case TaskInProgress:
			marker = ">"
		case TaskCompleted:
			marker = "x"
		}
		fmt.Fprintf(&sb, "[%s] %d. %s\n", marker, item.ID, item.Title)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Items returns a snapshot of the plan.
func (t *TaskPlanTool) Items() []TaskItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TaskItem, len(t.items))
	copy(out, t.items)
	return out
}

func parseTaskStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(strings.ToLower(strings.TrimSpace(s))) {
	case TaskPending:
		return TaskPending, true
	case TaskInProgress:
		return TaskInProgress, true
	case TaskCompleted:
		return TaskCompleted, true
	}
	return "", false
}

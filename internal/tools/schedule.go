package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/finchbot/finch/pkg/models"
	"github.com/robfig/cron/v3"
)

// ScheduledJob is one cron entry plus its prompt payload.
type ScheduledJob struct {
	ID      string `json:"id"`
	Spec    string `json:"spec"`
	Prompt  string `json:"prompt"`
	entryID cron.EntryID
}

// Scheduler owns the cron runner and the job table. Fired jobs are handed
// to the callback as synthetic user prompts.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]*ScheduledJob
	nextID int
	fire   func(prompt string)
}

// NewScheduler creates a scheduler; fire receives each triggered prompt.
func NewScheduler(fire func(prompt string)) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		jobs:   make(map[string]*ScheduledJob),
		nextID: 1,
		fire:   fire,
	}
}

// Start begins dispatching jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts dispatching; running jobs finish.
func (s *Scheduler) Stop() { s.cron.Stop() }

// Add registers a job under a standard 5-field cron spec.
func (s *Scheduler) Add(spec, prompt string) (*ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &ScheduledJob{
		ID:     fmt.Sprintf("job-%d", s.nextID),
		Spec:   spec,
		Prompt: prompt,
	}
	entryID, err := s.cron.AddFunc(spec, func() {
		if s.fire != nil {
			s.fire(prompt)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	job.entryID = entryID
	s.jobs[job.ID] = job
	s.nextID++
	return job, nil
}

// Remove deletes a job by id.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.cron.Remove(job.entryID)
	delete(s.jobs, id)
	return true
}

// List returns jobs sorted by id.
func (s *Scheduler) List() []ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NewScheduleTool builds the "schedule" tool over a Scheduler.
func NewScheduleTool(scheduler *Scheduler) Tool {
	return &FuncTool{
		ToolName: "schedule",
		Desc:     "Manage scheduled prompts: add a cron job, list jobs, or remove one.",
		Params: ObjectSchema(map[string]any{
			"action": map[string]any{"type": "string", "description": "add, list, or remove."},
			"spec":   map[string]any{"type": "string", "description": "Cron spec for add, e.g. '0 9 * * *'."},
			"prompt": map[string]any{"type": "string", "description": "Prompt to run when the job fires."},
			"id":     map[string]any{"type": "string", "description": "Job id for remove."},
		}, "action"),
		Run: func(_ context.Context, raw json.RawMessage) (models.ToolResult, error) {
			var args struct {
				Action string `json:"action"`
				Spec   string `json:"spec"`
				Prompt string `json:"prompt"`
				ID     string `json:"id"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
			}

			switch strings.ToLower(strings.TrimSpace(args.Action)) {
			case "add":
				if args.Spec == "" || args.Prompt == "" {
					return models.Fail("add requires spec and prompt"), nil
				}
				job, err := scheduler.Add(args.Spec, args.Prompt)
				if err != nil {
					return models.Fail(err.Error()), nil
				}
				return models.Ok(fmt.Sprintf("Scheduled %s: %s", job.ID, job.Spec)), nil

			case "list":
				jobs := scheduler.List()
				if len(jobs) == 0 {
					return models.Ok("No scheduled jobs."), nil
				}
				var sb strings.Builder
				for _, j := range jobs {
					fmt.Fprintf(&sb, "%s  %s  %s\n", j.ID, j.Spec, j.Prompt)
				}
				return models.Ok(strings.TrimRight(sb.String(), "\n")), nil

			case "remove":
				if !scheduler.Remove(args.ID) {
					return models.Fail("no job with id " + args.ID), nil
				}
				return models.Ok("Removed " + args.ID), nil

			default:
				return models.Fail("unknown action: " + args.Action), nil
			}
		},
	}
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/finchbot/finch/internal/providers"
	"github.com/finchbot/finch/internal/scrub"
	"github.com/finchbot/finch/internal/tools"
	"github.com/finchbot/finch/pkg/models"
)

// ErrToolLoopCancelled is surfaced when cancellation fires mid-turn. The
// supervisor reports it without retry and without sending a reply.
var ErrToolLoopCancelled = errors.New("tool loop cancelled")

// IsCancelled reports whether err is a turn cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrToolLoopCancelled) || errors.Is(err, context.Canceled)
}

// ApprovalGate decides whether a tool call needs a human in the loop.
// A gated call forces sequential execution so each decision is observable.
type ApprovalGate interface {
	// Requires reports whether the named tool is gated.
	Requires(toolName string) bool

	// Approve blocks until the operator decides. False means denied.
	Approve(ctx context.Context, call ParsedToolCall) (bool, error)
}

// EngineConfig configures a TurnEngine.
type EngineConfig struct {
	// Model is the provider model id for this engine.
	Model string

	// Temperature is passed through to the provider.
	Temperature float64

	// MaxToolIterations bounds the reason/act loop. Default: 10.
	MaxToolIterations int

	// SystemPrompt is sent with every request.
	SystemPrompt string

	// Approval gates tools when non-nil.
	Approval ApprovalGate

	// Observer receives structured events. Default: NopObserver.
	Observer Observer

	// MaxHistoryMessages bounds retained history. Oldest non-system
	// messages are dropped first. Default: 120.
	MaxHistoryMessages int

	// OnDelta, when set and the provider implements StreamingProvider,
	// receives incremental assistant text for draft updates.
	OnDelta func(string)
}

func (c *EngineConfig) sanitize() {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 10
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = 120
	}
}

// TurnEngine drives the iterate-until-no-tools loop for one conversation.
// It is safe for sequential use only; the gateway serializes turns per
// session.
type TurnEngine struct {
	provider   providers.Provider
	dispatcher Dispatcher
	registry   *tools.Registry
	config     EngineConfig

	mu      sync.Mutex
	history []models.ChatMessage
}

// NewTurnEngine creates an engine over the given provider, dispatcher, and
// tool registry.
func NewTurnEngine(provider providers.Provider, dispatcher Dispatcher, registry *tools.Registry, config EngineConfig) *TurnEngine {
	config.sanitize()
	if dispatcher == nil {
		dispatcher = AutoDispatcher{}
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &TurnEngine{
		provider:   provider,
		dispatcher: dispatcher,
		registry:   registry,
		config:     config,
	}
}

// History returns a copy of the conversation history.
func (e *TurnEngine) History() []models.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ChatMessage, len(e.history))
	copy(out, e.history)
	return out
}

func (e *TurnEngine) appendHistory(msgs ...models.ChatMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, msgs...)
	if over := len(e.history) - e.config.MaxHistoryMessages; over > 0 {
		e.history = append([]models.ChatMessage(nil), e.history[over:]...)
	}
}

func (e *TurnEngine) snapshotHistory() []models.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ChatMessage, len(e.history))
	copy(out, e.history)
	return out
}

// buildUserMessage converts inbound content into a chat message, lifting
// [IMAGE:<uri>] markers into image parts when the provider has vision.
func (e *TurnEngine) buildUserMessage(content string) (models.ChatMessage, error) {
	if !models.HasImageMarker(content) {
		return models.ChatMessage{Role: models.RoleUser, Content: content}, nil
	}
	if !e.provider.Capabilities().Vision {
		return models.ChatMessage{}, providers.CapabilityError(e.provider.Name(), "vision")
	}
	uris, text := models.ExtractImageMarkers(content)
	parts := make([]models.ContentPart, 0, len(uris)+1)
	if text != "" {
		parts = append(parts, models.ContentPart{Text: text})
	}
	for _, uri := range uris {
		parts = append(parts, models.ContentPart{ImageURL: uri})
	}
	return models.ChatMessage{Role: models.RoleUser, Parts: parts}, nil
}

// Turn runs one full user turn and returns the final assistant text.
func (e *TurnEngine) Turn(ctx context.Context, userInput string) (string, error) {
	userMsg, err := e.buildUserMessage(userInput)
	if err != nil {
		return "", err
	}
	e.appendHistory(userMsg)

	lastAssistantText := ""
	for iteration := 0; iteration < e.config.MaxToolIterations; iteration++ {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrToolLoopCancelled, ctx.Err())
		}

		req := &providers.ChatRequest{
			System:   e.config.SystemPrompt,
			Messages: e.snapshotHistory(),
			Tools:    e.registry.Specs(),
		}

		e.config.Observer.Observe(models.Event{Kind: models.EventModelRequest, At: time.Now()})
		var resp *models.ChatResponse
		var err error
		if sp, ok := e.provider.(providers.StreamingProvider); ok && e.config.OnDelta != nil {
			resp, err = sp.ChatStream(ctx, req, e.config.Model, e.config.Temperature, e.config.OnDelta)
		} else {
			resp, err = e.provider.Chat(ctx, req, e.config.Model, e.config.Temperature)
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", ErrToolLoopCancelled, ctx.Err())
			}
			e.config.Observer.Observe(models.Event{Kind: models.EventError, Detail: err.Error(), At: time.Now()})
			return "", err
		}
		e.config.Observer.Observe(models.Event{Kind: models.EventModelResponse, At: time.Now()})

		parsed := e.dispatcher.ParseResponse(resp)
		if len(parsed.Calls) == 0 {
			e.appendHistory(models.ChatMessage{Role: models.RoleAssistant, Content: parsed.Text})
			return parsed.Text, nil
		}
		if parsed.Text != "" {
			lastAssistantText = parsed.Text
		}

		assignCallIDs(parsed.Calls, iteration)

		outcomes, err := e.executeCalls(ctx, parsed.Calls)
		if err != nil {
			return "", err
		}

		assistantMsg := models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   parsed.Text,
			ToolCalls: make([]models.ToolCall, 0, len(parsed.Calls)),
		}
		toolMsgs := make([]models.ChatMessage, 0, len(parsed.Calls))
		for i, call := range parsed.Calls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, models.ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: string(call.Arguments),
			})
			toolMsgs = append(toolMsgs, models.ChatMessage{
				Role:       models.RoleTool,
				Content:    outcomes[i],
				ToolCallID: call.ID,
			})
		}
		e.appendHistory(append([]models.ChatMessage{assistantMsg}, toolMsgs...)...)
	}

	if lastAssistantText != "" {
		return lastAssistantText, nil
	}
	return fmt.Sprintf("I ran out of tool budget after %d iterations without reaching a final answer.", e.config.MaxToolIterations), nil
}

// assignCallIDs fills in ids for calls the dispatcher produced without one
// (the XML path has no native ids).
func assignCallIDs(calls []ParsedToolCall, iteration int) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d_%d", iteration, i)
		}
	}
}

// shouldExecuteInParallel reports whether the calls can be dispatched
// concurrently: more than one call and none gated by approval.
func shouldExecuteInParallel(calls []ParsedToolCall, gate ApprovalGate) bool {
	if len(calls) <= 1 {
		return false
	}
	if gate == nil {
		return true
	}
	for _, c := range calls {
		if gate.Requires(c.Name) {
			return false
		}
	}
	return true
}

// executeCalls runs the calls and returns one outcome string per call, in
// call order. Parallel execution only reorders completion observation.
func (e *TurnEngine) executeCalls(ctx context.Context, calls []ParsedToolCall) ([]string, error) {
	outcomes := make([]string, len(calls))

	if shouldExecuteInParallel(calls, e.config.Approval) {
		var wg sync.WaitGroup
		errs := make([]error, len(calls))
		for i := range calls {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				outcomes[idx], errs[idx] = e.executeOne(ctx, calls[idx])
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		return outcomes, nil
	}

	for i := range calls {
		out, err := e.executeOne(ctx, calls[i])
		if err != nil {
			return nil, err
		}
		outcomes[i] = out
	}
	return outcomes, nil
}

// executeOne runs a single call, racing the tool against cancellation, and
// returns the scrubbed outcome string for history.
func (e *TurnEngine) executeOne(ctx context.Context, call ParsedToolCall) (string, error) {
	start := time.Now()
	e.config.Observer.Observe(models.Event{
		Kind:     models.EventToolCallStart,
		ToolName: call.Name,
		CallID:   call.ID,
		At:       start,
	})

	if gate := e.config.Approval; gate != nil && gate.Requires(call.Name) {
		approved, err := gate.Approve(ctx, call)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", ErrToolLoopCancelled, ctx.Err())
			}
			return e.finishCall(call, models.Fail("approval failed: "+err.Error()), start), nil
		}
		if !approved {
			return e.finishCall(call, models.Fail("operator denied tool call: "+call.Name), start), nil
		}
	}

	type execOutcome struct {
		result models.ToolResult
		err    error
	}
	done := make(chan execOutcome, 1)
	go func() {
		result, err := e.registry.Execute(ctx, call.Name, call.Arguments)
		done <- execOutcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrToolLoopCancelled, ctx.Err())
	case out := <-done:
		if out.err != nil {
			// Execute faults are synthetic outcomes, already phrased.
			result := models.ToolResult{
				Success: false,
				Output:  fmt.Sprintf("Error executing %s: %v", call.Name, out.err),
			}
			return e.finishCall(call, result, start), nil
		}
		return e.finishCall(call, out.result, start), nil
	}
}

// finishCall scrubs the outcome, emits the completion event, and formats
// the tool-role message content.
func (e *TurnEngine) finishCall(call ParsedToolCall, result models.ToolResult, start time.Time) string {
	var content string
	switch {
	case result.Success:
		content = scrub.Credentials(result.Output)
	case result.Error != "":
		content = "Error: " + scrub.Credentials(result.Error)
	default:
		// Synthetic failures (unknown tool, rate limit) carry their text
		// in Output already phrased for the model.
		content = scrub.Credentials(result.Output)
	}

	e.config.Observer.Observe(models.Event{
		Kind:     models.EventToolCall,
		ToolName: call.Name,
		CallID:   call.ID,
		Success:  result.Success,
		Duration: time.Since(start),
		At:       time.Now(),
	})
	return content
}

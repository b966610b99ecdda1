package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/finchbot/finch/internal/agent"
	"github.com/finchbot/finch/internal/approval"
	"github.com/finchbot/finch/internal/backoff"
	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/internal/channels/dingtalk"
	"github.com/finchbot/finch/internal/channels/matrix"
	"github.com/finchbot/finch/internal/channels/mattermost"
	"github.com/finchbot/finch/internal/channels/qq"
	"github.com/finchbot/finch/internal/channels/signal"
	"github.com/finchbot/finch/internal/channels/telegram"
	"github.com/finchbot/finch/internal/channels/wati"
	"github.com/finchbot/finch/internal/channels/whatsapp"
	"github.com/finchbot/finch/internal/channels/whatsappweb"
	"github.com/finchbot/finch/internal/config"
	"github.com/finchbot/finch/internal/gateway"
	"github.com/finchbot/finch/internal/memory"
	"github.com/finchbot/finch/internal/pairing"
	"github.com/finchbot/finch/internal/providers"
	"github.com/finchbot/finch/internal/security"
	"github.com/finchbot/finch/internal/subagent"
	"github.com/finchbot/finch/internal/tools"
	"github.com/finchbot/finch/internal/tools/browser"
	"github.com/finchbot/finch/pkg/models"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

// runtime bundles everything runDaemon wires together.
type runtime struct {
	provider   providers.Provider
	embedder   memory.Embedder
	store      memory.Store
	policy     *security.Policy
	registry   *tools.Registry
	approvals  *approval.Manager
	subagents  *subagent.Registry
	scheduler  *tools.Scheduler
	pairing    *pairing.Pairing
	observer   agent.Observer
	logger     *slog.Logger
	dispatcher agent.Dispatcher
	cfg        *config.Config
}

func buildProvider(cfg *config.Config) (providers.Provider, error) {
	switch cfg.Provider.Name {
	case "anthropic":
		return providers.NewAnthropicProvider(cfg.Provider.APIKey, cfg.Provider.BaseURL)
	case "openai", "":
		return providers.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.BaseURL)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

func buildMemory(cfg *config.Config, embedder memory.Embedder, observer agent.Observer) (memory.Store, error) {
	weights := memory.Weights{Vector: cfg.Memory.VectorWeight, Keyword: cfg.Memory.KeywordWeight}
	if _, degraded := weights.Normalize(embedder != nil); degraded {
		observer.Observe(models.Event{
			Kind:   models.EventConfigDegraded,
			Detail: "no embedding provider configured, vector weight forced to 0",
			At:     time.Now(),
		})
	}
	switch cfg.Memory.Backend {
	case "none":
		return memory.NewNoneStore(), nil
	case "markdown":
		return memory.NewMarkdownStore(cfg.MemoryMarkdownDir(), weights)
	case "sqlite", "":
		return memory.NewSQLiteStore(cfg.MemorySQLitePath(), weights, embedder)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
}

func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	rt.observer = agent.SlogObserver{Logger: logger}
	rt.dispatcher = agent.NewDispatcher(cfg.Agent.Dispatcher)

	base, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	rt.provider = providers.WithBackoff(base, backoff.NewStore(16))
	if cfg.Memory.EmbeddingProvider == "openai" {
		rt.embedder, err = providers.NewOpenAIEmbedder(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Memory.EmbeddingModel)
		if err != nil {
			return nil, err
		}
	}
	if rt.store, err = buildMemory(cfg, rt.embedder, rt.observer); err != nil {
		return nil, err
	}

	rt.policy = security.NewPolicy(security.Config{
		Autonomy:            security.ParseAutonomy(cfg.Security.Autonomy),
		RateCapacity:        cfg.Security.RateCapacity,
		RateRefillPerMinute: cfg.Security.RateRefillPerMinute,
		DenyCommands:        cfg.Security.DenyCommands,
	})
	rt.approvals = approval.NewManager(cfg.Agent.RequireApproval, 0)
	rt.subagents = subagent.NewRegistry()
	rt.pairing = pairing.New()

	if err := os.MkdirAll(cfg.Tools.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	rt.registry = buildToolRegistry(rt)
	return rt, nil
}

func buildToolRegistry(rt *runtime) *tools.Registry {
	cfg := rt.cfg
	registry := tools.NewRegistry()
	workspace := cfg.Tools.Workspace

	registry.Register(tools.NewShellTool(rt.policy, workspace, 0))
	registry.Register(tools.NewReadFileTool(workspace))
	registry.Register(tools.NewWriteFileTool(workspace, rt.policy))
	registry.Register(tools.NewEditFileTool(workspace, rt.policy))
	registry.Register(tools.NewGlobSearchTool(workspace))
	registry.Register(tools.NewContentSearchTool(workspace))
	registry.Register(tools.NewHTTPRequestTool(rt.policy, cfg.Tools.HTTPRequest.AllowedDomains))
	registry.Register(tools.NewWebFetchTool(cfg.Tools.HTTPRequest.AllowedDomains))
	registry.Register(tools.NewWebSearchTool(tools.WebSearchConfig{
		Provider: cfg.Tools.WebSearch.Provider,
		APIKey:   cfg.Tools.WebSearch.APIKey,
		Endpoint: cfg.Tools.WebSearch.Endpoint,
	}))
	registry.Register(tools.NewMemoryStoreTool(rt.store, rt.embedder))
	registry.Register(tools.NewMemoryRecallTool(rt.store))
	registry.Register(tools.NewMemoryForgetTool(rt.store))
	registry.Register(tools.NewTaskPlanTool())
	registry.Register(tools.NewApplyPatchTool(rt.policy, workspace))

	rt.scheduler = tools.NewScheduler(func(prompt string) {
		go runScheduledPrompt(rt, prompt)
	})
	registry.Register(tools.NewScheduleTool(rt.scheduler))

	// Delegation: each sub-agent runs its own engine against the same
	// provider and a registry without the delegate family (no recursive
	// spawning).
	runner := func(ctx context.Context, _, task string) (string, error) {
		engine := agent.NewTurnEngine(rt.provider, rt.dispatcher, subRegistry(rt), agent.EngineConfig{
			Model:             cfg.Provider.Model,
			Temperature:       cfg.Provider.Temperature,
			MaxToolIterations: cfg.Agent.MaxToolIterations,
			SystemPrompt:      cfg.Agent.SystemPrompt,
			Observer:          rt.observer,
		})
		return engine.Turn(ctx, task)
	}
	registry.Register(subagent.NewDelegateTool(rt.subagents, runner, subagent.ToolConfig{}))
	registry.Register(subagent.NewListTool(rt.subagents))
	registry.Register(subagent.NewStatusTool(rt.subagents))
	registry.Register(subagent.NewKillTool(rt.subagents))

	if browserTool := buildBrowserTool(rt); browserTool != nil {
		registry.Register(browserTool)
	}

	defs, errs := tools.LoadSkillDefinitions(cfg.SkillDirs)
	for _, err := range errs {
		rt.logger.Warn("skill load", "error", err)
	}
	for _, def := range defs {
		skill, err := tools.NewSkillTool(def, rt.policy, workspace)
		if err != nil {
			rt.logger.Warn("skill rejected", "skill", def.Name, "error", err)
			continue
		}
		registry.Register(skill)
	}
	return registry
}

// subRegistry builds the reduced tool set handed to delegated sub-agents.
func subRegistry(rt *runtime) *tools.Registry {
	cfg := rt.cfg
	registry := tools.NewRegistry()
	workspace := cfg.Tools.Workspace
	registry.Register(tools.NewShellTool(rt.policy, workspace, 0))
	registry.Register(tools.NewReadFileTool(workspace))
	registry.Register(tools.NewGlobSearchTool(workspace))
	registry.Register(tools.NewContentSearchTool(workspace))
	registry.Register(tools.NewWebFetchTool(cfg.Tools.HTTPRequest.AllowedDomains))
	registry.Register(tools.NewMemoryRecallTool(rt.store))
	return registry
}

func buildBrowserTool(rt *runtime) tools.Tool {
	cfg := rt.cfg.Tools.Browser
	var backends []browser.Backend
	backends = append(backends, browser.NewChromedpBackend())
	backends = append(backends, browser.NewAgentCLIBackend(""))
	if cfg.ComputerUseEndpoint != "" {
		backends = append(backends, browser.NewComputerUseBackend(cfg.ComputerUseEndpoint))
	}
	tool, err := browser.New(browser.Config{
		Backend:             browser.BackendKind(cfg.Backend),
		AllowedDomains:      cfg.AllowedDomains,
		ComputerUseEndpoint: cfg.ComputerUseEndpoint,
		AllowRemoteEndpoint: cfg.AllowRemoteEndpoint,
		MaxCoordinateX:      cfg.MaxCoordinateX,
		MaxCoordinateY:      cfg.MaxCoordinateY,
	}, backends...)
	if err != nil {
		rt.logger.Warn("browser tool disabled", "error", err)
		return nil
	}
	return tool
}

// buildChannels constructs the configured channel registrations.
func buildChannels(rt *runtime) ([]*gateway.Registration, error) {
	cfg := rt.cfg
	var regs []*gateway.Registration
	add := func(ch channels.Channel, allowFrom []string) {
		regs = append(regs, &gateway.Registration{
			Channel:   ch,
			Allowlist: channels.NewAllowlist(allowFrom),
		})
	}

	if c := cfg.Channels.Telegram; c != nil {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:                c.Token,
			MaxVoiceDurationSecs: c.MaxVoiceDurationSecs,
			Logger:               rt.logger,
		})
		if err != nil {
			return nil, err
		}
		add(adapter, c.AllowFrom)
	}
	if c := cfg.Channels.Matrix; c != nil {
		adapter, err := matrix.NewAdapter(matrix.Config{
			HomeserverURL: c.HomeserverURL,
			UserID:        c.UserID,
			AccessToken:   c.AccessToken,
			StateDir:      cfg.StateDir,
			MentionOnly:   c.MentionOnly,
			DirectRooms:   c.DirectRooms,
			Logger:        rt.logger,
		})
		if err != nil {
			return nil, err
		}
		add(adapter, c.AllowFrom)
	}
	if c := cfg.Channels.Signal; c != nil {
		adapter, err := signal.NewAdapter(signal.Config{
			DaemonURL: c.DaemonURL,
			Account:   c.Account,
			Logger:    rt.logger,
		})
		if err != nil {
			return nil, err
		}
		add(adapter, c.AllowFrom)
	}
	if c := cfg.Channels.Mattermost; c != nil {
		adapter, err := mattermost.NewAdapter(mattermost.Config{
			ServerURL:     c.ServerURL,
			Token:         c.Token,
			Channels:      c.Channels,
			BotUsername:   c.BotUsername,
			MentionOnly:   c.MentionOnly,
			ThreadReplies: c.ThreadReplies,
			Logger:        rt.logger,
		})
		if err != nil {
			return nil, err
		}
		add(adapter, c.AllowFrom)
	}
	if c := cfg.Channels.DingTalk; c != nil {
		adapter, err := dingtalk.NewAdapter(dingtalk.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Logger:       rt.logger,
		})
		if err != nil {
			return nil, err
		}
		add(adapter, c.AllowFrom)
	}
	if c := cfg.Channels.QQ; c != nil {
		adapter, err := qq.NewAdapter(qq.Config{
			AppID:     c.AppID,
			AppSecret: c.AppSecret,
			Logger:    rt.logger,
		})
		if err != nil {
			return nil, err
		}
		add(adapter, c.AllowFrom)
	}
	if c := cfg.Channels.WhatsApp; c != nil {
		adapter, err := whatsapp.NewAdapter(whatsapp.Config{
			AccessToken:   c.AccessToken,
			PhoneNumberID: c.PhoneNumberID,
			Logger:        rt.logger,
		})
		if err != nil {
			return nil, err
		}
		add(adapter, c.AllowFrom)
	}
	if c := cfg.Channels.WhatsAppWeb; c != nil {
		adapter, err := whatsappweb.NewAdapter(whatsappweb.Config{
			DBPath:    cfg.WhatsAppSessionPath(),
			PairPhone: c.PairPhone,
			Logger:    rt.logger,
		})
		if err != nil {
			return nil, err
		}
		add(adapter, c.AllowFrom)
	}
	if c := cfg.Channels.WATI; c != nil {
		adapter, err := wati.NewAdapter(wati.Config{
			APIEndpoint: c.APIEndpoint,
			Token:       c.Token,
			Logger:      rt.logger,
		})
		if err != nil {
			return nil, err
		}
		add(adapter, c.AllowFrom)
	}

	if len(regs) == 0 {
		return nil, fmt.Errorf("no channels configured")
	}
	return regs, nil
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	regs, err := buildChannels(rt)
	if err != nil {
		return err
	}

	factory := func(channelName, sessionKey string, onDelta func(string)) *agent.TurnEngine {
		return agent.NewTurnEngine(rt.provider, rt.dispatcher, rt.registry, agent.EngineConfig{
			Model:             cfg.Provider.Model,
			Temperature:       cfg.Provider.Temperature,
			MaxToolIterations: cfg.Agent.MaxToolIterations,
			SystemPrompt:      buildSystemPrompt(rt),
			Approval:          rt.approvals,
			Observer:          rt.observer,
			OnDelta:           onDelta,
		})
	}

	supervisor := gateway.NewSupervisor(gateway.Config{
		Engines:     factory,
		Provider:    rt.provider,
		Pairing:     rt.pairing,
		TurnTimeout: cfg.Agent.TurnTimeout,
		Logger:      logger,
	}, regs...)

	rt.scheduler.Start()
	defer rt.scheduler.Stop()

	logger.Info("finch running", "channels", len(regs), "provider", rt.provider.Name())
	return supervisor.Run(ctx)
}

// runScheduledPrompt runs a cron-fired prompt on a fresh engine; the
// result only reaches the log since cron jobs have no reply target.
func runScheduledPrompt(rt *runtime, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	engine := agent.NewTurnEngine(rt.provider, rt.dispatcher, rt.registry, agent.EngineConfig{
		Model:             rt.cfg.Provider.Model,
		Temperature:       rt.cfg.Provider.Temperature,
		MaxToolIterations: rt.cfg.Agent.MaxToolIterations,
		SystemPrompt:      rt.cfg.Agent.SystemPrompt,
		Observer:          rt.observer,
	})
	out, err := engine.Turn(ctx, prompt)
	if err != nil {
		rt.logger.Error("scheduled prompt failed", "error", err)
		return
	}
	rt.logger.Info("scheduled prompt completed", "result", out)
}

func buildSystemPrompt(rt *runtime) string {
	builder := agent.NewPromptBuilder()
	identity := rt.cfg.Agent.SystemPrompt
	if identity == "" {
		identity = "You are finch, a helpful assistant reachable over chat. Be concise."
	}
	builder.Section("identity", identity)
	builder.ToolsSection(rt.registry.Specs())
	return builder.Build()
}

// Package config loads the declarative runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	StateDir string `yaml:"state_dir"`

	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	Security SecurityConfig `yaml:"security"`
	Memory   MemoryConfig   `yaml:"memory"`
	Tools    ToolsConfig    `yaml:"tools"`
	Channels ChannelsConfig `yaml:"channels"`

	// SkillDirs lists directories of declarative skill definitions.
	SkillDirs []string `yaml:"skill_dirs"`
}

// ProviderConfig selects the default model backend.
type ProviderConfig struct {
	Name        string  `yaml:"name"` // openai | anthropic
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// AgentConfig tunes the turn engine.
type AgentConfig struct {
	SystemPrompt      string        `yaml:"system_prompt"`
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	Dispatcher        string        `yaml:"dispatcher"` // native | xml | auto
	TurnTimeout       time.Duration `yaml:"turn_timeout"`

	// RequireApproval lists tool name patterns gated on the operator.
	RequireApproval []string `yaml:"require_approval"`
}

// SecurityConfig feeds the security policy.
type SecurityConfig struct {
	Autonomy            string   `yaml:"autonomy"` // read_only | normal | full
	RateCapacity        int      `yaml:"rate_capacity"`
	RateRefillPerMinute float64  `yaml:"rate_refill_per_minute"`
	DenyCommands        []string `yaml:"deny_commands"`
}

// MemoryConfig selects the backend and scoring weights.
type MemoryConfig struct {
	Backend           string  `yaml:"backend"` // none | markdown | sqlite
	EmbeddingProvider string  `yaml:"embedding_provider"`
	EmbeddingModel    string  `yaml:"embedding_model"`
	VectorWeight      float64 `yaml:"vector_weight"`
	KeywordWeight     float64 `yaml:"keyword_weight"`
}

// ToolsConfig holds per-tool feature flags.
type ToolsConfig struct {
	Workspace string `yaml:"workspace"`

	Browser struct {
		Backend             string   `yaml:"backend"`
		AllowedDomains      []string `yaml:"allowed_domains"`
		ComputerUseEndpoint string   `yaml:"computer_use_endpoint"`
		AllowRemoteEndpoint bool     `yaml:"allow_remote_endpoint"`
		MaxCoordinateX      int      `yaml:"max_coordinate_x"`
		MaxCoordinateY      int      `yaml:"max_coordinate_y"`
	} `yaml:"browser"`

	HTTPRequest struct {
		AllowedDomains []string `yaml:"allowed_domains"`
	} `yaml:"http_request"`

	WebSearch struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"web_search"`
}

// ChannelsConfig gathers the per-transport sections.
type ChannelsConfig struct {
	Telegram *struct {
		Token                string   `yaml:"token"`
		AllowFrom            []string `yaml:"allow_from"`
		MaxVoiceDurationSecs int      `yaml:"max_voice_duration_secs"`
	} `yaml:"telegram"`

	Matrix *struct {
		HomeserverURL string   `yaml:"homeserver_url"`
		UserID        string   `yaml:"user_id"`
		AccessToken   string   `yaml:"access_token"`
		AllowFrom     []string `yaml:"allow_from"`
		MentionOnly   bool     `yaml:"mention_only"`
		DirectRooms   []string `yaml:"direct_rooms"`
	} `yaml:"matrix"`

	Signal *struct {
		DaemonURL string   `yaml:"daemon_url"`
		Account   string   `yaml:"account"`
		AllowFrom []string `yaml:"allow_from"`
	} `yaml:"signal"`

	Mattermost *struct {
		ServerURL     string   `yaml:"server_url"`
		Token         string   `yaml:"token"`
		Channels      []string `yaml:"channels"`
		BotUsername   string   `yaml:"bot_username"`
		MentionOnly   bool     `yaml:"mention_only"`
		ThreadReplies bool     `yaml:"thread_replies"`
		AllowFrom     []string `yaml:"allow_from"`
	} `yaml:"mattermost"`

	DingTalk *struct {
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		AllowFrom    []string `yaml:"allow_from"`
	} `yaml:"dingtalk"`

	QQ *struct {
		AppID     string   `yaml:"app_id"`
		AppSecret string   `yaml:"app_secret"`
		AllowFrom []string `yaml:"allow_from"`
	} `yaml:"qq"`

	WhatsApp *struct {
		AccessToken   string   `yaml:"access_token"`
		PhoneNumberID string   `yaml:"phone_number_id"`
		AllowFrom     []string `yaml:"allow_from"`
	} `yaml:"whatsapp"`

	WhatsAppWeb *struct {
		PairPhone string   `yaml:"pair_phone"`
		AllowFrom []string `yaml:"allow_from"`
	} `yaml:"whatsapp_web"`

	WATI *struct {
		APIEndpoint string   `yaml:"api_endpoint"`
		Token       string   `yaml:"token"`
		AllowFrom   []string `yaml:"allow_from"`
	} `yaml:"wati"`
}

var envRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} tokens from the environment.
func expandEnv(data []byte) []byte {
	return envRe.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envRe.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, env-expands, parses, and validates the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and checks cross-field constraints.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("state_dir not set and home unknown: %w", err)
		}
		c.StateDir = filepath.Join(home, ".finch")
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
	if c.Provider.Model == "" {
		c.Provider.Model = "gpt-4o"
	}
	if c.Provider.Temperature == 0 {
		c.Provider.Temperature = 0.7
	}
	if c.Agent.MaxToolIterations <= 0 {
		c.Agent.MaxToolIterations = 10
	}
	if c.Agent.Dispatcher == "" {
		c.Agent.Dispatcher = "auto"
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "sqlite"
	}
	if c.Memory.VectorWeight == 0 && c.Memory.KeywordWeight == 0 {
		c.Memory.VectorWeight = 0.6
		c.Memory.KeywordWeight = 0.4
	}
	if sum := c.Memory.VectorWeight + c.Memory.KeywordWeight; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("memory weights must sum to 1, got %.3f", sum)
	}
	if c.Tools.Workspace == "" {
		c.Tools.Workspace = c.StateDir + "/workspace"
	}
	return nil
}

// MemorySQLitePath is the sqlite backend location inside the state dir.
func (c *Config) MemorySQLitePath() string {
	return filepath.Join(c.StateDir, "memory.sqlite")
}

// MemoryMarkdownDir is the markdown backend location.
func (c *Config) MemoryMarkdownDir() string {
	return filepath.Join(c.StateDir, "memory")
}

// WhatsAppSessionPath is the whatsmeow device store location.
func (c *Config) WhatsAppSessionPath() string {
	return filepath.Join(c.StateDir, "whatsapp-session.db")
}

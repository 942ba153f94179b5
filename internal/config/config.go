// Package config loads and validates the host configuration from YAML.
// Environment variables referenced as ${NAME} are substituted before decode.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DataDirEnv overrides the default data root when set.
const DataDirEnv = "MESSAGE_AGENT_DATA_DIR"

// Config is the root configuration for the host process.
type Config struct {
	Persona      PersonaConfig            `yaml:"persona"`
	LLM          LLMConfig                `yaml:"llm"`
	Channels     map[string]ChannelConfig `yaml:"channels"`
	MCP          MCPConfig                `yaml:"mcp"`
	Verification VerificationConfig       `yaml:"verification"`
	Skills       SkillsConfig             `yaml:"skills"`
	History      HistoryConfig            `yaml:"history"`
	Journal      JournalConfig            `yaml:"journal"`
	Tasks        TaskPersistenceConfig    `yaml:"taskPersistence"`
	Health       HealthConfig             `yaml:"health"`
	Web          WebConfig                `yaml:"web"`
	Log          LogConfig                `yaml:"log"`
}

// PersonaConfig identifies the agent persona.
type PersonaConfig struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// LLMConfig selects and configures the LLM backend.
type LLMConfig struct {
	Provider    string `yaml:"provider"` // direct-api | anthropic | copilot | claude-code
	Model       string `yaml:"model"`
	APIKey      string `yaml:"apiKey"`
	BaseURL     string `yaml:"baseUrl"`
	MaxTokens   int    `yaml:"maxTokens"`
	GithubToken string `yaml:"githubToken"`
}

// ChannelConfig configures one channel adapter.
type ChannelConfig struct {
	Type            string              `yaml:"type"` // telegram | whatsapp | wechat | imessage | web
	Enabled         bool                `yaml:"enabled"`
	Token           string              `yaml:"token"`
	SessionDataPath string              `yaml:"sessionDataPath"`
	PuppetProvider  string              `yaml:"puppetProvider"` // wechat only
	EnabledSkills   []string            `yaml:"enabledSkills"`
	Verification    *VerificationConfig `yaml:"verification"`
}

// MCPConfig configures external MCP tool servers.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one stdio MCP server.
type MCPServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// VerificationConfig controls the response verification loop.
type VerificationConfig struct {
	Enabled                bool            `yaml:"enabled"`
	MaxRetries             int             `yaml:"maxRetries"`
	ConfidenceThreshold    float64         `yaml:"confidenceThreshold"`
	SkipForShortResponses  *bool           `yaml:"skipForShortResponses"`
	ShortResponseThreshold int             `yaml:"shortResponseThreshold"`
	LLMReview              LLMReviewConfig `yaml:"llmReview"`
	Rules                  RuleConfig      `yaml:"rules"`
}

// SkipShortResponses reports whether short responses bypass
// verification. Unset means yes.
func (v VerificationConfig) SkipShortResponses() bool {
	return v.SkipForShortResponses == nil || *v.SkipForShortResponses
}

// LLMReviewConfig configures the LLM-based verifier.
type LLMReviewConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// RuleConfig toggles the rule-based verifier.
type RuleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SkillsConfig locates content-based skill directories.
type SkillsConfig struct {
	Directories []string `yaml:"directories"`
}

// HistoryConfig tunes the segmented history store.
type HistoryConfig struct {
	DataDir             string `yaml:"dataDir"`
	MaxMessages         int    `yaml:"maxMessages"`
	MaxSegmentSizeBytes int64  `yaml:"maxSegmentSizeBytes"`
	MaxSegments         int    `yaml:"maxSegments"`
}

// JournalConfig tunes the event journal.
type JournalConfig struct {
	Enabled             *bool `yaml:"enabled"`
	MaxSegmentSizeBytes int64 `yaml:"maxSegmentSizeBytes"`
	MaxSegments         int   `yaml:"maxSegments"`
}

// TaskPersistenceConfig controls the durable task store.
type TaskPersistenceConfig struct {
	Enabled          *bool `yaml:"enabled"`
	RecoverOnStartup *bool `yaml:"recoverOnStartup"`
}

// HealthConfig tunes the heartbeat and channel monitor.
type HealthConfig struct {
	Port                 int      `yaml:"port"`
	HeartbeatIntervalMs  int      `yaml:"heartbeatIntervalMs"`
	CheckIntervalMs      int      `yaml:"checkIntervalMs"`
	BaseDelayMs          int      `yaml:"baseDelayMs"`
	MaxDelayMs           int      `yaml:"maxDelayMs"`
	MaxReconnectAttempts int      `yaml:"maxReconnectAttempts"`
	NotifyTargets        []string `yaml:"notifyTargets"` // "channelId:conversationId"
}

// WebConfig configures the browser chat and dashboard server.
type WebConfig struct {
	Enabled *bool `yaml:"enabled"`
	Port    int   `yaml:"port"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, substitutes, decodes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Persona.Name == "" {
		c.Persona.Name = "Relay"
	}
	if c.Persona.SystemPrompt == "" {
		c.Persona.SystemPrompt = "You are a helpful assistant."
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}

	if c.Verification.MaxRetries <= 0 {
		c.Verification.MaxRetries = 3
	}
	if c.Verification.ConfidenceThreshold <= 0 {
		c.Verification.ConfidenceThreshold = 0.7
	}
	if c.Verification.SkipForShortResponses == nil {
		c.Verification.SkipForShortResponses = boolPtr(true)
	}
	if c.Verification.ShortResponseThreshold <= 0 {
		c.Verification.ShortResponseThreshold = 50
	}

	if c.History.DataDir == "" {
		c.History.DataDir = DefaultDataDir()
	}
	if c.History.MaxMessages <= 0 {
		c.History.MaxMessages = 100
	}
	if c.History.MaxSegmentSizeBytes <= 0 {
		c.History.MaxSegmentSizeBytes = 524288
	}
	if c.History.MaxSegments <= 0 {
		c.History.MaxSegments = 20
	}

	if c.Journal.Enabled == nil {
		c.Journal.Enabled = boolPtr(true)
	}
	if c.Journal.MaxSegmentSizeBytes <= 0 {
		c.Journal.MaxSegmentSizeBytes = 1048576
	}
	if c.Journal.MaxSegments <= 0 {
		c.Journal.MaxSegments = 10
	}

	if c.Tasks.Enabled == nil {
		c.Tasks.Enabled = boolPtr(true)
	}
	if c.Tasks.RecoverOnStartup == nil {
		c.Tasks.RecoverOnStartup = boolPtr(true)
	}

	if c.Health.Port <= 0 {
		c.Health.Port = 3001
	}
	if c.Health.HeartbeatIntervalMs <= 0 {
		c.Health.HeartbeatIntervalMs = 10000
	}
	if c.Health.CheckIntervalMs <= 0 {
		c.Health.CheckIntervalMs = 30000
	}
	if c.Health.BaseDelayMs <= 0 {
		c.Health.BaseDelayMs = 2000
	}
	if c.Health.MaxDelayMs <= 0 {
		c.Health.MaxDelayMs = 120000
	}
	if c.Health.MaxReconnectAttempts <= 0 {
		c.Health.MaxReconnectAttempts = 10
	}

	if c.Web.Enabled == nil {
		c.Web.Enabled = boolPtr(true)
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 3000
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate rejects configurations the host cannot run with. Validation
// errors are fatal at startup.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "direct-api", "anthropic", "copilot", "claude-code":
	case "":
		return fmt.Errorf("llm.provider is required")
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}

	for id, ch := range c.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "telegram":
			if ch.Token == "" {
				return fmt.Errorf("channel %q: telegram requires a token", id)
			}
		case "whatsapp", "imessage", "web":
		case "wechat":
			return fmt.Errorf("channel %q: wechat requires an external puppet service and is not bundled", id)
		default:
			return fmt.Errorf("channel %q: unknown type %q", id, ch.Type)
		}
	}

	for name, srv := range c.MCP.Servers {
		if srv.Command == "" {
			return fmt.Errorf("mcp server %q: command is required", name)
		}
	}

	for _, target := range c.Health.NotifyTargets {
		if !isNotifyTarget(target) {
			return fmt.Errorf("health.notifyTargets entry %q must be channelId:conversationId", target)
		}
	}

	return nil
}

// DefaultDataDir resolves the data root: $MESSAGE_AGENT_DATA_DIR or
// <home>/.message-agent-host.
func DefaultDataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".message-agent-host"
	}
	return filepath.Join(home, ".message-agent-host")
}

// VerificationFor returns the per-channel verification override when present,
// otherwise the global config.
func (c *Config) VerificationFor(channelID string) VerificationConfig {
	if ch, ok := c.Channels[channelID]; ok && ch.Verification != nil {
		return *ch.Verification
	}
	return c.Verification
}

func isNotifyTarget(s string) bool {
	for i := 1; i < len(s)-1; i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }

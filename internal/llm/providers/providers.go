package providers

import (
	"fmt"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/llm"
)

// New builds the provider named by the configuration. Completion-only
// backends come back already wrapped for chat use.
func New(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "direct-api":
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens), nil
	case "copilot":
		return NewCopilot(cfg.GithubToken, cfg.Model, cfg.MaxTokens), nil
	case "claude-code":
		return llm.NewCompletionAdapter(NewClaudeCode(cfg.Model)), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

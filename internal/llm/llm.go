// Package llm wraps heterogeneous model backends behind a single chat
// interface with tool support. Completion-only backends are lifted into
// the chat interface by CompletionAdapter.
package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Message is a single turn in a chat transcript. Unlike the persisted
// history entry it carries tool-call structure for assistant and tool
// turns.
type Message struct {
	Role       models.Role
	Content    string
	ToolCalls  []models.ToolCall // assistant turns only
	ToolCallID string            // tool turns only
}

// ChatRequest is one model invocation: a transcript plus the tool catalog
// the model may call into.
type ChatRequest struct {
	Messages  []Message
	Tools     []models.ToolDefinition
	MaxTokens int
}

// Provider is a chat-capable model backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*models.CompletionResult, error)
	Close() error
}

// Completer is a backend that only supports single-string completion.
// Wrap it with NewCompletionAdapter to obtain a Provider.
type Completer interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
	Close() error
}

// Service fronts a Provider with logging and call metrics. It is the type
// the pipeline and verifiers depend on.
type Service struct {
	provider Provider
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewService wraps a provider. metrics may be nil.
func NewService(provider Provider, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		metrics:  metrics,
		logger:   logger.With("component", "llm", "provider", provider.Name()),
	}
}

// Provider returns the backing provider's name.
func (s *Service) Provider() string {
	return s.provider.Name()
}

// Chat performs one model call.
func (s *Service) Chat(ctx context.Context, req *ChatRequest) (*models.CompletionResult, error) {
	start := time.Now()
	result, err := s.provider.Chat(ctx, req)
	elapsed := time.Since(start)

	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.LLMRequests.WithLabelValues(s.provider.Name(), outcome).Inc()
		s.metrics.LLMRequestDuration.WithLabelValues(s.provider.Name()).Observe(elapsed.Seconds())
	}

	if err != nil {
		s.logger.Error("model call failed", "elapsed", elapsed, "error", err)
		return nil, err
	}

	s.logger.Debug("model call completed",
		"elapsed", elapsed,
		"toolCalls", len(result.ToolCalls),
		"chars", len(result.Content))
	return result, nil
}

// Complete is the chat-only convenience: one system prompt, one user
// prompt, no tools.
func (s *Service) Complete(ctx context.Context, system, user string) (string, error) {
	req := &ChatRequest{
		Messages: []Message{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: user},
		},
	}
	result, err := s.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// Close releases the backing provider.
func (s *Service) Close() error {
	return s.provider.Close()
}

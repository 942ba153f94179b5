// Package providers contains the concrete model backends behind the llm
// package: OpenAI-compatible endpoints, Anthropic, GitHub Copilot, and
// the Claude Code CLI.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/pkg/models"
)

// OpenAI speaks to any endpoint implementing the OpenAI chat completion
// API, including self-hosted gateways configured via baseUrl.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI builds the direct-api provider. baseURL may be empty for the
// public OpenAI endpoint.
func NewOpenAI(apiKey, baseURL, model string, maxTokens int) *OpenAI {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (p *OpenAI) Name() string { return "direct-api" }
func (p *OpenAI) Close() error { return nil }

func (p *OpenAI) Chat(ctx context.Context, req *llm.ChatRequest) (*models.CompletionResult, error) {
	return chatCompletion(ctx, p.client, p.model, p.maxTokens, req)
}

// chatCompletion is the shared OpenAI-wire implementation used by the
// direct-api and copilot providers.
func chatCompletion(ctx context.Context, client *openai.Client, model string, maxTokens int, req *llm.ChatRequest) (*models.CompletionResult, error) {
	messages, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Tools:    toOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if maxTokens > 0 {
		chatReq.MaxTokens = maxTokens
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choice list")
	}

	choice := resp.Choices[0].Message
	result := &models.CompletionResult{
		Content: choice.Content,
		Model:   resp.Model,
		Usage: &models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	for _, call := range choice.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse arguments for tool %s: %w", call.Function.Name, err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return result, nil
}

func toOpenAIMessages(messages []llm.Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				return nil, fmt.Errorf("serialize arguments for tool %s: %w", call.Name, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		result = append(result, msg)
	}
	return result, nil
}

func toOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return result
}

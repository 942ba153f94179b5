package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// toolCallEnvelope is the JSON shape a completion-only backend uses to
// request a tool invocation.
type toolCallEnvelope struct {
	ToolCall *struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"tool_call"`
}

// CompletionAdapter lifts a Completer into the Provider interface. The
// transcript is flattened into a single prompt, the tool catalog is
// appended to the system prompt with a JSON calling convention, and the
// first tool-call-shaped JSON object in the response is converted back
// into a structured ToolCall.
type CompletionAdapter struct {
	completer Completer
}

// NewCompletionAdapter wraps a completion-only backend.
func NewCompletionAdapter(c Completer) *CompletionAdapter {
	return &CompletionAdapter{completer: c}
}

func (a *CompletionAdapter) Name() string {
	return a.completer.Name()
}

func (a *CompletionAdapter) Close() error {
	return a.completer.Close()
}

func (a *CompletionAdapter) Chat(ctx context.Context, req *ChatRequest) (*models.CompletionResult, error) {
	system := collectSystem(req.Messages)
	if len(req.Tools) > 0 {
		system += toolInstructions(req.Tools)
	}

	text, err := a.completer.Complete(ctx, system, flattenTranscript(req.Messages))
	if err != nil {
		return nil, err
	}

	result := &models.CompletionResult{Content: text}
	if call, remainder, ok := extractToolCall(text); ok {
		result.Content = remainder
		result.ToolCalls = []models.ToolCall{call}
	}
	return result, nil
}

func collectSystem(messages []Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == models.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// flattenTranscript renders the non-system turns as "[role]" sections.
// Tool results are prefixed "[Tool Result]" and assistant tool calls are
// re-serialized in the same envelope the model is asked to emit, so the
// backend sees its own prior calls in a shape it recognizes.
func flattenTranscript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if m.Role == models.RoleTool {
			b.WriteString("[Tool Result]\n")
			b.WriteString(m.Content)
			continue
		}
		fmt.Fprintf(&b, "[%s]\n%s", m.Role, m.Content)
		for _, call := range m.ToolCalls {
			data, err := json.Marshal(map[string]any{
				"tool_call": map[string]any{"name": call.Name, "arguments": call.Arguments},
			})
			if err != nil {
				continue
			}
			b.WriteString("\n")
			b.Write(data)
		}
	}
	return b.String()
}

func toolInstructions(tools []models.ToolDefinition) string {
	catalog, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		return ""
	}
	return "\n\nYou have access to the following tools. To call one, respond with a " +
		`single JSON object of the form {"tool_call": {"name": "...", "arguments": {...}}} ` +
		"and no other text. Otherwise answer normally.\n\nTools:\n" + string(catalog)
}

// extractToolCall scans text for the first JSON object carrying a
// tool_call envelope. It returns the synthesized call and the text with
// the envelope removed.
func extractToolCall(text string) (models.ToolCall, string, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var envelope toolCallEnvelope
		if err := dec.Decode(&envelope); err != nil {
			continue
		}
		if envelope.ToolCall == nil || envelope.ToolCall.Name == "" {
			continue
		}
		end := i + int(dec.InputOffset())
		remainder := strings.TrimSpace(text[:i] + text[end:])
		call := models.ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      envelope.ToolCall.Name,
			Arguments: envelope.ToolCall.Arguments,
		}
		return call, remainder, true
	}
	return models.ToolCall{}, text, false
}

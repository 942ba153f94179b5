package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/skills"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/internal/verify"
	"github.com/haasonsaas/relay/pkg/models"
)

const maxToolIterations = 10

// runPipeline is the full per-message flow. History access is bracketed
// by the conversation mutex; model calls, tool calls, and verification
// run outside it.
func (s *Service) runPipeline(ctx context.Context, taskID string, msg models.NormalizedMessage) error {
	s.journalEvent(models.EventPipelineStarted, taskID, msg, nil)

	snapshot, err := s.appendUserMessage(ctx, taskID, msg)
	if err != nil {
		return err
	}
	s.journalEvent(models.EventHistoryAppended, taskID, msg, map[string]any{"role": "user"})
	s.updatePhase(taskID, models.PhaseHistoryWritten, tasks.PhaseUpdate{})

	messages := s.buildMessages(snapshot)
	tools := s.assembleTools(msg.ChannelID)

	s.journalEvent(models.EventLLMCallStarted, taskID, msg, map[string]any{"tools": len(tools)})
	s.updatePhase(taskID, models.PhaseLLMCalling, tasks.PhaseUpdate{})

	response, err := s.toolLoop(ctx, taskID, msg, messages, tools)
	if err != nil {
		return err
	}

	vcfg := s.verificationFor(msg.ChannelID)
	if verify.ShouldVerify(msg.Text, response, vcfg) {
		s.updatePhase(taskID, models.PhaseVerifying, tasks.PhaseUpdate{PendingResponse: response})
		response = s.verifyLoop(ctx, taskID, msg, messages, response, vcfg, snapshot)
	}

	err = s.appendHistory(ctx, msg, models.HistoryEntry{
		Role:    models.RoleAssistant,
		Content: response,
		TaskID:  taskID,
	})
	if err != nil {
		return err
	}
	s.journalEvent(models.EventHistoryAppended, taskID, msg, map[string]any{"role": "assistant"})
	s.updatePhase(taskID, models.PhaseResponding, tasks.PhaseUpdate{PendingResponse: response})

	s.recordLastResponse(msg, response)

	if err := s.send(ctx, msg, response); err != nil {
		return err
	}
	s.journalEvent(models.EventResponseSent, taskID, msg, nil)
	s.journalEvent(models.EventTaskCompleted, taskID, msg, nil)
	return nil
}

// appendUserMessage writes the inbound message to history and returns the
// full conversation snapshot, both under the conversation mutex.
func (s *Service) appendUserMessage(ctx context.Context, taskID string, msg models.NormalizedMessage) ([]models.HistoryEntry, error) {
	release, err := s.mutex.Acquire(ctx, msg.ConversationKey())
	if err != nil {
		return nil, err
	}
	defer release()

	entry := models.HistoryEntry{
		TS:                time.Now().UTC().Format(time.RFC3339),
		Role:              models.RoleUser,
		Content:           msg.Text,
		SenderID:          msg.SenderID,
		PlatformMessageID: msg.PlatformMessageID,
		TaskID:            taskID,
	}
	if err := s.history.Append(msg.ChannelID, msg.ConversationID, entry); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	limit := s.cfg.History.MaxMessages
	snapshot, err := s.history.GetMessages(msg.ChannelID, msg.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return snapshot, nil
}

// appendHistory writes entries under the conversation mutex, stamping
// timestamps when unset.
func (s *Service) appendHistory(ctx context.Context, msg models.NormalizedMessage, entries ...models.HistoryEntry) error {
	release, err := s.mutex.Acquire(ctx, msg.ConversationKey())
	if err != nil {
		return err
	}
	defer release()

	for i := range entries {
		if entries[i].TS == "" {
			entries[i].TS = time.Now().UTC().Format(time.RFC3339)
		}
	}
	if err := s.history.Append(msg.ChannelID, msg.ConversationID, entries...); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// buildMessages turns the persisted history into a model transcript with
// the persona system prompt up front.
func (s *Service) buildMessages(snapshot []models.HistoryEntry) []llm.Message {
	messages := make([]llm.Message, 0, len(snapshot)+1)
	messages = append(messages, llm.Message{
		Role:    models.RoleSystem,
		Content: s.cfg.Persona.SystemPrompt,
	})
	for _, entry := range snapshot {
		messages = append(messages, llm.Message{
			Role:       entry.Role,
			Content:    entry.Content,
			ToolCallID: entry.ToolCallID,
		})
	}
	return messages
}

// assembleTools merges the MCP tool union with the channel's enabled
// skill tools.
func (s *Service) assembleTools(channelID string) []models.ToolDefinition {
	var tools []models.ToolDefinition
	if s.tools != nil {
		tools = append(tools, s.tools.GetAllTools()...)
	}
	for _, def := range s.skills.ToolDefinitions() {
		name := strings.TrimPrefix(def.Name, skills.ToolPrefix)
		if skill, ok := s.skills.Get(name); ok && s.skillEnabled(channelID, skill) {
			tools = append(tools, def)
		}
	}
	return tools
}

// toolLoop alternates model calls and tool invocations until the model
// stops requesting tools or the iteration bound is hit, in which case one
// final call without tools produces the answer.
func (s *Service) toolLoop(ctx context.Context, taskID string, msg models.NormalizedMessage, messages []llm.Message, tools []models.ToolDefinition) (string, error) {
	for i := 0; i < maxToolIterations; i++ {
		result, err := s.llm.Chat(ctx, &llm.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			return "", err
		}
		if len(result.ToolCalls) == 0 {
			s.journalEvent(models.EventLLMCallCompleted, taskID, msg, map[string]any{"iterations": i + 1})
			return result.Content, nil
		}

		messages = append(messages, llm.Message{
			Role:      models.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})
		if err := s.appendHistory(ctx, msg, models.HistoryEntry{
			Role:    models.RoleAssistant,
			Content: result.Content,
			TaskID:  taskID,
		}); err != nil {
			return "", err
		}

		for _, call := range result.ToolCalls {
			s.journalEvent(models.EventToolCallStarted, taskID, msg, map[string]any{"tool": call.Name})
			text, ok := s.invokeTool(ctx, call)
			s.journalEvent(models.EventToolCallCompleted, taskID, msg, map[string]any{"tool": call.Name, "ok": ok})
			if s.metrics != nil {
				status := "ok"
				if !ok {
					status = "error"
				}
				s.metrics.ToolInvocations.WithLabelValues(call.Name, status).Inc()
			}
			messages = append(messages, llm.Message{
				Role:       models.RoleTool,
				Content:    text,
				ToolCallID: call.ID,
			})
			if err := s.appendHistory(ctx, msg, models.HistoryEntry{
				Role:       models.RoleTool,
				Content:    text,
				ToolCallID: call.ID,
				TaskID:     taskID,
			}); err != nil {
				return "", err
			}
		}
	}

	// Iteration bound exhausted: one last call, tools withheld.
	result, err := s.llm.Chat(ctx, &llm.ChatRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	s.journalEvent(models.EventLLMCallCompleted, taskID, msg, map[string]any{"iterations": maxToolIterations, "forced": true})
	return result.Content, nil
}

// invokeTool runs one tool call. Failures never abort the loop; they come
// back as tool-result text the model can react to.
func (s *Service) invokeTool(ctx context.Context, call models.ToolCall) (string, bool) {
	if name, isSkill := strings.CutPrefix(call.Name, skills.ToolPrefix); isSkill {
		skill, ok := s.skills.Get(name)
		if !ok || skill.Instructions == "" {
			return fmt.Sprintf("Skill %s not found", name), false
		}
		args, _ := call.Arguments["arguments"].(string)
		text, err := s.llm.Complete(ctx, skill.SubstituteArguments(args), args)
		if err != nil {
			return fmt.Sprintf("Tool error: %s", err.Error()), false
		}
		return text, true
	}

	if s.tools == nil {
		return fmt.Sprintf("Tool error: no tool backend for %s", call.Name), false
	}
	text, err := s.tools.InvokeTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return fmt.Sprintf("Tool error: %s", err.Error()), false
	}
	return text, true
}

func (s *Service) updatePhase(taskID string, phase models.TaskPhase, update tasks.PhaseUpdate) {
	if err := s.taskStore.UpdatePhase(taskID, phase, update); err != nil {
		s.logger.Warn("task phase persist failed", "task", taskID, "phase", phase, "error", err)
	}
}

// Package agent runs the per-message pipeline: history bookkeeping,
// model calls with tool use, verification, and reply delivery.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/conversation"
	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/journal"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/skills"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/internal/verify"
	"github.com/haasonsaas/relay/pkg/models"
)

// Sender delivers outbound messages through a channel adapter.
type Sender interface {
	SendMessage(ctx context.Context, channelID, conversationID string, msg models.OutgoingMessage) error
}

// ToolInvoker is the tool backend the pipeline calls into; the MCP
// manager satisfies it.
type ToolInvoker interface {
	GetAllTools() []models.ToolDefinition
	InvokeTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Deps wires the agent service. Journal, TaskStore, Reviewer, and
// Metrics may be nil.
type Deps struct {
	Config    *config.Config
	History   *history.Store
	Journal   *journal.Journal
	Tasks     *tasks.Manager
	TaskStore *tasks.Store
	Mutex     *conversation.KeyedMutex
	LLM       *llm.Service
	Reviewer  verify.Completer
	Tools     ToolInvoker
	Skills    *skills.Registry
	Sender    Sender
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Service is the conversational core shared by every channel.
type Service struct {
	cfg       *config.Config
	history   *history.Store
	journal   *journal.Journal
	tasks     *tasks.Manager
	taskStore *tasks.Store
	mutex     *conversation.KeyedMutex
	llm       *llm.Service
	reviewer  verify.Completer
	tools     ToolInvoker
	skills    *skills.Registry
	sender    Sender
	metrics   *observability.Metrics
	logger    *slog.Logger

	lastMu        sync.RWMutex
	lastResponses map[string]string
}

// NewService assembles the agent.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:           deps.Config,
		history:       deps.History,
		journal:       deps.Journal,
		tasks:         deps.Tasks,
		taskStore:     deps.TaskStore,
		mutex:         deps.Mutex,
		llm:           deps.LLM,
		reviewer:      deps.Reviewer,
		tools:         deps.Tools,
		skills:        deps.Skills,
		sender:        deps.Sender,
		metrics:       deps.Metrics,
		logger:        logger.With("component", "agent"),
		lastResponses: make(map[string]string),
	}
}

// HandleMessage is the single entry point for inbound messages from every
// channel. Slash commands resolving to builtins run synchronously; all
// other work goes through the task manager.
func (s *Service) HandleMessage(ctx context.Context, msg models.NormalizedMessage) error {
	s.journalEvent(models.EventTaskReceived, "", msg, nil)
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(msg.ChannelID).Inc()
	}

	if name, args, ok := skills.ParseSlashCommand(strings.TrimSpace(msg.Text)); ok {
		if skill, found := s.skills.ResolveCommand(name); found && s.skillEnabled(msg.ChannelID, skill) {
			return s.dispatchSkill(ctx, skill, args, msg)
		}
	}

	s.tasks.Submit(ctx, msg, s.runPipeline)
	return nil
}

// dispatchSkill runs a slash-invoked skill: builtins in-process and
// synchronously, content-based skills as a background completion task.
func (s *Service) dispatchSkill(ctx context.Context, skill *skills.Skill, args string, msg models.NormalizedMessage) error {
	s.journalEvent(models.EventSkillDispatched, "", msg, map[string]any{"skill": skill.Name})

	if skill.Execute != nil {
		result, err := skill.Execute(ctx, skills.ExecRequest{
			ChannelID:      msg.ChannelID,
			ConversationID: msg.ConversationID,
			Arguments:      args,
		})
		if err != nil {
			return fmt.Errorf("skill %s: %w", skill.Name, err)
		}
		return s.send(ctx, msg, result.Text)
	}

	s.tasks.Submit(ctx, msg, func(taskCtx context.Context, taskID string, taskMsg models.NormalizedMessage) error {
		system := skill.SubstituteArguments(args)
		text, err := s.llm.Complete(taskCtx, system, taskMsg.Text)
		if err != nil {
			return fmt.Errorf("skill %s completion: %w", skill.Name, err)
		}
		s.journalEvent(models.EventResponseSent, taskID, taskMsg, map[string]any{"skill": skill.Name})
		return s.send(taskCtx, taskMsg, text)
	})
	return nil
}

// skillEnabled applies the channel's enabledSkills allowlist. Builtins
// are always available; an empty list allows everything.
func (s *Service) skillEnabled(channelID string, skill *skills.Skill) bool {
	if skill.Source == skills.SourceBuiltin {
		return true
	}
	channel, ok := s.cfg.Channels[channelID]
	if !ok || len(channel.EnabledSkills) == 0 {
		return true
	}
	for _, name := range channel.EnabledSkills {
		if name == skill.Name {
			return true
		}
	}
	return false
}

// LastResponse returns the most recent assistant response recorded for a
// conversation. Used by the /retry builtin.
func (s *Service) LastResponse(channelID, conversationID string) (string, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	text, ok := s.lastResponses[channelID+":"+conversationID]
	return text, ok
}

func (s *Service) recordLastResponse(msg models.NormalizedMessage, text string) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	s.lastResponses[msg.ChannelID+":"+msg.ConversationID] = text
}

// verificationFor returns the channel's verification override, falling
// back to the global section.
func (s *Service) verificationFor(channelID string) config.VerificationConfig {
	if channel, ok := s.cfg.Channels[channelID]; ok && channel.Verification != nil {
		return *channel.Verification
	}
	return s.cfg.Verification
}

func (s *Service) send(ctx context.Context, msg models.NormalizedMessage, text string) error {
	out := models.OutgoingMessage{
		Text:             text,
		ReplyToMessageID: msg.PlatformMessageID,
	}
	if err := s.sender.SendMessage(ctx, msg.ChannelID, msg.ConversationID, out); err != nil {
		if s.metrics != nil {
			s.metrics.MessagesSent.WithLabelValues(msg.ChannelID, "error").Inc()
		}
		return fmt.Errorf("send via %s: %w", msg.ChannelID, err)
	}
	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues(msg.ChannelID, "ok").Inc()
	}
	return nil
}

func (s *Service) journalEvent(event models.JournalEvent, taskID string, msg models.NormalizedMessage, data map[string]any) {
	s.journal.Record(models.JournalEntry{
		Event:          event,
		TaskID:         taskID,
		ChannelID:      msg.ChannelID,
		ConversationID: msg.ConversationID,
		Data:           data,
	})
}

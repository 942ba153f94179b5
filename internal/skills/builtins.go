package skills

import (
	"context"
	"fmt"
	"strings"
)

// HistoryClearer wipes one conversation's stored history.
type HistoryClearer interface {
	Clear(channelID, conversationID string) error
}

// BuiltinDeps are the host capabilities the builtin skills reach into.
// Any nil member degrades the corresponding builtin to an explanatory
// message instead of failing registration.
type BuiltinDeps struct {
	History HistoryClearer

	// StatusSummary renders the current host status for /status.
	StatusSummary func() string

	// LastResponse returns the most recent assistant response for a
	// conversation, for /retry.
	LastResponse func(channelID, conversationID string) (string, bool)
}

// RegisterBuiltins wires the in-process slash commands: /help, /clear,
// /status, /retry.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	builtins := []*Skill{
		{
			Name:          "help",
			Description:   "List available commands",
			UserInvocable: true,
			Execute: func(_ context.Context, _ ExecRequest) (ExecResult, error) {
				return ExecResult{Text: renderHelp(r), Handled: true}, nil
			},
		},
		{
			Name:          "clear",
			Description:   "Clear this conversation's history",
			UserInvocable: true,
			Execute: func(_ context.Context, req ExecRequest) (ExecResult, error) {
				if deps.History == nil {
					return ExecResult{Text: "History persistence is disabled.", Handled: true}, nil
				}
				if err := deps.History.Clear(req.ChannelID, req.ConversationID); err != nil {
					return ExecResult{}, fmt.Errorf("clear history: %w", err)
				}
				return ExecResult{Text: "Conversation history cleared.", Handled: true}, nil
			},
		},
		{
			Name:          "status",
			Description:   "Show connection and task status",
			UserInvocable: true,
			Execute: func(_ context.Context, _ ExecRequest) (ExecResult, error) {
				if deps.StatusSummary == nil {
					return ExecResult{Text: "Status is not available.", Handled: true}, nil
				}
				return ExecResult{Text: deps.StatusSummary(), Handled: true}, nil
			},
		},
		{
			Name:          "retry",
			Description:   "Resend the last response",
			UserInvocable: true,
			Execute: func(_ context.Context, req ExecRequest) (ExecResult, error) {
				if deps.LastResponse == nil {
					return ExecResult{Text: "Nothing to retry yet.", Handled: true}, nil
				}
				last, ok := deps.LastResponse(req.ChannelID, req.ConversationID)
				if !ok {
					return ExecResult{Text: "Nothing to retry yet.", Handled: true}, nil
				}
				return ExecResult{Text: last, Handled: true}, nil
			},
		},
	}

	for _, s := range builtins {
		s.Source = SourceBuiltin
		s.DisableModelInvocation = true
		if err := r.Register(s); err != nil {
			r.logger.Error("builtin registration failed", "skill", s.Name, "error", err)
		}
	}
}

func renderHelp(r *Registry) string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, s := range r.List() {
		if !s.UserInvocable {
			continue
		}
		fmt.Fprintf(&b, "/%s", s.Name)
		if s.ArgumentHint != "" {
			fmt.Fprintf(&b, " %s", s.ArgumentHint)
		}
		fmt.Fprintf(&b, " - %s\n", s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

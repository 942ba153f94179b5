// Package skills manages the skill catalog: slash-invocable commands and
// instruction-backed behaviors exposed to the model as tools.
package skills

import (
	"context"
	"strings"
)

// Source records where a skill definition came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceSkillMD Source = "skillmd"
)

// ContextMode controls how an instruction-backed skill sees the
// conversation when invoked as a tool.
type ContextMode string

const (
	ContextFork    ContextMode = "fork"
	ContextInherit ContextMode = "inherit"
)

// ExecResult is the outcome of a programmatic skill execution.
type ExecResult struct {
	Text    string
	Handled bool
}

// ExecRequest carries the invocation context for a programmatic skill.
type ExecRequest struct {
	ChannelID      string
	ConversationID string
	Arguments      string
}

// ExecFunc is the programmatic body of a builtin skill.
type ExecFunc func(ctx context.Context, req ExecRequest) (ExecResult, error)

// Skill is one entry in the registry. Builtins carry an Execute function;
// skills loaded from SKILL.md files carry Instructions.
type Skill struct {
	Name                   string      `yaml:"name"`
	Description            string      `yaml:"description"`
	UserInvocable          bool        `yaml:"userInvocable"`
	ArgumentHint           string      `yaml:"argumentHint"`
	DisableModelInvocation bool        `yaml:"disableModelInvocation"`
	AllowedTools           []string    `yaml:"allowedTools"`
	Context                ContextMode `yaml:"context"`

	Instructions string   `yaml:"-"`
	Source       Source   `yaml:"-"`
	Execute      ExecFunc `yaml:"-"`
	Path         string   `yaml:"-"`
}

// ContentBased reports whether the skill runs by feeding its instructions
// to the model rather than executing in-process.
func (s *Skill) ContentBased() bool {
	return s.Execute == nil && s.Instructions != ""
}

// SubstituteArguments fills $ARGUMENTS in the instructions. An empty
// argument string becomes the literal "(no arguments)".
func (s *Skill) SubstituteArguments(args string) string {
	if strings.TrimSpace(args) == "" {
		args = "(no arguments)"
	}
	return strings.ReplaceAll(s.Instructions, "$ARGUMENTS", args)
}

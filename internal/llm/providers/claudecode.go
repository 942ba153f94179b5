package providers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ClaudeCode is a completion-only backend that shells out to the locally
// installed claude CLI. It implements llm.Completer; wrap it with
// llm.NewCompletionAdapter to use it in the pipeline.
type ClaudeCode struct {
	binary string
	model  string
}

// NewClaudeCode builds the claude-code completer. model may be empty to
// use the CLI's default.
func NewClaudeCode(model string) *ClaudeCode {
	return &ClaudeCode{binary: "claude", model: model}
}

func (p *ClaudeCode) Name() string { return "claude-code" }
func (p *ClaudeCode) Close() error { return nil }

func (p *ClaudeCode) Complete(ctx context.Context, system, user string) (string, error) {
	args := []string{"-p", "--output-format", "text"}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}
	if system != "" {
		args = append(args, "--append-system-prompt", system)
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdin = strings.NewReader(user)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("claude cli: %w: %s", err, detail)
		}
		return "", fmt.Errorf("claude cli: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

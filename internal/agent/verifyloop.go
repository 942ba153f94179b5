package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/internal/verify"
	"github.com/haasonsaas/relay/pkg/models"
)

// buildVerifier assembles the composite for one run: cheap rules first,
// then LLM review when configured and a reviewer model is wired.
func (s *Service) buildVerifier(vcfg config.VerificationConfig) verify.Verifier {
	var verifiers []verify.Verifier
	if vcfg.Rules.Enabled {
		verifiers = append(verifiers, verify.NewRules())
	}
	if vcfg.LLMReview.Enabled && s.reviewer != nil {
		verifiers = append(verifiers, verify.NewLLMReviewer(s.reviewer, vcfg.ConfidenceThreshold, s.logger))
	}
	return verify.NewComposite(verifiers...)
}

// verifyLoop grades the response and regenerates until it passes or the
// retry budget runs out. Verification never fails the pipeline: on any
// error the current response is delivered as-is.
func (s *Service) verifyLoop(ctx context.Context, taskID string, msg models.NormalizedMessage, baseMessages []llm.Message, response string, vcfg config.VerificationConfig, snapshot []models.HistoryEntry) string {
	verifier := s.buildVerifier(vcfg)
	current := response
	var feedback []string

	for attempt := 1; attempt <= vcfg.MaxRetries; attempt++ {
		s.journalEvent(models.EventVerificationStarted, taskID, msg, map[string]any{"attempt": attempt})

		result, err := verifier.Verify(ctx, verify.Input{
			Request:  msg.Text,
			Response: current,
			History:  snapshot,
			Attempt:  attempt,
		})
		if err != nil {
			s.logger.Warn("verification errored, delivering unverified", "task", taskID, "error", err)
			return current
		}

		s.journalEvent(models.EventVerificationResult, taskID, msg, map[string]any{
			"attempt":    attempt,
			"passed":     result.Passed,
			"rating":     string(result.Rating),
			"confidence": result.Confidence,
		})
		if s.metrics != nil {
			s.metrics.VerificationAttempts.WithLabelValues(string(result.Rating)).Inc()
		}

		if result.Passed {
			return current
		}
		if result.Feedback != "" {
			feedback = append(feedback, result.Feedback)
		}

		var (
			regenerated string
			regenErr    error
		)
		s.journalEvent(models.EventLLMCallStarted, taskID, msg, map[string]any{"regeneration": true, "attempt": attempt})
		switch result.Rating {
		case verify.RatingRedo:
			regenerated, regenErr = s.regenerateFromScratch(ctx, baseMessages, feedback)
		default:
			regenerated, regenErr = s.regenerateWithFixes(ctx, baseMessages, current, result.Feedback)
		}
		if regenErr != nil {
			s.logger.Warn("regeneration failed, delivering current response", "task", taskID, "error", regenErr)
			return current
		}
		s.journalEvent(models.EventLLMCallCompleted, taskID, msg, map[string]any{"regeneration": true, "attempt": attempt})
		current = regenerated
		s.updatePhase(taskID, models.PhaseVerifying, tasks.PhaseUpdate{PendingResponse: current})
	}

	return current
}

// regenerateFromScratch rebuilds the transcript with the accumulated
// feedback folded into the system prompt.
func (s *Service) regenerateFromScratch(ctx context.Context, baseMessages []llm.Message, feedback []string) (string, error) {
	messages := make([]llm.Message, len(baseMessages))
	copy(messages, baseMessages)

	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		messages[0] = llm.Message{
			Role: models.RoleSystem,
			Content: messages[0].Content +
				"\n\nYour previous answer was rejected. Address this feedback:\n- " +
				strings.Join(feedback, "\n- "),
		}
	}

	result, err := s.llm.Chat(ctx, &llm.ChatRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// regenerateWithFixes extends the transcript with the rejected response
// and a synthetic user turn stating the required fixes.
func (s *Service) regenerateWithFixes(ctx context.Context, baseMessages []llm.Message, current, feedback string) (string, error) {
	messages := make([]llm.Message, len(baseMessages), len(baseMessages)+2)
	copy(messages, baseMessages)

	messages = append(messages,
		llm.Message{Role: models.RoleAssistant, Content: current},
		llm.Message{Role: models.RoleUser, Content: fmt.Sprintf(
			"Your response needs fixes before it can be delivered: %s\nProduce a corrected response.", feedback)},
	)

	result, err := s.llm.Chat(ctx, &llm.ChatRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

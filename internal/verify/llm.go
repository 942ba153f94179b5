package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const reviewSystemPrompt = `You are a strict quality reviewer for an AI assistant's responses.
Given a user request and the assistant's response, judge whether the response fully and correctly addresses the request.
Reply with exactly one JSON object and nothing else:
{"rating": "GOOD" | "NEEDS_FIX" | "REDO", "feedback": "<what to change, empty if GOOD>", "confidence": <0..1>}
Use REDO only when the response must be rewritten from scratch.`

// Completer is the single model call the reviewer needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMReviewer asks a model to grade the response. It is deliberately
// failure-proof: any transport or parsing problem yields a neutral pass
// so verification never blocks delivery.
type LLMReviewer struct {
	completer Completer
	threshold float64
	logger    *slog.Logger
}

// NewLLMReviewer creates the reviewer. threshold is the minimum
// confidence a GOOD rating needs to pass.
func NewLLMReviewer(completer Completer, threshold float64, logger *slog.Logger) *LLMReviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReviewer{
		completer: completer,
		threshold: threshold,
		logger:    logger.With("component", "verify"),
	}
}

func (v *LLMReviewer) Name() string { return "llm-review" }

func (v *LLMReviewer) Verify(ctx context.Context, in Input) (Result, error) {
	prompt := fmt.Sprintf("User request:\n%s\n\nAssistant response:\n%s", in.Request, in.Response)

	raw, err := v.completer.Complete(ctx, reviewSystemPrompt, prompt)
	if err != nil {
		v.logger.Warn("review call failed, passing neutrally", "error", err)
		return neutralPass(), nil
	}

	verdict, ok := parseVerdict(raw)
	if !ok {
		v.logger.Warn("review verdict unparseable, passing neutrally", "raw", raw)
		return neutralPass(), nil
	}

	result := Result{
		Rating:     verdict.Rating,
		Feedback:   verdict.Feedback,
		Confidence: clamp01(verdict.Confidence),
	}
	result.Passed = result.Rating == RatingGood && result.Confidence >= v.threshold
	return result, nil
}

func neutralPass() Result {
	return Result{Passed: true, Rating: RatingGood, Confidence: 0.5}
}

type verdict struct {
	Rating     Rating  `json:"rating"`
	Feedback   string  `json:"feedback"`
	Confidence float64 `json:"confidence"`
}

// parseVerdict extracts the first JSON object in the text that carries a
// recognizable rating.
func parseVerdict(text string) (verdict, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var v verdict
		if err := dec.Decode(&v); err != nil {
			continue
		}
		switch v.Rating {
		case RatingGood, RatingNeedsFix, RatingRedo:
			return v, true
		}
	}
	return verdict{}, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

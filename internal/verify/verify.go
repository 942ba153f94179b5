// Package verify implements response verification: rule checks, an
// optional LLM reviewer, and the composite that chains them.
package verify

import (
	"context"
	"regexp"
	"strings"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

// Rating grades a response.
type Rating string

const (
	RatingGood     Rating = "GOOD"
	RatingNeedsFix Rating = "NEEDS_FIX"
	RatingRedo     Rating = "REDO"
)

// Result is one verifier's verdict.
type Result struct {
	Passed     bool    `json:"passed"`
	Rating     Rating  `json:"rating"`
	Feedback   string  `json:"feedback,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Input is what a verifier sees: the user request, the candidate
// response, and surrounding context.
type Input struct {
	Request  string
	Response string
	History  []models.HistoryEntry
	Attempt  int
}

// Verifier judges one candidate response.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, in Input) (Result, error)
}

var greetingPattern = regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|bye)[!.]?$`)

// ShouldVerify decides whether a response goes through the verification
// loop at all.
func ShouldVerify(request, response string, cfg config.VerificationConfig) bool {
	if !cfg.Enabled {
		return false
	}
	if cfg.SkipShortResponses() && len(response) < cfg.ShortResponseThreshold {
		return false
	}
	if greetingPattern.MatchString(strings.TrimSpace(request)) {
		return false
	}
	return true
}

// Composite runs sub-verifiers in order and returns the first failure.
// No failures means a full-confidence pass.
type Composite struct {
	verifiers []Verifier
}

// NewComposite chains verifiers. Order matters: cheap rule checks should
// come before LLM review.
func NewComposite(verifiers ...Verifier) *Composite {
	return &Composite{verifiers: verifiers}
}

func (c *Composite) Name() string { return "composite" }

func (c *Composite) Verify(ctx context.Context, in Input) (Result, error) {
	for _, v := range c.verifiers {
		result, err := v.Verify(ctx, in)
		if err != nil {
			return Result{}, err
		}
		if !result.Passed {
			return result, nil
		}
	}
	return Result{Passed: true, Rating: RatingGood, Confidence: 1.0}, nil
}

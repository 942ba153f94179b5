package verify

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	apologyPattern     = regexp.MustCompile(`(?i)^(i'?m sorry|i apologi[sz]e|sorry,|unfortunately,? i can|i can(?:'t|not)|as an ai)`)
	codeRequestPattern = regexp.MustCompile(`(?i)\b(write|create|implement|code|function|class|script|program)\b`)
	terminators        = ".!?\n`\")]"
)

// Rules is the deterministic verifier: completeness, code-quality, and
// direct-answer checks, failing on the first hit.
type Rules struct{}

// NewRules creates the rule verifier.
func NewRules() *Rules { return &Rules{} }

func (r *Rules) Name() string { return "rules" }

func (r *Rules) Verify(_ context.Context, in Input) (Result, error) {
	if result, failed := checkCompleteness(in.Response); failed {
		return result, nil
	}
	if result, failed := checkCodeQuality(in.Request, in.Response); failed {
		return result, nil
	}
	if result, failed := checkDirectAnswer(in.Request, in.Response); failed {
		return result, nil
	}
	return Result{Passed: true, Rating: RatingGood, Confidence: 1.0}, nil
}

func checkCompleteness(response string) (Result, bool) {
	stripped := strings.TrimSpace(response)
	if stripped == "" {
		return Result{
			Rating:     RatingRedo,
			Feedback:   "Response is empty. Produce a complete answer.",
			Confidence: 1.0,
		}, true
	}
	if apologyPattern.MatchString(stripped) {
		return Result{
			Rating:     RatingNeedsFix,
			Feedback:   "Response opens with an apology or refusal instead of answering.",
			Confidence: 1.0,
		}, true
	}
	// Trim only spaces and tabs here: a trailing newline is itself a
	// terminator and must stay visible to the check.
	last, _ := utf8.DecodeLastRuneInString(strings.TrimRight(response, " \t"))
	if len(response) > 100 && !strings.ContainsRune(terminators, last) {
		return Result{
			Rating:     RatingNeedsFix,
			Feedback:   "Response appears truncated: it does not end at a sentence boundary.",
			Confidence: 1.0,
		}, true
	}
	return Result{}, false
}

func checkCodeQuality(request, response string) (Result, bool) {
	if !codeRequestPattern.MatchString(request) {
		return Result{}, false
	}
	if strings.Contains(response, "```") {
		return Result{}, false
	}
	return Result{
		Rating:     RatingNeedsFix,
		Feedback:   "The request asks for code but the response contains no fenced code block.",
		Confidence: 1.0,
	}, true
}

func checkDirectAnswer(request, response string) (Result, bool) {
	if !strings.HasSuffix(strings.TrimSpace(request), "?") {
		return Result{}, false
	}
	if len(strings.TrimSpace(response)) >= 10 {
		return Result{}, false
	}
	return Result{
		Rating:     RatingNeedsFix,
		Feedback:   "The question deserves a substantive answer, not a fragment.",
		Confidence: 1.0,
	}, true
}

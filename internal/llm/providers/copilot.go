package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	copilotTokenURL = "https://api.github.com/copilot_internal/v2/token"
	copilotAPIBase  = "https://api.githubcopilot.com"

	// Refresh the short-lived Copilot token slightly before it expires.
	copilotTokenSlack = 2 * time.Minute
)

// Copilot routes chat completions through the GitHub Copilot API. The
// configured GitHub token is exchanged for a short-lived Copilot bearer
// token, which authenticates an OpenAI-compatible endpoint.
type Copilot struct {
	githubToken string
	model       string
	maxTokens   int
	httpClient  *http.Client

	mu      sync.Mutex
	client  *openai.Client
	expires time.Time
}

// NewCopilot builds the copilot provider from a GitHub OAuth token.
func NewCopilot(githubToken, model string, maxTokens int) *Copilot {
	return &Copilot{
		githubToken: githubToken,
		model:       model,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Copilot) Name() string { return "copilot" }
func (p *Copilot) Close() error { return nil }

func (p *Copilot) Chat(ctx context.Context, req *llm.ChatRequest) (*models.CompletionResult, error) {
	client, err := p.copilotClient(ctx)
	if err != nil {
		return nil, err
	}
	return chatCompletion(ctx, client, p.model, p.maxTokens, req)
}

// copilotClient returns an OpenAI client holding a valid Copilot bearer,
// exchanging the GitHub token when the cached one is missing or stale.
func (p *Copilot) copilotClient(ctx context.Context) (*openai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && time.Now().Before(p.expires.Add(-copilotTokenSlack)) {
		return p.client, nil
	}

	token, expires, err := p.exchangeToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("copilot token exchange: %w", err)
	}

	clientConfig := openai.DefaultConfig(token)
	clientConfig.BaseURL = copilotAPIBase
	p.client = openai.NewClientWithConfig(clientConfig)
	p.expires = expires
	return p.client, nil
}

func (p *Copilot) exchangeToken(ctx context.Context) (string, time.Time, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotTokenURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	httpReq.Header.Set("Authorization", "token "+p.githubToken)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, err
	}
	if payload.Token == "" {
		return "", time.Time{}, fmt.Errorf("empty token in response")
	}

	expires := time.Unix(payload.ExpiresAt, 0)
	if payload.ExpiresAt == 0 {
		expires = time.Now().Add(10 * time.Minute)
	}
	return payload.Token, expires, nil
}

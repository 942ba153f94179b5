package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/conversation"
	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/journal"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/skills"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/pkg/models"
)

// scriptedLLM returns queued results in order, then a fallback.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*models.CompletionResult
	requests  []*llm.ChatRequest
}

func (p *scriptedLLM) Name() string { return "scripted" }
func (p *scriptedLLM) Close() error { return nil }

func (p *scriptedLLM) Chat(_ context.Context, req *llm.ChatRequest) (*models.CompletionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &models.CompletionResult{Content: "fallback"}, nil
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	return next, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []models.OutgoingMessage
}

func (r *recordingSender) SendMessage(_ context.Context, _, _ string, msg models.OutgoingMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, m := range r.sent {
		out[i] = m.Text
	}
	return out
}

type stubTools struct {
	result string
	calls  []models.ToolCall
}

func (s *stubTools) GetAllTools() []models.ToolDefinition {
	return []models.ToolDefinition{{Name: "calc__add", Description: "add numbers"}}
}

func (s *stubTools) InvokeTool(_ context.Context, name string, args map[string]any) (string, error) {
	s.calls = append(s.calls, models.ToolCall{Name: name, Arguments: args})
	return s.result, nil
}

type testHarness struct {
	service *Service
	llm     *scriptedLLM
	sender  *recordingSender
	manager *tasks.Manager
	history *history.Store
	journal *journal.Journal
}

// journalEvents returns how often each event was recorded for c1.
func (h *testHarness) journalEvents(t *testing.T) map[models.JournalEvent]int {
	t.Helper()
	entries, err := h.journal.Query("web", "c1", 200)
	if err != nil {
		t.Fatal(err)
	}
	counts := make(map[models.JournalEvent]int)
	for _, e := range entries {
		counts[e.Event]++
	}
	return counts
}

func newHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Persona.SystemPrompt == "" {
		cfg.Persona.SystemPrompt = "You are a helpful assistant."
	}
	if cfg.History.MaxMessages == 0 {
		cfg.History.MaxMessages = 100
	}

	scripted := &scriptedLLM{}
	sender := &recordingSender{}
	store := history.NewStore(t.TempDir(), history.Options{}, nil)
	jnl := journal.New(t.TempDir(), journal.Options{}, nil)
	manager := tasks.NewManager(nil, nil, sender, nil, nil)
	registry := skills.NewRegistry(nil)

	service := NewService(Deps{
		Config:  cfg,
		History: store,
		Journal: jnl,
		Tasks:   manager,
		Mutex:   conversation.NewKeyedMutex(),
		LLM:     llm.NewService(scripted, nil, nil),
		Skills:  registry,
		Sender:  sender,
	})
	return &testHarness{
		service: service,
		llm:     scripted,
		sender:  sender,
		manager: manager,
		history: store,
		journal: jnl,
	}
}

func inbound(text string) models.NormalizedMessage {
	return models.NormalizedMessage{
		ID:                models.NewMessageID(),
		ChannelID:         "web",
		ConversationID:    "c1",
		SenderID:          "u1",
		Text:              text,
		Timestamp:         models.NowMillis(),
		PlatformMessageID: "p1",
	}
}

func TestPipelinePlainResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.responses = []*models.CompletionResult{{Content: "Hello back."}}

	if err := h.service.HandleMessage(context.Background(), inbound("hello there friend")); err != nil {
		t.Fatal(err)
	}
	h.manager.Drain()

	if got := h.sender.texts(); len(got) != 1 || got[0] != "Hello back." {
		t.Fatalf("sent = %v", got)
	}

	entries, err := h.history.GetMessages("web", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("history = %d entries, want user+assistant", len(entries))
	}
	if entries[0].Role != models.RoleUser || entries[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", entries[0].Role, entries[1].Role)
	}
	if entries[1].Content != "Hello back." {
		t.Errorf("assistant content = %q", entries[1].Content)
	}
}

func TestPipelineToolUse(t *testing.T) {
	h := newHarness(t, nil)
	toolBackend := &stubTools{result: "5"}
	h.service.tools = toolBackend
	h.llm.responses = []*models.CompletionResult{
		{ToolCalls: []models.ToolCall{{
			ID:        "t1",
			Name:      "calc__add",
			Arguments: map[string]any{"a": 2.0, "b": 3.0},
		}}},
		{Content: "The answer is 5."},
	}

	if err := h.service.HandleMessage(context.Background(), inbound("what is 2+3 according to the calculator")); err != nil {
		t.Fatal(err)
	}
	h.manager.Drain()

	if got := h.sender.texts(); len(got) != 1 || got[0] != "The answer is 5." {
		t.Fatalf("sent = %v", got)
	}
	if len(toolBackend.calls) != 1 || toolBackend.calls[0].Name != "calc__add" {
		t.Fatalf("tool calls = %+v", toolBackend.calls)
	}

	entries, err := h.history.GetMessages("web", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(entries) != len(wantRoles) {
		t.Fatalf("history = %d entries, want %d", len(entries), len(wantRoles))
	}
	for i, want := range wantRoles {
		if entries[i].Role != want {
			t.Errorf("entry %d role = %s, want %s", i, entries[i].Role, want)
		}
	}
	if entries[1].Content != "" {
		t.Errorf("tool-call assistant turn content = %q, want empty", entries[1].Content)
	}
	if entries[2].ToolCallID != "t1" || entries[2].Content != "5" {
		t.Errorf("tool turn = %+v", entries[2])
	}
	if entries[3].Content != "The answer is 5." {
		t.Errorf("final turn = %q", entries[3].Content)
	}
}

func TestSlashBuiltinRunsSynchronously(t *testing.T) {
	h := newHarness(t, nil)
	skills.RegisterBuiltins(h.service.skills, skills.BuiltinDeps{})

	if err := h.service.HandleMessage(context.Background(), inbound("/help")); err != nil {
		t.Fatal(err)
	}

	// No Drain: the builtin must reply without a background task.
	got := h.sender.texts()
	if len(got) != 1 || !strings.Contains(got[0], "/help") {
		t.Fatalf("sent = %v", got)
	}
	if len(h.llm.requests) != 0 {
		t.Error("builtin dispatch hit the model")
	}
}

func TestSlashContentSkill(t *testing.T) {
	h := newHarness(t, nil)
	err := h.service.skills.Register(&skills.Skill{
		Name:          "summarize",
		Description:   "summarize text",
		UserInvocable: true,
		Instructions:  "Summarize: $ARGUMENTS",
		Source:        skills.SourceSkillMD,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.llm.responses = []*models.CompletionResult{{Content: "A short summary."}}

	if err := h.service.HandleMessage(context.Background(), inbound("/summarize the quarterly report")); err != nil {
		t.Fatal(err)
	}
	h.manager.Drain()

	if got := h.sender.texts(); len(got) != 1 || got[0] != "A short summary." {
		t.Fatalf("sent = %v", got)
	}

	h.llm.mu.Lock()
	defer h.llm.mu.Unlock()
	if len(h.llm.requests) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(h.llm.requests))
	}
	system := h.llm.requests[0].Messages[0].Content
	if system != "Summarize: the quarterly report" {
		t.Errorf("system prompt = %q", system)
	}
}

func TestEnabledSkillsAllowlist(t *testing.T) {
	cfg := &config.Config{
		Channels: map[string]config.ChannelConfig{
			"web": {Type: "web", Enabled: true, EnabledSkills: []string{"other"}},
		},
	}
	h := newHarness(t, cfg)
	err := h.service.skills.Register(&skills.Skill{
		Name:          "summarize",
		Description:   "summarize text",
		UserInvocable: true,
		Instructions:  "Summarize: $ARGUMENTS",
		Source:        skills.SourceSkillMD,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.llm.responses = []*models.CompletionResult{{Content: "treated as conversation"}}

	if err := h.service.HandleMessage(context.Background(), inbound("/summarize nope")); err != nil {
		t.Fatal(err)
	}
	h.manager.Drain()

	// The skill is not in the allowlist, so the text runs through the
	// normal pipeline instead.
	entries, err := h.history.GetMessages("web", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("message did not reach the conversation pipeline")
	}
}

func TestLastResponseRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.responses = []*models.CompletionResult{{Content: "remembered reply"}}

	if err := h.service.HandleMessage(context.Background(), inbound("say something memorable")); err != nil {
		t.Fatal(err)
	}
	h.manager.Drain()

	last, ok := h.service.LastResponse("web", "c1")
	if !ok || last != "remembered reply" {
		t.Errorf("LastResponse = %q, %v", last, ok)
	}
	if _, ok := h.service.LastResponse("web", "other"); ok {
		t.Error("unrelated conversation has a last response")
	}
}

func TestSkillToolInvocation(t *testing.T) {
	h := newHarness(t, nil)
	err := h.service.skills.Register(&skills.Skill{
		Name:         "lookup",
		Description:  "look things up",
		Instructions: "Look up: $ARGUMENTS",
		Source:       skills.SourceSkillMD,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.llm.responses = []*models.CompletionResult{
		{ToolCalls: []models.ToolCall{{
			ID:        "t1",
			Name:      "skill__lookup",
			Arguments: map[string]any{"arguments": "golang release dates"},
		}}},
		{Content: "lookup result text"}, // skill completion
		{Content: "Here is what I found."},
	}

	if err := h.service.HandleMessage(context.Background(), inbound("find the golang release dates for me")); err != nil {
		t.Fatal(err)
	}
	h.manager.Drain()

	if got := h.sender.texts(); len(got) != 1 || got[0] != "Here is what I found." {
		t.Fatalf("sent = %v", got)
	}

	entries, _ := h.history.GetMessages("web", "c1", 10)
	var toolEntry *models.HistoryEntry
	for i := range entries {
		if entries[i].Role == models.RoleTool {
			toolEntry = &entries[i]
		}
	}
	if toolEntry == nil || toolEntry.Content != "lookup result text" {
		t.Errorf("tool entry = %+v", toolEntry)
	}
}

func TestMissingSkillToolResult(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.responses = []*models.CompletionResult{
		{ToolCalls: []models.ToolCall{{ID: "t1", Name: "skill__ghost", Arguments: map[string]any{}}}},
		{Content: "done"},
	}

	if err := h.service.HandleMessage(context.Background(), inbound("use the ghost skill please")); err != nil {
		t.Fatal(err)
	}
	h.manager.Drain()

	entries, _ := h.history.GetMessages("web", "c1", 10)
	var toolContent string
	for _, e := range entries {
		if e.Role == models.RoleTool {
			toolContent = e.Content
		}
	}
	if toolContent != "Skill ghost not found" {
		t.Errorf("tool result = %q", toolContent)
	}
}

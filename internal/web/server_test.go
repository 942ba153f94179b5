package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/pkg/models"
)

type webHarness struct {
	server  *Server
	channel *Channel
	sse     *SSEManager
	history *history.Store

	mu       sync.Mutex
	received []models.NormalizedMessage
}

func newWebHarness(t *testing.T) *webHarness {
	t.Helper()
	sse := NewSSEManager(nil)
	channel := NewChannel("web", sse, nil)
	store := history.NewStore(t.TempDir(), history.Options{}, nil)

	h := &webHarness{channel: channel, sse: sse, history: store}
	channel.OnMessage(func(msg models.NormalizedMessage) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.received = append(h.received, msg)
	})

	h.server = NewServer(ServerDeps{
		Channel: channel,
		SSE:     sse,
		History: store,
	})
	return h
}

func (h *webHarness) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *webHarness) waitForMessages(t *testing.T, want int) []models.NormalizedMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.received)
		h.mu.Unlock()
		if n >= want {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.NormalizedMessage(nil), h.received...)
}

func TestChatInjectsAndReturnsIDs(t *testing.T) {
	h := newWebHarness(t)

	rec := h.request(t, "POST", "/api/chat", `{"text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["conversationId"] == "" || resp["messageId"] == "" {
		t.Fatalf("resp = %v", resp)
	}

	msgs := h.waitForMessages(t, 1)
	if len(msgs) != 1 || msgs[0].Text != "hello" || msgs[0].SenderID != "web-user" {
		t.Fatalf("received = %+v", msgs)
	}
	if msgs[0].ConversationID != resp["conversationId"] {
		t.Error("handler message and response disagree on conversation id")
	}
}

func TestChatReusesConversationID(t *testing.T) {
	h := newWebHarness(t)
	rec := h.request(t, "POST", "/api/chat", `{"text":"hi","conversationId":"keep-me"}`)
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["conversationId"] != "keep-me" {
		t.Errorf("conversationId = %q, want keep-me", resp["conversationId"])
	}
}

func TestChatRejectsMissingText(t *testing.T) {
	h := newWebHarness(t)
	for _, body := range []string{``, `{}`, `{"text":""}`, `not json`} {
		rec := h.request(t, "POST", "/api/chat", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestChatStreamRequiresConversationID(t *testing.T) {
	h := newWebHarness(t)
	rec := h.request(t, "GET", "/api/chat/stream", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	h := newWebHarness(t)
	h.history.Append("web", "c1",
		models.HistoryEntry{TS: "2025-01-01T00:00:00Z", Role: models.RoleUser, Content: "hi"},
		models.HistoryEntry{TS: "2025-01-01T00:00:01Z", Role: models.RoleAssistant, Content: "hello"},
	)

	rec := h.request(t, "GET", "/api/history?conversationId=c1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		ConversationID string `json:"conversationId"`
		Messages       []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 2 || resp.Messages[1].Content != "hello" {
		t.Errorf("messages = %+v", resp.Messages)
	}

	if rec := h.request(t, "GET", "/api/history", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing conversationId: status = %d, want 400", rec.Code)
	}
}

func TestConversationsFilteredToWebChannel(t *testing.T) {
	h := newWebHarness(t)
	h.history.Append("web", "c1", models.HistoryEntry{TS: "2025-01-01T00:00:00Z", Role: models.RoleUser, Content: "x"})
	h.history.Append("telegram", "t1", models.HistoryEntry{TS: "2025-01-01T00:00:00Z", Role: models.RoleUser, Content: "y"})

	rec := h.request(t, "GET", "/api/conversations", "")
	var resp struct {
		Conversations []string `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0] != "c1" {
		t.Errorf("conversations = %v", resp.Conversations)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := newWebHarness(t)
	rec := h.request(t, "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, ok := resp["memory"]; !ok {
		t.Error("status missing memory section")
	}
	if _, ok := resp["uptime"]; !ok {
		t.Error("status missing uptime")
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	h := newWebHarness(t)
	rec := h.request(t, "GET", "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "Not found" {
		t.Errorf("error = %q", resp["error"])
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	h := newWebHarness(t)
	rec := h.request(t, "OPTIONS", "/api/chat", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestIndexPageServed(t *testing.T) {
	h := newWebHarness(t)
	for _, path := range []string{"/", "/index.html"} {
		rec := h.request(t, "GET", path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "<html") {
			t.Errorf("GET %s did not serve the index page", path)
		}
	}
}

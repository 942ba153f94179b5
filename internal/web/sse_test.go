package web

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func waitForSubscribers(t *testing.T, m *SSEManager, conversationID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.SubscriberCount(conversationID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscribers = %d, want %d", m.SubscriberCount(conversationID), want)
}

func TestSSEServeFramesEvents(t *testing.T) {
	m := NewSSEManager(nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/chat/stream?conversationId=c1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Serve(rec, req, "c1")
	}()

	waitForSubscribers(t, m, "c1", 1)
	m.Send("c1", "message", map[string]any{"text": "hi"})

	// Give the writer a moment to flush, then hang up.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.HasPrefix(body, ":ok\n\n") {
		t.Errorf("body missing keepalive prefix: %q", body)
	}
	if !strings.Contains(body, "event: message\n") || !strings.Contains(body, `"text":"hi"`) {
		t.Errorf("body missing framed event: %q", body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
}

func TestSSESendToUnsubscribedConversation(t *testing.T) {
	m := NewSSEManager(nil)
	// Must not panic or block.
	m.Send("nobody", "message", map[string]any{"text": "dropped"})
}

func TestSSECloseUnblocksSubscribers(t *testing.T) {
	m := NewSSEManager(nil)

	req := httptest.NewRequest("GET", "/stream", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Serve(rec, req, "c1")
	}()

	waitForSubscribers(t, m, "c1", 1)
	m.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	// Serve after Close returns immediately.
	rec2 := httptest.NewRecorder()
	m.Serve(rec2, httptest.NewRequest("GET", "/stream", nil), "c2")
	if m.SubscriberCount("c2") != 0 {
		t.Error("subscriber registered on a closed manager")
	}
}

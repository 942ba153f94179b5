// Package web serves the browser chat surface: the chat and dashboard
// HTTP APIs, the SSE event stream, and the in-process web channel that
// feeds browser messages into the shared pipeline.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// sseEvent is one framed server-sent event.
type sseEvent struct {
	name string
	data []byte
}

// SSEManager fans pipeline output out to the browser: one subscriber set
// per conversation id. Broken connections are pruned on the next send.
type SSEManager struct {
	mu     sync.Mutex
	subs   map[string]map[chan sseEvent]struct{}
	closed bool
	logger *slog.Logger
}

// NewSSEManager creates an empty manager.
func NewSSEManager(logger *slog.Logger) *SSEManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEManager{
		subs:   make(map[string]map[chan sseEvent]struct{}),
		logger: logger.With("component", "sse"),
	}
}

// Serve subscribes the request to a conversation's event stream and
// blocks until the client disconnects or the manager closes.
func (m *SSEManager) Serve(w http.ResponseWriter, r *http.Request, conversationID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	ch := m.subscribe(conversationID)
	if ch == nil {
		return
	}
	defer m.unsubscribe(conversationID, ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.name, evt.data)
			flusher.Flush()
		}
	}
}

// Send delivers an event to every subscriber of the conversation.
// Subscribers that cannot keep up are dropped rather than blocking the
// pipeline.
func (m *SSEManager) Send(conversationID, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		m.logger.Warn("sse payload marshal failed", "event", event, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[conversationID] {
		select {
		case ch <- sseEvent{name: event, data: payload}:
		default:
			delete(m.subs[conversationID], ch)
			close(ch)
		}
	}
}

// SubscriberCount reports the current subscribers of a conversation.
func (m *SSEManager) SubscriberCount(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[conversationID])
}

// Close terminates every stream. Subsequent Serve calls return
// immediately.
func (m *SSEManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, set := range m.subs {
		for ch := range set {
			close(ch)
		}
	}
	m.subs = make(map[string]map[chan sseEvent]struct{})
}

func (m *SSEManager) subscribe(conversationID string) chan sseEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	ch := make(chan sseEvent, 16)
	if m.subs[conversationID] == nil {
		m.subs[conversationID] = make(map[chan sseEvent]struct{})
	}
	m.subs[conversationID][ch] = struct{}{}
	return ch
}

func (m *SSEManager) unsubscribe(conversationID string, ch chan sseEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[conversationID]; ok {
		if _, present := set[ch]; present {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(m.subs, conversationID)
		}
	}
}

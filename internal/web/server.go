package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/journal"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/pkg/models"
)

//go:embed static/index.html
var staticFS embed.FS

// ServerDeps wires the web server. Journal and TaskStore may be nil.
type ServerDeps struct {
	Channel        *Channel
	SSE            *SSEManager
	History        *history.Store
	Journal        *journal.Journal
	Tasks          *tasks.Manager
	TaskStore      *tasks.Store
	ChannelManager *channels.Manager
	Gatherer       prometheus.Gatherer
	MaxMessages    int
	Logger         *slog.Logger
}

// Server is the chat + dashboard HTTP surface on the web port.
type Server struct {
	deps    ServerDeps
	mux     *http.ServeMux
	httpSrv *http.Server
	started time.Time
	logger  *slog.Logger
}

// NewServer builds the server and its routes.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.MaxMessages <= 0 {
		deps.MaxMessages = 100
	}
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		started: time.Now(),
		logger:  logger.With("component", "web"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("/api/history", s.handleHistory)
	s.mux.HandleFunc("/api/conversations", s.handleConversations)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/tasks", s.handleTasks)
	s.mux.HandleFunc("/api/journal", s.handleJournal)
	if s.deps.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the full handler chain, CORS outermost.
func (s *Server) Handler() http.Handler {
	return s.cors(s.mux)
}

// Start begins serving on the given port and returns immediately.
func (s *Server) Start(port int) {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	go func() {
		s.logger.Info("web server listening", "port", port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web server failed", "error", err)
		}
	}()
}

// Shutdown closes the SSE streams and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.deps.SSE != nil {
		s.deps.SSE.Close()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// cors allows browser clients from any origin and short-circuits
// preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

type chatRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		s.jsonError(w, "text is required", http.StatusBadRequest)
		return
	}

	conversationID, messageID := s.deps.Channel.InjectMessage(req.Text, req.ConversationID)
	s.jsonResponse(w, map[string]string{
		"conversationId": conversationID,
		"messageId":      messageID,
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		s.jsonError(w, "conversationId is required", http.StatusBadRequest)
		return
	}
	s.deps.SSE.Serve(w, r, conversationID)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		s.jsonError(w, "conversationId is required", http.StatusBadRequest)
		return
	}

	entries, err := s.deps.History.GetMessages(s.deps.Channel.ID(), conversationID, s.deps.MaxMessages)
	if err != nil {
		s.jsonError(w, "Failed to read history", http.StatusInternalServerError)
		return
	}

	type historyMessage struct {
		Role       models.Role `json:"role"`
		Content    string      `json:"content"`
		ToolCallID string      `json:"toolCallId,omitempty"`
	}
	messages := make([]historyMessage, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, historyMessage{
			Role:       e.Role,
			Content:    e.Content,
			ToolCallID: e.ToolCallID,
		})
	}
	s.jsonResponse(w, map[string]any{
		"conversationId": conversationID,
		"messages":       messages,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pairs, err := s.deps.History.ListConversations()
	if err != nil {
		s.jsonError(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	conversations := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if pair[0] == s.deps.Channel.ID() {
			conversations = append(conversations, pair[1])
		}
	}
	s.jsonResponse(w, map[string]any{"conversations": conversations})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var infos []models.ChannelInfo
	if s.deps.ChannelManager != nil {
		infos = s.deps.ChannelManager.Statuses()
	}
	active := 0
	if s.deps.Tasks != nil {
		active = s.deps.Tasks.ActiveCount()
	}

	s.jsonResponse(w, map[string]any{
		"channels":    infos,
		"activeTasks": active,
		"memory": map[string]uint64{
			"rss":       mem.Sys,
			"heapUsed":  mem.HeapAlloc,
			"heapTotal": mem.HeapSys,
		},
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := []tasks.ConversationTask{}
	if s.deps.Tasks != nil {
		active = s.deps.Tasks.Active()
	}
	persisted := []models.PersistedTask{}
	if s.deps.TaskStore != nil {
		persisted = s.deps.TaskStore.ListActive()
	}
	s.jsonResponse(w, map[string]any{
		"active":    active,
		"persisted": persisted,
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := s.deps.Journal.Query(q.Get("channelId"), q.Get("conversationId"), limit)
	if err != nil {
		s.jsonError(w, "Failed to read journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.JournalEntry{}
	}
	s.jsonResponse(w, map[string]any{"entries": entries})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/typing"
	"github.com/haasonsaas/relay/pkg/models"
)

// Pipeline is the unit of background work run for one inbound message.
type Pipeline func(ctx context.Context, taskID string, msg models.NormalizedMessage) error

// Replier delivers the user-facing error reply when a task fails.
type Replier interface {
	SendMessage(ctx context.Context, channelID, conversationID string, msg models.OutgoingMessage) error
}

// ConversationTask is the in-memory record of one in-flight task.
type ConversationTask struct {
	ID             string            `json:"id"`
	ChannelID      string            `json:"channelId"`
	ConversationID string            `json:"conversationId"`
	Status         models.TaskStatus `json:"status"`
	StartedAt      time.Time         `json:"startedAt"`
}

// Manager is the submission surface for background pipeline work. Every
// submitted task is tracked explicitly so in-flight work is never silently
// dropped; Drain waits for the tracked set.
type Manager struct {
	store     *Store
	keepalive *typing.Keepalive
	replier   Replier
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*ConversationTask
	wg     sync.WaitGroup
}

// NewManager creates a task manager. store may be nil (persistence
// disabled); replier may be nil (no error replies, used in tests).
func NewManager(store *Store, keepalive *typing.Keepalive, replier Replier, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		keepalive: keepalive,
		replier:   replier,
		metrics:   metrics,
		logger:    logger.With("component", "taskmgr"),
		active:    make(map[string]*ConversationTask),
	}
}

// Submit allocates a task id, persists the initial task record, starts the
// typing keepalive for the conversation, and launches the pipeline
// concurrently. It returns the task id immediately.
func (m *Manager) Submit(ctx context.Context, msg models.NormalizedMessage, pipeline Pipeline) string {
	taskID := uuid.New().String()

	task := &ConversationTask{
		ID:             taskID,
		ChannelID:      msg.ChannelID,
		ConversationID: msg.ConversationID,
		Status:         models.TaskPending,
		StartedAt:      time.Now(),
	}

	m.mu.Lock()
	m.active[taskID] = task
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveTasks.Inc()
	}

	if m.keepalive != nil {
		m.keepalive.Acquire(msg.ChannelID, msg.ConversationID)
	}

	if err := m.store.Persist(taskID, msg); err != nil {
		m.logger.Error("task persist failed", "task", taskID, "error", err)
	}

	m.wg.Add(1)
	go m.run(ctx, task, msg, pipeline)

	return taskID
}

func (m *Manager) run(ctx context.Context, task *ConversationTask, msg models.NormalizedMessage, pipeline Pipeline) {
	defer m.wg.Done()
	defer func() {
		if m.keepalive != nil {
			m.keepalive.Release(msg.ChannelID, msg.ConversationID)
		}
		if m.metrics != nil {
			m.metrics.ActiveTasks.Dec()
		}
	}()

	m.setStatus(task.ID, models.TaskRunning)

	err := pipeline(ctx, task.ID, msg)

	m.mu.Lock()
	delete(m.active, task.ID)
	m.mu.Unlock()

	if err == nil {
		if storeErr := m.store.Complete(task.ID); storeErr != nil {
			m.logger.Error("task completion persist failed", "task", task.ID, "error", storeErr)
		}
		if m.metrics != nil {
			m.metrics.TasksCompleted.WithLabelValues("completed").Inc()
		}
		return
	}

	m.logger.Error("task failed", "task", task.ID, "channel", msg.ChannelID, "error", err)
	if storeErr := m.store.Fail(task.ID, err.Error()); storeErr != nil {
		m.logger.Error("task failure persist failed", "task", task.ID, "error", storeErr)
	}
	if m.metrics != nil {
		m.metrics.TasksCompleted.WithLabelValues("failed").Inc()
	}

	// Best-effort user-facing error reply.
	if m.replier != nil {
		reply := models.OutgoingMessage{
			Text:             fmt.Sprintf("⚠ An error occurred processing your message: %s", err.Error()),
			ReplyToMessageID: msg.PlatformMessageID,
		}
		if sendErr := m.replier.SendMessage(ctx, msg.ChannelID, msg.ConversationID, reply); sendErr != nil {
			m.logger.Warn("error reply delivery failed", "task", task.ID, "error", sendErr)
		}
	}
}

func (m *Manager) setStatus(taskID string, status models.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.active[taskID]; ok {
		t.Status = status
	}
}

// Active returns a snapshot of in-flight tasks.
func (m *Manager) Active() []ConversationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConversationTask, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, *t)
	}
	return out
}

// ActiveCount returns the number of in-flight tasks.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Drain blocks until all submitted tasks have finished.
func (m *Manager) Drain() {
	m.wg.Wait()
}

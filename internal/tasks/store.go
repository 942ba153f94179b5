// Package tasks provides the durable task store and the task manager that
// runs pipeline work in the background with typing keepalive.
package tasks

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

// Store persists task state under two subtrees:
// tasks/active/<taskId>.json and tasks/completed/<YYYY-MM-DD>/<taskId>.json.
// Every write is atomic. A nil *Store is valid and persists nothing, which
// is how task persistence is disabled.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a task store rooted at <root> (callers pass
// <dataRoot>/tasks).
func NewStore(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, logger: logger.With("component", "tasks")}
}

func (s *Store) activePath(taskID string) string {
	return filepath.Join(s.root, "active", taskID+".json")
}

func (s *Store) completedPath(taskID string, now time.Time) string {
	return filepath.Join(s.root, "completed", now.UTC().Format("2006-01-02"), taskID+".json")
}

// Persist creates the active task file in phase received.
func (s *Store) Persist(taskID string, msg models.NormalizedMessage) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	task := models.PersistedTask{
		ID:             taskID,
		ChannelID:      msg.ChannelID,
		ConversationID: msg.ConversationID,
		Message:        msg,
		Phase:          models.PhaseReceived,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	return storage.WriteJSONAtomic(s.activePath(taskID), &task)
}

// PhaseUpdate carries optional fields for UpdatePhase.
type PhaseUpdate struct {
	PendingResponse string
	Error           string
}

// UpdatePhase read-modify-writes the active task file.
func (s *Store) UpdatePhase(taskID string, phase models.TaskPhase, update PhaseUpdate) error {
	if s == nil {
		return nil
	}
	task, err := s.readActive(taskID)
	if err != nil {
		return err
	}
	task.Phase = phase
	task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if update.PendingResponse != "" {
		task.PendingResponse = update.PendingResponse
	}
	if update.Error != "" {
		task.Error = update.Error
	}
	return storage.WriteJSONAtomic(s.activePath(taskID), task)
}

// Complete moves the active task file under completed/<date>/ and removes it
// from active/.
func (s *Store) Complete(taskID string) error {
	if s == nil {
		return nil
	}
	task, err := s.readActive(taskID)
	if err != nil {
		return err
	}
	if !task.Phase.Terminal() {
		task.Phase = models.PhaseCompleted
	}
	task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	if err := storage.WriteJSONAtomic(s.completedPath(taskID, time.Now()), task); err != nil {
		return err
	}
	if err := os.Remove(s.activePath(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove active task: %w", err)
	}
	return nil
}

// Fail marks the active task failed with the error, then completes it.
func (s *Store) Fail(taskID string, taskErr string) error {
	if s == nil {
		return nil
	}
	if err := s.UpdatePhase(taskID, models.PhaseFailed, PhaseUpdate{Error: taskErr}); err != nil {
		return err
	}
	return s.Complete(taskID)
}

// ListActive enumerates active/ and parses each file. Unreadable files are
// skipped with a warning so recovery is never aborted.
func (s *Store) ListActive() []models.PersistedTask {
	if s == nil {
		return nil
	}
	files, err := os.ReadDir(filepath.Join(s.root, "active"))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("active task dir unreadable", "error", err)
		}
		return nil
	}

	var out []models.PersistedTask
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		var task models.PersistedTask
		if err := storage.ReadJSON(filepath.Join(s.root, "active", f.Name()), &task); err != nil {
			s.logger.Warn("skipping unreadable task file", "file", f.Name(), "error", err)
			continue
		}
		out = append(out, task)
	}
	return out
}

// ForceComplete moves a task out of active/ even when its file is broken, so
// recovery can never loop on a poison task.
func (s *Store) ForceComplete(taskID string) {
	if s == nil {
		return
	}
	if err := s.Complete(taskID); err == nil {
		return
	}
	// The active file may be unparseable; move the raw bytes aside.
	src := s.activePath(taskID)
	dst := s.completedPath(taskID, time.Now())
	_ = os.MkdirAll(filepath.Dir(dst), 0o755)
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("force-complete failed, removing task file", "task", taskID, "error", err)
		_ = os.Remove(src)
	}
}

func (s *Store) readActive(taskID string) (*models.PersistedTask, error) {
	var task models.PersistedTask
	if err := storage.ReadJSON(s.activePath(taskID), &task); err != nil {
		return nil, fmt.Errorf("read active task %s: %w", taskID, err)
	}
	return &task, nil
}

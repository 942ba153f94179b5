package health

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/relay/internal/journal"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	unverifiedDisclaimer = "[Recovered after interruption — response may not have been fully verified]\n\n"
	resendPrompt         = "I was interrupted while working on your last message. Please send it again."
)

// TaskRecovery reconciles tasks orphaned by a crash: each active task
// file is resolved into a user-visible outcome based on how far its
// pipeline got, then moved out of the active set.
type TaskRecovery struct {
	store   *tasks.Store
	journal *journal.Journal
	sender  Sender
	logger  *slog.Logger
}

// NewTaskRecovery builds the recoverer. journal may be nil.
func NewTaskRecovery(store *tasks.Store, jnl *journal.Journal, sender Sender, logger *slog.Logger) *TaskRecovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRecovery{
		store:   store,
		journal: jnl,
		sender:  sender,
		logger:  logger.With("component", "task-recovery"),
	}
}

// Recover processes every orphaned task. It never fails: per-task
// errors are logged and the task is force-completed so the next start
// does not re-recover it.
func (r *TaskRecovery) Recover(ctx context.Context) {
	orphans := r.store.ListActive()
	if len(orphans) == 0 {
		return
	}
	r.logger.Info("recovering orphaned tasks", "count", len(orphans))

	for _, task := range orphans {
		if err := r.recoverTask(ctx, task); err != nil {
			r.logger.Error("task recovery failed, force-completing", "task", task.ID, "error", err)
			r.store.ForceComplete(task.ID)
			continue
		}
		if err := r.store.Complete(task.ID); err != nil {
			r.logger.Warn("recovered task completion failed", "task", task.ID, "error", err)
			r.store.ForceComplete(task.ID)
		}
	}
}

func (r *TaskRecovery) recoverTask(ctx context.Context, task models.PersistedTask) error {
	var text, action string
	switch task.Phase {
	case models.PhaseReceived, models.PhaseHistoryWritten, models.PhaseLLMCalling:
		text = resendPrompt
		action = "resend_requested"
	case models.PhaseVerifying:
		if task.PendingResponse != "" {
			text = unverifiedDisclaimer + task.PendingResponse
			action = "sent_unverified"
		} else {
			text = resendPrompt
			action = "resend_requested"
		}
	case models.PhaseResponding:
		if task.PendingResponse != "" {
			text = task.PendingResponse
			action = "sent_verbatim"
		} else {
			action = "stale"
		}
	default:
		// Terminal phases are stale leftovers; just archive them.
		action = "stale"
	}

	if text != "" {
		err := r.sender.SendMessage(ctx, task.ChannelID, task.ConversationID, models.OutgoingMessage{Text: text})
		if err != nil {
			return err
		}
	}

	r.journal.Record(models.JournalEntry{
		Event:          models.EventTaskFailed,
		TaskID:         task.ID,
		ChannelID:      task.ChannelID,
		ConversationID: task.ConversationID,
		Data: map[string]any{
			"recovery": true,
			"phase":    string(task.Phase),
			"action":   action,
		},
	})
	return nil
}

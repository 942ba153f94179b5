package health

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/journal"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/pkg/models"
)

func persistTask(t *testing.T, store *tasks.Store, id string, phase models.TaskPhase, pending string) {
	t.Helper()
	msg := models.NormalizedMessage{
		ID:             id,
		ChannelID:      "web",
		ConversationID: "c1",
		SenderID:       "u1",
		Text:           "original question",
	}
	if err := store.Persist(id, msg); err != nil {
		t.Fatal(err)
	}
	if phase != models.PhaseReceived {
		if err := store.UpdatePhase(id, phase, tasks.PhaseUpdate{PendingResponse: pending}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecoveryByPhase(t *testing.T) {
	cases := []struct {
		name       string
		phase      models.TaskPhase
		pending    string
		wantSend   string
		wantAction string
	}{
		{"received asks for resend", models.PhaseReceived, "", "send it again", "resend_requested"},
		{"llm_calling asks for resend", models.PhaseLLMCalling, "", "send it again", "resend_requested"},
		{"verifying delivers with disclaimer", models.PhaseVerifying, "draft answer", "draft answer", "sent_unverified"},
		{"verifying without pending asks for resend", models.PhaseVerifying, "", "send it again", "resend_requested"},
		{"responding delivers verbatim", models.PhaseResponding, "final answer", "final answer", "sent_verbatim"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := tasks.NewStore(t.TempDir(), nil)
			persistTask(t, store, "task-1", tc.phase, tc.pending)

			jnl := journal.New(t.TempDir(), journal.Options{}, nil)
			sender := &recordingSender{}
			NewTaskRecovery(store, jnl, sender, nil).Recover(context.Background())

			if len(sender.sent) != 1 {
				t.Fatalf("sent = %d messages", len(sender.sent))
			}
			if !strings.Contains(sender.sent[0].text, tc.wantSend) {
				t.Errorf("text = %q, want substring %q", sender.sent[0].text, tc.wantSend)
			}
			if tc.phase == models.PhaseResponding && sender.sent[0].text != tc.pending {
				t.Errorf("responding text = %q, want verbatim %q", sender.sent[0].text, tc.pending)
			}

			entries, err := jnl.Query("web", "c1", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 || entries[0].Event != models.EventTaskFailed {
				t.Fatalf("journal = %+v", entries)
			}
			data := entries[0].Data
			if data["recovery"] != true || data["phase"] != string(tc.phase) {
				t.Errorf("journal data = %+v", data)
			}
			if data["action"] != tc.wantAction {
				t.Errorf("action = %v, want %q", data["action"], tc.wantAction)
			}

			if remaining := store.ListActive(); len(remaining) != 0 {
				t.Errorf("active tasks remaining = %d", len(remaining))
			}
		})
	}
}

func TestUnverifiedDeliveryPrefix(t *testing.T) {
	store := tasks.NewStore(t.TempDir(), nil)
	persistTask(t, store, "task-1", models.PhaseVerifying, "X")

	sender := &recordingSender{}
	NewTaskRecovery(store, nil, sender, nil).Recover(context.Background())

	want := "[Recovered after interruption — response may not have been fully verified]\n\nX"
	if len(sender.sent) != 1 || sender.sent[0].text != want {
		t.Errorf("text = %q, want %q", sender.sent[0].text, want)
	}
}

func TestRecoveryWithNoOrphans(t *testing.T) {
	store := tasks.NewStore(t.TempDir(), nil)
	sender := &recordingSender{}
	NewTaskRecovery(store, nil, sender, nil).Recover(context.Background())
	if len(sender.sent) != 0 {
		t.Error("messages sent without orphaned tasks")
	}
}

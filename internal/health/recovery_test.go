package health

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

type recordingSender struct {
	sent []struct {
		channelID      string
		conversationID string
		text           string
	}
}

func (r *recordingSender) SendMessage(_ context.Context, channelID, conversationID string, msg models.OutgoingMessage) error {
	r.sent = append(r.sent, struct {
		channelID      string
		conversationID string
		text           string
	}{channelID, conversationID, msg.Text})
	return nil
}

func writeRecoveryEvent(t *testing.T, path string, event models.RecoveryEvent) {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNotifierSendsAndUnlinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery-event.json")
	writeRecoveryEvent(t, path, models.RecoveryEvent{
		Timestamp:    models.NowMillis() - 30_000,
		Reason:       "heartbeat stale",
		RestartCount: 2,
	})

	sender := &recordingSender{}
	n := NewNotifier(path, sender, []string{"telegram:12345", "web:c1"}, nil)
	n.Notify(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("sent = %d messages, want 2", len(sender.sent))
	}
	if sender.sent[0].channelID != "telegram" || sender.sent[0].conversationID != "12345" {
		t.Errorf("first target = %+v", sender.sent[0])
	}
	if !strings.Contains(sender.sent[0].text, "heartbeat stale") || !strings.Contains(sender.sent[0].text, "#2") {
		t.Errorf("notice = %q", sender.sent[0].text)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("recovery event file not removed")
	}
}

func TestNotifierRemovesMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery-event.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	n := NewNotifier(path, sender, []string{"web:c1"}, nil)
	n.Notify(context.Background())

	if len(sender.sent) != 0 {
		t.Error("malformed event produced a notice")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("malformed recovery event not removed")
	}
}

func TestNotifierNoFileIsQuiet(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(filepath.Join(t.TempDir(), "missing.json"), sender, []string{"web:c1"}, nil)
	n.Notify(context.Background())
	if len(sender.sent) != 0 {
		t.Error("notice sent without a recovery event")
	}
}

func TestNotifierSkipsInvalidTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery-event.json")
	writeRecoveryEvent(t, path, models.RecoveryEvent{Timestamp: models.NowMillis(), Reason: "x", RestartCount: 1})

	sender := &recordingSender{}
	n := NewNotifier(path, sender, []string{"no-colon", ":empty", "web:c1"}, nil)
	n.Notify(context.Background())

	if len(sender.sent) != 1 || sender.sent[0].conversationID != "c1" {
		t.Errorf("sent = %+v", sender.sent)
	}
}

package tasks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func testMessage() models.NormalizedMessage {
	return models.NormalizedMessage{
		ID:             "m1",
		ChannelID:      "web",
		ConversationID: "c1",
		SenderID:       "u1",
		Text:           "hello",
		Timestamp:      models.NowMillis(),
	}
}

func TestPersistAndList(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	if err := s.Persist("t1", testMessage()); err != nil {
		t.Fatalf("persist: %v", err)
	}

	active := s.ListActive()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	if active[0].Phase != models.PhaseReceived {
		t.Errorf("phase = %s, want received", active[0].Phase)
	}
	if active[0].Message.Text != "hello" {
		t.Errorf("message snapshot = %+v", active[0].Message)
	}
}

func TestUpdatePhase(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	if err := s.Persist("t1", testMessage()); err != nil {
		t.Fatalf("persist: %v", err)
	}
	err := s.UpdatePhase("t1", models.PhaseVerifying, PhaseUpdate{PendingResponse: "draft"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	active := s.ListActive()
	if active[0].Phase != models.PhaseVerifying {
		t.Errorf("phase = %s", active[0].Phase)
	}
	if active[0].PendingResponse != "draft" {
		t.Errorf("pendingResponse = %q", active[0].PendingResponse)
	}
}

func TestCompleteMovesFile(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, nil)

	if err := s.Persist("t1", testMessage()); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Complete("t1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if len(s.ListActive()) != 0 {
		t.Error("active file still present after complete")
	}

	date := time.Now().UTC().Format("2006-01-02")
	if _, err := os.Stat(filepath.Join(root, "completed", date, "t1.json")); err != nil {
		t.Errorf("completed file missing: %v", err)
	}
}

func TestFail(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, nil)

	if err := s.Persist("t1", testMessage()); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Fail("t1", "llm unavailable"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if len(s.ListActive()) != 0 {
		t.Error("active file still present after fail")
	}

	date := time.Now().UTC().Format("2006-01-02")
	var task models.PersistedTask
	data, err := os.ReadFile(filepath.Join(root, "completed", date, "t1.json"))
	if err != nil {
		t.Fatalf("read completed: %v", err)
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if task.Phase != models.PhaseFailed {
		t.Errorf("phase = %s, want failed", task.Phase)
	}
	if task.Error != "llm unavailable" {
		t.Errorf("error = %q", task.Error)
	}
}

func TestListActiveSkipsUnreadable(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, nil)

	if err := s.Persist("ok", testMessage()); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "active", "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	active := s.ListActive()
	if len(active) != 1 || active[0].ID != "ok" {
		t.Errorf("active = %+v, want just the readable task", active)
	}
}

func TestForceCompleteBrokenFile(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, nil)

	if err := os.MkdirAll(filepath.Join(root, "active"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "active", "poison.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	s.ForceComplete("poison")

	if _, err := os.Stat(filepath.Join(root, "active", "poison.json")); !os.IsNotExist(err) {
		t.Error("poison file still in active/")
	}
}

func TestNilStoreNoops(t *testing.T) {
	var s *Store
	if err := s.Persist("t1", testMessage()); err != nil {
		t.Errorf("persist on nil store: %v", err)
	}
	if err := s.Complete("t1"); err != nil {
		t.Errorf("complete on nil store: %v", err)
	}
	if got := s.ListActive(); got != nil {
		t.Errorf("listActive on nil store: %v", got)
	}
}

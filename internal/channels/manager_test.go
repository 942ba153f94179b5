package channels

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

type fakeChannel struct {
	id         string
	connectErr error
	connected  bool
	sent       []models.OutgoingMessage
	typing     int
	log        *[]string
}

func (f *fakeChannel) ID() string          { return f.id }
func (f *fakeChannel) Type() string        { return "fake" }
func (f *fakeChannel) OnMessage(h Handler) {}

func (f *fakeChannel) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error {
	f.connected = false
	if f.log != nil {
		*f.log = append(*f.log, f.id)
	}
	return nil
}

func (f *fakeChannel) SendMessage(ctx context.Context, conversationID string, msg models.OutgoingMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) SendTypingIndicator(ctx context.Context, conversationID string) error {
	f.typing++
	return nil
}

func (f *fakeChannel) Status() models.ChannelInfo {
	status := models.ChannelDisconnected
	if f.connected {
		status = models.ChannelConnected
	}
	return models.ChannelInfo{ID: f.id, Type: "fake", Status: status}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register(&fakeChannel{id: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(&fakeChannel{id: "a"}); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestConnectAllContinuesPastFailures(t *testing.T) {
	m := NewManager(nil)
	bad := &fakeChannel{id: "bad", connectErr: errors.New("boom")}
	good := &fakeChannel{id: "good"}
	m.Register(bad)
	m.Register(good)

	err := m.ConnectAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err = %v, want failure naming the bad channel", err)
	}
	if !good.connected {
		t.Error("a later channel was not connected after an earlier failure")
	}
}

func TestSendRoutesByChannelID(t *testing.T) {
	m := NewManager(nil)
	a := &fakeChannel{id: "a"}
	b := &fakeChannel{id: "b"}
	m.Register(a)
	m.Register(b)

	if err := m.SendMessage(context.Background(), "b", "c1", models.OutgoingMessage{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(a.sent) != 0 || len(b.sent) != 1 {
		t.Errorf("sent a=%d b=%d, want 0/1", len(a.sent), len(b.sent))
	}

	if err := m.SendMessage(context.Background(), "missing", "c1", models.OutgoingMessage{}); err == nil {
		t.Error("send to unknown channel succeeded")
	}

	if err := m.SendTypingIndicator(context.Background(), "a", "c1"); err != nil {
		t.Fatal(err)
	}
	if a.typing != 1 {
		t.Errorf("typing = %d, want 1", a.typing)
	}
}

func TestDisconnectAllReversesOrder(t *testing.T) {
	m := NewManager(nil)
	var log []string
	m.Register(&fakeChannel{id: "first", log: &log})
	m.Register(&fakeChannel{id: "second", log: &log})

	m.DisconnectAll(context.Background())
	if len(log) != 2 || log[0] != "second" || log[1] != "first" {
		t.Errorf("disconnect order = %v", log)
	}
}

func TestStatusSummary(t *testing.T) {
	m := NewManager(nil)
	if got := m.StatusSummary(); !strings.Contains(got, "none configured") {
		t.Errorf("empty summary = %q", got)
	}

	ch := &fakeChannel{id: "tg", connected: true}
	m.Register(ch)
	got := m.StatusSummary()
	if !strings.Contains(got, "tg (fake): connected") {
		t.Errorf("summary = %q", got)
	}

	infos := m.Statuses()
	if len(infos) != 1 || infos[0].Status != models.ChannelConnected {
		t.Errorf("statuses = %+v", infos)
	}
}

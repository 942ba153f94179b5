package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/pkg/models"
)

type flakyChannel struct {
	id          string
	status      models.ChannelStatus
	connectErr  error
	connects    int
	disconnects int
}

func (f *flakyChannel) ID() string                   { return f.id }
func (f *flakyChannel) Type() string                 { return "fake" }
func (f *flakyChannel) OnMessage(h channels.Handler) {}

func (f *flakyChannel) Connect(ctx context.Context) error {
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status = models.ChannelConnected
	return nil
}

func (f *flakyChannel) Disconnect(ctx context.Context) error {
	f.disconnects++
	return nil
}

func (f *flakyChannel) SendMessage(ctx context.Context, conversationID string, msg models.OutgoingMessage) error {
	return nil
}

func (f *flakyChannel) SendTypingIndicator(ctx context.Context, conversationID string) error {
	return nil
}

func (f *flakyChannel) Status() models.ChannelInfo {
	return models.ChannelInfo{ID: f.id, Type: "fake", Status: f.status}
}

func fastOptions() MonitorOptions {
	return MonitorOptions{
		CheckInterval:        time.Hour,
		BaseDelay:            time.Millisecond,
		MaxDelay:             2 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func TestMonitorReconnectsDisconnectedChannel(t *testing.T) {
	mgr := channels.NewManager(nil)
	ch := &flakyChannel{id: "tg", status: models.ChannelDisconnected}
	mgr.Register(ch)

	m := NewMonitor(mgr, fastOptions(), nil, nil)
	m.CheckOnce(context.Background())

	if ch.disconnects != 1 || ch.connects != 1 {
		t.Errorf("disconnects=%d connects=%d, want 1/1", ch.disconnects, ch.connects)
	}
	if ch.status != models.ChannelConnected {
		t.Errorf("status = %s", ch.status)
	}
	if m.failures["tg"] != 0 {
		t.Errorf("failures = %d after success", m.failures["tg"])
	}
}

func TestMonitorLeavesHealthyChannelsAlone(t *testing.T) {
	mgr := channels.NewManager(nil)
	connected := &flakyChannel{id: "a", status: models.ChannelConnected}
	connecting := &flakyChannel{id: "b", status: models.ChannelConnecting}
	mgr.Register(connected)
	mgr.Register(connecting)

	m := NewMonitor(mgr, fastOptions(), nil, nil)
	m.CheckOnce(context.Background())

	if connected.connects != 0 || connecting.connects != 0 {
		t.Errorf("healthy channels touched: %d, %d", connected.connects, connecting.connects)
	}
}

func TestMonitorCooldownAfterExhaustedAttempts(t *testing.T) {
	mgr := channels.NewManager(nil)
	ch := &flakyChannel{id: "tg", status: models.ChannelError, connectErr: errors.New("down")}
	mgr.Register(ch)

	m := NewMonitor(mgr, fastOptions(), nil, nil)
	for i := 0; i < 3; i++ {
		m.CheckOnce(context.Background())
	}
	if !m.cooldown["tg"] {
		t.Fatal("channel not in cooldown after exhausting attempts")
	}

	// The cooldown cycle skips the reconnect attempt.
	before := ch.connects
	m.CheckOnce(context.Background())
	if ch.connects != before {
		t.Error("reconnect attempted during cooldown")
	}

	// The cycle after the cooldown tries again.
	m.CheckOnce(context.Background())
	if ch.connects != before+1 {
		t.Error("reconnect not resumed after cooldown")
	}
}

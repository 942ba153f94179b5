package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// Manager owns the registered channel adapters and routes outbound
// messages and typing indicators by channel id. It satisfies the Sender,
// Replier, and typing Emitter contracts of the downstream components.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	order    []string
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Registration order is preserved for
// ConnectAll and Statuses.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[ch.ID()]; exists {
		return fmt.Errorf("channel %s already registered", ch.ID())
	}
	m.channels[ch.ID()] = ch
	m.order = append(m.order, ch.ID())
	return nil
}

// Get returns the channel with the given id.
func (m *Manager) Get(id string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// ConnectAll connects every registered channel. A failing channel does
// not stop the others; the channel monitor retries it later. The joined
// error reports every failure.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, ch := range m.snapshot() {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", ch.ID(), "type", ch.Type(), "error", err)
			errs = append(errs, fmt.Errorf("connect %s: %w", ch.ID(), err))
			continue
		}
		m.logger.Info("channel connected", "channel", ch.ID(), "type", ch.Type())
	}
	return errors.Join(errs...)
}

// DisconnectAll disconnects every channel in reverse registration order.
func (m *Manager) DisconnectAll(ctx context.Context) {
	channels := m.snapshot()
	for i := len(channels) - 1; i >= 0; i-- {
		ch := channels[i]
		if err := ch.Disconnect(ctx); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", ch.ID(), "error", err)
		}
	}
}

// SendMessage routes an outbound message to the channel that owns the
// conversation.
func (m *Manager) SendMessage(ctx context.Context, channelID, conversationID string, msg models.OutgoingMessage) error {
	ch, ok := m.Get(channelID)
	if !ok {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	return ch.SendMessage(ctx, conversationID, msg)
}

// SendTypingIndicator routes a typing hint to the owning channel.
func (m *Manager) SendTypingIndicator(ctx context.Context, channelID, conversationID string) error {
	ch, ok := m.Get(channelID)
	if !ok {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	return ch.SendTypingIndicator(ctx, conversationID)
}

// Channels returns the registered channels in registration order. The
// channel monitor iterates this for reconnection checks.
func (m *Manager) Channels() []Channel {
	return m.snapshot()
}

// Statuses reports every channel's connection state in registration
// order. The heartbeat writer and the status endpoint consume this.
func (m *Manager) Statuses() []models.ChannelInfo {
	channels := m.snapshot()
	infos := make([]models.ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		infos = append(infos, ch.Status())
	}
	return infos
}

// StatusSummary renders a short human-readable status line per channel,
// for the /status builtin.
func (m *Manager) StatusSummary() string {
	infos := m.Statuses()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	out := "Channels:"
	for _, info := range infos {
		out += fmt.Sprintf("\n- %s (%s): %s", info.ID, info.Type, info.Status)
		if info.Error != "" {
			out += " (" + info.Error + ")"
		}
	}
	if len(infos) == 0 {
		out += " none configured"
	}
	return out
}

func (m *Manager) snapshot() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.channels[id])
	}
	return out
}

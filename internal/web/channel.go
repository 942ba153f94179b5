package web

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/pkg/models"
)

const webSenderID = "web-user"

// Channel is the in-process web channel: inbound messages arrive through
// InjectMessage from the HTTP layer, outbound messages and typing
// indicators fan out as SSE events.
type Channel struct {
	id      string
	sse     *SSEManager
	handler channels.Handler
	status  *channels.StatusTracker
	logger  *slog.Logger
}

// NewChannel builds the web channel on top of an SSE manager.
func NewChannel(id string, sse *SSEManager, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		id:     id,
		sse:    sse,
		status: channels.NewStatusTracker(),
		logger: logger.With("component", "web-channel", "channel", id),
	}
}

func (c *Channel) ID() string   { return c.id }
func (c *Channel) Type() string { return "web" }

func (c *Channel) OnMessage(h channels.Handler) { c.handler = h }

// Connect has no platform session; the channel is connected as soon as
// the web server serves it.
func (c *Channel) Connect(ctx context.Context) error {
	c.status.SetStatus(models.ChannelConnected)
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	c.status.SetStatus(models.ChannelDisconnected)
	return nil
}

// InjectMessage feeds a browser message into the pipeline without
// awaiting it, so the HTTP handler can return ids immediately and the
// browser can open the event stream. A missing conversation id mints a
// fresh one. Handler errors are logged and dropped; the journal carries
// the authoritative failure record.
func (c *Channel) InjectMessage(text, conversationID string) (string, string) {
	if conversationID == "" {
		conversationID = models.NewMessageID()
	}
	msg := models.NormalizedMessage{
		ID:             models.NewMessageID(),
		ChannelID:      c.id,
		ConversationID: conversationID,
		SenderID:       webSenderID,
		Text:           text,
		Timestamp:      models.NowMillis(),
	}

	if c.handler == nil {
		c.logger.Warn("web message dropped, no handler registered")
		return conversationID, msg.ID
	}
	go c.handler(msg)

	return conversationID, msg.ID
}

// SendMessage publishes the assistant reply to the conversation's SSE
// subscribers. A conversation with no subscribers drops the event.
func (c *Channel) SendMessage(ctx context.Context, conversationID string, msg models.OutgoingMessage) error {
	c.sse.Send(conversationID, "message", map[string]any{
		"text":           msg.Text,
		"conversationId": conversationID,
		"timestamp":      models.NowMillis(),
	})
	return nil
}

// SendTypingIndicator publishes a typing event to the conversation's
// subscribers.
func (c *Channel) SendTypingIndicator(ctx context.Context, conversationID string) error {
	c.sse.Send(conversationID, "typing", map[string]any{
		"conversationId": conversationID,
	})
	return nil
}

func (c *Channel) Status() models.ChannelInfo {
	return c.status.Info(c.id, c.Type())
}

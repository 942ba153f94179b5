// Package channels defines the channel adapter contract and the manager
// that routes outbound traffic to the right adapter.
package channels

import (
	"context"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotConnected is returned by adapters asked to send while disconnected.
var ErrNotConnected = errors.New("channel not connected")

// Handler receives normalized inbound messages from an adapter.
type Handler func(msg models.NormalizedMessage)

// Channel is one messaging platform adapter. Adapters normalize inbound
// platform events into models.NormalizedMessage and translate outbound
// payloads back into platform calls.
type Channel interface {
	// ID is the config key for this channel instance.
	ID() string

	// Type is the platform kind: telegram, whatsapp, imessage, web.
	Type() string

	// Connect establishes the platform session and starts the inbound
	// loop. The context bounds the lifetime of the connection.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Safe to call when not connected.
	Disconnect(ctx context.Context) error

	// OnMessage registers the inbound handler. Must be called before
	// Connect.
	OnMessage(h Handler)

	// SendMessage delivers one outbound message to a conversation.
	SendMessage(ctx context.Context, conversationID string, msg models.OutgoingMessage) error

	// SendTypingIndicator shows a typing hint in the conversation.
	// Adapters on platforms without typing indicators return nil.
	SendTypingIndicator(ctx context.Context, conversationID string) error

	// Status reports the current connection state.
	Status() models.ChannelInfo
}

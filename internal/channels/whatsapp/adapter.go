// Package whatsapp implements the WhatsApp channel adapter on top of
// whatsmeow with a SQLite session store. First-time pairing logs a QR
// code to scan; afterwards the stored device credentials reconnect
// silently.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // session store driver

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

// Adapter is a WhatsApp channel. Conversation ids are chat JIDs in
// string form.
type Adapter struct {
	id          string
	sessionPath string
	client      *whatsmeow.Client
	store       *sqlstore.Container
	handler     channels.Handler
	status      *channels.StatusTracker
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the adapter. sessionDataPath locates the SQLite session
// database; the parent directory is created on demand.
func New(id string, cfg config.ChannelConfig, logger *slog.Logger) (*Adapter, error) {
	if cfg.SessionDataPath == "" {
		return nil, fmt.Errorf("whatsapp channel %s: sessionDataPath is required", id)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		id:          id,
		sessionPath: cfg.SessionDataPath,
		status:      channels.NewStatusTracker(),
		logger:      logger.With("component", "whatsapp", "channel", id),
	}, nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return "whatsapp" }

func (a *Adapter) OnMessage(h channels.Handler) { a.handler = h }

// Connect opens the session store and connects the client. When no
// stored device exists the QR pairing flow runs and the code is logged.
func (a *Adapter) Connect(ctx context.Context) error {
	a.status.SetStatus(models.ChannelConnecting)

	if err := os.MkdirAll(filepath.Dir(a.sessionPath), 0o755); err != nil {
		a.status.SetError(err.Error())
		return fmt.Errorf("session directory: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", a.sessionPath), waLog.Noop)
	if err != nil {
		a.status.SetError(err.Error())
		return fmt.Errorf("session store: %w", err)
	}
	a.store = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		a.status.SetError(err.Error())
		return fmt.Errorf("device: %w", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.client.Store.ID == nil {
		// Not paired yet. The QR channel must be requested before
		// Connect.
		qrChan, err := a.client.GetQRChannel(runCtx)
		if err != nil {
			a.status.SetError(err.Error())
			return fmt.Errorf("qr channel: %w", err)
		}
		if err := a.client.Connect(); err != nil {
			a.status.SetError(err.Error())
			return fmt.Errorf("connect: %w", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case evt, ok := <-qrChan:
					if !ok {
						return
					}
					if evt.Event == "code" {
						a.logger.Info("scan QR code to pair WhatsApp", "code", evt.Code)
					}
				}
			}
		}()
		return nil
	}

	if err := a.client.Connect(); err != nil {
		a.status.SetError(err.Error())
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect tears down the client and closes the session store.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()

	if a.client != nil {
		a.client.Disconnect()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("session store close failed", "error", err)
		}
	}
	a.status.SetStatus(models.ChannelDisconnected)
	return nil
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		a.status.SetStatus(models.ChannelConnected)
		a.logger.Info("connected to WhatsApp")
	case *events.Disconnected:
		a.status.SetStatus(models.ChannelDisconnected)
		a.logger.Warn("disconnected from WhatsApp")
	case *events.LoggedOut:
		a.status.SetError("logged out")
		a.logger.Warn("logged out from WhatsApp", "reason", v.Reason)
	case *events.Message:
		a.handleMessage(v)
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	if a.handler == nil || evt.Info.IsFromMe {
		return
	}
	// Status broadcasts are not conversations.
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	a.handler(models.NormalizedMessage{
		ID:                models.NewMessageID(),
		ChannelID:         a.id,
		ConversationID:    evt.Info.Chat.String(),
		SenderID:          evt.Info.Sender.User,
		SenderName:        evt.Info.PushName,
		Text:              text,
		Timestamp:         evt.Info.Timestamp.UnixMilli(),
		PlatformMessageID: evt.Info.ID,
	})
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if msg.ExtendedTextMessage != nil {
		return msg.ExtendedTextMessage.GetText()
	}
	if msg.ImageMessage != nil {
		return msg.ImageMessage.GetCaption()
	}
	return ""
}

// SendMessage sends plain text to a chat JID.
func (a *Adapter) SendMessage(ctx context.Context, conversationID string, msg models.OutgoingMessage) error {
	if a.client == nil || !a.status.Connected() {
		return channels.ErrNotConnected
	}
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid whatsapp conversation id %q: %w", conversationID, err)
	}
	_, err = a.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(msg.Text),
	})
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	return nil
}

// SendTypingIndicator publishes a composing chat presence.
func (a *Adapter) SendTypingIndicator(ctx context.Context, conversationID string) error {
	if a.client == nil || !a.status.Connected() {
		return channels.ErrNotConnected
	}
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid whatsapp conversation id %q: %w", conversationID, err)
	}
	return a.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

func (a *Adapter) Status() models.ChannelInfo {
	return a.status.Info(a.id, a.Type())
}

// Package telegram implements the Telegram channel adapter on top of the
// go-telegram bot library with long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

// Adapter is a Telegram bot channel. Conversation ids are chat ids
// rendered as decimal strings.
type Adapter struct {
	id      string
	token   string
	bot     *bot.Bot
	handler channels.Handler
	status  *channels.StatusTracker
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// New builds the adapter from channel config. The token is required.
func New(id string, cfg config.ChannelConfig, logger *slog.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram channel %s: token is required", id)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		id:     id,
		token:  cfg.Token,
		status: channels.NewStatusTracker(),
		logger: logger.With("component", "telegram", "channel", id),
	}, nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return "telegram" }

func (a *Adapter) OnMessage(h channels.Handler) { a.handler = h }

// Connect validates the token, registers the message handler, and starts
// the long-polling loop in the background.
func (a *Adapter) Connect(ctx context.Context) error {
	a.status.SetStatus(models.ChannelConnecting)

	b, err := bot.New(a.token)
	if err != nil {
		a.status.SetError(err.Error())
		return fmt.Errorf("telegram bot init: %w", err)
	}
	a.bot = b
	a.bot.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleMessage)

	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.bot.Start(pollCtx)

	a.status.SetStatus(models.ChannelConnected)
	a.logger.Info("telegram polling started")
	return nil
}

// Disconnect stops the polling loop.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.status.SetStatus(models.ChannelDisconnected)
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" || a.handler == nil {
		return
	}
	msg := update.Message

	normalized := models.NormalizedMessage{
		ID:                models.NewMessageID(),
		ChannelID:         a.id,
		ConversationID:    strconv.FormatInt(msg.Chat.ID, 10),
		Text:              msg.Text,
		Timestamp:         int64(msg.Date) * 1000,
		PlatformMessageID: strconv.Itoa(msg.ID),
	}
	if msg.From != nil {
		normalized.SenderID = strconv.FormatInt(msg.From.ID, 10)
		normalized.SenderName = msg.From.Username
		if normalized.SenderName == "" {
			normalized.SenderName = msg.From.FirstName
		}
	}
	a.handler(normalized)
}

// SendMessage sends text to a chat, threading it as a reply when the
// outbound payload references a platform message id.
func (a *Adapter) SendMessage(ctx context.Context, conversationID string, msg models.OutgoingMessage) error {
	if a.bot == nil {
		return channels.ErrNotConnected
	}
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram conversation id %q: %w", conversationID, err)
	}

	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Text,
	}
	if msg.ReplyToMessageID != "" {
		if replyID, err := strconv.Atoi(msg.ReplyToMessageID); err == nil {
			params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyID}
		}
	}

	if _, err := a.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendTypingIndicator shows the "typing..." chat action. Telegram clears
// it automatically after a few seconds, so the keepalive re-sends it.
func (a *Adapter) SendTypingIndicator(ctx context.Context, conversationID string) error {
	if a.bot == nil {
		return channels.ErrNotConnected
	}
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram conversation id %q: %w", conversationID, err)
	}
	_, err = a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	return err
}

func (a *Adapter) Status() models.ChannelInfo {
	return a.status.Info(a.id, a.Type())
}

// Package imessage implements the iMessage channel adapter for macOS.
// Inbound messages are read by polling the Messages chat.db; outbound
// messages go through AppleScript, since the database is not writable.
package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // read-only chat.db access

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	defaultDBPath = "~/Library/Messages/chat.db"
	pollInterval  = 2 * time.Second

	// Apple timestamps count nanoseconds since 2001-01-01 UTC.
	appleEpochMillis = 978307200000
)

// Adapter is an iMessage channel. Conversation ids are handle ids
// (phone number or email) for direct messages and chat identifiers for
// group chats.
type Adapter struct {
	id      string
	dbPath  string
	db      *sql.DB
	handler channels.Handler
	status  *channels.StatusTracker
	logger  *slog.Logger

	lastRowID int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the adapter. sessionDataPath overrides the chat.db
// location, which defaults to the current user's Messages database.
func New(id string, cfg config.ChannelConfig, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dbPath := cfg.SessionDataPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	return &Adapter{
		id:     id,
		dbPath: expandPath(dbPath),
		status: channels.NewStatusTracker(),
		logger: logger.With("component", "imessage", "channel", id),
	}, nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return "imessage" }

func (a *Adapter) OnMessage(h channels.Handler) { a.handler = h }

// Connect opens the database read-only, records the current high-water
// ROWID so old messages are not replayed, and starts the poll loop.
func (a *Adapter) Connect(ctx context.Context) error {
	a.status.SetStatus(models.ChannelConnecting)

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", a.dbPath))
	if err != nil {
		a.status.SetError(err.Error())
		return fmt.Errorf("open chat.db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		a.status.SetError(err.Error())
		return fmt.Errorf("chat.db unreachable: %w", err)
	}
	a.db = db

	last, err := a.maxRowID(ctx)
	if err != nil {
		db.Close()
		a.status.SetError(err.Error())
		return fmt.Errorf("read last message id: %w", err)
	}
	a.lastRowID = last

	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.pollLoop(pollCtx)

	a.status.SetStatus(models.ChannelConnected)
	a.logger.Info("polling chat.db", "path", a.dbPath, "fromRowId", last)
	return nil
}

// Disconnect stops the poll loop and closes the database.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	a.status.SetStatus(models.ChannelDisconnected)
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Adapter) poll(ctx context.Context) {
	const query = `
		SELECT
			m.ROWID,
			m.guid,
			COALESCE(m.text, ''),
			m.date,
			COALESCE(h.id, ''),
			c.chat_identifier,
			c.style
		FROM message m
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		LEFT JOIN chat c ON cmj.chat_id = c.ROWID
		WHERE m.ROWID > ?
			AND m.is_from_me = 0
		ORDER BY m.ROWID ASC
		LIMIT 100
	`

	rows, err := a.db.QueryContext(ctx, query, a.lastRowID)
	if err != nil {
		a.logger.Error("chat.db poll failed", "error", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rowID    int64
			guid     string
			text     string
			dateNano int64
			handleID string
			chatID   sql.NullString
			style    sql.NullInt64
		)
		if err := rows.Scan(&rowID, &guid, &text, &dateNano, &handleID, &chatID, &style); err != nil {
			a.logger.Error("chat.db row scan failed", "error", err)
			continue
		}
		if rowID > a.lastRowID {
			a.lastRowID = rowID
		}
		if text == "" || a.handler == nil {
			continue
		}

		conversationID := handleID
		// Style 43 marks a group chat; the chat identifier keys the
		// conversation there.
		if chatID.Valid && style.Valid && style.Int64 == 43 {
			conversationID = chatID.String
		}
		if conversationID == "" {
			continue
		}

		a.handler(models.NormalizedMessage{
			ID:                models.NewMessageID(),
			ChannelID:         a.id,
			ConversationID:    conversationID,
			SenderID:          handleID,
			SenderName:        handleID,
			Text:              text,
			Timestamp:         dateNano/int64(time.Millisecond) + appleEpochMillis,
			PlatformMessageID: guid,
		})
	}
	if err := rows.Err(); err != nil {
		a.logger.Error("chat.db poll failed", "error", err)
	}
}

func (a *Adapter) maxRowID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := a.db.QueryRowContext(ctx, "SELECT MAX(ROWID) FROM message").Scan(&maxID); err != nil {
		return 0, err
	}
	return maxID.Int64, nil
}

// SendMessage delivers text through the Messages app via AppleScript.
// Group conversations (chat identifiers) address the chat directly;
// everything else targets the buddy handle.
func (a *Adapter) SendMessage(ctx context.Context, conversationID string, msg models.OutgoingMessage) error {
	if a.db == nil {
		return channels.ErrNotConnected
	}

	cmd := exec.CommandContext(ctx, "osascript", "-e", buildSendScript(conversationID, msg.Text))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("imessage send via AppleScript: %w (output: %s)", err, output)
	}
	return nil
}

// SendTypingIndicator is a no-op: iMessage exposes no typing API.
func (a *Adapter) SendTypingIndicator(ctx context.Context, conversationID string) error {
	return nil
}

func (a *Adapter) Status() models.ChannelInfo {
	return a.status.Info(a.id, a.Type())
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// buildSendScript renders the AppleScript for one outgoing message.
// Chat identifiers address the group chat directly; everything else
// targets the buddy handle.
func buildSendScript(conversationID, text string) string {
	target := quoteAppleScript(conversationID)
	body := quoteAppleScript(text)

	if strings.HasPrefix(conversationID, "chat") {
		return fmt.Sprintf(`
			tell application "Messages"
				set targetChat to a reference to (first chat whose id contains %s)
				send %s to targetChat
			end tell
		`, target, body)
	}
	return fmt.Sprintf(`
		tell application "Messages"
			set targetService to 1st account whose service type = iMessage
			set targetBuddy to participant %s of targetService
			send %s to targetBuddy
		end tell
	`, target, body)
}

// quoteAppleScript renders s as an AppleScript string literal. Quotes
// and backslashes are escaped exactly once; line breaks and tabs use
// the escape sequences AppleScript understands, since a raw newline
// would end the literal.
func quoteAppleScript(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\', '"':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

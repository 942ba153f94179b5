package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Sender delivers outbound messages; the channel manager satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, channelID, conversationID string, msg models.OutgoingMessage) error
}

// Notifier tells configured conversations that the watchdog restarted
// the host. It consumes the recovery-event file exactly once.
type Notifier struct {
	path    string
	sender  Sender
	targets []string // "channelId:conversationId"
	logger  *slog.Logger
}

// NewNotifier builds the notifier.
func NewNotifier(path string, sender Sender, targets []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		path:    path,
		sender:  sender,
		targets: targets,
		logger:  logger.With("component", "recovery-notifier"),
	}
}

// Notify reads the recovery event, pushes a restart notice to each
// target, and removes the file. A malformed file is removed without
// notifying so it cannot poison every startup.
func (n *Notifier) Notify(ctx context.Context) {
	data, err := os.ReadFile(n.path)
	if err != nil {
		if !os.IsNotExist(err) {
			n.logger.Warn("recovery event unreadable", "error", err)
		}
		return
	}

	var event models.RecoveryEvent
	if err := json.Unmarshal(data, &event); err != nil {
		n.logger.Warn("removing malformed recovery event", "error", err)
		n.remove()
		return
	}

	notice := formatNotice(event, time.Now())
	for _, target := range n.targets {
		channelID, conversationID, ok := strings.Cut(target, ":")
		if !ok || channelID == "" || conversationID == "" {
			n.logger.Warn("invalid notify target", "target", target)
			continue
		}
		err := n.sender.SendMessage(ctx, channelID, conversationID, models.OutgoingMessage{Text: notice})
		if err != nil {
			n.logger.Warn("recovery notice delivery failed", "target", target, "error", err)
		}
	}

	n.remove()
}

func (n *Notifier) remove() {
	if err := os.Remove(n.path); err != nil && !os.IsNotExist(err) {
		n.logger.Warn("recovery event cleanup failed", "error", err)
	}
}

func formatNotice(event models.RecoveryEvent, now time.Time) string {
	downtime := now.Sub(time.UnixMilli(event.Timestamp)).Round(time.Second)
	if event.Timestamp == 0 || downtime < 0 {
		downtime = 0
	}
	return fmt.Sprintf(
		"The agent was restarted by its watchdog.\nReason: %s\nRestart #%d, downtime about %s. Back online at %s.",
		event.Reason, event.RestartCount, downtime, now.Format(time.RFC3339))
}

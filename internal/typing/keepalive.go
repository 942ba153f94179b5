// Package typing maintains per-conversation typing indicator keepalives
// while background tasks run.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the emit cadence. It must stay under the shortest
// platform typing timeout (5 s on the slowest platform).
const DefaultInterval = 4 * time.Second

// Emitter sends one typing indicator to a conversation.
type Emitter interface {
	SendTypingIndicator(ctx context.Context, channelID, conversationID string) error
}

// Keepalive runs one periodic typing emitter per (channelId, conversationId)
// pair. Acquire starts (or keeps alive) the emitter and increments a
// refcount; Release decrements it and stops the emitter when it reaches
// zero, so typing survives as long as any task targets the conversation.
type Keepalive struct {
	emitter  Emitter
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*keepaliveTimer
}

type keepaliveTimer struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKeepalive creates a keepalive table. A zero interval uses the default
// cadence.
func NewKeepalive(emitter Emitter, interval time.Duration, logger *slog.Logger) *Keepalive {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keepalive{
		emitter:  emitter,
		interval: interval,
		logger:   logger.With("component", "typing"),
		timers:   make(map[string]*keepaliveTimer),
	}
}

// Acquire ensures a periodic emitter is running for the conversation.
func (k *Keepalive) Acquire(channelID, conversationID string) {
	key := channelID + ":" + conversationID

	k.mu.Lock()
	defer k.mu.Unlock()

	if t, ok := k.timers[key]; ok {
		t.refs++
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &keepaliveTimer{refs: 1, cancel: cancel, done: make(chan struct{})}
	k.timers[key] = t

	go k.run(ctx, channelID, conversationID, t.done)
}

// Release drops one reference. The emitter stops once no active task
// targets the conversation.
func (k *Keepalive) Release(channelID, conversationID string) {
	key := channelID + ":" + conversationID

	k.mu.Lock()
	t, ok := k.timers[key]
	if !ok {
		k.mu.Unlock()
		return
	}
	t.refs--
	if t.refs > 0 {
		k.mu.Unlock()
		return
	}
	delete(k.timers, key)
	k.mu.Unlock()

	t.cancel()
	<-t.done
}

// Active reports whether an emitter is running for the conversation.
func (k *Keepalive) Active(channelID, conversationID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.timers[channelID+":"+conversationID]
	return ok
}

// Stop cancels every emitter. Used on shutdown.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	timers := make([]*keepaliveTimer, 0, len(k.timers))
	for key, t := range k.timers {
		timers = append(timers, t)
		delete(k.timers, key)
	}
	k.mu.Unlock()

	for _, t := range timers {
		t.cancel()
		<-t.done
	}
}

func (k *Keepalive) run(ctx context.Context, channelID, conversationID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.emit(ctx, channelID, conversationID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.emit(ctx, channelID, conversationID)
		}
	}
}

// emit swallows errors: a failed typing indicator must never affect the task.
func (k *Keepalive) emit(ctx context.Context, channelID, conversationID string) {
	if k.emitter == nil {
		return
	}
	if err := k.emitter.SendTypingIndicator(ctx, channelID, conversationID); err != nil {
		k.logger.Debug("typing indicator failed", "channel", channelID, "error", err)
	}
}

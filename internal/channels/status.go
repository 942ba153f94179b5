package channels

import (
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// StatusTracker is an embeddable, concurrency-safe connection-state
// holder shared by the adapters.
type StatusTracker struct {
	mu      sync.RWMutex
	status  models.ChannelStatus
	lastErr string
}

// NewStatusTracker starts in the disconnected state.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{status: models.ChannelDisconnected}
}

// SetStatus records the current state, clearing any previous error.
func (t *StatusTracker) SetStatus(s models.ChannelStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
	t.lastErr = ""
}

// SetError records the error state with a message.
func (t *StatusTracker) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = models.ChannelError
	t.lastErr = msg
}

// Info renders the tracked state as a ChannelInfo for the given identity.
func (t *StatusTracker) Info(id, typ string) models.ChannelInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return models.ChannelInfo{ID: id, Type: typ, Status: t.status, Error: t.lastErr}
}

// Connected reports whether the tracked state is connected.
func (t *StatusTracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status == models.ChannelConnected
}

package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	DefaultCheckInterval        = 30 * time.Second
	DefaultBaseDelay            = 2 * time.Second
	DefaultMaxDelay             = 120 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// MonitorOptions tunes the channel monitor. Zero values take defaults.
type MonitorOptions struct {
	CheckInterval        time.Duration
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
}

func (o *MonitorOptions) applyDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
}

// Monitor reconnects unhealthy channels with exponential backoff. After
// too many consecutive failures it cools down for one cycle before
// trying again.
type Monitor struct {
	manager *channels.Manager
	opts    MonitorOptions
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	failures map[string]int
	cooldown map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds the monitor. Metrics may be nil.
func NewMonitor(manager *channels.Manager, opts MonitorOptions, metrics *observability.Metrics, logger *slog.Logger) *Monitor {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		manager:  manager,
		opts:     opts,
		metrics:  metrics,
		logger:   logger.With("component", "channel-monitor"),
		failures: make(map[string]int),
		cooldown: make(map[string]bool),
	}
}

// Start launches the periodic check loop.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.CheckOnce(runCtx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight check to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
}

// CheckOnce inspects every channel and reconnects the unhealthy ones.
func (m *Monitor) CheckOnce(ctx context.Context) {
	for _, ch := range m.manager.Channels() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.checkChannel(ctx, ch)
	}
}

func (m *Monitor) checkChannel(ctx context.Context, ch channels.Channel) {
	id := ch.ID()
	status := ch.Status().Status

	switch status {
	case models.ChannelConnected:
		m.reset(id)
		return
	case models.ChannelConnecting:
		// Still starting up; leave it alone.
		return
	}

	m.mu.Lock()
	if m.cooldown[id] {
		// One skipped cycle after exhausting the attempt budget.
		m.cooldown[id] = false
		m.mu.Unlock()
		return
	}
	failures := m.failures[id]
	m.mu.Unlock()

	delay := retry.Backoff(failures, m.opts.BaseDelay, m.opts.MaxDelay, 2.0)
	m.logger.Info("channel unhealthy, reconnecting", "channel", id, "status", status, "failures", failures, "delay", delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if m.metrics != nil {
		m.metrics.ChannelReconnects.WithLabelValues(id).Inc()
	}

	// Best-effort teardown before a fresh connect.
	if err := ch.Disconnect(ctx); err != nil {
		m.logger.Debug("pre-reconnect disconnect failed", "channel", id, "error", err)
	}

	if err := ch.Connect(ctx); err != nil {
		m.recordFailure(id, err)
		return
	}
	m.logger.Info("channel reconnected", "channel", id)
	m.reset(id)
}

func (m *Monitor) recordFailure(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	count := m.failures[id]
	m.logger.Warn("channel reconnect failed", "channel", id, "failures", count, "error", err)
	if count >= m.opts.MaxReconnectAttempts {
		m.failures[id] = 0
		m.cooldown[id] = true
		m.logger.Warn("channel entering reconnect cooldown", "channel", id)
	}
}

func (m *Monitor) reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = 0
	m.cooldown[id] = false
}

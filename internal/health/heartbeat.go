// Package health keeps the host observable and self-healing: the
// heartbeat writer, the channel monitor, the recovery notifier, and
// startup task recovery.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHealthPort        = 3001
)

// StatusSource reports the current channel states; the channel manager
// satisfies it.
type StatusSource interface {
	Statuses() []models.ChannelInfo
}

// Heartbeat periodically writes the liveness payload to
// health/heartbeat.json and serves it over HTTP. The watchdog consumes
// the file; operators consume the endpoint.
type Heartbeat struct {
	path     string
	interval time.Duration
	port     int
	source   StatusSource
	logger   *slog.Logger

	started time.Time
	httpSrv *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHeartbeat builds the writer. path is the heartbeat file location;
// its directory is created on Start.
func NewHeartbeat(path string, interval time.Duration, port int, source StatusSource, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if port <= 0 {
		port = DefaultHealthPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		path:     path,
		interval: interval,
		port:     port,
		source:   source,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Start writes the first heartbeat immediately, then keeps writing on
// the interval and serves the health endpoint.
func (h *Heartbeat) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("heartbeat directory: %w", err)
	}
	h.started = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.write()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				h.write()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleHealth)
	mux.HandleFunc("/health", h.handleHealth)
	h.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", h.port), Handler: mux}
	go func() {
		if err := h.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("health endpoint failed", "error", err)
		}
	}()

	h.logger.Info("heartbeat started", "file", h.path, "port", h.port, "interval", h.interval)
	return nil
}

// Stop halts the writer and the endpoint. The last heartbeat file is
// left in place; the watchdog treats staleness, not absence of updates
// after shutdown, via its own timeout.
func (h *Heartbeat) Stop(ctx context.Context) {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.wg.Wait()
	if h.httpSrv != nil {
		if err := h.httpSrv.Shutdown(ctx); err != nil {
			h.logger.Warn("health endpoint shutdown failed", "error", err)
		}
	}
}

func (h *Heartbeat) payload() models.HeartbeatPayload {
	var channels []models.ChannelInfo
	if h.source != nil {
		channels = h.source.Statuses()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return models.HeartbeatPayload{
		PID:           os.Getpid(),
		Timestamp:     models.NowMillis(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Status:        models.AggregateStatus(channels),
		Channels:      channels,
		MemoryMB:      float64(mem.HeapAlloc) / (1024 * 1024),
	}
}

func (h *Heartbeat) write() {
	payload := h.payload()
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		h.logger.Error("heartbeat marshal failed", "error", err)
		return
	}
	if err := storage.WriteFileAtomic(h.path, data, 0o644); err != nil {
		h.logger.Error("heartbeat write failed", "error", err)
	}
}

func (h *Heartbeat) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := h.payload()
	code := http.StatusOK
	if payload.Status != models.HostOK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

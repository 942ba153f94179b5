// Package watchdog supervises the host process from the outside: it
// watches the heartbeat file, restarts the host when it goes silent or
// its PID dies, and leaves a recovery event behind for the next host
// generation to announce.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultCheckInterval    = 15 * time.Second
	DefaultMaxRestarts      = 5
	DefaultRestartWindow    = 300 * time.Second
	DefaultStartupGrace     = 15 * time.Second

	gracefulStopWait = 5 * time.Second
)

// Options configures the watchdog. HostCommand is required.
type Options struct {
	HeartbeatFile     string
	HeartbeatTimeout  time.Duration
	CheckInterval     time.Duration
	HostCommand       string
	MaxRestarts       int
	RestartWindow     time.Duration
	HealthURL         string
	RecoveryEventFile string
	StartupGrace      time.Duration
}

// OptionsFromEnv reads the watchdog environment contract.
func OptionsFromEnv() (Options, error) {
	opts := Options{
		HeartbeatFile:     os.Getenv("HEARTBEAT_FILE"),
		HeartbeatTimeout:  envSeconds("HEARTBEAT_TIMEOUT", DefaultHeartbeatTimeout),
		CheckInterval:     envSeconds("CHECK_INTERVAL", DefaultCheckInterval),
		HostCommand:       os.Getenv("HOST_COMMAND"),
		MaxRestarts:       envInt("MAX_RESTARTS", DefaultMaxRestarts),
		RestartWindow:     envSeconds("RESTART_WINDOW", DefaultRestartWindow),
		HealthURL:         os.Getenv("HEALTH_URL"),
		RecoveryEventFile: os.Getenv("RECOVERY_EVENT_FILE"),
		StartupGrace:      DefaultStartupGrace,
	}
	if opts.HostCommand == "" {
		return opts, fmt.Errorf("HOST_COMMAND is required")
	}
	if opts.HeartbeatFile == "" {
		return opts, fmt.Errorf("HEARTBEAT_FILE is required")
	}
	return opts, nil
}

func envSeconds(name string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// Watchdog is the supervisor loop.
type Watchdog struct {
	opts       Options
	logger     *slog.Logger
	httpClient *http.Client

	child      *exec.Cmd
	restarts   []time.Time
	totalCount int
}

// New builds a watchdog.
func New(opts Options, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		opts:       opts,
		logger:     logger.With("component", "watchdog"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Run starts the host and supervises it until the context is cancelled.
// On cancellation the host is stopped gracefully.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.spawnHost(); err != nil {
		return fmt.Errorf("initial host start: %w", err)
	}
	if !w.sleep(ctx, w.opts.StartupGrace) {
		w.stopHost()
		return nil
	}

	ticker := time.NewTicker(w.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutting down, stopping host")
			w.stopHost()
			return nil
		case <-ticker.C:
			if reason, healthy := w.assess(ctx); !healthy {
				w.handleUnhealthy(ctx, reason)
			}
		}
	}
}

// assess reads the heartbeat and decides liveness. The HTTP health check
// is advisory only.
func (w *Watchdog) assess(ctx context.Context) (string, bool) {
	data, err := os.ReadFile(w.opts.HeartbeatFile)
	if err != nil {
		return "heartbeat file missing", false
	}

	var payload models.HeartbeatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "heartbeat file malformed", false
	}

	age := time.Since(time.UnixMilli(payload.Timestamp))
	if age > w.opts.HeartbeatTimeout {
		return fmt.Sprintf("heartbeat stale (%s old)", age.Round(time.Second)), false
	}

	if payload.PID > 0 && !pidAlive(payload.PID) {
		return fmt.Sprintf("host pid %d not running", payload.PID), false
	}

	if w.opts.HealthURL != "" {
		w.probeHealth(ctx)
	}
	return "", true
}

// probeHealth warns on endpoint failure but never triggers a restart by
// itself; the heartbeat file is the authority.
func (w *Watchdog) probeHealth(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.opts.HealthURL, nil)
	if err != nil {
		return
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Warn("health endpoint unreachable", "url", w.opts.HealthURL, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.logger.Warn("health endpoint degraded", "url", w.opts.HealthURL, "status", resp.StatusCode)
	}
}

func (w *Watchdog) handleUnhealthy(ctx context.Context, reason string) {
	w.pruneWindow()
	if len(w.restarts) >= w.opts.MaxRestarts {
		w.logger.Error("restart rate limit hit, pausing this cycle",
			"reason", reason, "restartsInWindow", len(w.restarts), "window", w.opts.RestartWindow)
		return
	}

	w.logger.Warn("host unhealthy, restarting", "reason", reason)

	// Kill whoever holds the heartbeat, then our tracked child.
	if pid := w.heartbeatPID(); pid > 0 && pidAlive(pid) {
		terminate(pid, w.logger)
	}
	w.stopHost()

	w.restarts = append(w.restarts, time.Now())
	w.totalCount++
	w.writeRecoveryEvent(reason)

	if err := w.spawnHost(); err != nil {
		w.logger.Error("host respawn failed", "error", err)
		return
	}
	w.sleep(ctx, w.opts.StartupGrace)
}

func (w *Watchdog) pruneWindow() {
	cutoff := time.Now().Add(-w.opts.RestartWindow)
	kept := w.restarts[:0]
	for _, t := range w.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.restarts = kept
}

func (w *Watchdog) heartbeatPID() int {
	data, err := os.ReadFile(w.opts.HeartbeatFile)
	if err != nil {
		return 0
	}
	var payload models.HeartbeatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0
	}
	return payload.PID
}

func (w *Watchdog) writeRecoveryEvent(reason string) {
	if w.opts.RecoveryEventFile == "" {
		return
	}
	event := models.RecoveryEvent{
		Timestamp:    models.NowMillis(),
		Reason:       reason,
		RestartCount: w.totalCount,
		WatchdogPID:  os.Getpid(),
	}
	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return
	}
	if err := storage.WriteFileAtomic(w.opts.RecoveryEventFile, data, 0o644); err != nil {
		w.logger.Warn("recovery event write failed", "error", err)
	}
}

func (w *Watchdog) spawnHost() error {
	fields := strings.Fields(w.opts.HostCommand)
	if len(fields) == 0 {
		return fmt.Errorf("empty host command")
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	w.child = cmd
	w.logger.Info("host started", "pid", cmd.Process.Pid, "command", w.opts.HostCommand)

	// Reap the child so it never zombies.
	go func() {
		if err := cmd.Wait(); err != nil {
			w.logger.Warn("host exited", "pid", cmd.Process.Pid, "error", err)
		}
	}()
	return nil
}

func (w *Watchdog) stopHost() {
	if w.child == nil || w.child.Process == nil {
		return
	}
	terminate(w.child.Process.Pid, w.logger)
	w.child = nil
}

// terminate sends a graceful stop, waits, then force-kills.
func terminate(pid int, logger *slog.Logger) {
	if !pidAlive(pid) {
		return
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return
	}

	deadline := time.Now().Add(gracefulStopWait)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	logger.Warn("graceful stop timed out, killing", "pid", pid)
	syscall.Kill(pid, syscall.SIGKILL)
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// sleep waits for d or until the context ends; it reports whether the
// full duration elapsed.
func (w *Watchdog) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

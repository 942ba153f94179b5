package watchdog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func writeHeartbeat(t *testing.T, path string, payload models.HeartbeatPayload) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func testWatchdog(t *testing.T, heartbeatFile string) *Watchdog {
	t.Helper()
	return New(Options{
		HeartbeatFile:    heartbeatFile,
		HeartbeatTimeout: time.Minute,
		CheckInterval:    time.Hour,
		HostCommand:      "true",
		MaxRestarts:      5,
		RestartWindow:    5 * time.Minute,
	}, nil)
}

func TestAssessVerdicts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.json")
	w := testWatchdog(t, path)

	if reason, healthy := w.assess(context.Background()); healthy || !strings.Contains(reason, "missing") {
		t.Errorf("missing file: %q, %v", reason, healthy)
	}

	os.WriteFile(path, []byte("{broken"), 0o644)
	if reason, healthy := w.assess(context.Background()); healthy || !strings.Contains(reason, "malformed") {
		t.Errorf("malformed file: %q, %v", reason, healthy)
	}

	writeHeartbeat(t, path, models.HeartbeatPayload{
		PID:       os.Getpid(),
		Timestamp: time.Now().Add(-2 * time.Minute).UnixMilli(),
	})
	if reason, healthy := w.assess(context.Background()); healthy || !strings.Contains(reason, "stale") {
		t.Errorf("stale heartbeat: %q, %v", reason, healthy)
	}

	writeHeartbeat(t, path, models.HeartbeatPayload{
		PID:       999999,
		Timestamp: models.NowMillis(),
	})
	if reason, healthy := w.assess(context.Background()); healthy || !strings.Contains(reason, "not running") {
		t.Errorf("dead pid: %q, %v", reason, healthy)
	}

	writeHeartbeat(t, path, models.HeartbeatPayload{
		PID:       os.Getpid(),
		Timestamp: models.NowMillis(),
	})
	if reason, healthy := w.assess(context.Background()); !healthy {
		t.Errorf("live heartbeat judged unhealthy: %q", reason)
	}
}

func TestRestartRateLimit(t *testing.T) {
	w := testWatchdog(t, filepath.Join(t.TempDir(), "hb.json"))

	now := time.Now()
	for i := 0; i < 5; i++ {
		w.restarts = append(w.restarts, now)
	}
	w.pruneWindow()
	if len(w.restarts) != 5 {
		t.Fatalf("restarts in window = %d", len(w.restarts))
	}

	// Old entries drain out of the window.
	w.restarts = []time.Time{now.Add(-10 * time.Minute), now}
	w.pruneWindow()
	if len(w.restarts) != 1 {
		t.Errorf("restarts after prune = %d, want 1", len(w.restarts))
	}
}

func TestRecoveryEventWritten(t *testing.T) {
	dir := t.TempDir()
	w := testWatchdog(t, filepath.Join(dir, "hb.json"))
	w.opts.RecoveryEventFile = filepath.Join(dir, "recovery-event.json")
	w.totalCount = 3

	w.writeRecoveryEvent("heartbeat stale")

	data, err := os.ReadFile(w.opts.RecoveryEventFile)
	if err != nil {
		t.Fatal(err)
	}
	var event models.RecoveryEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatal(err)
	}
	if event.Reason != "heartbeat stale" || event.RestartCount != 3 || event.WatchdogPID != os.Getpid() {
		t.Errorf("event = %+v", event)
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("HOST_COMMAND", "relay serve")
	t.Setenv("HEARTBEAT_FILE", "/tmp/hb.json")
	t.Setenv("HEARTBEAT_TIMEOUT", "90")
	t.Setenv("MAX_RESTARTS", "7")

	opts, err := OptionsFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if opts.HeartbeatTimeout != 90*time.Second {
		t.Errorf("timeout = %s", opts.HeartbeatTimeout)
	}
	if opts.MaxRestarts != 7 {
		t.Errorf("maxRestarts = %d", opts.MaxRestarts)
	}
	if opts.CheckInterval != DefaultCheckInterval {
		t.Errorf("checkInterval = %s", opts.CheckInterval)
	}

	t.Setenv("HOST_COMMAND", "")
	if _, err := OptionsFromEnv(); err == nil {
		t.Error("missing HOST_COMMAND accepted")
	}
}

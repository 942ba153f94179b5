package health

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

type staticStatuses []models.ChannelInfo

func (s staticStatuses) Statuses() []models.ChannelInfo { return s }

func TestHeartbeatWritesPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health", "heartbeat.json")
	source := staticStatuses{{ID: "tg", Type: "telegram", Status: models.ChannelConnected}}

	hb := NewHeartbeat(path, time.Hour, 0, source, nil)
	hb.started = time.Now()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	hb.write()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var payload models.HeartbeatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.PID != os.Getpid() {
		t.Errorf("pid = %d", payload.PID)
	}
	if payload.Status != models.HostOK {
		t.Errorf("status = %s, want ok", payload.Status)
	}
	if len(payload.Channels) != 1 || payload.Channels[0].ID != "tg" {
		t.Errorf("channels = %+v", payload.Channels)
	}
	if payload.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}

func TestHealthEndpointStatusCodes(t *testing.T) {
	cases := []struct {
		name     string
		statuses staticStatuses
		wantCode int
	}{
		{"all connected", staticStatuses{{ID: "a", Status: models.ChannelConnected}}, 200},
		{"degraded", staticStatuses{{ID: "a", Status: models.ChannelDisconnected}}, 503},
		{"errored", staticStatuses{{ID: "a", Status: models.ChannelError}}, 503},
		{"connecting is ok", staticStatuses{{ID: "a", Status: models.ChannelConnecting}}, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hb := NewHeartbeat(filepath.Join(t.TempDir(), "hb.json"), time.Hour, 0, tc.statuses, nil)
			hb.started = time.Now()

			rec := httptest.NewRecorder()
			hb.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
			if rec.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tc.wantCode)
			}
		})
	}
}

func TestHeartbeatStartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health", "heartbeat.json")
	hb := NewHeartbeat(path, 10*time.Millisecond, 0, staticStatuses{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hb.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer hb.Stop(context.Background())

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("heartbeat file missing after Start: %v", err)
	}
}

package models

// ChannelStatus is the connection state of a channel adapter.
type ChannelStatus string

const (
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelConnecting   ChannelStatus = "connecting"
	ChannelConnected    ChannelStatus = "connected"
	ChannelError        ChannelStatus = "error"
)

// ChannelInfo is the reported status of one channel.
type ChannelInfo struct {
	ID     string        `json:"id"`
	Type   string        `json:"type"`
	Status ChannelStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// HostStatus is the aggregate liveness verdict carried in a heartbeat.
type HostStatus string

const (
	HostOK       HostStatus = "ok"
	HostDegraded HostStatus = "degraded"
	HostError    HostStatus = "error"
)

// HeartbeatPayload is written atomically to health/heartbeat.json and served
// over the health HTTP endpoint. Status is "error" if any channel is in
// error, "degraded" if any non-connecting channel is not connected, else "ok".
type HeartbeatPayload struct {
	PID           int           `json:"pid"`
	Timestamp     int64         `json:"timestamp"` // epoch millis
	UptimeSeconds int64         `json:"uptimeSeconds"`
	Status        HostStatus    `json:"status"`
	Channels      []ChannelInfo `json:"channels"`
	MemoryMB      float64       `json:"memoryMB"`
}

// AggregateStatus computes the host status from channel statuses.
func AggregateStatus(channels []ChannelInfo) HostStatus {
	status := HostOK
	for _, ch := range channels {
		switch ch.Status {
		case ChannelError:
			return HostError
		case ChannelConnecting:
			// Startup transient, not degraded.
		case ChannelConnected:
		default:
			status = HostDegraded
		}
	}
	return status
}

// RecoveryEvent is written by the watchdog on every restart and consumed
// once by the next host generation to notify users.
type RecoveryEvent struct {
	Timestamp    int64  `json:"timestamp"` // epoch millis
	Reason       string `json:"reason"`
	RestartCount int    `json:"restartCount"`
	WatchdogPID  int    `json:"watchdogPid"`
}

package models

// TaskPhase tracks how far a pipeline run has progressed. Phases advance
// monotonically; the persisted phase is what task recovery dispatches on
// after a crash.
type TaskPhase string

const (
	PhaseReceived       TaskPhase = "received"
	PhaseHistoryWritten TaskPhase = "history_written"
	PhaseLLMCalling     TaskPhase = "llm_calling"
	PhaseVerifying      TaskPhase = "verifying"
	PhaseResponding     TaskPhase = "responding"
	PhaseCompleted      TaskPhase = "completed"
	PhaseFailed         TaskPhase = "failed"
)

// Terminal reports whether the phase is a terminal state.
func (p TaskPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// PersistedTask is the durable record of one in-flight pipeline run.
// It lives under tasks/active/<id>.json until it reaches a terminal phase,
// then moves to tasks/completed/<YYYY-MM-DD>/<id>.json.
type PersistedTask struct {
	ID              string            `json:"id"`
	ChannelID       string            `json:"channelId"`
	ConversationID  string            `json:"conversationId"`
	Message         NormalizedMessage `json:"message"`
	Phase           TaskPhase         `json:"phase"`
	StartedAt       string            `json:"startedAt"`
	UpdatedAt       string            `json:"updatedAt"`
	Error           string            `json:"error,omitempty"`
	PendingResponse string            `json:"pendingResponse,omitempty"`
}

// TaskStatus is the in-memory lifecycle state of a conversation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

package models

// HistoryEntry is one persisted JSONL line of conversation history.
// Within a (channelId, conversationId) pair, Seq values form a contiguous
// ascending range starting at 1. Entries are append-only.
type HistoryEntry struct {
	Seq               int64  `json:"seq"`
	TS                string `json:"ts"` // ISO-8601
	Role              Role   `json:"role"`
	Content           string `json:"content"`
	ToolCallID        string `json:"toolCallId,omitempty"`
	SenderID          string `json:"senderId,omitempty"`
	PlatformMessageID string `json:"platformMessageId,omitempty"`
	TaskID            string `json:"taskId,omitempty"`
}

// SegmentMeta describes one history segment file.
type SegmentMeta struct {
	File      string `json:"file"`
	FirstSeq  int64  `json:"firstSeq"`
	LastSeq   int64  `json:"lastSeq"`
	Count     int64  `json:"count"`
	SizeBytes int64  `json:"sizeBytes"`
	StartedAt string `json:"startedAt"`
	EndedAt   string `json:"endedAt"`
}

// SegmentIndex is the atomically-written index of a conversation's segments.
// Segments are ordered; adjacent segments satisfy
// segments[i].LastSeq+1 == segments[i+1].FirstSeq, and NextSeq is
// last.LastSeq+1 (1 when empty).
type SegmentIndex struct {
	NextSeq  int64         `json:"nextSeq"`
	Segments []SegmentMeta `json:"segments"`
}

// JournalEvent enumerates the event kinds recorded in the journal.
type JournalEvent string

const (
	EventTaskReceived        JournalEvent = "task_received"
	EventPipelineStarted     JournalEvent = "pipeline_started"
	EventHistoryAppended     JournalEvent = "history_appended"
	EventLLMCallStarted      JournalEvent = "llm_call_started"
	EventLLMCallCompleted    JournalEvent = "llm_call_completed"
	EventToolCallStarted     JournalEvent = "tool_call_started"
	EventToolCallCompleted   JournalEvent = "tool_call_completed"
	EventVerificationStarted JournalEvent = "verification_started"
	EventVerificationResult  JournalEvent = "verification_result"
	EventResponseSent        JournalEvent = "response_sent"
	EventTaskCompleted       JournalEvent = "task_completed"
	EventTaskFailed          JournalEvent = "task_failed"
	EventSkillDispatched     JournalEvent = "skill_dispatched"
)

// JournalEntry is one persisted JSONL line of the event journal.
type JournalEntry struct {
	TS             string         `json:"ts"`
	Event          JournalEvent   `json:"event"`
	TaskID         string         `json:"taskId,omitempty"`
	ChannelID      string         `json:"channelId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

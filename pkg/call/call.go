// Package call holds the data model and the signal/query contract shared by
// the workflow, the audio bridge, and the transport layer.
package call

import (
	"strings"
	"time"
)

// Status is the lifecycle state of one call. It is owned by the workflow;
// everything else only reads it.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNoAnswer   Status = "no_answer"
	StatusBusy       Status = "busy"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy, StatusCanceled:
		return true
	}
	return false
}

// StatusFromProvider maps a telephony-provider status string onto Status.
// "answered" is how the provider reports an answered outbound leg.
func StatusFromProvider(provider string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "initiated", "queued":
		return StatusInitiated, true
	case "ringing":
		return StatusRinging, true
	case "answered", "in-progress", "in_progress":
		return StatusInProgress, true
	case "completed":
		return StatusCompleted, true
	case "busy":
		return StatusBusy, true
	case "no-answer", "no_answer":
		return StatusNoAnswer, true
	case "failed":
		return StatusFailed, true
	case "canceled", "cancelled":
		return StatusCanceled, true
	}
	return "", false
}

// Speaker identifies who produced a transcript segment.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerAI     Speaker = "ai"
	SpeakerSystem Speaker = "system"
)

// TranscriptSegment is one utterance of the conversation. Confidence is in
// [0,1]; zero means the producer did not report one.
type TranscriptSegment struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// WorkflowInput starts one call workflow.
type WorkflowInput struct {
	PhoneNumber        string            `json:"phone_number"`
	Greeting           string            `json:"greeting"`
	SystemPrompt       string            `json:"system_prompt,omitempty"`
	MaxDurationSeconds int               `json:"max_duration_seconds"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// WorkflowResult is returned when a call workflow finishes.
type WorkflowResult struct {
	CallID                  string     `json:"call_id"`
	WorkflowID              string     `json:"workflow_id"`
	RunID                   string     `json:"run_id"`
	Status                  Status     `json:"status"`
	PhoneNumber             string     `json:"phone_number"`
	StartedAt               time.Time  `json:"started_at"`
	EndedAt                 *time.Time `json:"ended_at,omitempty"`
	DurationSeconds         int        `json:"duration_seconds"`
	CallSid                 string     `json:"call_sid,omitempty"`
	TotalTranscriptSegments int        `json:"total_transcript_segments"`
}

// Config is the per-call configuration the transport layer queries from the
// workflow when the media stream connects.
type Config struct {
	CallID       string `json:"call_id"`
	Greeting     string `json:"greeting"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// MetricsSnapshot is a derived, read-only view of one bridge session's
// counters. It is never a source of truth.
type MetricsSnapshot struct {
	QueueDepth           int        `json:"queue_depth"`
	QueueCapacity        int        `json:"queue_capacity"`
	QueueUtilizationPct  float64    `json:"queue_utilization_pct"`
	FramesSent           int64      `json:"total_audio_frames_sent"`
	FramesReceived       int64      `json:"total_audio_frames_received"`
	FramesDropped        int64      `json:"total_audio_frames_dropped"`
	DropRatePct          float64    `json:"audio_drop_rate_pct"`
	MaxQueueDepth        int        `json:"max_audio_queue_depth"`
	AvgQueueDepth        float64    `json:"avg_audio_queue_depth"`
	AITurnCount          int64      `json:"ai_turn_count"`
	UserTurnCount        int64      `json:"user_turn_count"`
	InterruptionCount    int64      `json:"interruption_count"`
	SessionStartedAt     *time.Time `json:"session_started_at,omitempty"`
	FirstAudioFrameAt    *time.Time `json:"first_audio_frame_at,omitempty"`
	WebsocketConnectedAt *time.Time `json:"websocket_connected_at,omitempty"`
	StreamingStartedAt   *time.Time `json:"streaming_started_at,omitempty"`
	CallAnsweredAt       *time.Time `json:"call_answered_at,omitempty"`
}

// Signal payloads exchanged between the transport layer and the workflow.
type StreamingStartedSignal struct {
	StreamSid string `json:"stream_sid"`
	CallSid   string `json:"call_sid"`
}

type StreamingEndedSignal struct {
	StreamSid string `json:"stream_sid"`
}

// Workflow, signal and query names. The transport layer addresses the
// workflow by these; the worker registers them.
const (
	WorkflowName = "VoiceCallWorkflow"

	SignalStreamingStarted     = "streaming_started"
	SignalStreamingEnded       = "streaming_ended"
	SignalTranscriptsAvailable = "transcripts_available"
	SignalCallStatusChanged    = "call_status_changed"
	SignalSetCallSid           = "set_call_sid"
	SignalUpdateMetrics        = "update_metrics"

	QueryCallStatus      = "get_call_status"
	QueryCallConfig      = "get_call_config"
	QueryTranscriptCount = "get_transcript_count"
)

// Activity names. The workflow invokes collaborators by name so it stays
// free of driver imports.
const (
	ActivityCreateCallRecord     = "CreateCallRecord"
	ActivityUpdateCallRecord     = "UpdateCallRecord"
	ActivitySaveTranscriptBatch  = "SaveTranscriptBatch"
	ActivityUpsertCallMetrics    = "UpsertCallMetrics"
	ActivityInitiateCall         = "InitiateCall"
	ActivityTerminateCall        = "TerminateCall"
	ActivityGetCallStatus        = "GetCallStatus"
	ActivityCreateSessionRecord  = "CreateSessionRecord"
	ActivityUpdateSessionStatus  = "UpdateSessionStatus"
	ActivityCleanupSessionRecord = "CleanupSessionRecord"
)

// DefaultTaskQueue is the worker task queue calls are dispatched on.
const DefaultTaskQueue = "voicebridge-task-queue"

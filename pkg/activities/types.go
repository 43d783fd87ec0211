// Package activities implements the workflow's side effects: persistence,
// telephony control, and session cache bookkeeping. Parameter and result
// types are plain structs so they serialize cleanly through the workflow
// history.
package activities

import (
	"time"

	"github.com/vango-go/voicebridge/pkg/call"
)

type CreateCallParams struct {
	WorkflowID         string            `json:"workflow_id"`
	RunID              string            `json:"run_id"`
	PhoneNumber        string            `json:"phone_number"`
	Greeting           string            `json:"greeting"`
	SystemPrompt       string            `json:"system_prompt,omitempty"`
	MaxDurationSeconds int               `json:"max_duration_seconds"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type CreateCallResult struct {
	CallID string `json:"call_id"`
}

type UpdateCallParams struct {
	CallID          string      `json:"call_id"`
	Status          call.Status `json:"status"`
	CallSid         string      `json:"call_sid,omitempty"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	DurationSeconds int         `json:"duration_seconds"`
	FailureReason   string      `json:"failure_reason,omitempty"`
}

type SaveTranscriptsParams struct {
	CallID   string                   `json:"call_id"`
	Segments []call.TranscriptSegment `json:"segments"`
}

type SaveTranscriptsResult struct {
	Saved int `json:"saved"`
}

type UpsertMetricsParams struct {
	CallID  string               `json:"call_id"`
	Metrics call.MetricsSnapshot `json:"metrics"`
}

type InitiateCallParams struct {
	WorkflowID  string `json:"workflow_id"`
	CallID      string `json:"call_id"`
	PhoneNumber string `json:"phone_number"`
}

type InitiateCallResult struct {
	CallSid string `json:"call_sid"`
}

type TerminateCallParams struct {
	CallSid string `json:"call_sid"`
}

type GetCallStatusParams struct {
	CallSid string `json:"call_sid"`
}

type GetCallStatusResult struct {
	Status          string `json:"status"`
	DurationSeconds int    `json:"duration_seconds"`
}

type CreateSessionParams struct {
	WorkflowID         string `json:"workflow_id"`
	CallID             string `json:"call_id"`
	PhoneNumber        string `json:"phone_number"`
	Greeting           string `json:"greeting"`
	SystemPrompt       string `json:"system_prompt,omitempty"`
	MaxDurationSeconds int    `json:"max_duration_seconds"`
	TTLSeconds         int    `json:"ttl_seconds"`
}

type UpdateSessionStatusParams struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

type CleanupSessionParams struct {
	WorkflowID      string `json:"workflow_id"`
	GraceTTLSeconds int    `json:"grace_ttl_seconds"`
}

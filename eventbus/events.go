// Package eventbus provides the pipeline event definitions and the
// in-memory bus that fans them out to subscribers.
//
// Events are fire-and-forget: publishing never blocks pipeline
// execution and subscriber failures never propagate back to the
// publisher.
package eventbus

import "time"

// =============================================================================
// EVENT TYPES
// =============================================================================

const (
	// EventStageStarted is emitted when a stage invocation begins.
	EventStageStarted = "stage_started"
	// EventStageCompleted is emitted when a stage invocation returns an envelope.
	EventStageCompleted = "stage_completed"
	// EventStageError is emitted when a stage fails at the transport or parse layer.
	EventStageError = "stage_error"

	// EventPipelineStarted is emitted when a new session starts executing.
	EventPipelineStarted = "pipeline_started"
	// EventPipelinePaused is emitted when execution suspends on a pause signal.
	EventPipelinePaused = "pipeline_paused"
	// EventPipelineResumed is emitted when a paused session picks back up.
	EventPipelineResumed = "pipeline_resumed"
	// EventPipelineCompleted is emitted when the final stage signals completion.
	EventPipelineCompleted = "pipeline_completed"
	// EventPipelineFailed is emitted when execution stops on a terminal rejection or error.
	EventPipelineFailed = "pipeline_failed"
	// EventPipelineKilled is emitted when a session is killed between stages.
	EventPipelineKilled = "pipeline_killed"
)

// Event is a single pipeline occurrence. Subscribers receive events by
// value; mutating Data does not affect other subscribers' view only if
// publishers treat published maps as frozen, which they must.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Stage     string         `json:"stage,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

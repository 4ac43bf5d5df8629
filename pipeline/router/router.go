// Package router decides the ordered stage list for a task and drives it
// through the executor, in one of two interchangeable strategies: dynamic
// (a router stage picks the list at runtime) and template (a fixed step
// list with per-step conditions and branch maps).
package router

import (
	"context"
	"fmt"

	"github.com/HishamBS/third-eye-mcp-sub000/eventbus"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/executor"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/storage"
)

// Result is what a pipeline run returns to the caller. A run that pauses
// or fails still returns a well-formed Result; the pipeline never
// propagates a panic or raw error past this boundary.
type Result struct {
	SessionID string                  `json:"session_id"`
	Results   []*envelope.StageResult `json:"results"`
	Completed bool                    `json:"completed"`
	Err       string                  `json:"error,omitempty"`
}

// Executor runs a single stage. Satisfied by *executor.Executor.
type Executor interface {
	Run(ctx context.Context, stageName, input, sessionID string) *envelope.StageResult
}

// Sessions is the session-state surface the router needs. Satisfied by
// the session tracker.
type Sessions interface {
	Ensure(ctx context.Context, sessionID, task string) (*storage.SessionRecord, error)
	Get(ctx context.Context, sessionID string) (*storage.SessionRecord, error)
	// AcquireTrusted marks the session trusted and returns a release func.
	// Release is idempotent.
	AcquireTrusted(ctx context.Context, sessionID string) (func(), error)
	// SavePending persists the pause bookkeeping: the stage to re-enter on
	// resume (empty for a retry pause, where it sits at the front of
	// pending instead), the not-yet-run stage list, and the paused status.
	SavePending(ctx context.Context, sessionID, pausedStage string, pending []string, status storage.Status) error
	SetStatus(ctx context.Context, sessionID string, status storage.Status) error
	// AppendContext appends human input to the session's stored context and
	// returns the accumulated context text.
	AppendContext(ctx context.Context, sessionID, text string) (string, error)
	// History returns the envelopes of the session's successfully completed
	// stage runs, in execution order.
	History(ctx context.Context, sessionID string) ([]*envelope.StageResult, error)
	Killed(sessionID string) bool
}

// Strategy is the shared contract of the two routing modes.
type Strategy interface {
	Run(ctx context.Context, task, sessionID string) *Result
	Resume(ctx context.Context, sessionID, humanInput string) *Result
}

// =============================================================================
// SHARED WALK
// =============================================================================

// runner holds the collaborators both strategies share and implements the
// stage-list walk with pause, rejection, kill, and context-threading
// semantics.
type runner struct {
	executor Executor
	sessions Sessions
	bus      *eventbus.Bus
	logger   executor.Logger
}

func (r *runner) publish(eventType, sessionID, stage string, data map[string]any) {
	r.bus.Publish(eventbus.Event{Type: eventType, SessionID: sessionID, Stage: stage, Data: data})
}

// walk executes stages in order, threading forwarded input between them.
// results already holds any envelopes produced before the walk (the router
// stage's own envelope in dynamic mode). The second return value reports
// whether the walk paused: the trusted flag must survive a pause so the
// resumed walk keeps skipping per-call ordering checks.
func (r *runner) walk(ctx context.Context, sessionID, input string, stages []string,
	results []*envelope.StageResult) (*Result, bool) {

	for i, stage := range stages {
		// A kill observed between steps stops scheduling; in-flight calls
		// are never preempted.
		if r.sessions.Killed(sessionID) {
			r.publish(eventbus.EventPipelineKilled, sessionID, stage, nil)
			return &Result{
				SessionID: sessionID,
				Results:   results,
				Completed: false,
				Err:       "session was killed",
			}, false
		}

		res := r.executor.Run(ctx, stage, input, sessionID)
		results = append(results, res)

		switch res.Outcome() {
		case envelope.OutcomeAwaitingInput:
			// The stage asked a question; on resume it re-runs with the
			// answer. It is tracked as the paused stage, not in pending.
			pending := append([]string{}, stages[i+1:]...)
			if err := r.sessions.SavePending(ctx, sessionID, stage, pending, storage.StatusPausedAwaitingInput); err != nil {
				r.logger.Error("failed to persist pending stages", "session_id", sessionID, "error", err)
			}
			r.publish(eventbus.EventPipelinePaused, sessionID, stage, map[string]any{"reason": "awaiting_input"})
			return &Result{
				SessionID: sessionID,
				Results:   results,
				Completed: false,
				Err:       fmt.Sprintf("stage %s is awaiting human input", stage),
			}, true

		case envelope.OutcomeAwaitingRevision:
			// Re-queue the current stage at the front: it must be retried
			// once the caller supplies revised material.
			pending := append([]string{stage}, stages[i+1:]...)
			if err := r.sessions.SavePending(ctx, sessionID, "", pending, storage.StatusPausedAwaitingRevision); err != nil {
				r.logger.Error("failed to persist pending stages", "session_id", sessionID, "error", err)
			}
			r.publish(eventbus.EventPipelinePaused, sessionID, stage, map[string]any{"reason": "awaiting_revision"})
			return &Result{
				SessionID: sessionID,
				Results:   results,
				Completed: false,
				Err:       fmt.Sprintf("stage %s is awaiting revised material", stage),
			}, true

		case envelope.OutcomeRejected:
			// Terminal rejection - no retry path.
			if err := r.sessions.SetStatus(ctx, sessionID, storage.StatusFailed); err != nil {
				r.logger.Error("failed to mark session failed", "session_id", sessionID, "error", err)
			}
			r.publish(eventbus.EventPipelineFailed, sessionID, stage, map[string]any{"code": res.Code})
			return &Result{
				SessionID: sessionID,
				Results:   results,
				Completed: false,
				Err:       fmt.Sprintf("stage %s rejected: %s", stage, res.Explanation),
			}, false
		}

		// Context threading: a stage may hand the next stage its own input.
		if fwd, ok := res.ForwardInput(); ok {
			input = fwd
		}
	}

	if err := r.sessions.SetStatus(ctx, sessionID, storage.StatusCompleted); err != nil {
		r.logger.Error("failed to mark session completed", "session_id", sessionID, "error", err)
	}
	r.publish(eventbus.EventPipelineCompleted, sessionID, "", nil)
	return &Result{SessionID: sessionID, Results: results, Completed: true}, false
}

// resume re-enters the walk at the paused stage (when one is recorded)
// followed by the pending stages, after appending the human answer to the
// stored context. The returned results include the
// envelopes of stages completed before the pause; those stages are never
// re-executed. skipStage filters a strategy-internal stage (the dynamic
// router stage) out of the replayed history.
func (r *runner) resume(ctx context.Context, sessionID, humanInput, skipStage string) *Result {
	record, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return &Result{SessionID: sessionID, Err: fmt.Sprintf("unknown session: %v", err)}
	}
	if !record.Status.IsPaused() {
		return &Result{
			SessionID: sessionID,
			Err:       fmt.Sprintf("session is %s, only paused sessions can resume", record.Status),
		}
	}

	history, err := r.sessions.History(ctx, sessionID)
	if err != nil {
		r.logger.Error("failed to load session history", "session_id", sessionID, "error", err)
	}
	var results []*envelope.StageResult
	for _, res := range history {
		if skipStage != "" && res.Stage == skipStage {
			continue
		}
		results = append(results, res)
	}

	accumulated, err := r.sessions.AppendContext(ctx, sessionID, humanInput)
	if err != nil {
		return &Result{SessionID: sessionID, Err: fmt.Sprintf("failed to store human input: %v", err)}
	}

	pending := record.PendingStages
	if record.PausedStage != "" {
		// The stage that asked the question runs first, with the answer.
		pending = append([]string{record.PausedStage}, pending...)
	}
	if len(pending) == 0 {
		// Paused with nothing left to run.
		if err := r.sessions.SetStatus(ctx, sessionID, storage.StatusCompleted); err != nil {
			r.logger.Error("failed to mark session completed", "session_id", sessionID, "error", err)
		}
		r.publish(eventbus.EventPipelineCompleted, sessionID, "", nil)
		return &Result{SessionID: sessionID, Results: results, Completed: true}
	}

	release, err := r.sessions.AcquireTrusted(ctx, sessionID)
	if err != nil {
		return &Result{SessionID: sessionID, Err: fmt.Sprintf("failed to mark session trusted: %v", err)}
	}

	if err := r.sessions.SetStatus(ctx, sessionID, storage.StatusActive); err != nil {
		r.logger.Error("failed to mark session active", "session_id", sessionID, "error", err)
	}
	r.publish(eventbus.EventPipelineResumed, sessionID, pending[0], nil)

	input := resumeInput(record.Task, accumulated)
	result, paused := r.walk(ctx, sessionID, input, pending, results)
	if !paused {
		release()
	}
	return result
}

// resumeInput rebuilds the stage input from the original task plus the
// accumulated human-supplied context.
func resumeInput(task, accumulated string) string {
	if accumulated == "" {
		return task
	}
	return task + "\n\nAdditional context:\n" + accumulated
}

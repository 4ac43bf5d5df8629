package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HishamBS/third-eye-mcp-sub000/eventbus"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/executor"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/observability"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/storage"
)

// Condition gates a template step on the previous result's outcome.
type Condition string

const (
	CondAlways          Condition = "always"
	CondIfOK            Condition = "if_ok"
	CondIfRejected      Condition = "if_rejected"
	CondIfAwaitingInput Condition = "if_awaiting_input"
)

// Step is one entry of a fixed template pipeline. Branches maps an
// outcome value (see envelope.Outcome) to the replacement list of
// subsequent stages spliced in when the step produces that outcome.
type Step struct {
	Stage     string
	Condition Condition
	Branches  map[string][]string
}

// Validate checks a step list for holes that would only surface mid-run.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("template requires at least one step")
	}
	for i, step := range steps {
		if step.Stage == "" {
			return fmt.Errorf("template step %d has no stage", i)
		}
		switch step.Condition {
		case CondAlways, CondIfOK, CondIfRejected, CondIfAwaitingInput, "":
		default:
			return fmt.Errorf("template step %d has unknown condition %q", i, step.Condition)
		}
	}
	return nil
}

// Template is the fixed routing strategy: a predefined or caller-supplied
// step list is walked, rewriting the remaining steps when a branch fires.
type Template struct {
	runner
	steps []Step
}

// TemplateOptions configure a Template router.
type TemplateOptions struct {
	Executor Executor
	Sessions Sessions
	Bus      *eventbus.Bus
	Logger   executor.Logger
	Steps    []Step
}

// NewTemplate creates the template strategy.
func NewTemplate(opts TemplateOptions) (*Template, error) {
	if opts.Executor == nil || opts.Sessions == nil {
		return nil, fmt.Errorf("template router requires an executor and a session tracker")
	}
	if err := ValidateSteps(opts.Steps); err != nil {
		return nil, err
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = executor.NopLogger{}
	}
	return &Template{
		runner: runner{
			executor: opts.Executor,
			sessions: opts.Sessions,
			bus:      opts.Bus,
			logger:   opts.Logger,
		},
		steps: opts.Steps,
	}, nil
}

// Run walks the template's step list for the task.
func (t *Template) Run(ctx context.Context, task, sessionID string) *Result {
	start := time.Now()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := t.logger.Bind("session_id", sessionID, "strategy", "template")

	if _, err := t.sessions.Ensure(ctx, sessionID, task); err != nil {
		return t.done(start, &Result{
			SessionID: sessionID,
			Err:       fmt.Sprintf("failed to create session: %v", err),
		})
	}
	t.publish(eventbus.EventPipelineStarted, sessionID, "", nil)

	release, err := t.sessions.AcquireTrusted(ctx, sessionID)
	if err != nil {
		return t.done(start, &Result{
			SessionID: sessionID,
			Err:       fmt.Sprintf("failed to mark session trusted: %v", err),
		})
	}

	// Work on a copy: branch splices rewrite the remaining steps in place.
	steps := append([]Step{}, t.steps...)
	var results []*envelope.StageResult
	input := task
	var prev *envelope.StageResult

	for i := 0; i < len(steps); i++ {
		step := steps[i]
		if !conditionMatches(step.Condition, prev) {
			logger.Debug("template step skipped", "stage", step.Stage, "condition", string(step.Condition))
			continue
		}

		if t.sessions.Killed(sessionID) {
			t.publish(eventbus.EventPipelineKilled, sessionID, step.Stage, nil)
			release()
			return t.done(start, &Result{
				SessionID: sessionID,
				Results:   results,
				Err:       "session was killed",
			})
		}

		res := t.executor.Run(ctx, step.Stage, input, sessionID)
		results = append(results, res)
		prev = res

		switch res.Outcome() {
		case envelope.OutcomeAwaitingInput, envelope.OutcomeAwaitingRevision:
			pending := remainingStages(steps[i+1:])
			pausedStage := step.Stage
			status := storage.StatusPausedAwaitingInput
			reason := "awaiting_input"
			if res.Outcome() == envelope.OutcomeAwaitingRevision {
				pending = append([]string{step.Stage}, pending...)
				pausedStage = ""
				status = storage.StatusPausedAwaitingRevision
				reason = "awaiting_revision"
			}
			if err := t.sessions.SavePending(ctx, sessionID, pausedStage, pending, status); err != nil {
				logger.Error("failed to persist pending stages", "error", err)
			}
			t.publish(eventbus.EventPipelinePaused, sessionID, step.Stage, map[string]any{"reason": reason})
			return t.done(start, &Result{
				SessionID: sessionID,
				Results:   results,
				Err:       fmt.Sprintf("stage %s paused the pipeline (%s)", step.Stage, reason),
			})

		case envelope.OutcomeRejected:
			if branch, ok := step.Branches[string(envelope.OutcomeRejected)]; ok {
				steps = splice(steps, i, branch)
				continue
			}
			if err := t.sessions.SetStatus(ctx, sessionID, storage.StatusFailed); err != nil {
				logger.Error("failed to mark session failed", "error", err)
			}
			t.publish(eventbus.EventPipelineFailed, sessionID, step.Stage, map[string]any{"code": res.Code})
			release()
			return t.done(start, &Result{
				SessionID: sessionID,
				Results:   results,
				Err:       fmt.Sprintf("stage %s rejected: %s", step.Stage, res.Explanation),
			})
		}

		if branch, ok := step.Branches[string(res.Outcome())]; ok {
			steps = splice(steps, i, branch)
		}
		if fwd, ok := res.ForwardInput(); ok {
			input = fwd
		}
	}

	if err := t.sessions.SetStatus(ctx, sessionID, storage.StatusCompleted); err != nil {
		logger.Error("failed to mark session completed", "error", err)
	}
	t.publish(eventbus.EventPipelineCompleted, sessionID, "", nil)
	release()
	return t.done(start, &Result{SessionID: sessionID, Results: results, Completed: true})
}

// Resume continues a paused session, walking the remaining pending stages
// unconditionally (branch decisions were resolved before the pause).
func (t *Template) Resume(ctx context.Context, sessionID, humanInput string) *Result {
	start := time.Now()
	return t.done(start, t.runner.resume(ctx, sessionID, humanInput, ""))
}

func (t *Template) done(start time.Time, result *Result) *Result {
	observability.RecordSessionRun("template", runStatus(result), int(time.Since(start).Milliseconds()))
	return result
}

// conditionMatches reports whether a step may run given the previous
// result. The first executed step sees prev == nil, which only "always"
// (or empty, its default) matches.
func conditionMatches(cond Condition, prev *envelope.StageResult) bool {
	if cond == CondAlways || cond == "" {
		return true
	}
	if prev == nil {
		return false
	}
	switch cond {
	case CondIfOK:
		return prev.Outcome() == envelope.OutcomeOK
	case CondIfRejected:
		return prev.Outcome() == envelope.OutcomeRejected
	case CondIfAwaitingInput:
		return prev.Outcome() == envelope.OutcomeAwaitingInput
	}
	return false
}

// splice replaces the steps after index i with the branch's stage list,
// de-duplicating stages that already ran or that repeat within the branch.
func splice(steps []Step, i int, branch []string) []Step {
	ran := make(map[string]bool, i+1)
	for _, s := range steps[:i+1] {
		ran[s.Stage] = true
	}

	out := append([]Step{}, steps[:i+1]...)
	for _, stage := range branch {
		if ran[stage] {
			continue
		}
		ran[stage] = true
		out = append(out, Step{Stage: stage, Condition: CondAlways})
	}
	return out
}

// remainingStages flattens the not-yet-run steps into a pending stage list.
func remainingStages(steps []Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Stage)
	}
	return out
}

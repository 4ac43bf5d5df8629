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

// Dynamic is the runtime routing strategy: a distinguished router stage is
// itself executed, and its envelope data supplies the ordered stage list.
type Dynamic struct {
	runner
	routerStage string
	maxStages   int
}

// DynamicOptions configure a Dynamic router.
type DynamicOptions struct {
	Executor    Executor
	Sessions    Sessions
	Bus         *eventbus.Bus
	Logger      executor.Logger
	RouterStage string
	// MaxStages caps the stage list the router stage may return. Zero
	// means no cap.
	MaxStages int
}

// NewDynamic creates the dynamic strategy.
func NewDynamic(opts DynamicOptions) (*Dynamic, error) {
	if opts.Executor == nil || opts.Sessions == nil {
		return nil, fmt.Errorf("dynamic router requires an executor and a session tracker")
	}
	if opts.RouterStage == "" {
		return nil, fmt.Errorf("dynamic router requires a router stage name")
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = executor.NopLogger{}
	}
	return &Dynamic{
		runner: runner{
			executor: opts.Executor,
			sessions: opts.Sessions,
			bus:      opts.Bus,
			logger:   opts.Logger,
		},
		routerStage: opts.RouterStage,
		maxStages:   opts.MaxStages,
	}, nil
}

// Run executes the router stage for the task and walks the stage list it
// returns. An absent or empty stage list is a hard routing error, never a
// silent fallback.
func (d *Dynamic) Run(ctx context.Context, task, sessionID string) *Result {
	start := time.Now()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := d.logger.Bind("session_id", sessionID, "strategy", "dynamic")

	if _, err := d.sessions.Ensure(ctx, sessionID, task); err != nil {
		return d.done(start, &Result{
			SessionID: sessionID,
			Err:       fmt.Sprintf("failed to create session: %v", err),
		})
	}
	d.publish(eventbus.EventPipelineStarted, sessionID, d.routerStage, nil)

	routerResult := d.executor.Run(ctx, d.routerStage, task, sessionID)

	// The routing decision itself is not part of the caller-visible
	// results; only the stages it picked are.
	stages, ok := routerResult.StageList()
	if !ok {
		if err := d.sessions.SetStatus(ctx, sessionID, storage.StatusFailed); err != nil {
			logger.Error("failed to mark session failed", "error", err)
		}
		d.publish(eventbus.EventPipelineFailed, sessionID, d.routerStage,
			map[string]any{"code": envelope.CodeRoutingError})
		return d.done(start, &Result{
			SessionID: sessionID,
			Results:   []*envelope.StageResult{routerResult},
			Err:       "router stage produced no stage list",
		})
	}
	if d.maxStages > 0 && len(stages) > d.maxStages {
		stages = stages[:d.maxStages]
		logger.Warn("router stage list truncated", "max_stages", d.maxStages)
	}
	logger.Info("routing decision", "stages", fmt.Sprintf("%v", stages))

	// The router has just validated the order; per-call ordering checks
	// are suppressed while we drive it.
	release, err := d.sessions.AcquireTrusted(ctx, sessionID)
	if err != nil {
		return d.done(start, &Result{
			SessionID: sessionID,
			Err:       fmt.Sprintf("failed to mark session trusted: %v", err),
		})
	}

	result, paused := d.walk(ctx, sessionID, task, stages, nil)
	if !paused {
		release()
	}
	return d.done(start, result)
}

// Resume continues a paused session at the stage that paused (if it was
// awaiting input) followed by the pending stages. Stages completed before
// the pause are replayed into the results, never re-run.
func (d *Dynamic) Resume(ctx context.Context, sessionID, humanInput string) *Result {
	start := time.Now()
	return d.done(start, d.runner.resume(ctx, sessionID, humanInput, d.routerStage))
}

func (d *Dynamic) done(start time.Time, result *Result) *Result {
	observability.RecordSessionRun("dynamic", runStatus(result), int(time.Since(start).Milliseconds()))
	return result
}

// runStatus labels a Result for metrics.
func runStatus(r *Result) string {
	switch {
	case r.Completed:
		return "completed"
	case r.Err == "session was killed":
		return "killed"
	case len(r.Results) > 0 && r.Results[len(r.Results)-1].IsPause():
		return "paused"
	default:
		return "failed"
	}
}

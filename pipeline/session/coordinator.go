package session

import (
	"context"
	"fmt"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/executor"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/order"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/router"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/storage"
)

// Progress is a coarse snapshot of where a session stands, for display.
type Progress struct {
	SessionID       string         `json:"session_id"`
	Status          storage.Status `json:"status"`
	Phase           order.Phase    `json:"phase"`
	CompletedStages []string       `json:"completed_stages"`
	ExpectedNext    []string       `json:"expected_next"`
	PercentComplete int            `json:"percent_complete"`
}

// percentByPhase is the monotonic progress lookup. A completed session
// always reads 100 regardless of phase.
var percentByPhase = map[order.Phase]int{
	order.PhaseInitialization: 10,
	order.PhaseClarification:  30,
	order.PhasePlanning:       50,
	order.PhaseImplementation: 75,
	order.PhaseCompletion:     90,
}

// Coordinator owns the session lifecycle and delegates execution to the
// configured routing strategy.
type Coordinator struct {
	strategy router.Strategy
	tracker  *Tracker
	guard    *order.Guard
	store    storage.Store
	logger   executor.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(strategy router.Strategy, tracker *Tracker, guard *order.Guard,
	store storage.Store, logger executor.Logger) (*Coordinator, error) {
	if strategy == nil || tracker == nil || guard == nil || store == nil {
		return nil, fmt.Errorf("coordinator requires a strategy, tracker, guard, and store")
	}
	if logger == nil {
		logger = executor.NopLogger{}
	}
	return &Coordinator{
		strategy: strategy,
		tracker:  tracker,
		guard:    guard,
		store:    store,
		logger:   logger,
	}, nil
}

// Start runs a new task through the pipeline. sessionID may be empty, in
// which case the strategy mints one.
func (c *Coordinator) Start(ctx context.Context, task, sessionID string) *router.Result {
	result := c.strategy.Run(ctx, task, sessionID)
	c.persistBranchFlag(ctx, result)
	return result
}

// Resume continues a paused session with the human's answer.
func (c *Coordinator) Resume(ctx context.Context, sessionID, humanInput string) *router.Result {
	if err := c.rehydrate(ctx, sessionID); err != nil {
		return &router.Result{SessionID: sessionID, Err: err.Error()}
	}
	result := c.strategy.Resume(ctx, sessionID, humanInput)
	c.persistBranchFlag(ctx, result)
	return result
}

// Kill marks the session failed; no further stages are scheduled once the
// router observes the mark.
func (c *Coordinator) Kill(ctx context.Context, sessionID string) error {
	c.logger.Info("killing session", "session_id", sessionID)
	return c.tracker.Kill(ctx, sessionID)
}

// GetProgress reports the session's phase, history, legal next stages, and
// a coarse percent-complete estimate.
func (c *Coordinator) GetProgress(ctx context.Context, sessionID string) (*Progress, error) {
	record, err := c.tracker.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.rehydrate(ctx, sessionID); err != nil {
		return nil, err
	}

	phase := c.guard.Phase(sessionID)
	percent := percentByPhase[phase]
	if record.Status == storage.StatusCompleted {
		percent = 100
	}

	return &Progress{
		SessionID:       sessionID,
		Status:          record.Status,
		Phase:           phase,
		CompletedStages: c.guard.Completed(sessionID),
		ExpectedNext:    c.guard.ExpectedNext(sessionID),
		PercentComplete: percent,
	}, nil
}

// persistBranchFlag mirrors the branch flag into the durable record the
// first time a stage envelope declares it.
func (c *Coordinator) persistBranchFlag(ctx context.Context, result *router.Result) {
	for _, res := range result.Results {
		if flag, ok := res.BranchFlag(); ok {
			if err := c.tracker.RecordBranch(ctx, result.SessionID, flag); err != nil {
				c.logger.Error("failed to persist branch flag", "session_id", result.SessionID, "error", err)
			}
			return
		}
	}
}

// rehydrate rebuilds the guard's transient phase state from the run-record
// history after a restart. A no-op when the guard already has state or the
// session has no history.
func (c *Coordinator) rehydrate(ctx context.Context, sessionID string) error {
	if len(c.guard.Completed(sessionID)) > 0 {
		return nil
	}

	runs, err := c.store.QuerySessionRuns(ctx, sessionID, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to load run history for %s: %w", sessionID, err)
	}
	if len(runs) == 0 {
		return nil
	}

	var completed []string
	for _, run := range runs {
		if run.Result != nil && run.Result.OK {
			completed = append(completed, run.Stage)
		}
	}
	if len(completed) == 0 {
		return nil
	}

	var codeTask *bool
	if record, err := c.tracker.Get(ctx, sessionID); err == nil && record.BranchSet {
		codeTask = &record.CodeTask
	}

	c.logger.Debug("rehydrating order guard", "session_id", sessionID, "completed", len(completed))
	c.guard.Replay(sessionID, completed, codeTask)
	return nil
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/order"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/registry"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/router"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/storage"
)

type strategyCall struct {
	task       string
	sessionID  string
	humanInput string
}

type fakeStrategy struct {
	runResult    *router.Result
	resumeResult *router.Result
	runs         []strategyCall
	resumes      []strategyCall
}

func (f *fakeStrategy) Run(_ context.Context, task, sessionID string) *router.Result {
	f.runs = append(f.runs, strategyCall{task: task, sessionID: sessionID})
	return f.runResult
}

func (f *fakeStrategy) Resume(_ context.Context, sessionID, humanInput string) *router.Result {
	f.resumes = append(f.resumes, strategyCall{sessionID: sessionID, humanInput: humanInput})
	return f.resumeResult
}

type coordinatorFixture struct {
	coordinator *Coordinator
	strategy    *fakeStrategy
	tracker     *Tracker
	guard       *order.Guard
	store       storage.Store
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	tracker := NewTracker(store)
	guard, err := order.NewGuard(registry.DefaultBlueprint(), tracker)
	require.NoError(t, err)
	strategy := &fakeStrategy{
		runResult:    &router.Result{SessionID: "s1", Completed: true},
		resumeResult: &router.Result{SessionID: "s1", Completed: true},
	}
	coordinator, err := NewCoordinator(strategy, tracker, guard, store, nil)
	require.NoError(t, err)
	return &coordinatorFixture{
		coordinator: coordinator,
		strategy:    strategy,
		tracker:     tracker,
		guard:       guard,
		store:       store,
	}
}

func (f *coordinatorFixture) seedRun(t *testing.T, sessionID, stage string, result *envelope.StageResult) {
	t.Helper()
	require.NoError(t, f.store.InsertRun(context.Background(), &storage.RunRecord{
		ID: stage + "-run", SessionID: sessionID, Stage: stage,
		Result: result, CreatedAt: time.Now().UTC(),
	}))
}

func TestCoordinatorRequiresDeps(t *testing.T) {
	_, err := NewCoordinator(nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestStartDelegatesAndPersistsBranch(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	_, err := fx.tracker.Ensure(ctx, "s1", "task")
	require.NoError(t, err)

	fx.strategy.runResult = &router.Result{
		SessionID: "s1",
		Completed: true,
		Results: []*envelope.StageResult{
			{Stage: "intake", OK: true, Code: envelope.CodeOK,
				Data: map[string]any{envelope.KeyIsCodeTask: true}},
			{Stage: "clarify", OK: true, Code: envelope.CodeOK},
		},
	}

	result := fx.coordinator.Start(ctx, "build the thing", "s1")
	assert.True(t, result.Completed)
	require.Len(t, fx.strategy.runs, 1)
	assert.Equal(t, "build the thing", fx.strategy.runs[0].task)

	record, err := fx.tracker.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, record.BranchSet)
	assert.True(t, record.CodeTask)
}

func TestStartWithoutBranchFlagLeavesRecordAlone(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	_, err := fx.tracker.Ensure(ctx, "s1", "task")
	require.NoError(t, err)

	fx.strategy.runResult = &router.Result{
		SessionID: "s1",
		Results:   []*envelope.StageResult{{Stage: "intake", OK: true, Code: envelope.CodeOK}},
	}

	fx.coordinator.Start(ctx, "task", "s1")
	record, err := fx.tracker.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, record.BranchSet)
}

func TestResumeRehydratesGuardFromHistory(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	_, err := fx.tracker.Ensure(ctx, "s1", "task")
	require.NoError(t, err)
	require.NoError(t, fx.tracker.RecordBranch(ctx, "s1", true))
	fx.seedRun(t, "s1", "intake", &envelope.StageResult{Stage: "intake", OK: true, Code: envelope.CodeOK})
	fx.seedRun(t, "s1", "clarify", &envelope.StageResult{Stage: "clarify", OK: true, Code: envelope.CodeOK})

	// The guard starts empty, as after a process restart.
	assert.Empty(t, fx.guard.Completed("s1"))

	result := fx.coordinator.Resume(ctx, "s1", "use postgres")
	assert.True(t, result.Completed)
	require.Len(t, fx.strategy.resumes, 1)
	assert.Equal(t, "use postgres", fx.strategy.resumes[0].humanInput)

	assert.Equal(t, []string{"intake", "clarify"}, fx.guard.Completed("s1"))
	assert.Equal(t, order.PhaseClarification, fx.guard.Phase("s1"))
}

func TestKillDelegatesToTracker(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	_, err := fx.tracker.Ensure(ctx, "s1", "task")
	require.NoError(t, err)

	require.NoError(t, fx.coordinator.Kill(ctx, "s1"))
	assert.True(t, fx.tracker.Killed("s1"))
	record, err := fx.tracker.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, record.Status)
}

func TestGetProgress(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	_, err := fx.tracker.Ensure(ctx, "s1", "task")
	require.NoError(t, err)
	fx.seedRun(t, "s1", "intake", &envelope.StageResult{Stage: "intake", OK: true, Code: envelope.CodeOK})

	progress, err := fx.coordinator.GetProgress(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", progress.SessionID)
	assert.Equal(t, storage.StatusActive, progress.Status)
	assert.Equal(t, order.PhaseClarification, progress.Phase)
	assert.Equal(t, []string{"intake"}, progress.CompletedStages)
	assert.Contains(t, progress.ExpectedNext, "clarify")
	assert.Equal(t, 30, progress.PercentComplete)
}

func TestGetProgressCompletedReadsFull(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	_, err := fx.tracker.Ensure(ctx, "s1", "task")
	require.NoError(t, err)
	require.NoError(t, fx.tracker.SetStatus(ctx, "s1", storage.StatusCompleted))
	fx.seedRun(t, "s1", "intake", &envelope.StageResult{Stage: "intake", OK: true, Code: envelope.CodeOK})

	progress, err := fx.coordinator.GetProgress(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 100, progress.PercentComplete)
}

func TestGetProgressUnknownSession(t *testing.T) {
	fx := newCoordinatorFixture(t)
	_, err := fx.coordinator.GetProgress(context.Background(), "ghost")
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestRehydrateNoOpWhenGuardHasState(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	_, err := fx.tracker.Ensure(ctx, "s1", "task")
	require.NoError(t, err)

	// Live guard state: intake already recorded in this process.
	fx.guard.Record("s1", "intake", &envelope.StageResult{Stage: "intake", OK: true, Code: envelope.CodeOK})

	// Conflicting durable history must not clobber the live state.
	fx.seedRun(t, "s1", "intake", &envelope.StageResult{Stage: "intake", OK: true, Code: envelope.CodeOK})
	fx.seedRun(t, "s1", "clarify", &envelope.StageResult{Stage: "clarify", OK: true, Code: envelope.CodeOK})

	require.NoError(t, fx.coordinator.rehydrate(ctx, "s1"))
	assert.Equal(t, []string{"intake"}, fx.guard.Completed("s1"))
}

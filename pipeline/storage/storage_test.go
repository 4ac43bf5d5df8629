package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
)

func testRun(sessionID, stage string, n int) *RunRecord {
	return &RunRecord{
		ID:        fmt.Sprintf("run-%s-%d", stage, n),
		SessionID: sessionID,
		Stage:     stage,
		Backend:   "anthropic",
		Model:     "reviewer-large",
		Input:     "review this task",
		Result:    &envelope.StageResult{Stage: stage, OK: true, Code: envelope.CodeOK, Explanation: "fine"},
		TokensIn:  100 + n,
		TokensOut: 50 + n,
		LatencyMS: 1200,
		CreatedAt: time.Now().UTC(),
	}
}

func testSession(id string) *SessionRecord {
	now := time.Now().UTC()
	return &SessionRecord{
		ID:        id,
		Status:    StatusActive,
		Task:      "validate the proposal",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// storeUnderTest runs the same suite against every Store implementation.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestRunsOrderedBySession(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.InsertRun(ctx, testRun("s1", "intake", 1)))
			require.NoError(t, store.InsertRun(ctx, testRun("s1", "clarify", 2)))
			require.NoError(t, store.InsertRun(ctx, testRun("s1", "plan-review", 3)))
			require.NoError(t, store.InsertRun(ctx, testRun("s2", "intake", 4)))

			runs, err := store.QuerySessionRuns(ctx, "s1", 0, 0)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, "intake", runs[0].Stage)
			assert.Equal(t, "clarify", runs[1].Stage)
			assert.Equal(t, "plan-review", runs[2].Stage)
			assert.Equal(t, 101, runs[0].TokensIn)
			require.NotNil(t, runs[0].Result)
			assert.True(t, runs[0].Result.OK)
		})
	}
}

func TestQuerySessionRunsPagination(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, store.InsertRun(ctx, testRun("s1", fmt.Sprintf("stage-%d", i), i)))
			}

			runs, err := store.QuerySessionRuns(ctx, "s1", 2, 1)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "stage-1", runs[0].Stage)
			assert.Equal(t, "stage-2", runs[1].Stage)

			runs, err = store.QuerySessionRuns(ctx, "s1", 10, 4)
			require.NoError(t, err)
			require.Len(t, runs, 1)

			runs, err = store.QuerySessionRuns(ctx, "s1", 10, 99)
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}
}

func TestSessionUpsertAndGet(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.GetSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)

			session := testSession("s1")
			require.NoError(t, store.UpsertSession(ctx, session))

			got, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, StatusActive, got.Status)
			assert.Equal(t, "validate the proposal", got.Task)
			assert.False(t, got.Trusted)
			assert.Nil(t, got.PendingStages)

			// Pause: status, trusted and pending stages must round-trip.
			session.Status = StatusPausedAwaitingRevision
			session.Trusted = true
			session.PausedStage = "clarify"
			session.PendingStages = []string{"plan-review", "code-review"}
			session.Context = "human answer: use postgres"
			session.BranchSet = true
			session.CodeTask = true
			session.UpdatedAt = time.Now().UTC()
			require.NoError(t, store.UpsertSession(ctx, session))

			got, err = store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, StatusPausedAwaitingRevision, got.Status)
			assert.True(t, got.Trusted)
			assert.Equal(t, "clarify", got.PausedStage)
			assert.Equal(t, []string{"plan-review", "code-review"}, got.PendingStages)
			assert.Equal(t, "human answer: use postgres", got.Context)
			assert.True(t, got.CodeTask)
		})
	}
}

func TestSessionCloneIsolation(t *testing.T) {
	session := testSession("s1")
	session.PendingStages = []string{"a", "b"}

	clone := session.Clone()
	clone.PendingStages[0] = "mutated"
	clone.Status = StatusFailed

	assert.Equal(t, "a", session.PendingStages[0])
	assert.Equal(t, StatusActive, session.Status)
}

func TestStatusIsPaused(t *testing.T) {
	assert.True(t, StatusPausedAwaitingInput.IsPaused())
	assert.True(t, StatusPausedAwaitingRevision.IsPaused())
	assert.False(t, StatusActive.IsPaused())
	assert.False(t, StatusCompleted.IsPaused())
}

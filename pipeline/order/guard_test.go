package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/registry"
)

// stubTrust is a TrustSource backed by a plain map.
type stubTrust struct {
	trusted map[string]bool
}

func (s *stubTrust) Trusted(sessionID string) bool { return s.trusted[sessionID] }

func newTestGuard(t *testing.T, trust TrustSource) *Guard {
	t.Helper()
	g, err := NewGuard(registry.DefaultBlueprint(), trust)
	require.NoError(t, err)
	return g
}

func okResult(stage string, data map[string]any) *envelope.StageResult {
	return &envelope.StageResult{Stage: stage, OK: true, Code: envelope.CodeOK, Data: data}
}

// runCodeTrack drives a session through intake, the clarification ladder and
// the plan stage on the code track.
func runCodeTrack(g *Guard, sessionID string) {
	g.Record(sessionID, "intake", okResult("intake", map[string]any{envelope.KeyIsCodeTask: true}))
	g.Record(sessionID, "clarify", okResult("clarify", nil))
	g.Record(sessionID, "confirm-intent", okResult("confirm-intent", nil))
	g.Record(sessionID, "plan-review", okResult("plan-review", nil))
}

func TestFreshSessionOnlyFirstStageLegal(t *testing.T) {
	g := newTestGuard(t, nil)

	assert.Nil(t, g.Check("s1", "intake"))

	v := g.Check("s1", "code-review")
	require.NotNil(t, v)
	assert.Equal(t, []string{"intake"}, v.ExpectedNext)
	assert.Contains(t, v.Detail, "code-review")
	assert.Contains(t, v.Detail, "initialization")
	assert.NotEmpty(t, v.Remediation)
}

func TestRouterStageAlwaysLegal(t *testing.T) {
	g := newTestGuard(t, nil)

	assert.Nil(t, g.Check("s1", "router"))
	runCodeTrack(g, "s1")
	assert.Nil(t, g.Check("s1", "router"))
}

func TestClarificationLadderStrictOrder(t *testing.T) {
	g := newTestGuard(t, nil)
	g.Record("s1", "intake", okResult("intake", map[string]any{envelope.KeyIsCodeTask: true}))

	assert.Equal(t, PhaseClarification, g.Phase("s1"))

	// Second rung is gated on the first.
	require.NotNil(t, g.Check("s1", "confirm-intent"))
	assert.Nil(t, g.Check("s1", "clarify"))

	g.Record("s1", "clarify", okResult("clarify", nil))
	assert.Nil(t, g.Check("s1", "confirm-intent"))
}

func TestBranchForkCodeTrack(t *testing.T) {
	g := newTestGuard(t, nil)
	g.Record("s1", "intake", okResult("intake", map[string]any{envelope.KeyIsCodeTask: true}))
	g.Record("s1", "clarify", okResult("clarify", nil))
	g.Record("s1", "confirm-intent", okResult("confirm-intent", nil))

	assert.Equal(t, PhasePlanning, g.Phase("s1"))

	// Code track: plan-review gates code-review, text stages are forbidden.
	assert.Nil(t, g.Check("s1", "plan-review"))
	assert.NotNil(t, g.Check("s1", "code-review"))
	assert.NotNil(t, g.Check("s1", "draft-review"))
	assert.NotNil(t, g.Check("s1", "evidence-check"))

	g.Record("s1", "plan-review", okResult("plan-review", nil))
	assert.Equal(t, PhaseImplementation, g.Phase("s1"))
	assert.Nil(t, g.Check("s1", "code-review"))
	assert.NotNil(t, g.Check("s1", "draft-review"))
}

func TestBranchForkTextTrack(t *testing.T) {
	g := newTestGuard(t, nil)
	g.Record("s1", "intake", okResult("intake", map[string]any{envelope.KeyIsCodeTask: false}))
	g.Record("s1", "clarify", okResult("clarify", nil))
	g.Record("s1", "confirm-intent", okResult("confirm-intent", nil))

	// Text track: either text stage may run, code track is forbidden.
	assert.Nil(t, g.Check("s1", "draft-review"))
	assert.Nil(t, g.Check("s1", "evidence-check"))
	assert.NotNil(t, g.Check("s1", "plan-review"))
	assert.NotNil(t, g.Check("s1", "code-review"))
}

func TestBranchFlagSetOnceNeverReset(t *testing.T) {
	g := newTestGuard(t, nil)
	g.Record("s1", "intake", okResult("intake", map[string]any{envelope.KeyIsCodeTask: true}))

	// A later intake result cannot flip the branch.
	g.Record("s1", "intake", okResult("intake", map[string]any{envelope.KeyIsCodeTask: false}))
	g.Record("s1", "clarify", okResult("clarify", nil))
	g.Record("s1", "confirm-intent", okResult("confirm-intent", nil))

	assert.Nil(t, g.Check("s1", "plan-review"))
	assert.NotNil(t, g.Check("s1", "draft-review"))
}

func TestCompletionPhaseOnlyFinalStage(t *testing.T) {
	g := newTestGuard(t, nil)
	runCodeTrack(g, "s1")
	g.Record("s1", "code-review", okResult("code-review", nil))

	// Five stages completed, minimum reached.
	assert.Equal(t, PhaseCompletion, g.Phase("s1"))
	assert.Nil(t, g.Check("s1", "final-approval"))
	assert.NotNil(t, g.Check("s1", "code-review"))
	assert.Equal(t, []string{"final-approval"}, g.ExpectedNext("s1"))
}

func TestPhaseMonotonicity(t *testing.T) {
	g := newTestGuard(t, nil)

	var ranks []int
	record := func(stage string, data map[string]any) {
		g.Record("s1", stage, okResult(stage, data))
		ranks = append(ranks, phaseRank[g.Phase("s1")])
	}

	record("intake", map[string]any{envelope.KeyIsCodeTask: true})
	record("clarify", nil)
	record("confirm-intent", nil)
	record("plan-review", nil)
	// Re-recording an earlier stage must not regress the phase.
	record("intake", nil)
	record("code-review", nil)

	for i := 1; i < len(ranks); i++ {
		assert.GreaterOrEqual(t, ranks[i], ranks[i-1], "phase regressed at step %d", i)
	}
}

func TestOrderInvariant(t *testing.T) {
	// The guard never legalizes a stage whose required predecessor is absent
	// from the completed set, except under trust.
	g := newTestGuard(t, nil)
	g.Record("s1", "intake", okResult("intake", map[string]any{envelope.KeyIsCodeTask: true}))
	g.Record("s1", "clarify", okResult("clarify", nil))
	g.Record("s1", "confirm-intent", okResult("confirm-intent", nil))

	// code-review requires plan-review first.
	v := g.Check("s1", "code-review")
	require.NotNil(t, v)
	assert.Equal(t, []string{"plan-review"}, v.ExpectedNext)
}

func TestTrustedExemption(t *testing.T) {
	trust := &stubTrust{trusted: map[string]bool{}}
	g := newTestGuard(t, trust)

	// Illegal without trust.
	require.NotNil(t, g.Check("s1", "final-approval"))

	// Every stage passes while trusted, including otherwise illegal ones.
	trust.trusted["s1"] = true
	assert.Nil(t, g.Check("s1", "final-approval"))
	assert.Nil(t, g.Check("s1", "code-review"))
	assert.Nil(t, g.Check("s1", "draft-review"))

	// Immediately after trust is cleared the same call is rejected again.
	trust.trusted["s1"] = false
	assert.NotNil(t, g.Check("s1", "final-approval"))
}

func TestReplayReconstructsState(t *testing.T) {
	g := newTestGuard(t, nil)
	runCodeTrack(g, "s1")
	wantPhase := g.Phase("s1")
	wantNext := g.ExpectedNext("s1")
	completed := g.Completed("s1")

	// Simulate a restart: fresh guard, replay from run history.
	g2 := newTestGuard(t, nil)
	g2.Replay("s1", completed, nil)

	assert.Equal(t, wantPhase, g2.Phase("s1"))
	assert.Equal(t, wantNext, g2.ExpectedNext("s1"))
	assert.Equal(t, completed, g2.Completed("s1"))
}

func TestReplayInfersBranchFromStages(t *testing.T) {
	g := newTestGuard(t, nil)
	g.Replay("s1", []string{"intake", "clarify", "confirm-intent", "plan-review"}, nil)

	// plan-review in the history implies the code track.
	assert.Nil(t, g.Check("s1", "code-review"))
	assert.NotNil(t, g.Check("s1", "draft-review"))
}

func TestForget(t *testing.T) {
	g := newTestGuard(t, nil)
	runCodeTrack(g, "s1")
	g.Forget("s1")

	assert.Equal(t, PhaseInitialization, g.Phase("s1"))
	assert.Nil(t, g.Completed("s1"))
}

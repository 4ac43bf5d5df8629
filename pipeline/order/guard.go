// Package order provides the OrderGuard - the per-session finite-state
// machine that decides which stage names may legally execute next.
//
// The guard holds only transient phase state, keyed by session id. It can be
// reconstructed at any time by replaying the completed stages from the run
// record history, so losing it on restart is acceptable.
package order

import (
	"fmt"
	"strings"
	"sync"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/registry"
)

// Phase is the coarse lifecycle position of a session. Transitions are
// strictly monotonic; a phase never regresses.
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseClarification  Phase = "clarification"
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
	PhaseCompletion     Phase = "completion"
)

var phaseRank = map[Phase]int{
	PhaseInitialization: 0,
	PhaseClarification:  1,
	PhasePlanning:       2,
	PhaseImplementation: 3,
	PhaseCompletion:     4,
}

// Violation describes an illegal stage call. Its contents are for internal
// logs only and must never be surfaced verbatim to an external caller; the
// executor wraps violations in a generic non-leaking envelope.
type Violation struct {
	Detail       string
	ExpectedNext []string
	Remediation  string
}

// TrustSource reports whether a session is currently trusted. While the
// Router drives a pre-validated order it marks the session trusted, which
// suppresses per-call checks entirely.
type TrustSource interface {
	Trusted(sessionID string) bool
}

type sessionState struct {
	phase     Phase
	completed []string // insertion order, for diagnostics
	done      map[string]bool
	branchSet bool
	codeTask  bool
}

func newSessionState() *sessionState {
	return &sessionState{
		phase: PhaseInitialization,
		done:  make(map[string]bool),
	}
}

// Guard enforces stage ordering for all sessions.
type Guard struct {
	blueprint *registry.Blueprint
	trust     TrustSource

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewGuard creates a Guard for the given topology. trust may be nil, in which
// case no session is ever trusted.
func NewGuard(blueprint *registry.Blueprint, trust TrustSource) (*Guard, error) {
	if err := blueprint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blueprint: %w", err)
	}
	return &Guard{
		blueprint: blueprint,
		trust:     trust,
		sessions:  make(map[string]*sessionState),
	}, nil
}

// Check returns nil when stageName may legally run next for the session.
// The check is skipped entirely (always nil) while the session is trusted.
// The router stage is legal in every phase - it is the pipeline entry point.
func (g *Guard) Check(sessionID, stageName string) *Violation {
	if g.trust != nil && g.trust.Trusted(sessionID) {
		return nil
	}
	if stageName == g.blueprint.RouterStage {
		return nil
	}

	g.mu.RLock()
	state, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if !ok {
		state = newSessionState()
	}

	expected := g.expectedNext(state)
	for _, name := range expected {
		if name == stageName {
			return nil
		}
	}

	return &Violation{
		Detail: fmt.Sprintf("stage %q is not legal in phase %s for session %s (completed: [%s])",
			stageName, state.phase, sessionID, strings.Join(state.completed, ", ")),
		ExpectedNext: expected,
		Remediation:  fmt.Sprintf("run one of [%s] first, or start from the router stage", strings.Join(expected, ", ")),
	}
}

// Record marks a stage completed for the session, sets the branch flag from
// the first substantive stage's data (once, never reset), and advances the
// phase when a gate is crossed.
func (g *Guard) Record(sessionID, stageName string, result *envelope.StageResult) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.sessions[sessionID]
	if !ok {
		state = newSessionState()
		g.sessions[sessionID] = state
	}

	if !state.done[stageName] {
		state.done[stageName] = true
		state.completed = append(state.completed, stageName)
	}

	if stageName == g.blueprint.FirstStage && !state.branchSet && result != nil {
		if flag, ok := result.BranchFlag(); ok {
			state.codeTask = flag
			state.branchSet = true
		}
	}

	g.advance(state, stageName)
}

// ExpectedNext returns the stage names legal next for the session, excluding
// the always-legal router stage.
func (g *Guard) ExpectedNext(sessionID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	state, ok := g.sessions[sessionID]
	if !ok {
		state = newSessionState()
	}
	return g.expectedNext(state)
}

// Phase returns the session's current phase.
func (g *Guard) Phase(sessionID string) Phase {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if state, ok := g.sessions[sessionID]; ok {
		return state.phase
	}
	return PhaseInitialization
}

// Completed returns the stages completed so far, in execution order.
func (g *Guard) Completed(sessionID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	state, ok := g.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, len(state.completed))
	copy(out, state.completed)
	return out
}

// Replay reconstructs a session's phase state from its run-record history.
// codeTask may be nil when the branch flag is unknown, in which case it is
// inferred from the presence of code-track stages in the completed list.
func (g *Guard) Replay(sessionID string, completedStages []string, codeTask *bool) {
	g.mu.Lock()
	state := newSessionState()
	g.sessions[sessionID] = state

	if codeTask != nil {
		state.codeTask = *codeTask
		state.branchSet = true
	} else {
		for _, name := range completedStages {
			if g.blueprint.IsCodeTrackStage(name) {
				state.codeTask = true
				state.branchSet = true
				break
			}
		}
	}

	for _, name := range completedStages {
		if !state.done[name] {
			state.done[name] = true
			state.completed = append(state.completed, name)
		}
		g.advance(state, name)
	}
	g.mu.Unlock()
}

// Forget drops a session's transient state.
func (g *Guard) Forget(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

// =============================================================================
// Internal FSM
// =============================================================================

// expectedNext computes the legal stages for the session's current phase.
// Caller must hold at least a read lock, or own the state exclusively.
func (g *Guard) expectedNext(state *sessionState) []string {
	b := g.blueprint

	switch state.phase {
	case PhaseInitialization:
		return []string{b.FirstStage}

	case PhaseClarification:
		// Strict ladder: the first uncompleted rung is the only legal stage.
		for _, rung := range b.ClarificationLadder {
			if !state.done[rung] {
				return []string{rung}
			}
		}
		return nil // gate crossing is handled in advance()

	case PhasePlanning, PhaseImplementation:
		if state.branchSet && state.codeTask {
			// Code track: plan review gates implementation review.
			if !state.done[b.PlanStage] {
				return []string{b.PlanStage}
			}
			return []string{b.ImplementationReview}
		}
		// Text track: any uncompleted text-track stage.
		var next []string
		for _, name := range b.TextTrackStages {
			if !state.done[name] {
				next = append(next, name)
			}
		}
		return next

	case PhaseCompletion:
		return []string{b.FinalStage}
	}

	return nil
}

// advance moves the phase forward when the completed stage crosses a gate.
// Transitions are strictly monotonic.
func (g *Guard) advance(state *sessionState, stageName string) {
	b := g.blueprint

	if stageName == b.FirstStage {
		g.advanceTo(state, PhaseClarification)
	}

	if stageName == b.ClarificationLadder[len(b.ClarificationLadder)-1] {
		g.advanceTo(state, PhasePlanning)
	}

	// The track's gating stage moves planning to implementation.
	if state.branchSet && state.codeTask {
		if stageName == b.PlanStage {
			g.advanceTo(state, PhaseImplementation)
		}
	} else if b.IsTextTrackStage(stageName) {
		g.advanceTo(state, PhaseImplementation)
	}

	if phaseRank[state.phase] >= phaseRank[PhasePlanning] &&
		len(state.completed) >= b.MinStagesBeforeCompletion {
		g.advanceTo(state, PhaseCompletion)
	}
}

func (g *Guard) advanceTo(state *sessionState, target Phase) {
	if phaseRank[target] > phaseRank[state.phase] {
		state.phase = target
	}
}

package registry

import "fmt"

// Blueprint is the ordering topology the OrderGuard enforces: which stage
// opens a session, the clarification ladder, the per-track review stages, and
// the final approval stage.
type Blueprint struct {
	// RouterStage is always legal regardless of phase (pipeline entry point).
	RouterStage string `json:"router_stage"`

	// FirstStage is the only legal stage in the initialization phase. Its
	// result supplies the branch flag.
	FirstStage string `json:"first_stage"`

	// ClarificationLadder runs in strict order during the clarification
	// phase; each rung is gated on the previous one having completed.
	ClarificationLadder []string `json:"clarification_ladder"`

	// PlanStage must complete before ImplementationReview may run (code track).
	PlanStage string `json:"plan_stage"`

	// ImplementationReview is the code-track review stage.
	ImplementationReview string `json:"implementation_review"`

	// TextTrackStages are legal only when the branch flag marks a text task.
	TextTrackStages []string `json:"text_track_stages"`

	// FinalStage is the only legal stage in the completion phase.
	FinalStage string `json:"final_stage"`

	// MinStagesBeforeCompletion is the number of completed stages required
	// before the phase advances to completion.
	MinStagesBeforeCompletion int `json:"min_stages_before_completion"`
}

// DefaultBlueprint returns the standard validation pipeline topology.
func DefaultBlueprint() *Blueprint {
	return &Blueprint{
		RouterStage:               "router",
		FirstStage:                "intake",
		ClarificationLadder:       []string{"clarify", "confirm-intent"},
		PlanStage:                 "plan-review",
		ImplementationReview:      "code-review",
		TextTrackStages:           []string{"draft-review", "evidence-check"},
		FinalStage:                "final-approval",
		MinStagesBeforeCompletion: 5,
	}
}

// Validate checks the blueprint names a complete topology.
func (b *Blueprint) Validate() error {
	switch {
	case b.RouterStage == "":
		return fmt.Errorf("Blueprint.RouterStage is required")
	case b.FirstStage == "":
		return fmt.Errorf("Blueprint.FirstStage is required")
	case len(b.ClarificationLadder) == 0:
		return fmt.Errorf("Blueprint.ClarificationLadder must name at least one stage")
	case b.PlanStage == "":
		return fmt.Errorf("Blueprint.PlanStage is required")
	case b.ImplementationReview == "":
		return fmt.Errorf("Blueprint.ImplementationReview is required")
	case b.FinalStage == "":
		return fmt.Errorf("Blueprint.FinalStage is required")
	}
	if b.MinStagesBeforeCompletion <= 0 {
		return fmt.Errorf("Blueprint.MinStagesBeforeCompletion must be positive")
	}
	return nil
}

// CodeTrackStages returns the stages legal on the code track during
// planning/implementation.
func (b *Blueprint) CodeTrackStages() []string {
	return []string{b.PlanStage, b.ImplementationReview}
}

// IsTextTrackStage reports whether a stage belongs to the text track.
func (b *Blueprint) IsTextTrackStage(name string) bool {
	for _, s := range b.TextTrackStages {
		if s == name {
			return true
		}
	}
	return false
}

// IsCodeTrackStage reports whether a stage belongs to the code track.
func (b *Blueprint) IsCodeTrackStage(name string) bool {
	return name == b.PlanStage || name == b.ImplementationReview
}

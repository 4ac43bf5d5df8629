// Package envelope defines the StageResult - the structured contract every
// stage invocation must return.
//
// Every backend response is parsed into a StageResult before anything else in
// the pipeline sees it. Failures are StageResults too: the executor converts
// every error category into a failure envelope rather than propagating an
// error past the component boundary.
package envelope

import (
	"fmt"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/typeutil"
)

// =============================================================================
// Control Signals
// =============================================================================

// Control signals a stage may return in the `control` slot. Anything else is
// interpreted as a next-stage hint (a stage name).
const (
	ControlAwaitInput    = "AWAIT_INPUT"    // pause, solicit a human answer
	ControlAwaitRevision = "AWAIT_REVISION" // pause, same stage retried after revision
	ControlComplete      = "COMPLETE"       // pipeline may finish
	ControlStop          = "STOP"           // hard stop
)

// Well-known keys in StageResult.Data.
const (
	KeyStages     = "stages"       // []string - ordered stage list (router stage output)
	KeyRationale  = "rationale"    // string - router stage reasoning
	KeyNextInput  = "next_input"   // string - forwarded input for the next stage
	KeyIsCodeTask = "is_code_task" // bool - branch flag, set by the first substantive stage
)

// Failure codes, one per error category.
const (
	CodeOK              = "OK"
	CodeConfigError     = "CONFIG_ERROR"
	CodeCredentialError = "CREDENTIAL_ERROR"
	CodeTransportError  = "TRANSPORT_ERROR"
	CodeParseError      = "PARSE_ERROR"
	CodeValidationError = "VALIDATION_ERROR"
	CodeNeedMoreContext = "NEED_MORE_CONTEXT" // generic ordering rejection, detail stays internal
	CodeRoutingError    = "ROUTING_ERROR"
	CodeExecutionError  = "EXECUTION_ERROR"
	CodeRejected        = "REJECTED"
)

// =============================================================================
// StageResult
// =============================================================================

// StageResult is the envelope: the mandatory structured result of one stage
// invocation for one session.
type StageResult struct {
	Stage       string         `json:"stage"`
	OK          bool           `json:"ok"`
	Code        string         `json:"code"`
	Explanation string         `json:"explanation"`
	Data        map[string]any `json:"data,omitempty"`
	Control     string         `json:"control,omitempty"`
}

// Outcome classifies a StageResult for routing decisions. Template-mode step
// conditions match against these values.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeRejected         Outcome = "rejected"
	OutcomeAwaitingInput    Outcome = "awaiting_input"
	OutcomeAwaitingRevision Outcome = "awaiting_revision"
)

// Outcome returns the classification of this result. Pause controls take
// precedence over the ok flag; a falsy result with no recognized control
// signal is a terminal rejection.
func (r *StageResult) Outcome() Outcome {
	switch r.Control {
	case ControlAwaitInput:
		return OutcomeAwaitingInput
	case ControlAwaitRevision:
		return OutcomeAwaitingRevision
	}
	if r.OK {
		return OutcomeOK
	}
	return OutcomeRejected
}

// IsPause reports whether this result requires external action before the
// pipeline can continue.
func (r *StageResult) IsPause() bool {
	o := r.Outcome()
	return o == OutcomeAwaitingInput || o == OutcomeAwaitingRevision
}

// StageList extracts the ordered stage list a router stage supplies in its
// data payload. Returns false when absent or empty.
func (r *StageResult) StageList() ([]string, bool) {
	if r.Data == nil {
		return nil, false
	}
	stages, ok := typeutil.SafeStringSlice(r.Data[KeyStages])
	if !ok || len(stages) == 0 {
		return nil, false
	}
	return stages, true
}

// ForwardInput returns the forwarding text for the next stage, if the stage
// supplied one (context threading).
func (r *StageResult) ForwardInput() (string, bool) {
	if r.Data == nil {
		return "", false
	}
	s, ok := typeutil.SafeString(r.Data[KeyNextInput])
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// BranchFlag returns the is_code_task flag if the stage declared one.
func (r *StageResult) BranchFlag() (bool, bool) {
	if r.Data == nil {
		return false, false
	}
	return typeutil.SafeBool(r.Data[KeyIsCodeTask])
}

// =============================================================================
// Failure Constructors
// =============================================================================

// ConfigFailure reports missing routing or template configuration for a stage.
func ConfigFailure(stage, detail string) *StageResult {
	return failure(stage, CodeConfigError, detail)
}

// CredentialFailure reports a missing secret for a backend that requires one.
func CredentialFailure(stage, backend string) *StageResult {
	return failure(stage, CodeCredentialError,
		fmt.Sprintf("no credential available for backend %q", backend))
}

// TransportFailure reports an unreachable or timed-out backend.
func TransportFailure(stage, detail string) *StageResult {
	return failure(stage, CodeTransportError, detail)
}

// ParseFailure reports a backend response that could not be parsed as an
// envelope, even after fenced-block extraction.
func ParseFailure(stage, detail string) *StageResult {
	return failure(stage, CodeParseError, detail)
}

// ValidationFailure reports an envelope that parsed but does not match the
// stage's expected shape.
func ValidationFailure(stage, detail string) *StageResult {
	return failure(stage, CodeValidationError, detail)
}

// OrderingFailure is the generic envelope returned on an ordering violation.
// The real violation detail is never placed here; it goes to internal logs
// only, so stage topology cannot leak to a calling agent.
func OrderingFailure() *StageResult {
	return &StageResult{
		OK:          false,
		Code:        CodeNeedMoreContext,
		Explanation: "more context is required before this operation can run",
	}
}

// RoutingFailure reports a dynamic router run that produced no valid stage list.
func RoutingFailure(stage, detail string) *StageResult {
	return failure(stage, CodeRoutingError, detail)
}

// ExecutionFailure reports an unexpected execution error. When a fallback
// backend also failed, primaryDetail preserves the primary failure so it is
// not masked by the fallback's error.
func ExecutionFailure(stage, detail, primaryDetail string) *StageResult {
	r := failure(stage, CodeExecutionError, detail)
	if primaryDetail != "" {
		r.Data = map[string]any{"primary_failure": primaryDetail}
	}
	return r
}

func failure(stage, code, detail string) *StageResult {
	return &StageResult{
		Stage:       stage,
		OK:          false,
		Code:        code,
		Explanation: detail,
	}
}

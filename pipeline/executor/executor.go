// Package executor provides the StageExecutor - it runs exactly one stage
// for one session: resolves routing, retrieves credentials, calls the
// backend, parses and validates the structured result, updates the order
// guard, persists the run, and emits events.
//
// Run never returns an error. Every failure category becomes a failure
// envelope, and every invocation writes exactly one run record, success
// or failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HishamBS/third-eye-mcp-sub000/eventbus"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/backend"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/observability"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/order"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/registry"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/storage"
)

var tracer = otel.Tracer("pipeline/executor")

// Sessions creates session records on first use. Implemented by the
// session tracker; kept as an interface here so the executor does not
// depend on the session package.
type Sessions interface {
	Ensure(ctx context.Context, sessionID, task string) (*storage.SessionRecord, error)
}

// credentialPolicy is optionally implemented by backend clients that know
// which backends can proceed without a credential.
type credentialPolicy interface {
	RequiresCredential(backendID string) bool
}

// Deps are the executor's collaborators. Registry, Guard, Backends,
// Store, and Sessions are required.
type Deps struct {
	Registry *registry.Registry
	Routing  registry.RoutingProvider // defaults to Registry
	Guard    *order.Guard
	Backends backend.Client
	Creds    backend.CredentialProvider
	Store    storage.Store
	Bus      *eventbus.Bus
	Sessions Sessions
	Logger   Logger
}

// Executor runs single stages.
type Executor struct {
	registry *registry.Registry
	routing  registry.RoutingProvider
	guard    *order.Guard
	backends backend.Client
	creds    backend.CredentialProvider
	store    storage.Store
	bus      *eventbus.Bus
	sessions Sessions
	logger   Logger
}

// New creates an Executor.
func New(deps Deps) (*Executor, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("executor requires a stage registry")
	case deps.Guard == nil:
		return nil, fmt.Errorf("executor requires an order guard")
	case deps.Backends == nil:
		return nil, fmt.Errorf("executor requires a backend client")
	case deps.Store == nil:
		return nil, fmt.Errorf("executor requires a store")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("executor requires a session tracker")
	}
	if deps.Routing == nil {
		deps.Routing = deps.Registry
	}
	if deps.Logger == nil {
		deps.Logger = NopLogger{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.NewBus()
	}
	return &Executor{
		registry: deps.Registry,
		routing:  deps.Routing,
		guard:    deps.Guard,
		backends: deps.Backends,
		creds:    deps.Creds,
		store:    deps.Store,
		bus:      deps.Bus,
		sessions: deps.Sessions,
		logger:   deps.Logger,
	}, nil
}

// attempt is the result of running steps 4-7 against one backend.
type attempt struct {
	result    *envelope.StageResult // nil on failure
	failure   *envelope.StageResult // category failure envelope, nil on success
	tokensIn  int
	tokensOut int
}

// Run executes one stage for one session and returns its envelope.
// All failures come back as failure envelopes; Run never panics the
// caller and never returns a Go error.
func (e *Executor) Run(ctx context.Context, stageName, input, sessionID string) *envelope.StageResult {
	ctx, span := tracer.Start(ctx, "stage.run", trace.WithAttributes(
		attribute.String("pipeline.stage", stageName),
		attribute.String("pipeline.session_id", sessionID),
	))
	defer span.End()

	start := time.Now()
	logger := e.logger.Bind("stage", stageName, "session_id", sessionID)

	e.publish(eventbus.EventStageStarted, sessionID, stageName, nil)

	if _, err := e.sessions.Ensure(ctx, sessionID, input); err != nil {
		logger.Error("failed to ensure session", "error", err)
		result := envelope.ExecutionFailure(stageName, fmt.Sprintf("session setup failed: %v", err), "")
		return e.finish(ctx, span, logger, start, sessionID, stageName, input, "", "", 0, 0, result)
	}

	// Ordering check. Violation detail stays in internal logs; the caller
	// sees only the generic envelope.
	if v := e.guard.Check(sessionID, stageName); v != nil {
		logger.Warn("stage ordering violation",
			"detail", v.Detail,
			"expected_next", strings.Join(v.ExpectedNext, ","),
			"remediation", v.Remediation)
		observability.RecordOrderingViolation(stageName)
		return e.finish(ctx, span, logger, start, sessionID, stageName, input, "", "", 0, 0, envelope.OrderingFailure())
	}

	spec := e.registry.Get(stageName)
	if spec == nil {
		result := envelope.ConfigFailure(stageName, fmt.Sprintf("no definition for stage %q", stageName))
		return e.finish(ctx, span, logger, start, sessionID, stageName, input, "", "", 0, 0, result)
	}
	routing, err := e.routing.DefaultRouting(stageName)
	if err != nil {
		result := envelope.ConfigFailure(stageName, fmt.Sprintf("no routing for stage %q: %v", stageName, err))
		return e.finish(ctx, span, logger, start, sessionID, stageName, input, "", "", 0, 0, result)
	}

	usedBackend, usedModel := routing.PrimaryBackend, routing.PrimaryModel
	primary := e.attempt(ctx, spec, usedBackend, usedModel, input)

	final := primary
	if primary.failure != nil && routing.HasFallback() {
		logger.Warn("primary backend failed, retrying on fallback",
			"primary_backend", routing.PrimaryBackend,
			"fallback_backend", routing.FallbackBackend,
			"primary_failure", primary.failure.Explanation)

		fallback := e.attempt(ctx, spec, routing.FallbackBackend, routing.FallbackModel, input)
		usedBackend, usedModel = routing.FallbackBackend, routing.FallbackModel

		if fallback.failure != nil {
			// The primary failure must not be masked by the fallback's.
			observability.RecordBackendFallback(stageName, "error")
			fallback.failure = envelope.ExecutionFailure(stageName,
				fallback.failure.Explanation, primary.failure.Explanation)
		} else {
			observability.RecordBackendFallback(stageName, "success")
		}
		final = fallback
	}

	if final.failure != nil {
		return e.finish(ctx, span, logger, start, sessionID, stageName, input, usedBackend, usedModel,
			final.tokensIn, final.tokensOut, final.failure)
	}

	e.guard.Record(sessionID, stageName, final.result)
	return e.finish(ctx, span, logger, start, sessionID, stageName, input, usedBackend, usedModel,
		final.tokensIn, final.tokensOut, final.result)
}

// attempt runs credential resolution, the backend call, parsing, and
// shape validation against a single backend.
func (e *Executor) attempt(ctx context.Context, spec *registry.StageSpec, backendID, model, input string) attempt {
	var cred string
	if e.creds != nil {
		cred, _ = e.creds.Credential(backendID)
	}
	if cred == "" {
		if policy, ok := e.backends.(credentialPolicy); ok && policy.RequiresCredential(backendID) {
			return attempt{failure: envelope.CredentialFailure(spec.Name, backendID)}
		}
	}

	callStart := time.Now()
	completion, err := e.backends.Complete(ctx, backendID, model, spec.Template, input, backend.Options{
		ForceJSON:  true,
		Credential: cred,
	})
	callMS := int(time.Since(callStart).Milliseconds())
	if err != nil {
		observability.RecordBackendCall(backendID, model, "error", callMS)
		var unknown *backend.ErrUnknownBackend
		if errors.As(err, &unknown) {
			return attempt{failure: envelope.ConfigFailure(spec.Name, err.Error())}
		}
		return attempt{failure: envelope.TransportFailure(spec.Name, err.Error())}
	}
	observability.RecordBackendCall(backendID, model, "success", callMS)

	// Token counts are taken verbatim from the backend's accounting; they
	// stay zero when the backend reports none.
	out := attempt{tokensIn: completion.TokensIn, tokensOut: completion.TokensOut}

	result, err := envelope.Parse(completion.Text)
	if err != nil {
		out.failure = envelope.ParseFailure(spec.Name, err.Error())
		return out
	}
	if result.Stage == "" {
		result.Stage = spec.Name
	}

	if detail := validate(spec, result); detail != "" {
		out.failure = envelope.ValidationFailure(spec.Name, detail)
		return out
	}

	out.result = result
	return out
}

// validate checks the parsed envelope against the stage's expected shape.
// Returns a detail string on mismatch, empty when valid.
func validate(spec *registry.StageSpec, result *envelope.StageResult) string {
	if result.Stage != spec.Name {
		return fmt.Sprintf("envelope names stage %q, expected %q", result.Stage, spec.Name)
	}
	if !spec.AllowsCode(result.Code) {
		return fmt.Sprintf("code %q is not allowed for stage %q (allowed: [%s])",
			result.Code, spec.Name, strings.Join(spec.AllowedCodes, ", "))
	}
	for _, field := range spec.RequiredDataFields {
		if result.Data == nil {
			return fmt.Sprintf("missing required data field %q", field)
		}
		if _, ok := result.Data[field]; !ok {
			return fmt.Sprintf("missing required data field %q", field)
		}
	}
	return ""
}

// finish persists the single run record for this invocation, records
// metrics, closes out the span, and emits the terminal event.
// The run record always carries the real stage name, even when the
// returned envelope withholds it (ordering violations).
func (e *Executor) finish(ctx context.Context, span trace.Span, logger Logger, start time.Time,
	sessionID, stageName, input, backendID, model string, tokensIn, tokensOut int,
	result *envelope.StageResult) *envelope.StageResult {

	durationMS := int(time.Since(start).Milliseconds())

	record := &storage.RunRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Stage:     stageName,
		Backend:   backendID,
		Model:     model,
		Input:     input,
		Result:    result,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		LatencyMS: durationMS,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.InsertRun(ctx, record); err != nil {
		logger.Error("failed to persist run record", "error", err, "run_id", record.ID)
	}

	outcome := metricOutcome(result)
	observability.RecordStageExecution(stageName, outcome, durationMS)
	span.SetAttributes(
		attribute.String("pipeline.outcome", outcome),
		attribute.String("pipeline.code", result.Code),
		attribute.Int("duration_ms", durationMS),
	)

	if outcome == "error" {
		span.SetStatus(codes.Error, result.Explanation)
		logger.Warn("stage failed", "code", result.Code, "explanation", result.Explanation)
		e.publish(eventbus.EventStageError, sessionID, stageName, map[string]any{
			"code": result.Code,
		})
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("stage completed", "code", result.Code, "ok", result.OK, "control", result.Control)
		e.publish(eventbus.EventStageCompleted, sessionID, stageName, map[string]any{
			"code":    result.Code,
			"ok":      result.OK,
			"control": result.Control,
		})
	}
	return result
}

func (e *Executor) publish(eventType, sessionID, stage string, data map[string]any) {
	e.bus.Publish(eventbus.Event{
		Type:      eventType,
		SessionID: sessionID,
		Stage:     stage,
		Data:      data,
	})
}

var failureCodes = map[string]bool{
	envelope.CodeConfigError:     true,
	envelope.CodeCredentialError: true,
	envelope.CodeTransportError:  true,
	envelope.CodeParseError:      true,
	envelope.CodeValidationError: true,
	envelope.CodeNeedMoreContext: true,
	envelope.CodeRoutingError:    true,
	envelope.CodeExecutionError:  true,
}

// metricOutcome labels the result for metrics: the envelope's own
// classification for genuine stage verdicts, "error" for the internal
// failure taxonomy. A pause is a verdict even when its code overlaps the
// failure set (clarification stages pause with NEED_MORE_CONTEXT).
func metricOutcome(r *envelope.StageResult) string {
	if r.IsPause() {
		return string(r.Outcome())
	}
	if failureCodes[r.Code] {
		return "error"
	}
	if r.OK {
		return "approved"
	}
	return string(r.Outcome())
}

// Package storage provides the durable store for run records and session
// state. Run records are immutable once written; session records are
// upserted as their durable fields (status, trusted, pending stages) change.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
)

// ErrSessionNotFound is returned when a session id has no record.
var ErrSessionNotFound = errors.New("session not found")

// Status is the durable session lifecycle status.
type Status string

const (
	StatusActive                 Status = "active"
	StatusPausedAwaitingInput    Status = "paused_awaiting_input"
	StatusPausedAwaitingRevision Status = "paused_awaiting_revision"
	StatusCompleted              Status = "completed"
	StatusFailed                 Status = "failed"
)

// IsPaused reports whether the status is one of the paused states.
func (s Status) IsPaused() bool {
	return s == StatusPausedAwaitingInput || s == StatusPausedAwaitingRevision
}

// RunRecord is the audit record of one stage invocation. Written exactly once
// per invocation, success or failure, and never updated.
type RunRecord struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	Stage     string                `json:"stage"`
	Backend   string                `json:"backend"` // backend actually used, primary or fallback
	Model     string                `json:"model"`
	Input     string                `json:"input"`
	Result    *envelope.StageResult `json:"result"`
	TokensIn  int                   `json:"tokens_in"`
	TokensOut int                   `json:"tokens_out"`
	LatencyMS int                   `json:"latency_ms"`
	CreatedAt time.Time             `json:"created_at"`
}

// SessionRecord holds the durable part of session state. The transient phase
// state lives in the OrderGuard and is reconstructed from run history.
type SessionRecord struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	Task          string    `json:"task"`
	Trusted       bool      `json:"trusted"`
	PausedStage   string    `json:"paused_stage,omitempty"` // stage re-entered on resume
	PendingStages []string  `json:"pending_stages,omitempty"`
	Context       string    `json:"context,omitempty"` // accumulated human input
	BranchSet     bool      `json:"branch_set"`
	CodeTask      bool      `json:"code_task"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy, so callers can hand records across goroutines.
func (s *SessionRecord) Clone() *SessionRecord {
	out := *s
	if s.PendingStages != nil {
		out.PendingStages = make([]string, len(s.PendingStages))
		copy(out.PendingStages, s.PendingStages)
	}
	return &out
}

// Store is the durable storage port consumed by the pipeline core.
type Store interface {
	// InsertRun appends an immutable run record.
	InsertRun(ctx context.Context, record *RunRecord) error
	// UpsertSession creates or replaces a session record.
	UpsertSession(ctx context.Context, session *SessionRecord) error
	// GetSession returns the session record or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	// QuerySessionRuns returns the session's run records in execution order.
	QuerySessionRuns(ctx context.Context, sessionID string, limit, offset int) ([]*RunRecord, error)
}

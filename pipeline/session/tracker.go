// Package session owns the session lifecycle: creation, pause and resume
// bookkeeping, the trusted bypass flag, kill marks, and progress reporting.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/executor"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/order"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/router"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/storage"
)

// Tracker is the write-through session state holder. The trusted and
// killed flags live in memory for fast checks on the hot path and are
// mirrored into the durable record; per-session locking keeps the two
// views consistent. Distinct sessions never contend.
type Tracker struct {
	store storage.Store

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	trusted map[string]bool
	killed  map[string]bool
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store storage.Store) *Tracker {
	return &Tracker{
		store:   store,
		locks:   make(map[string]*sync.Mutex),
		trusted: make(map[string]bool),
		killed:  make(map[string]bool),
	}
}

func (t *Tracker) lock(sessionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[sessionID] = l
	}
	return l
}

// Ensure returns the session record, creating it if absent.
func (t *Tracker) Ensure(ctx context.Context, sessionID, task string) (*storage.SessionRecord, error) {
	l := t.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	record, err := t.store.GetSession(ctx, sessionID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrSessionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	record = &storage.SessionRecord{
		ID:        sessionID,
		Status:    storage.StatusActive,
		Task:      task,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.store.UpsertSession(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", sessionID, err)
	}
	return record, nil
}

// Get returns the session record.
func (t *Tracker) Get(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	return t.store.GetSession(ctx, sessionID)
}

// Trusted implements order.TrustSource.
func (t *Tracker) Trusted(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trusted[sessionID]
}

// AcquireTrusted marks the session trusted and returns an idempotent
// release func. The flag is mirrored into the durable record so a paused
// session keeps it across a process restart.
func (t *Tracker) AcquireTrusted(ctx context.Context, sessionID string) (func(), error) {
	if err := t.setTrusted(ctx, sessionID, true); err != nil {
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must not fail the caller; losing the durable mirror
			// only means one extra ordering check after a restart.
			if err := t.setTrusted(context.WithoutCancel(ctx), sessionID, false); err == nil {
				return
			}
			t.mu.Lock()
			t.trusted[sessionID] = false
			t.mu.Unlock()
		})
	}
	return release, nil
}

func (t *Tracker) setTrusted(ctx context.Context, sessionID string, trusted bool) error {
	l := t.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	t.mu.Lock()
	t.trusted[sessionID] = trusted
	t.mu.Unlock()

	return t.updateRecord(ctx, sessionID, func(r *storage.SessionRecord) {
		r.Trusted = trusted
	})
}

// SavePending persists the pause bookkeeping: the stage re-entered on
// resume, the not-yet-run stage list, and the paused status.
func (t *Tracker) SavePending(ctx context.Context, sessionID, pausedStage string, pending []string, status storage.Status) error {
	l := t.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	return t.updateRecord(ctx, sessionID, func(r *storage.SessionRecord) {
		r.PausedStage = pausedStage
		r.PendingStages = append([]string{}, pending...)
		r.Status = status
	})
}

// SetStatus updates the session status. Leaving a paused status clears the
// pending stage list.
func (t *Tracker) SetStatus(ctx context.Context, sessionID string, status storage.Status) error {
	l := t.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	return t.updateRecord(ctx, sessionID, func(r *storage.SessionRecord) {
		r.Status = status
		if !status.IsPaused() {
			r.PausedStage = ""
			r.PendingStages = nil
		}
	})
}

// AppendContext appends human-supplied text to the session's stored
// conversational context and returns the accumulated text.
func (t *Tracker) AppendContext(ctx context.Context, sessionID, text string) (string, error) {
	l := t.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	var accumulated string
	err := t.updateRecord(ctx, sessionID, func(r *storage.SessionRecord) {
		if r.Context == "" {
			r.Context = text
		} else if text != "" {
			r.Context += "\n" + text
		}
		accumulated = r.Context
	})
	return accumulated, err
}

// RecordBranch persists the branch flag once it is known. Set once,
// never reset.
func (t *Tracker) RecordBranch(ctx context.Context, sessionID string, codeTask bool) error {
	l := t.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	return t.updateRecord(ctx, sessionID, func(r *storage.SessionRecord) {
		if r.BranchSet {
			return
		}
		r.BranchSet = true
		r.CodeTask = codeTask
	})
}

// Kill marks the session killed and failed. In-flight stage calls are not
// interrupted; the router stops scheduling when it next observes the mark.
func (t *Tracker) Kill(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	t.killed[sessionID] = true
	t.trusted[sessionID] = false
	t.mu.Unlock()

	l := t.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	return t.updateRecord(ctx, sessionID, func(r *storage.SessionRecord) {
		r.Status = storage.StatusFailed
		r.Trusted = false
		r.PausedStage = ""
		r.PendingStages = nil
	})
}

// History returns the envelopes of the session's successfully completed
// stage runs, in execution order. Pauses and failures are excluded; they
// are not completed work.
func (t *Tracker) History(ctx context.Context, sessionID string) ([]*envelope.StageResult, error) {
	runs, err := t.store.QuerySessionRuns(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	var out []*envelope.StageResult
	for _, run := range runs {
		if run.Result != nil && run.Result.OK && !run.Result.IsPause() {
			out = append(out, run.Result)
		}
	}
	return out, nil
}

// Killed reports whether the session has been killed.
func (t *Tracker) Killed(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed[sessionID]
}

// The tracker is the trust source for the order guard and the session
// surface for both the executor and the router.
var (
	_ order.TrustSource = (*Tracker)(nil)
	_ executor.Sessions = (*Tracker)(nil)
	_ router.Sessions   = (*Tracker)(nil)
)

// updateRecord loads, mutates, stamps, and writes back a session record.
// Callers must hold the session lock.
func (t *Tracker) updateRecord(ctx context.Context, sessionID string, mutate func(*storage.SessionRecord)) error {
	record, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	mutate(record)
	record.UpdatedAt = time.Now().UTC()
	if err := t.store.UpsertSession(ctx, record); err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	return nil
}

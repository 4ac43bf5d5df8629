package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and ephemeral deployments.
// Session state kept here does not survive a restart; use the SQLite store
// when pause/resume must outlive the process.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string][]*RunRecord // sessionID -> records in insertion order
	sessions map[string]*SessionRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string][]*RunRecord),
		sessions: make(map[string]*SessionRecord),
	}
}

// InsertRun implements Store.
func (m *MemoryStore) InsertRun(_ context.Context, record *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[record.SessionID] = append(m.runs[record.SessionID], record)
	return nil
}

// UpsertSession implements Store.
func (m *MemoryStore) UpsertSession(_ context.Context, session *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession implements Store.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// QuerySessionRuns implements Store.
func (m *MemoryStore) QuerySessionRuns(_ context.Context, sessionID string, limit, offset int) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.runs[sessionID]
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*RunRecord, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

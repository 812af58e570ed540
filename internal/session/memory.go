package session

import (
	"context"
	"sync"

	"github.com/kalambet/pixella/internal/apperr"
)

// MemoryStore keeps sessions in process memory. Used for tests and
// throwaway runs; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, id string, opts CreateOptions) (Session, error) {
	id, err := ResolveID(id)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return Session{}, apperr.Duplicate("session", id)
	}
	s := newSession(id, opts)
	m.sessions[id] = &s
	return cloneSession(s), nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, apperr.NotFound("session", id)
	}
	return cloneSession(*s), nil
}

func (m *MemoryStore) Append(_ context.Context, id string, role Role, text string) (Turn, error) {
	if err := ValidateTurn(role, text); err != nil {
		return Turn{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Turn{}, apperr.NotFound("session", id)
	}
	return appendTurn(s, role, text), nil
}

func (m *MemoryStore) Clear(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperr.NotFound("session", id)
	}
	clearTurns(s)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(*s).Summarize())
	}
	SortSummaries(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return apperr.NotFound("session", id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Rename(_ context.Context, oldID, newID string) error {
	if err := ValidateID(newID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[oldID]
	if !ok {
		return apperr.NotFound("session", oldID)
	}
	if oldID == newID {
		return nil
	}
	if _, taken := m.sessions[newID]; taken {
		return apperr.Duplicate("session", newID)
	}
	delete(m.sessions, oldID)
	s.ID = newID
	s.UpdatedAt = Now()
	m.sessions[newID] = s
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, upd MetadataUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperr.NotFound("session", id)
	}
	applyUpdate(s, upd)
	s.UpdatedAt = Now()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// maxTurnsPerSession bounds stored history so a runaway loop cannot grow a
// session without limit. Oldest turns are trimmed first.
const maxTurnsPerSession = 1000

// MemoryStore is the in-memory Store used by tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	turns    map[string][]models.Turn
	pending  map[string]*models.PendingConfirmation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		turns:    map[string][]models.Turn{},
		pending:  map[string]*models.PendingConfirmation{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = session.CreatedAt
	}
	clone := *session
	m.sessions[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	m.deleteLocked(id)
	return nil
}

func (m *MemoryStore) deleteLocked(id string) {
	delete(m.sessions, id)
	delete(m.turns, id)
	for pid, pc := range m.pending {
		if pc.SessionID == id {
			delete(m.pending, pid)
		}
	}
}

func (m *MemoryStore) List(ctx context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		clone := *s
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(session.LastActiveAt) {
		session.LastActiveAt = at
	}
	return nil
}

func (m *MemoryStore) AppendTurn(ctx context.Context, sessionID string, turn *models.Turn) error {
	if turn == nil {
		return errors.New("turn is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.SessionID = sessionID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	turns := append(m.turns[sessionID], *turn)
	if len(turns) > maxTurnsPerSession {
		turns = turns[len(turns)-maxTurnsPerSession:]
	}
	m.turns[sessionID] = turns

	if turn.CreatedAt.After(session.LastActiveAt) {
		session.LastActiveAt = turn.CreatedAt
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	turns := m.turns[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *MemoryStore) SavePending(ctx context.Context, pc *models.PendingConfirmation) error {
	if pc == nil {
		return errors.New("pending confirmation is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now()
	}
	clone := *pc
	m.pending[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetPending(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pc, ok := m.pending[id]
	if !ok {
		return nil, ErrPendingNotFound
	}
	clone := *pc
	return &clone, nil
}

func (m *MemoryStore) DeletePending(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[id]; !ok {
		return ErrPendingNotFound
	}
	delete(m.pending, id)
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context, sessionID string) ([]*models.PendingConfirmation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.PendingConfirmation
	for _, pc := range m.pending {
		if sessionID == "" || pc.SessionID == sessionID {
			clone := *pc
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PruneInactive(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, session := range m.sessions {
		if session.LastActiveAt.Before(cutoff) {
			m.deleteLocked(id)
			pruned++
		}
	}
	return pruned, nil
}

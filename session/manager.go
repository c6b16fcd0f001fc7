package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store bundles the persistence surfaces a session needs.
type Store interface {
	TaskStore
	SOPStore
}

type userSession struct {
	board   *TaskBoard
	library *SOPLibrary
}

// Manager hands out one task board and one SOP library per user, loading
// them on first use. It is the narrow accessor UI handlers go through
// instead of ambient globals.
type Manager struct {
	store   Store
	pool    *PersistPool
	reviews ReviewPrompter
	logger  *log.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*userSession
}

// NewManager creates an empty session manager.
func NewManager(store Store, pool *PersistPool, reviews ReviewPrompter, logger *log.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    store,
		pool:     pool,
		reviews:  reviews,
		logger:   logger,
		now:      now,
		sessions: make(map[string]*userSession),
	}
}

func (m *Manager) session(userID string, premium bool) *userSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		s = &userSession{
			board:   NewTaskBoard(userID, premium, m.store, m.pool, m.reviews, m.logger, m.now),
			library: NewSOPLibrary(userID, m.store, m.pool, m.logger, m.now),
		}
		m.sessions[userID] = s
	}
	return s
}

// Board returns the user's task board, loading it on first access. The
// caller passes the tier currently on the profile; a change is applied
// before the board is returned so warnings reflect it immediately.
func (m *Manager) Board(ctx context.Context, userID string, premium bool) (*TaskBoard, error) {
	s := m.session(userID, premium)
	s.board.SetPremium(premium)
	if !s.board.Loaded() {
		if err := s.board.Load(ctx); err != nil {
			return nil, err
		}
	}
	return s.board, nil
}

// Library returns the user's SOP library, loading it on first access.
func (m *Manager) Library(ctx context.Context, userID string) (*SOPLibrary, error) {
	s := m.session(userID, false)
	if !s.library.Loaded() {
		if err := s.library.Load(ctx); err != nil {
			return nil, err
		}
	}
	return s.library, nil
}

// Reload drops the user's session so the next access fetches fresh state.
func (m *Manager) Reload(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}

package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"room-service/internal/models"
	"room-service/internal/observability"
	"room-service/internal/telemetry"
	"room-service/internal/view"
)

// Hosts hands out the UI side of sessions.
type Hosts interface {
	// Attach returns the host a new session drives.
	Attach(sessionID string) view.Host
	// Detach drops the host of an unmounted session.
	Detach(sessionID string)
}

// Manager is the registry of mounted sessions.
type Manager struct {
	deps  Deps
	cfg   Config
	hosts Hosts

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs an empty registry.
func NewManager(deps Deps, cfg Config, hosts Hosts) *Manager {
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		hosts:    hosts,
		sessions: make(map[string]*Session),
	}
}

// Mount opens a session for params on behalf of user.
func (m *Manager) Mount(ctx context.Context, user models.User, params models.RouteParams) (*Session, error) {
	if params.RoomID == "" || params.Type == "" {
		return nil, ErrInvalidRoute
	}
	id := uuid.NewString()
	s := newSession(id, user, params, m.deps, m.cfg, m.hosts.Attach(id))

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.loop.Do(s.mount); err != nil {
		m.remove(id)
		s.loop.Close()
		return nil, err
	}
	observability.IncSessions()
	s.emit(ctx, telemetry.EventSessionMounted, string(params.Type))
	jww.INFO.Printf("session %s mounted room=%s thread=%s user=%s", id, params.RoomID, params.ThreadID, user.ID)
	return s, nil
}

// Get returns a mounted session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Unmount tears a session down. See Session.Unmount.
func (m *Manager) Unmount(ctx context.Context, id, composerText string, editing bool) error {
	s := m.remove(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.Unmount(ctx, composerText, editing)
	observability.DecSessions()
	return nil
}

func (m *Manager) remove(id string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.hosts.Detach(id)
	return s
}

// Len returns the number of mounted sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown unmounts every session. Composer text is unknown at shutdown, so
// stored drafts are left as they are.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		s := m.remove(id)
		if s == nil {
			continue
		}
		s.Unmount(ctx, "", true)
		observability.DecSessions()
	}
}

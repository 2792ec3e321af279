package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/atrium/internal/events"
	"github.com/atriumhq/atrium/internal/mcp"
)

// Config configures the registry and the sessions it creates.
type Config struct {
	// MaxMessages caps a session's history; system messages are always
	// kept (default 200).
	MaxMessages int
	// IdleTimeout is how long a session may sit untouched before Sweep
	// removes it (default 120 minutes).
	IdleTimeout time.Duration
	// ConnectTimeout and InvokeTimeout are handed to each session's
	// connectors.
	ConnectTimeout time.Duration
	InvokeTimeout  time.Duration
	// DefaultBinding, when set, is applied to every newly created
	// session.
	DefaultBinding *mcp.Descriptor
	// Bus receives binding and lifecycle events. May be nil.
	Bus *events.Bus
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Registry is the process-wide session table. The map is guarded by
// its own lock; each session carries a per-entry mutex, so binding
// mutations on different sessions never contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config
	logger   *slog.Logger
}

// Info is a read snapshot of one session for listings.
type Info struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
	HasBinding   bool      `json:"has_binding"`
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 200
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "session"),
	}
}

// Get returns the session with the given id, creating it if absent.
// A created session receives the registry's default binding, if any.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	if s, ok = r.sessions[id]; ok {
		r.mu.Unlock()
		return s
	}
	s = r.newSession(id)
	r.sessions[id] = s
	r.mu.Unlock()

	if r.cfg.DefaultBinding != nil {
		s.SetBinding(*r.cfg.DefaultBinding)
	}
	r.logger.Info("session created", "session_id", id)
	r.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindSessionCreated,
		Data:      map[string]any{"session_id": id},
	})
	return s
}

// Lookup returns the session with the given id without creating it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Create makes a fresh session with a generated id.
func (r *Registry) Create() *Session {
	return r.Get(newSessionID())
}

// Delete removes a session and closes its connector. Reports whether
// the session existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	r.logger.Info("session deleted", "session_id", id)
	r.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindSessionDeleted,
		Data:      map[string]any{"session_id": id, "swept": false},
	})
	return true
}

// List returns snapshots of all sessions, newest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		_, bound := s.GetBinding()
		infos = append(infos, Info{
			ID:           s.ID,
			CreatedAt:    s.CreatedAt(),
			LastActive:   s.LastActive(),
			MessageCount: s.MessageCount(),
			HasBinding:   bound,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep removes sessions idle past the configured timeout and returns
// how many were removed. Sessions with an active turn are never swept.
func (r *Registry) Sweep() int {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := !s.turnActive && s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.close()
		r.logger.Info("idle session swept", "session_id", s.ID)
		r.cfg.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceSession,
			Kind:      events.KindSessionDeleted,
			Data:      map[string]any{"session_id": s.ID, "swept": true},
		})
	}
	return len(expired)
}

// Close tears down every session. Used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (r *Registry) newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		createdAt:      now,
		lastActive:     now,
		maxMessages:    r.cfg.MaxMessages,
		connectTimeout: r.cfg.ConnectTimeout,
		invokeTimeout:  r.cfg.InvokeTimeout,
		bus:            r.cfg.Bus,
		logger:         r.logger,
	}
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Package session holds the process-wide table of chat sessions. Each
// session carries its message history and at most one MCP endpoint
// binding, realized by a connector. Binding mutations are linearized
// per session; a rebind during an active turn takes effect only on the
// next turn.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atriumhq/atrium/internal/connector"
	"github.com/atriumhq/atrium/internal/events"
	"github.com/atriumhq/atrium/internal/llm"
	"github.com/atriumhq/atrium/internal/mcp"
)

// ErrTurnActive is returned by BeginTurn while another turn is running.
var ErrTurnActive = errors.New("a turn is already active for this session")

// Session is one chat conversation: its history and its optional MCP
// binding. All fields are guarded by mu; the registry hands out
// pointers, never copies.
type Session struct {
	ID string

	mu         sync.Mutex
	createdAt  time.Time
	lastActive time.Time
	messages   []llm.Message

	binding *mcp.Descriptor
	conn    *connector.Connector

	turnActive bool
	// retired holds connectors replaced or cleared while a turn was
	// active. The running turn keeps using the pointer it captured at
	// turn start; these are closed when that turn ends.
	retired []*connector.Connector

	maxMessages    int
	connectTimeout time.Duration
	invokeTimeout  time.Duration
	bus            *events.Bus
	logger         *slog.Logger
}

// Binding is a read snapshot of a session's MCP binding.
type Binding struct {
	Descriptor mcp.Descriptor
	State      connector.State
}

// Turn represents one active orchestration turn. The Connector field
// is the binding snapshot captured at turn start (nil when the session
// has no binding); it stays valid for the whole turn even if the
// session is rebound concurrently.
type Turn struct {
	Connector *connector.Connector

	session *Session
	once    sync.Once
}

// BeginTurn marks the session busy and captures the current connector.
// Returns ErrTurnActive if a turn is already running; turns within a
// session are strictly serialized.
func (s *Session) BeginTurn() (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnActive {
		return nil, ErrTurnActive
	}
	s.turnActive = true
	s.lastActive = time.Now()
	return &Turn{Connector: s.conn, session: s}, nil
}

// End releases the turn and closes any connectors that were retired
// while it ran. Idempotent.
func (t *Turn) End() {
	t.once.Do(func() {
		s := t.session
		s.mu.Lock()
		s.turnActive = false
		s.lastActive = time.Now()
		retired := s.retired
		s.retired = nil
		s.mu.Unlock()

		for _, c := range retired {
			c.Close()
		}
	})
}

// SetBinding installs a new MCP binding, replacing any existing one.
// The new connector starts in the configured state and dials lazily.
// If a turn is active the old connector is retired at turn end so the
// running turn keeps its captured pointer.
func (s *Session) SetBinding(desc mcp.Descriptor) {
	conn := connector.New(connector.Config{
		SessionID:      s.ID,
		Descriptor:     desc,
		ConnectTimeout: s.connectTimeout,
		InvokeTimeout:  s.invokeTimeout,
		Logger:         s.logger,
	})

	s.mu.Lock()
	old := s.conn
	s.binding = &desc
	s.conn = conn
	s.lastActive = time.Now()
	turnActive := s.turnActive
	if old != nil && turnActive {
		s.retired = append(s.retired, old)
		old = nil
	}
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.logger.Info("session binding set",
		"session_id", s.ID,
		"endpoint", desc.Endpoint(),
		"transport", desc.Kind,
		"deferred_close", turnActive,
	)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindBindingSet,
		Data: map[string]any{
			"session_id": s.ID,
			"endpoint":   desc.Endpoint(),
			"transport":  string(desc.Kind),
		},
	})
}

// ClearBinding removes the session's MCP binding, if any.
func (s *Session) ClearBinding() {
	s.mu.Lock()
	old := s.conn
	s.binding = nil
	s.conn = nil
	s.lastActive = time.Now()
	if old != nil && s.turnActive {
		s.retired = append(s.retired, old)
		old = nil
	}
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.logger.Info("session binding cleared", "session_id", s.ID)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindBindingCleared,
		Data:      map[string]any{"session_id": s.ID},
	})
}

// GetBinding returns a snapshot of the current binding, or ok=false
// when the session has none.
func (s *Session) GetBinding() (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return Binding{}, false
	}
	return Binding{Descriptor: *s.binding, State: s.conn.State()}, true
}

// Probe checks the health of the session's bound endpoint. ok=false
// when the session has no binding.
func (s *Session) Probe(ctx context.Context) (mcp.ProbeResult, bool) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return mcp.ProbeResult{}, false
	}
	return conn.Probe(ctx), true
}

// AddMessage appends to the history, trimming to the message cap while
// always keeping system messages.
func (s *Session) AddMessage(msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.lastActive = time.Now()

	if s.maxMessages > 0 && len(s.messages) > s.maxMessages {
		var system, rest []llm.Message
		for _, m := range s.messages {
			if m.Role == "system" {
				system = append(system, m)
			} else {
				rest = append(rest, m)
			}
		}
		keep := s.maxMessages - len(system)
		if keep < 0 {
			keep = 0
		}
		if len(rest) > keep {
			rest = rest[len(rest)-keep:]
		}
		s.messages = append(system, rest...)
	}
}

// History returns a copy of the message history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Touch bumps the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the last-activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// CreatedAt returns the creation timestamp.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// MessageCount returns the current history length.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// close tears the session down: the live connector and anything
// retired. Called by the registry only after the session is
// unreachable from the map.
func (s *Session) close() {
	s.mu.Lock()
	conn := s.conn
	retired := s.retired
	s.conn = nil
	s.binding = nil
	s.retired = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, c := range retired {
		c.Close()
	}
}

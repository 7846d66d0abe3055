package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ConnState represents the connection state of an MCP server.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// ToolSpec describes a tool available from an MCP server.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Result is the outcome of a tool call. Tool-level failures are reported
// through IsError rather than an error return so the caller can hand the text
// back to the model.
type Result struct {
	Content string
	IsError bool
}

// Session is a live connection to one MCP server.
type Session interface {
	ListTools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (Result, error)
	Close() error
}

// Dialer establishes a session with a server. The default dialer speaks
// Streamable HTTP through the MCP SDK; tests substitute fakes.
type Dialer func(ctx context.Context, cfg ServerConfig) (Session, error)

// Manager pools MCP server connections. Connections are established lazily,
// tool lists are discovered eagerly on connect and cached, and concurrent
// callers for the same server share a single in-flight connection attempt.
type Manager struct {
	mu     sync.Mutex
	dial   Dialer
	logger *slog.Logger
	conns  map[string]*conn
}

// conn tracks one server. While state is StateConnecting, ready is open and
// is closed when the attempt settles; waiters block on it instead of dialing
// again.
type conn struct {
	state   ConnState
	session Session
	tools   []ToolSpec
	ready   chan struct{}
	err     error
}

// NewManager creates a manager using the SDK Streamable HTTP dialer.
func NewManager(logger *slog.Logger) *Manager {
	return newManager(dialStreamable, logger)
}

// NewManagerWithDialer creates a manager with a custom dialer, for transports
// other than Streamable HTTP and for tests.
func NewManagerWithDialer(dial Dialer, logger *slog.Logger) *Manager {
	return newManager(dial, logger)
}

func newManager(dial Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dial:   dial,
		logger: logger,
		conns:  make(map[string]*conn),
	}
}

// EnsureConnected connects to the server if it is not already connected.
// Concurrent callers share one attempt.
func (m *Manager) EnsureConnected(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	for {
		m.mu.Lock()
		c, ok := m.conns[cfg.ID]
		if ok {
			switch c.state {
			case StateConnected:
				m.mu.Unlock()
				return nil
			case StateConnecting:
				ready := c.ready
				m.mu.Unlock()
				select {
				case <-ready:
					// Re-check: the attempt may have failed.
					m.mu.Lock()
					settled := m.conns[cfg.ID]
					if settled != nil && settled.state == StateConnected {
						m.mu.Unlock()
						return nil
					}
					var err error
					if settled != nil {
						err = settled.err
					}
					m.mu.Unlock()
					if err != nil {
						return err
					}
					// Disconnected by someone else; retry.
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		c = &conn{state: StateConnecting, ready: make(chan struct{})}
		m.conns[cfg.ID] = c
		m.mu.Unlock()

		session, tools, err := m.connect(ctx, cfg)

		m.mu.Lock()
		if err != nil {
			c.state = StateDisconnected
			c.err = err
		} else {
			c.state = StateConnected
			c.session = session
			c.tools = tools
			c.err = nil
		}
		close(c.ready)
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("mcp connect failed", "server", cfg.ID, "error", err)
		}
		return err
	}
}

// connect dials the server and fetches its tool list.
func (m *Manager) connect(ctx context.Context, cfg ServerConfig) (Session, []ToolSpec, error) {
	session, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to MCP server %s: %w", cfg.ID, err)
	}
	tools, err := session.ListTools(ctx)
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("list tools from %s: %w", cfg.ID, err)
	}
	return session, tools, nil
}

// DiscoverTools returns the server's tools, connecting first if needed. The
// list is the one cached at connect time.
func (m *Manager) DiscoverTools(ctx context.Context, cfg ServerConfig) ([]ToolSpec, error) {
	if err := m.EnsureConnected(ctx, cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[cfg.ID]
	if c == nil || c.state != StateConnected {
		return nil, fmt.Errorf("MCP server %s is not connected", cfg.ID)
	}
	return c.tools, nil
}

// CallTool invokes a tool on a connected server. A tool-level failure comes
// back as Result.IsError; a transport failure disconnects the server so the
// next call re-establishes the session, and returns an error.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args json.RawMessage) (Result, error) {
	m.mu.Lock()
	c := m.conns[serverID]
	if c == nil || c.state != StateConnected || c.session == nil {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("MCP server %s is not connected", serverID)
	}
	session := c.session
	m.mu.Unlock()

	result, err := session.CallTool(ctx, name, args)
	if err != nil {
		m.logger.Warn("mcp call failed, disconnecting", "server", serverID, "tool", name, "error", err)
		m.Disconnect(serverID)
		return Result{}, fmt.Errorf("call tool %s on %s: %w", name, serverID, err)
	}
	return result, nil
}

// State reports the connection state of a server.
func (m *Manager) State(serverID string) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[serverID]; ok {
		return c.state
	}
	return StateDisconnected
}

// Disconnect closes a server's session and drops its cached tools.
func (m *Manager) Disconnect(serverID string) {
	m.mu.Lock()
	c, ok := m.conns[serverID]
	if !ok {
		m.mu.Unlock()
		return
	}
	session := c.session
	delete(m.conns, serverID)
	m.mu.Unlock()

	if session != nil {
		session.Close()
	}
}

// DisconnectAll closes every session.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.conns))
	for _, c := range m.conns {
		if c.session != nil {
			sessions = append(sessions, c.session)
		}
	}
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Reset disconnects everything, discarding all cached discovery state.
func (m *Manager) Reset() {
	m.DisconnectAll()
}

package db

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"aishell/internal/fault"
)

// Manager is the registry of named database clients plus the notion of an
// active connection that unqualified commands operate on.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	active  string
	logger  *zap.Logger
	onStats func(PoolStats)
}

// NewManager creates an empty registry. onStats, when set, is attached to
// every client created through Connect.
func NewManager(logger *zap.Logger, onStats func(PoolStats)) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		clients: make(map[string]*Client),
		logger:  logger,
		onStats: onStats,
	}
}

// Connect registers a new named client. Duplicate names are rejected. The
// first successful connection becomes active.
func (m *Manager) Connect(name, dsn string, pool PoolOptions) (*Client, error) {
	if name == "" {
		return nil, fault.New(fault.KindInvalidInput, "connection name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[name]; exists {
		return nil, fault.Errorf(fault.KindDuplicateName, "connection %q already exists", name)
	}

	client, err := NewClient(dsn, ClientOptions{
		Name:    name,
		Pool:    pool,
		Logger:  m.logger,
		OnStats: m.onStats,
	})
	if err != nil {
		return nil, err
	}

	m.clients[name] = client
	if m.active == "" {
		m.active = name
	}
	return client, nil
}

// Disconnect drains and removes a client. Disconnecting the active
// connection clears the active selection.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	client, ok := m.clients[name]
	if !ok {
		m.mu.Unlock()
		return fault.Errorf(fault.KindNotFound, "connection %q not found", name)
	}
	delete(m.clients, name)
	if m.active == name {
		m.active = ""
	}
	m.mu.Unlock()

	client.Close()
	m.logger.Info("disconnected", zap.String("name", name))
	return nil
}

// Use switches the active connection.
func (m *Manager) Use(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[name]; !ok {
		return fault.Errorf(fault.KindNotFound, "connection %q not found", name)
	}
	m.active = name
	return nil
}

// Get returns a client by name.
func (m *Manager) Get(name string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[name]
	if !ok {
		return nil, fault.Errorf(fault.KindNotFound, "connection %q not found", name)
	}
	return client, nil
}

// Active returns the currently selected client.
func (m *Manager) Active() (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return nil, fault.New(fault.KindNotFound, "no active connection; run connect first")
	}
	return m.clients[m.active], nil
}

// ActiveName returns the active connection's name, or "".
func (m *Manager) ActiveName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Names returns registered connection names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CloseAll drains every client.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.active = ""
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

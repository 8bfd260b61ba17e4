package orchestrator

import (
	"slices"
	"sync"

	"github.com/Iron-Ham/parley/internal/errors"
)

// Manager tracks the negotiations served by one process.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu           sync.RWMutex
	negotiations map[string]*Negotiation
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		negotiations: make(map[string]*Negotiation),
	}
}

// Add registers n under its id. Adding a second negotiation with the same
// id is an error.
func (m *Manager) Add(n *Negotiation) error {
	if n == nil {
		return errors.NewValidationError("negotiation is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.negotiations[n.ID()]; exists {
		return errors.NewValidationError("negotiation already registered").
			WithField("id").WithValue(n.ID())
	}
	m.negotiations[n.ID()] = n
	return nil
}

// Get returns the negotiation with id.
func (m *Manager) Get(id string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.negotiations[id]
	if !ok {
		return nil, errors.NewNotFoundError("negotiation", id).WithCause(errors.ErrNegotiationNotFound)
	}
	return n, nil
}

// Remove drops the negotiation with id and reports whether it was present.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.negotiations[id]; !ok {
		return false
	}
	delete(m.negotiations, id)
	return true
}

// List returns the registered ids in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.negotiations))
	for id := range m.negotiations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ByRoom returns the negotiation broadcasting to room.
func (m *Manager) ByRoom(room string) (*Negotiation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, n := range m.negotiations {
		if n.RoomID() == room {
			return n, true
		}
	}
	return nil, false
}

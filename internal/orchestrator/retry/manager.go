// Package retry tracks attempts per agent turn.
//
// Each turn the negotiator takes is keyed (for example "turn-3") and gets a
// fixed number of retries. The orchestrator records every model call against
// the key and stops once the key is exhausted or has succeeded.
package retry

import (
	"slices"
	"sync"
)

// TurnState tracks the attempts made for one turn.
type TurnState struct {
	Key        string `json:"key"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	Succeeded  bool   `json:"succeeded,omitempty"`
}

// Exhausted reports whether the turn failed and has no retries left.
func (s TurnState) Exhausted() bool {
	return !s.Succeeded && s.RetryCount > s.MaxRetries
}

// Manager manages retry state for turns.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*TurnState
}

// NewManager creates a new retry manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]*TurnState),
	}
}

// Begin returns the state for key, creating it with maxRetries if needed.
// An existing state keeps its original limit.
func (m *Manager) Begin(key string, maxRetries int) TurnState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[key]
	if !exists {
		state = &TurnState{Key: key, MaxRetries: max(maxRetries, 0)}
		m.states[key] = state
	}
	return *state
}

// State returns the state for key.
func (m *Manager) State(key string) (TurnState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[key]
	if !exists {
		return TurnState{}, false
	}
	return *state, true
}

// ShouldAttempt reports whether another attempt may be made for key. The
// first attempt plus MaxRetries retries are allowed.
func (m *Manager) ShouldAttempt(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[key]
	if !exists {
		return false
	}
	return !state.Succeeded && state.RetryCount <= state.MaxRetries
}

// RecordAttempt records the outcome of one attempt. A failure stores err as
// the last error and counts against the limit.
func (m *Manager) RecordAttempt(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[key]
	if !exists {
		return
	}
	if err == nil {
		state.Succeeded = true
		return
	}
	state.RetryCount++
	state.LastError = err.Error()
}

// Exhausted returns the sorted keys of turns that ran out of retries.
func (m *Manager) Exhausted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key, state := range m.states {
		if state.Exhausted() {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Reset clears the state for key.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, key)
}

// ResetAll clears all retry state.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[string]*TurnState)
}

// Snapshot returns a copy of every turn's state.
func (m *Manager) Snapshot() map[string]TurnState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]TurnState, len(m.states))
	for k, v := range m.states {
		result[k] = *v
	}
	return result
}

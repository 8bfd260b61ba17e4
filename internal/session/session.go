// Package session holds the observable state of one negotiation: its status
// and its transcript. It applies no transition policy of its own; every
// change is published on the negotiation's event bus.
package session

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/parley/internal/event"
)

// Status is the lifecycle state of a negotiation.
type Status string

const (
	StatusDiscovering Status = "discovering"
	StatusActive      Status = "active"
	StatusNegotiating Status = "negotiating"
	StatusSigning     Status = "signing"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDiscovering, StatusActive, StatusNegotiating, StatusSigning, StatusCompleted, StatusError:
		return true
	}
	return false
}

// TranscriptEntry is one utterance. Partial entries are replaced until the
// speaker's final entry arrives.
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsLocal   bool      `json:"isLocal"`
	IsFinal   bool      `json:"isFinal"`
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the clock used for entry timestamps and recent-window
// filtering.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// Session is safe for concurrent use. Events are published after the lock
// is released.
type Session struct {
	mu sync.Mutex

	negotiationID string
	bus           *event.Bus
	clock         func() time.Time

	status   Status
	log      []TranscriptEntry
	partials map[string]TranscriptEntry
}

// New creates a session in the discovering status.
func New(negotiationID string, bus *event.Bus, opts ...Option) *Session {
	if bus == nil {
		panic("session.New: bus is required")
	}
	s := &Session{
		negotiationID: negotiationID,
		bus:           bus,
		clock:         time.Now,
		status:        StatusDiscovering,
		partials:      make(map[string]TranscriptEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NegotiationID returns the id the session was created for.
func (s *Session) NegotiationID() string {
	return s.negotiationID
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus assigns next unconditionally and publishes the change.
func (s *Session) SetStatus(next Status) {
	s.mu.Lock()
	prev := s.status
	s.status = next
	s.mu.Unlock()

	s.bus.Publish(event.NewStatusChangedEvent(s.negotiationID, string(prev), string(next), false))
}

// AddTranscript records a copy of entry. A partial entry overwrites the
// speaker's partial slot; a final entry clears that slot and is appended to
// the log.
func (s *Session) AddTranscript(entry TranscriptEntry) {
	s.mu.Lock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock()
	}
	if entry.IsFinal {
		delete(s.partials, entry.Speaker)
		s.log = append(s.log, entry)
	} else {
		s.partials[entry.Speaker] = entry
	}
	s.mu.Unlock()

	s.bus.Publish(event.NewTranscriptEvent(s.negotiationID, entry.Speaker, entry.Text,
		entry.Timestamp, entry.IsLocal, entry.IsFinal))
}

// Transcript returns a copy of the final entries in arrival order.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

// Partials returns a copy of the open partial entries keyed by speaker.
func (s *Session) Partials() map[string]TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.partials)
}

// TranscriptText renders the final entries as "speaker: text" lines.
func (s *Session) TranscriptText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return render(s.log, time.Time{})
}

// RecentTranscriptText renders the final entries no older than window.
func (s *Session) RecentTranscriptText(window time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return render(s.log, s.clock().Add(-window))
}

func render(entries []TranscriptEntry, since time.Time) string {
	var b strings.Builder
	for _, e := range entries {
		if !e.IsFinal || e.Timestamp.Before(since) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Speaker)
		b.WriteString(": ")
		b.WriteString(e.Text)
	}
	return b.String()
}

// Reset clears the transcript and returns to discovering. The status event
// is published even when the status was already discovering.
func (s *Session) Reset() {
	s.mu.Lock()
	prev := s.status
	s.status = StatusDiscovering
	s.log = nil
	s.partials = make(map[string]TranscriptEntry)
	s.mu.Unlock()

	s.bus.Publish(event.NewStatusChangedEvent(s.negotiationID, string(prev), string(StatusDiscovering), true))
}
